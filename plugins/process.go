package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

const (
	maxLineSize      = 16 * 1024 * 1024
	shutdownGrace    = 1 * time.Second
	defaultCallLimit = 30 * time.Second
)

// ProcessAdapter runs a plugin as a child process and talks to it with
// newline-delimited JSON over stdin/stdout. Stderr is drained into the log.
type ProcessAdapter struct {
	name    string
	command string
	args    []string
	env     map[string]string
	dir     string
	timeout time.Duration
	logger  *zap.Logger

	// mu serializes request/response exchanges on the pipe.
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	exited  chan struct{}
	quit    chan struct{}
	quitOne *sync.Once
	waitErr error
	pid     atomic.Int64

	closeOnce sync.Once
}

func NewProcessAdapter(name string, cfg config.PluginConfig, timeout time.Duration, logger *zap.Logger) *ProcessAdapter {
	if timeout <= 0 {
		timeout = defaultCallLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessAdapter{
		name:    name,
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		env:     cfg.ProcessSettings.Env,
		dir:     cfg.ProcessSettings.Dir,
		timeout: timeout,
		logger:  logger,
	}
}

func processEnv(extra map[string]string) []string {
	// Start with the host environment to preserve PATH and friends
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func (a *ProcessAdapter) start() error {
	cmd := exec.Command(a.command, a.args...)
	cmd.Env = processEnv(a.env)
	cmd.Dir = a.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", a.command, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.lines = make(chan []byte, 16)
	a.exited = make(chan struct{})
	a.quit = make(chan struct{})
	a.quitOne = &sync.Once{}
	a.pid.Store(int64(cmd.Process.Pid))

	var readers sync.WaitGroup
	readers.Add(2)
	lines, quit := a.lines, a.quit
	go func() {
		defer readers.Done()
		readLines(stdout, lines, quit, a.logger)
	}()
	go func() {
		defer readers.Done()
		a.drainStderr(stderr)
	}()
	go func() {
		// Wait must not run before the pipes are fully read.
		readers.Wait()
		a.waitErr = cmd.Wait()
		close(a.exited)
		a.logger.Debug("plugin process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(a.waitErr))
	}()

	a.logger.Info("plugin process started", zap.Int("pid", cmd.Process.Pid), zap.String("command", a.command))
	return nil
}

// readLines forwards stdout lines until EOF. Once quit is closed nobody
// reads lines any more, so the rest of the output is discarded.
func readLines(r io.Reader, lines chan<- []byte, quit <-chan struct{}, logger *zap.Logger) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- line:
		case <-quit:
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("plugin stdout read failed", zap.Error(err))
	}
}

func (a *ProcessAdapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		a.logger.Warn("plugin stderr", zap.String("line", scanner.Text()))
	}
}

// Pid returns the child's process id, or 0 before start.
func (a *ProcessAdapter) Pid() int {
	return int(a.pid.Load())
}

func (a *ProcessAdapter) running() bool {
	if a.cmd == nil {
		return false
	}
	select {
	case <-a.exited:
		return false
	default:
		return true
	}
}

func (a *ProcessAdapter) kill() {
	if a.cmd == nil || a.cmd.Process == nil {
		return
	}
	a.quitOne.Do(func() { close(a.quit) })
	if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		a.logger.Warn("failed to kill plugin process", zap.Error(err))
	}
}

func (a *ProcessAdapter) down(code ErrorCode, format string, args ...any) error {
	return &PluginError{
		Code:    code,
		Plugin:  a.name,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrAdapterDown,
	}
}

// exchange writes one request and reads exactly one response. Any failure
// that leaves the stream out of step kills the child.
func (a *ProcessAdapter) exchange(ctx context.Context, req wireMessage) (wireMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running() {
		return wireMessage{}, a.down(ErrCommunication, "process is not running")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return wireMessage{}, WrapError(ErrProtocol, a.name, err, "failed to encode %s", req.Type)
	}
	data = append(data, '\n')

	if _, err := a.stdin.Write(data); err != nil {
		a.kill()
		return wireMessage{}, a.down(ErrCommunication, "failed to write %s: %v", req.Type, err)
	}

	var line []byte
	select {
	case l, ok := <-a.lines:
		if !ok {
			return wireMessage{}, a.down(ErrCommunication, "process exited during %s", req.Type)
		}
		line = l
	case <-ctx.Done():
		a.kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wireMessage{}, a.down(ErrTimeout, "%s timed out, process killed", req.Type)
		}
		return wireMessage{}, a.down(ErrCommunication, "%s cancelled, process killed", req.Type)
	}

	var resp wireMessage
	if err := json.Unmarshal(line, &resp); err != nil {
		a.kill()
		return wireMessage{}, a.down(ErrProtocol, "invalid response to %s: %q", req.Type, truncate(string(line), 120))
	}

	switch resp.Type {
	case expectedResponse(req.Type), MsgError:
		return resp, nil
	default:
		a.kill()
		return wireMessage{}, a.down(ErrProtocol, "unexpected %q in reply to %s", resp.Type, req.Type)
	}
}

func (a *ProcessAdapter) Initialize(ctx context.Context, cfg map[string]any) error {
	a.mu.Lock()
	switch {
	case a.running():
		a.mu.Unlock()
		return NewError(ErrInitFailed, a.name, "process already started")
	}
	if err := a.start(); err != nil {
		a.mu.Unlock()
		return WrapError(ErrLoadFailed, a.name, err, "spawn")
	}
	a.mu.Unlock()

	resp, err := a.exchange(ctx, wireMessage{Type: MsgInitialize, Config: cfg})
	if err != nil {
		return err
	}

	switch {
	case resp.Type == MsgError:
		a.terminate()
		return NewError(ErrInitFailed, a.name, "%s", resp.Error)
	case resp.Success == nil || !*resp.Success:
		a.terminate()
		msg := resp.Message
		if msg == "" {
			msg = "plugin reported initialization failure"
		}
		return NewError(ErrInitFailed, a.name, "%s", msg)
	}
	return nil
}

func (a *ProcessAdapter) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := a.exchange(ctx, wireMessage{Type: MsgGetTools})
	if err != nil {
		return nil, err
	}
	if resp.Type == MsgError {
		return nil, NewError(ErrLoadFailed, a.name, "get_tools: %s", resp.Error)
	}
	return resp.Tools, nil
}

func (a *ProcessAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := a.exchange(ctx, wireMessage{Type: MsgCallTool, ToolName: name, Arguments: args})
	if err != nil {
		return ToolResult{}, err
	}
	if resp.Type == MsgError {
		return Failure(ErrToolExecutionFailed, "%s", resp.Error), nil
	}

	result := ToolResult{
		Success: resp.Success != nil && *resp.Success,
		Data:    resp.Data,
		Error:   resp.Error,
	}
	if !result.Success {
		result.Code = ErrToolExecutionFailed
		if result.Error == "" {
			result.Error = "tool reported failure"
		}
	}
	return result, nil
}

func (a *ProcessAdapter) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := a.exchange(ctx, wireMessage{Type: MsgHealthCheck})
	if err != nil {
		return false, err
	}
	if resp.Type == MsgError {
		return false, NewError(ErrHealthCheckFailed, a.name, "%s", resp.Error)
	}
	return resp.Healthy != nil && *resp.Healthy, nil
}

// Shutdown asks the child to exit, then kills it after a short grace period.
// Calling it more than once is a no-op.
func (a *ProcessAdapter) Shutdown(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.shutdown(ctx)
	})
	return err
}

func (a *ProcessAdapter) shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil {
		return nil
	}
	if !a.running() {
		return nil
	}

	data, _ := json.Marshal(wireMessage{Type: MsgShutdown})
	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		a.logger.Debug("shutdown write failed", zap.Error(err))
	}
	a.stdin.Close()

	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	select {
	case <-a.exited:
		return nil
	case <-graceCtx.Done():
		a.logger.Debug("plugin did not exit in time, killing", zap.Int("pid", a.cmd.Process.Pid))
	}

	a.quitOne.Do(func() { close(a.quit) })
	if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return WrapError(ErrShutdownFailed, a.name, err, "kill")
	}
	select {
	case <-a.exited:
	case <-time.After(shutdownGrace):
		return NewError(ErrShutdownFailed, a.name, "process did not exit after kill")
	}
	return nil
}

// terminate kills the child without the shutdown handshake.
func (a *ProcessAdapter) terminate() {
	a.mu.Lock()
	a.kill()
	exited := a.exited
	a.mu.Unlock()
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(shutdownGrace):
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
