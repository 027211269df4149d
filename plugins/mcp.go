package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

const mcpProtocolVersion = "2025-06-18"

// MCPAdapter exposes an external MCP server as a plugin. Local servers are
// spawned over stdio; remote ones are reached over SSE or streamable HTTP.
type MCPAdapter struct {
	name string
	cfg  config.PluginConfig

	logger *zap.Logger

	mu     sync.Mutex
	client *client.Client
	cmd    *exec.Cmd
	closed bool
}

func NewMCPAdapter(name string, cfg config.PluginConfig, logger *zap.Logger) *MCPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPAdapter{name: name, cfg: cfg, logger: logger}
}

func (a *MCPAdapter) isLocal() bool {
	return a.cfg.Command != ""
}

func (a *MCPAdapter) connect(ctx context.Context) (*client.Client, error) {
	switch {
	case a.isLocal():
		return a.createLocalClient()
	default:
		return a.createRemoteClient(ctx)
	}
}

// createLocalClient spawns the server and keeps the command for kill on close.
func (a *MCPAdapter) createLocalClient() (*client.Client, error) {
	env := processEnv(a.cfg.ProcessSettings.Env)

	cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		cmd.Dir = a.cfg.ProcessSettings.Dir
		a.cmd = cmd
		return cmd, nil
	}

	c, err := client.NewStdioMCPClientWithOptions(
		a.cfg.Command,
		env,
		a.cfg.Args,
		transport.WithCommandFunc(cmdFunc),
	)
	if err != nil {
		return nil, err
	}

	if stderr, ok := client.GetStderr(c); ok {
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				a.logger.Warn("plugin stderr", zap.String("line", scanner.Text()))
			}
		}()
	}

	switch {
	case a.cmd != nil && a.cmd.Process != nil:
		a.logger.Info("mcp server started", zap.Int("pid", a.cmd.Process.Pid), zap.String("command", a.cfg.Command))
	}
	return c, nil
}

func (a *MCPAdapter) createRemoteClient(ctx context.Context) (*client.Client, error) {
	headers := a.cfg.HTTPSettings.Headers

	var (
		c   *client.Client
		err error
	)
	switch a.cfg.HTTPSettings.Transport {
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		c, err = client.NewStreamableHttpClient(a.cfg.Endpoint, opts...)
	default:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		c, err = client.NewSSEMCPClient(a.cfg.Endpoint, opts...)
	}
	if err != nil {
		return nil, err
	}

	// Remote transports must be started before Initialize
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}
	a.logger.Info("connected to mcp server", zap.String("endpoint", a.cfg.Endpoint))
	return c, nil
}

func (a *MCPAdapter) current() (*client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || a.closed {
		return nil, &PluginError{Code: ErrCommunication, Plugin: a.name, Message: "mcp client not connected", Err: ErrAdapterDown}
	}
	return a.client, nil
}

// classify turns a client error into a PluginError. Failures of a local
// server mean the child is gone, so they are reported as adapter-down.
func (a *MCPAdapter) classify(ctx context.Context, err error, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTimeout, a.name, err, "%s", op)
	}
	pe := WrapError(ErrCommunication, a.name, err, "%s", op)
	if a.isLocal() {
		pe.Err = fmt.Errorf("%w: %v", ErrAdapterDown, err)
	}
	return pe
}

func (a *MCPAdapter) Initialize(ctx context.Context, _ map[string]any) error {
	c, err := a.connect(ctx)
	if err != nil {
		return WrapError(ErrLoadFailed, a.name, err, "connect")
	}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcpProtocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "opencuff",
				Version: Version,
			},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return WrapError(ErrInitFailed, a.name, err, "initialize")
	}

	a.mu.Lock()
	a.client = c
	a.closed = false
	a.mu.Unlock()
	return nil
}

func (a *MCPAdapter) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	c, err := a.current()
	if err != nil {
		return nil, err
	}
	result, err := c.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, a.classify(ctx, err, "list tools")
	}

	tools := make([]ToolDefinition, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func schemaToMap(schema mcptypes.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func (a *MCPAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	c, err := a.current()
	if err != nil {
		return ToolResult{}, err
	}

	res, err := c.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return ToolResult{}, a.classify(ctx, err, "call "+name)
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported failure"
		}
		return Failure(ErrToolExecutionFailed, "%s", text), nil
	}
	if res.StructuredContent != nil {
		return Success(res.StructuredContent), nil
	}
	return Success(text), nil
}

func contentText(content []mcptypes.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcptypes.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *MCPAdapter) HealthCheck(ctx context.Context) (bool, error) {
	c, err := a.current()
	if err != nil {
		return false, err
	}
	if err := c.Ping(ctx); err != nil {
		return false, a.classify(ctx, err, "ping")
	}
	return true, nil
}

// Shutdown closes the client with a 1s budget, then kills a local server
// that is still around.
func (a *MCPAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || a.client == nil {
		a.closed = true
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	c, cmd := a.client, a.cmd
	a.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- c.Close()
	}()

	clientClosed := false
	select {
	case err := <-closeDone:
		if err != nil {
			a.logger.Debug("error closing mcp client", zap.Error(err))
		} else {
			clientClosed = true
		}
	case <-closeCtx.Done():
		a.logger.Debug("mcp client close timed out")
	}

	switch {
	case !clientClosed && cmd != nil && cmd.Process != nil:
		if err := cmd.Process.Kill(); err != nil {
			a.logger.Debug("error killing mcp server", zap.Error(err))
		}
	}

	// Let the transport reap the child.
	time.Sleep(10 * time.Millisecond)
	return nil
}
