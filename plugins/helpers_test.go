package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

// fakeAdapter is a scriptable Adapter. Tools:
//
//	say     returns args["msg"]
//	whoami  returns the adapter generation
//	block   signals started, then waits for release
//	crash   fails with ErrAdapterDown
//	oops    returns a failed result
type fakeAdapter struct {
	gen     int
	tools   []ToolDefinition
	initErr error

	started chan struct{}
	release chan struct{}

	mu        sync.Mutex
	healthy   bool
	healthErr error

	shutdowns atomic.Int32
}

func newFakeAdapter(gen int) *fakeAdapter {
	return &fakeAdapter{
		gen: gen,
		tools: []ToolDefinition{
			{Name: "say", Description: "say something"},
			{Name: "whoami"},
			{Name: "block"},
			{Name: "crash"},
			{Name: "oops"},
		},
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		healthy: true,
	}
}

func (a *fakeAdapter) Initialize(ctx context.Context, cfg map[string]any) error {
	return a.initErr
}

func (a *fakeAdapter) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	return a.tools, nil
}

func (a *fakeAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	switch name {
	case "say":
		return Success(fmt.Sprint(args["msg"])), nil
	case "whoami":
		return Success(a.gen), nil
	case "block":
		a.started <- struct{}{}
		select {
		case <-a.release:
			return Success(a.gen), nil
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	case "crash":
		return ToolResult{}, &PluginError{Code: ErrCommunication, Message: "pipe closed", Err: ErrAdapterDown}
	case "oops":
		return ToolResult{Success: false}, nil
	}
	return Failure(ErrToolNotFound, "unknown tool %s", name), nil
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy, a.healthErr
}

func (a *fakeAdapter) setHealth(healthy bool, err error) {
	a.mu.Lock()
	a.healthy, a.healthErr = healthy, err
	a.mu.Unlock()
}

func (a *fakeAdapter) Shutdown(ctx context.Context) error {
	a.shutdowns.Add(1)
	return nil
}

// fakeFactory hands out fakeAdapters with increasing generations. When
// failFrom > 0, every adapter from that generation on fails to initialize;
// failGen makes exactly one generation fail.
type fakeFactory struct {
	mu       sync.Mutex
	built    []*fakeAdapter
	failFrom int
	failGen  int
	tools    []ToolDefinition
}

func (f *fakeFactory) build(name string, cfg config.PluginConfig, logger *zap.Logger) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAdapter(len(f.built) + 1)
	if f.tools != nil {
		a.tools = f.tools
	}
	if (f.failFrom > 0 && a.gen >= f.failFrom) || a.gen == f.failGen {
		a.initErr = errors.New("boom")
	}
	f.built = append(f.built, a)
	return a, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) adapter(gen int) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[gen-1]
}

func (f *fakeFactory) setFailFrom(gen int) {
	f.mu.Lock()
	f.failFrom = gen
	f.mu.Unlock()
}

func testPluginConfig() config.PluginConfig {
	cfg := config.DefaultPluginConfig()
	cfg.Type = config.PluginTypeInSource
	cfg.Module = testEchoModule
	cfg.ProcessSettings.RestartDelay = 0
	return cfg
}

func testSettings(plugins map[string]config.PluginConfig) *config.Settings {
	s := config.DefaultSettings()
	s.PluginSettings.HealthCheckInterval = 0
	s.Plugins = plugins
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const (
	testEchoModule  = "opencuff.plugins.test.echo"
	testBuildModule = "opencuff.plugins.test.build"
	testPanicModule = "opencuff.plugins.test.panic"
)

func init() {
	RegisterPlugin(testEchoModule, func() Plugin { return &echoPlugin{} })
	RegisterPlugin(testBuildModule, func() Plugin { return &buildPlugin{} })
	RegisterPlugin(testPanicModule, func() Plugin { return &panicPlugin{} })
}

// echoPlugin has one tool, say, and supports in-place reload of its prefix.
type echoPlugin struct {
	mu      sync.Mutex
	prefix  string
	reloads int
}

func (p *echoPlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefix, _ = cfg["prefix"].(string)
	return nil
}

func (p *echoPlugin) Reload(ctx context.Context, cfg map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefix, _ = cfg["prefix"].(string)
	p.reloads++
	return nil
}

func (p *echoPlugin) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	return []ToolDefinition{{
		Name:        "say",
		Description: "Echo msg",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"msg": map[string]any{"type": "string"}},
		},
	}}, nil
}

func (p *echoPlugin) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	p.mu.Lock()
	prefix := p.prefix
	p.mu.Unlock()
	if name != "say" {
		return Failure(ErrToolNotFound, "unknown tool %s", name), nil
	}
	msg, _ := args["msg"].(string)
	return Success(prefix + msg), nil
}

func (p *echoPlugin) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (p *echoPlugin) Shutdown(ctx context.Context) error           { return nil }

// buildPlugin declares a single "build" tool.
type buildPlugin struct{}

func (buildPlugin) Initialize(ctx context.Context, cfg map[string]any) error { return nil }
func (buildPlugin) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	return []ToolDefinition{{Name: "build", Description: "Run the build"}}, nil
}
func (buildPlugin) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	return Success("built"), nil
}
func (buildPlugin) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (buildPlugin) Shutdown(ctx context.Context) error           { return nil }

// panicPlugin panics on every call.
type panicPlugin struct{}

func (panicPlugin) Initialize(ctx context.Context, cfg map[string]any) error { return nil }
func (panicPlugin) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	return []ToolDefinition{{Name: "explode"}}, nil
}
func (panicPlugin) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	panic("kaboom")
}
func (panicPlugin) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (panicPlugin) Shutdown(ctx context.Context) error           { return nil }
