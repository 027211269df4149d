package plugins

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

// Factory constructs a fresh in-process plugin.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterPlugin makes an in-process plugin available under a module
// reference. It panics on a duplicate or out-of-namespace module, so it is
// meant to be called from init.
func RegisterPlugin(module string, factory Factory) {
	if !strings.HasPrefix(module, config.InSourcePrefix) {
		panic(fmt.Sprintf("plugins: module %q is outside %q", module, config.InSourcePrefix))
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[module]; dup {
		panic(fmt.Sprintf("plugins: RegisterPlugin called twice for %q", module))
	}
	factories[module] = factory
}

// RegisteredModules lists known in-process module references.
func RegisteredModules() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for m := range factories {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func lookupFactory(module string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[module]
	return f, ok
}

// NewInProcessPlugin builds the plugin registered under module.
func NewInProcessPlugin(name, module string) (Plugin, error) {
	if !strings.HasPrefix(module, config.InSourcePrefix) {
		return nil, NewError(ErrConfigInvalid, name, "module %q is outside the %q namespace", module, config.InSourcePrefix)
	}
	factory, ok := lookupFactory(module)
	if !ok {
		return nil, NewError(ErrLoadFailed, name, "no in-process plugin registered as %q", module)
	}
	return factory(), nil
}

// InProcessAdapter calls a Plugin directly. A panic inside the plugin is
// converted into an error wrapping ErrAdapterDown.
type InProcessAdapter struct {
	name   string
	plugin Plugin
	logger *zap.Logger
}

func NewInProcessAdapter(name string, plugin Plugin, logger *zap.Logger) *InProcessAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessAdapter{name: name, plugin: plugin, logger: logger}
}

func (a *InProcessAdapter) guard(op string, err *error) {
	if r := recover(); r != nil {
		a.logger.Error("plugin panicked",
			zap.String("op", op),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()))
		*err = WrapError(ErrToolExecutionFailed, a.name, ErrAdapterDown, "panic in %s: %v", op, r)
	}
}

func (a *InProcessAdapter) Initialize(ctx context.Context, cfg map[string]any) (err error) {
	defer a.guard("initialize", &err)
	if err := a.plugin.Initialize(ctx, cfg); err != nil {
		return WrapError(ErrInitFailed, a.name, err, "initialize")
	}
	return nil
}

func (a *InProcessAdapter) GetTools(ctx context.Context) (tools []ToolDefinition, err error) {
	defer a.guard("get_tools", &err)
	return a.plugin.GetTools(ctx)
}

func (a *InProcessAdapter) CallTool(ctx context.Context, name string, args map[string]any) (res ToolResult, err error) {
	defer a.guard("call_tool", &err)
	return a.plugin.CallTool(ctx, name, args)
}

func (a *InProcessAdapter) HealthCheck(ctx context.Context) (healthy bool, err error) {
	defer a.guard("health_check", &err)
	return a.plugin.HealthCheck(ctx)
}

func (a *InProcessAdapter) Shutdown(ctx context.Context) (err error) {
	defer a.guard("shutdown", &err)
	return a.plugin.Shutdown(ctx)
}

// Reload forwards to the plugin when it supports in-place reloads.
func (a *InProcessAdapter) Reload(ctx context.Context, cfg map[string]any) (err error) {
	defer a.guard("reload", &err)
	r, ok := a.plugin.(Reloader)
	if !ok {
		return NewError(ErrLoadFailed, a.name, "plugin does not support reload")
	}
	return r.Reload(ctx, cfg)
}

// CanReload reports whether Reload can be used instead of a full restart.
func (a *InProcessAdapter) CanReload() bool {
	_, ok := a.plugin.(Reloader)
	return ok
}
