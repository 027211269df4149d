package plugins

import (
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

// Version is reported to MCP peers and by the CLI.
var Version = "v0.1.0"

// AdapterFactory builds an uninitialized adapter for one plugin instance.
type AdapterFactory func(name string, cfg config.PluginConfig, logger *zap.Logger) (Adapter, error)

// NewAdapter selects the transport from cfg.Type.
func NewAdapter(name string, cfg config.PluginConfig, logger *zap.Logger) (Adapter, error) {
	switch cfg.Type {
	case config.PluginTypeInSource:
		plugin, err := NewInProcessPlugin(name, cfg.Module)
		if err != nil {
			return nil, err
		}
		return NewInProcessAdapter(name, plugin, logger), nil
	case config.PluginTypeProcess:
		if cfg.Command == "" {
			return nil, NewError(ErrConfigInvalid, name, "process plugin requires 'command'")
		}
		return NewProcessAdapter(name, cfg, 0, logger), nil
	case config.PluginTypeHTTP:
		if cfg.Endpoint == "" {
			return nil, NewError(ErrConfigInvalid, name, "http plugin requires 'endpoint'")
		}
		return NewHTTPAdapter(name, cfg, logger), nil
	case config.PluginTypeMCP:
		if cfg.Command == "" && cfg.Endpoint == "" {
			return nil, NewError(ErrConfigInvalid, name, "mcp plugin requires 'command' or 'endpoint'")
		}
		return NewMCPAdapter(name, cfg, logger), nil
	default:
		return nil, NewError(ErrConfigInvalid, name, "unknown plugin type %q", cfg.Type)
	}
}

// supportsReload reports whether a can apply a new config in place.
func supportsReload(a Adapter) bool {
	r, ok := a.(Reloader)
	if !ok {
		return false
	}
	if c, ok := r.(interface{ CanReload() bool }); ok {
		return c.CanReload()
	}
	return true
}
