// Package builtin holds the in-process plugins shipped with the host.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/OpenCuff/OpenCuff/plugins"
)

// DummyModule is the module reference of the diagnostic plugin.
const DummyModule = "opencuff.plugins.builtin.dummy"

func init() {
	plugins.RegisterPlugin(DummyModule, func() plugins.Plugin { return NewDummy() })
}

// Dummy exposes echo, add and slow. It is meant for checking that the
// plugin host works end to end, and slow is handy for exercising reloads
// under load.
type Dummy struct {
	mu          sync.RWMutex
	prefix      string
	initialized bool
}

func NewDummy() *Dummy {
	return &Dummy{}
}

func prefixFrom(cfg map[string]any) string {
	if v, ok := cfg["prefix"].(string); ok {
		return v
	}
	return ""
}

func (d *Dummy) Initialize(ctx context.Context, cfg map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefix = prefixFrom(cfg)
	d.initialized = true
	return nil
}

// Reload swaps the prefix without dropping state.
func (d *Dummy) Reload(ctx context.Context, cfg map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefix = prefixFrom(cfg)
	d.initialized = true
	return nil
}

func (d *Dummy) GetTools(ctx context.Context) ([]plugins.ToolDefinition, error) {
	return []plugins.ToolDefinition{
		{
			Name:        "echo",
			Description: "Echo the input message back",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "The message to echo"},
				},
				"required": []any{"message"},
			},
			Returns: map[string]any{"type": "string"},
		},
		{
			Name:        "add",
			Description: "Add two numbers together",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "integer", "description": "First number"},
					"b": map[string]any{"type": "integer", "description": "Second number"},
				},
				"required": []any{"a", "b"},
			},
			Returns: map[string]any{"type": "integer"},
		},
		{
			Name:        "slow",
			Description: "Sleep for a specified duration then return",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"seconds": map[string]any{"type": "number", "description": "Number of seconds to sleep"},
				},
				"required": []any{"seconds"},
			},
			Returns: map[string]any{"type": "string"},
		},
	}, nil
}

func (d *Dummy) CallTool(ctx context.Context, name string, args map[string]any) (plugins.ToolResult, error) {
	d.mu.RLock()
	initialized, prefix := d.initialized, d.prefix
	d.mu.RUnlock()

	if !initialized {
		return plugins.Failure(plugins.ErrToolExecutionFailed, "plugin not initialized"), nil
	}

	switch name {
	case "echo":
		msg, _ := args["message"].(string)
		return plugins.Success(prefix + msg), nil

	case "add":
		a, err := toInt(args["a"])
		if err != nil {
			return plugins.Failure(plugins.ErrToolExecutionFailed, "invalid arguments: a: %v", err), nil
		}
		b, err := toInt(args["b"])
		if err != nil {
			return plugins.Failure(plugins.ErrToolExecutionFailed, "invalid arguments: b: %v", err), nil
		}
		return plugins.Success(a + b), nil

	case "slow":
		secs := 1.0
		if v, ok := args["seconds"]; ok {
			f, err := toFloat(v)
			if err != nil {
				return plugins.Failure(plugins.ErrToolExecutionFailed, "invalid arguments: seconds: %v", err), nil
			}
			secs = f
		}
		if secs < 0 {
			return plugins.Failure(plugins.ErrToolExecutionFailed, "sleep duration must be non-negative"), nil
		}
		timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return plugins.ToolResult{}, ctx.Err()
		}
		return plugins.Success(fmt.Sprintf("Slept for %g seconds", secs)), nil

	default:
		return plugins.Failure(plugins.ErrToolNotFound, "unknown tool: %s", name), nil
	}
}

func (d *Dummy) HealthCheck(ctx context.Context) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized, nil
}

func (d *Dummy) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
