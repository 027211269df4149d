package plugins

import (
	"context"
	"fmt"
)

// ToolDefinition describes one tool a plugin exposes.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Returns     map[string]any `json:"returns,omitempty"`
}

// ToolResult is the uniform envelope returned by every invocation.
// Error is set iff Success is false.
type ToolResult struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

func Success(data any) ToolResult {
	return ToolResult{Success: true, Data: data}
}

func Failure(code ErrorCode, format string, args ...any) ToolResult {
	return ToolResult{Success: false, Code: code, Error: fmt.Sprintf(format, args...)}
}

// FailureFrom converts an error into a failed result, keeping its code.
func FailureFrom(err error) ToolResult {
	return ToolResult{Success: false, Code: CodeOf(err), Error: err.Error()}
}

// Adapter is the transport-independent plugin protocol.
type Adapter interface {
	Initialize(ctx context.Context, config map[string]any) error
	GetTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error)
	HealthCheck(ctx context.Context) (bool, error)
	Shutdown(ctx context.Context) error
}

// Reloader is implemented by adapters that can apply a new plugin config
// without being torn down.
type Reloader interface {
	Reload(ctx context.Context, config map[string]any) error
}

// Plugin is what an in-process plugin implements. It has the same shape as
// Adapter so it can also be served over stdio or HTTP.
type Plugin interface {
	Adapter
}

// State is the lifecycle state of a configured plugin instance.
type State int

const (
	StateUnloaded State = iota
	StateInitializing
	StateActive
	StateError
	StateRecovering
)

var stateNames = map[State]string{
	StateUnloaded:     "unloaded",
	StateInitializing: "initializing",
	StateActive:       "active",
	StateError:        "error",
	StateRecovering:   "recovering",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var validTransitions = map[State][]State{
	StateUnloaded:     {StateInitializing, StateActive, StateError},
	StateInitializing: {StateActive, StateError, StateUnloaded},
	StateActive:       {StateActive, StateError, StateUnloaded},
	StateError:        {StateRecovering, StateActive, StateUnloaded},
	StateRecovering:   {StateActive, StateError, StateUnloaded},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PluginStatus is a point-in-time snapshot of a lifecycle.
type PluginStatus struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	State        State    `json:"state"`
	Tools        []string `json:"tools"`
	RestartCount int      `json:"restart_count"`
	LastError    string   `json:"last_error,omitempty"`
	InFlight     int      `json:"in_flight"`
}
