package plugins

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of failure kinds surfaced by the plugin host.
type ErrorCode string

const (
	ErrConfigInvalid       ErrorCode = "CONFIG_INVALID"
	ErrConfigMissing       ErrorCode = "CONFIG_MISSING"
	ErrLoadFailed          ErrorCode = "LOAD_FAILED"
	ErrInitFailed          ErrorCode = "INIT_FAILED"
	ErrShutdownFailed      ErrorCode = "SHUTDOWN_FAILED"
	ErrToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrCommunication       ErrorCode = "COMMUNICATION_ERROR"
	ErrProtocol            ErrorCode = "PROTOCOL_ERROR"
	ErrHealthCheckFailed   ErrorCode = "HEALTH_CHECK_FAILED"
	ErrPluginUnhealthy     ErrorCode = "PLUGIN_UNHEALTHY"
)

// ErrAdapterDown marks adapter failures that leave the transport unusable
// (a crashed child process, a desynchronized stream, a panicking in-process
// plugin). A lifecycle that sees it moves the plugin to ERROR.
var ErrAdapterDown = errors.New("adapter down")

// PluginError carries an ErrorCode together with the plugin it concerns.
type PluginError struct {
	Code    ErrorCode
	Plugin  string
	Message string
	Err     error
}

func (e *PluginError) Error() string {
	msg := e.Message
	if e.Err != nil {
		switch {
		case msg == "":
			msg = e.Err.Error()
		default:
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Plugin != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Plugin, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// NewError builds a PluginError with a formatted message.
func NewError(code ErrorCode, plugin string, format string, args ...any) *PluginError {
	return &PluginError{
		Code:    code,
		Plugin:  plugin,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError attaches code and plugin to an underlying error.
func WrapError(code ErrorCode, plugin string, err error, format string, args ...any) *PluginError {
	return &PluginError{
		Code:    code,
		Plugin:  plugin,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// CodeOf returns the code of the first PluginError in err's chain.
// Errors that carry no code are treated as execution failures.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrToolExecutionFailed
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
