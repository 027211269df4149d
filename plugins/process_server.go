package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ServeProcess runs plugin behind the stdio protocol: one JSON request per
// line on r, one JSON response per line on w. It returns after a shutdown
// request, when r reaches EOF or when ctx is cancelled.
func ServeProcess(ctx context.Context, r io.Reader, w io.Writer, plugin Plugin) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	send := func(msg wireMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(msg)
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line []byte
		select {
		case <-ctx.Done():
			plugin.Shutdown(context.Background())
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				plugin.Shutdown(ctx)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		if len(line) == 0 {
			continue
		}

		var req wireMessage
		if err := json.Unmarshal(line, &req); err != nil {
			if err := send(wireMessage{Type: MsgError, Error: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		resp, done := dispatch(ctx, plugin, req)
		if err := send(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if done {
			return nil
		}
	}
}

func dispatch(ctx context.Context, plugin Plugin, req wireMessage) (wireMessage, bool) {
	fail := func(err error) (wireMessage, bool) {
		return wireMessage{Type: MsgError, Error: err.Error()}, false
	}

	switch req.Type {
	case MsgInitialize:
		if err := plugin.Initialize(ctx, req.Config); err != nil {
			return wireMessage{Type: MsgInitializeResponse, Success: boolPtr(false), Message: err.Error()}, false
		}
		return wireMessage{Type: MsgInitializeResponse, Success: boolPtr(true)}, false

	case MsgGetTools:
		tools, err := plugin.GetTools(ctx)
		if err != nil {
			return fail(err)
		}
		if tools == nil {
			tools = []ToolDefinition{}
		}
		return wireMessage{Type: MsgGetToolsResponse, Tools: tools}, false

	case MsgCallTool:
		if req.ToolName == "" {
			return fail(errors.New("call_tool requires tool_name"))
		}
		res, err := plugin.CallTool(ctx, req.ToolName, req.Arguments)
		if err != nil {
			return fail(err)
		}
		return wireMessage{
			Type:    MsgCallToolResponse,
			Success: boolPtr(res.Success),
			Data:    res.Data,
			Error:   res.Error,
		}, false

	case MsgHealthCheck:
		healthy, err := plugin.HealthCheck(ctx)
		if err != nil {
			return fail(err)
		}
		return wireMessage{Type: MsgHealthCheckResponse, Healthy: boolPtr(healthy)}, false

	case MsgShutdown:
		if err := plugin.Shutdown(ctx); err != nil {
			return wireMessage{Type: MsgShutdownResponse, Success: boolPtr(false), Message: err.Error()}, true
		}
		return wireMessage{Type: MsgShutdownResponse, Success: boolPtr(true)}, true

	default:
		return fail(fmt.Errorf("unknown message type %q", req.Type))
	}
}
