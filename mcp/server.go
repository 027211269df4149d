package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/plugins"
)

const serverName = "opencuff"

// Server is the agent-facing MCP endpoint. It carries a few built-in tools
// plus every tool in the plugin catalog.
type Server struct {
	mcp    *server.MCPServer
	bridge *Bridge
	host   Host
	logger *zap.Logger
}

func NewServer(host Host, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp: server.NewMCPServer(serverName, plugins.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
			server.WithInstructions("Tools are named <plugin>.<tool>. Use list_plugins to see what is loaded."),
		),
		host:   host,
		logger: logger.Named("mcp"),
	}
	s.registerBuiltins()
	s.bridge = NewBridge(s.mcp, host, s.logger)
	s.bridge.Attach()
	return s
}

// MCPServer exposes the underlying server, mainly for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) Bridge() *Bridge {
	return s.bridge
}

func (s *Server) registerBuiltins() {
	s.mcp.AddTool(mcptypes.NewTool("hello",
		mcptypes.WithDescription("Say hello. Useful as a liveness check."),
		mcptypes.WithString("name", mcptypes.Description("Who to greet")),
	), s.handleHello)

	s.mcp.AddTool(mcptypes.NewTool("list_plugins",
		mcptypes.WithDescription("List configured plugins with their state and tools."),
	), s.handleListPlugins)

	s.mcp.AddTool(mcptypes.NewTool("call_plugin_tool",
		mcptypes.WithDescription("Invoke a plugin tool by its fully-qualified name."),
		mcptypes.WithString("tool_name", mcptypes.Required(), mcptypes.Description("Tool name as <plugin>.<tool>")),
		mcptypes.WithObject("arguments", mcptypes.Description("Arguments passed to the tool")),
	), s.handleCallPluginTool)
}

func (s *Server) handleHello(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	name := req.GetString("name", "world")
	return mcptypes.NewToolResultText(fmt.Sprintf("Hello, %s! OpenCuff %s is running.", name, plugins.Version)), nil
}

type pluginSummary struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Tools        []string `json:"tools"`
	RestartCount int      `json:"restart_count"`
	LastError    string   `json:"last_error,omitempty"`
}

func (s *Server) handleListPlugins(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	statuses := s.host.Plugins()
	summaries := make([]pluginSummary, 0, len(statuses))
	total := 0
	for _, st := range statuses {
		tools := st.Tools
		if tools == nil {
			tools = []string{}
		}
		total += len(tools)
		summaries = append(summaries, pluginSummary{
			Name:         st.Name,
			Type:         st.Type,
			State:        st.State.String(),
			Tools:        tools,
			RestartCount: st.RestartCount,
			LastError:    st.LastError,
		})
	}

	payload := map[string]any{
		"plugins":     summaries,
		"total_tools": total,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin list: %w", err)
	}
	var structured map[string]any
	if err := json.Unmarshal(data, &structured); err != nil {
		return nil, fmt.Errorf("failed to encode plugin list: %w", err)
	}
	return mcptypes.NewToolResultStructured(structured, string(data)), nil
}

func (s *Server) handleCallPluginTool(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	fqn, err := req.RequireString("tool_name")
	if err != nil {
		return mcptypes.NewToolResultError(err.Error()), nil
	}
	if _, _, ok := plugins.SplitFQN(fqn); !ok {
		return ConvertResult(plugins.Failure(plugins.ErrToolNotFound, "%q is not a tool name of the form <plugin>.<tool>", fqn)), nil
	}
	var args map[string]any
	if raw, ok := req.GetArguments()["arguments"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcptypes.NewToolResultError("arguments must be an object"), nil
		}
		args = m
	}
	return ConvertResult(s.host.Invoke(ctx, fqn, args)), nil
}

// ServeStdio speaks MCP over r and w until ctx is cancelled or r closes.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	s.logger.Info("serving MCP over stdio")
	err := stdio.Listen(ctx, r, w)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to serve stdio: %w", err)
	}
	return nil
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcp)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving MCP over HTTP", zap.String("addr", addr))
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
