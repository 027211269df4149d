package mcp

import (
	"context"
	"sort"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/plugins"
)

// Host is the part of the plugin manager the MCP front end needs.
type Host interface {
	Catalog() *plugins.Catalog
	Invoke(ctx context.Context, fqn string, args map[string]any) plugins.ToolResult
	Plugins() []plugins.PluginStatus
}

// Bridge mirrors the tool catalog onto an MCP server. Every change is applied
// by re-reading the catalog for the affected names, so whichever event is
// handled last leaves the server matching the catalog.
type Bridge struct {
	server *server.MCPServer
	host   Host
	logger *zap.Logger

	mu         sync.Mutex
	registered map[string]struct{}
}

func NewBridge(s *server.MCPServer, host Host, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		server:     s,
		host:       host,
		logger:     logger.Named("bridge"),
		registered: make(map[string]struct{}),
	}
}

// Attach subscribes to catalog changes and registers every tool already
// published.
func (b *Bridge) Attach() {
	b.host.Catalog().Subscribe(b.onChange)
	b.Sync()
}

// Sync reconciles the whole server tool set with the catalog.
func (b *Bridge) Sync() {
	catalog := b.host.Catalog()

	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]struct{})
	var tools []server.ServerTool
	for _, entry := range catalog.List() {
		current[entry.FQN] = struct{}{}
		tools = append(tools, server.ServerTool{
			Tool:    ConvertToolDefinition(entry.FQN, entry.Tool),
			Handler: b.handler(entry.FQN),
		})
	}

	var stale []string
	for fqn := range b.registered {
		if _, ok := current[fqn]; !ok {
			stale = append(stale, fqn)
		}
	}
	sort.Strings(stale)

	if len(stale) > 0 {
		b.server.DeleteTools(stale...)
	}
	if len(tools) > 0 {
		b.server.AddTools(tools...)
	}
	b.registered = current
	b.logger.Debug("synced tools", zap.Int("tools", len(current)), zap.Int("removed", len(stale)))
}

func (b *Bridge) onChange(change plugins.CatalogChange) error {
	catalog := b.host.Catalog()

	b.mu.Lock()
	defer b.mu.Unlock()

	names := append(append([]string(nil), change.Added...), change.Removed...)
	var deleted []string
	for _, fqn := range names {
		entry, ok := catalog.Lookup(fqn)
		switch {
		case ok:
			b.server.AddTool(ConvertToolDefinition(fqn, entry.Tool), b.handler(fqn))
			b.registered[fqn] = struct{}{}
		default:
			if _, had := b.registered[fqn]; had {
				deleted = append(deleted, fqn)
				delete(b.registered, fqn)
			}
		}
	}
	if len(deleted) > 0 {
		b.server.DeleteTools(deleted...)
	}

	b.logger.Debug("catalog changed",
		zap.String("plugin", change.Instance),
		zap.Strings("added", change.Added),
		zap.Strings("removed", deleted),
	)
	return nil
}

// Registered returns the tool names currently exposed, sorted.
func (b *Bridge) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.registered))
	for fqn := range b.registered {
		names = append(names, fqn)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) handler(fqn string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
		return ConvertResult(b.host.Invoke(ctx, fqn, req.GetArguments())), nil
	}
}
