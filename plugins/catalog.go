package plugins

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// CatalogEntry is one published tool.
type CatalogEntry struct {
	FQN      string
	Instance string
	Tool     ToolDefinition
}

// CatalogChange describes one bulk update for a single plugin instance.
type CatalogChange struct {
	Instance string
	Added    []string
	Removed  []string
}

// CatalogListener is notified after each publish or retract, outside the
// catalog lock.
type CatalogListener func(change CatalogChange) error

// Catalog maps fully-qualified tool names to the plugin that owns them.
type Catalog struct {
	mu         sync.RWMutex
	entries    map[string]CatalogEntry
	byInstance map[string][]string

	listenersMu sync.RWMutex
	listeners   []CatalogListener

	logger *zap.Logger
}

func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		entries:    make(map[string]CatalogEntry),
		byInstance: make(map[string][]string),
		logger:     logger.Named("catalog"),
	}
}

// FQN joins an instance name and a tool name.
func FQN(instance, tool string) string {
	return instance + "." + tool
}

// SplitFQN splits on the first "." since instance names never contain one.
func SplitFQN(fqn string) (instance, tool string, ok bool) {
	idx := strings.Index(fqn, ".")
	if idx <= 0 || idx == len(fqn)-1 {
		return "", fqn, false
	}
	return fqn[:idx], fqn[idx+1:], true
}

// Subscribe registers a listener for catalog changes.
func (c *Catalog) Subscribe(l CatalogListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Publish replaces every entry owned by instance with tools in one critical
// section. Duplicate or empty tool names are rejected before anything changes.
func (c *Catalog) Publish(instance string, tools []ToolDefinition) error {
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			return NewError(ErrConfigInvalid, instance, "tool with empty name")
		}
		if _, dup := seen[tool.Name]; dup {
			return NewError(ErrConfigInvalid, instance, "duplicate tool name %q", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}

	c.mu.Lock()
	previous := c.byInstance[instance]
	for _, fqn := range previous {
		delete(c.entries, fqn)
	}
	added := make([]string, 0, len(tools))
	for _, tool := range tools {
		fqn := FQN(instance, tool.Name)
		c.entries[fqn] = CatalogEntry{FQN: fqn, Instance: instance, Tool: tool}
		added = append(added, fqn)
	}
	switch {
	case len(added) == 0:
		delete(c.byInstance, instance)
	default:
		c.byInstance[instance] = added
	}
	c.mu.Unlock()

	c.notify(CatalogChange{
		Instance: instance,
		Added:    added,
		Removed:  difference(previous, added),
	})
	return nil
}

// Retract removes every entry owned by instance and returns the removed FQNs.
func (c *Catalog) Retract(instance string) []string {
	c.mu.Lock()
	removed := c.byInstance[instance]
	for _, fqn := range removed {
		delete(c.entries, fqn)
	}
	delete(c.byInstance, instance)
	c.mu.Unlock()

	if len(removed) > 0 {
		c.notify(CatalogChange{Instance: instance, Removed: removed})
	}
	return removed
}

func (c *Catalog) Lookup(fqn string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[fqn]
	return entry, ok
}

// List returns all entries sorted by FQN.
func (c *Catalog) List() []CatalogEntry {
	c.mu.RLock()
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FQN < out[j].FQN })
	return out
}

// Names returns all FQNs, sorted.
func (c *Catalog) Names() []string {
	entries := c.List()
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.FQN
	}
	return names
}

func (c *Catalog) ToolsFor(instance string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.byInstance[instance]...)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalog) notify(change CatalogChange) {
	c.listenersMu.RLock()
	listeners := append([]CatalogListener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		if err := l(change); err != nil {
			c.logger.Warn("catalog listener failed",
				zap.String("plugin", change.Instance),
				zap.Error(err))
		}
	}
}

// difference returns the items of a that are not in b.
func difference(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(b))
	for _, s := range b {
		keep[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := keep[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
