package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/OpenCuff/OpenCuff/config"
)

// Invocation is one completed tool call as seen by the manager.
type Invocation struct {
	ID        string
	FQN       string
	Plugin    string
	Result    ToolResult
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder receives invocations and state transitions, typically to persist
// them for auditing.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
	RecordTransition(ctx context.Context, t Transition) error
}

type ManagerOption func(*Manager)

func WithAdapterFactory(f AdapterFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// instanceLock serializes lifecycle operations for one instance name. It
// outlives the lifecycle so a removed-then-added name keeps its lock.
type instanceLock struct {
	sync.Mutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (il *instanceLock) setCancel(cancel context.CancelFunc) {
	il.cancelMu.Lock()
	il.cancel = cancel
	il.cancelMu.Unlock()
}

func (il *instanceLock) cancelRecovery() {
	il.cancelMu.Lock()
	if il.cancel != nil {
		il.cancel()
		il.cancel = nil
	}
	il.cancelMu.Unlock()
}

// Manager owns every plugin lifecycle, the shared catalog and the health
// monitor.
type Manager struct {
	logger   *zap.Logger
	catalog  *Catalog
	factory  AdapterFactory
	recorder Recorder

	// mu guards the maps and settings only. It is never held while a
	// lifecycle operation runs.
	mu         sync.RWMutex
	settings   *config.Settings
	lifecycles map[string]*Lifecycle
	locks      map[string]*instanceLock
	monitor    *HealthMonitor
	stopped    bool

	recoveries singleflight.Group
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:    NewAdapter,
		lifecycles: make(map[string]*Lifecycle),
		locks:      make(map[string]*instanceLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.catalog = NewCatalog(m.logger)
	m.logger = m.logger.Named("manager")
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Settings returns the settings currently applied.
func (m *Manager) Settings() *config.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

func (m *Manager) lockFor(name string) *instanceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	il, ok := m.locks[name]
	if !ok {
		il = &instanceLock{}
		m.locks[name] = il
	}
	return il
}

// Lifecycle returns the lifecycle of a configured instance, or nil.
func (m *Manager) Lifecycle(name string) *Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycles[name]
}

func (m *Manager) allLifecycles() []*Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Lifecycle, 0, len(m.lifecycles))
	for _, lc := range m.lifecycles {
		out = append(out, lc)
	}
	return out
}

func (m *Manager) newLifecycle(name string, cfg config.PluginConfig, ps config.PluginSettings) *Lifecycle {
	return NewLifecycle(name, cfg, m.catalog,
		WithFactory(m.factory),
		WithLifecycleLogger(m.logger.Named("lifecycle")),
		WithCallTimeout(ps.Timeout()),
		WithBarrierTimeout(ps.QueueTimeout()),
		WithFaultHandler(m.scheduleRecovery),
		WithTransitionHandler(m.recordTransition),
	)
}

func invalidSettings(err error) error {
	return WrapError(ErrConfigInvalid, "", err, "")
}

// Start validates settings, loads every enabled plugin concurrently and
// starts the health monitor. A plugin that fails to load does not fail
// Start; it is left in ERROR and retried in the background.
func (m *Manager) Start(ctx context.Context, settings *config.Settings) error {
	if settings == nil {
		return NewError(ErrConfigMissing, "", "no settings")
	}
	if err := settings.Validate(); err != nil {
		return invalidSettings(err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("manager is stopped")
	}
	m.settings = settings
	var toLoad []*Lifecycle
	for _, name := range settings.EnabledPlugins() {
		lc := m.newLifecycle(name, settings.Plugins[name], settings.PluginSettings)
		m.lifecycles[name] = lc
		toLoad = append(toLoad, lc)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, lc := range toLoad {
		g.Go(func() error {
			m.loadLocked(ctx, lc)
			return nil
		})
	}
	_ = g.Wait()

	m.restartMonitor(settings.PluginSettings.HealthInterval())

	m.logger.Info("plugin manager started",
		zap.Int("plugins", len(toLoad)),
		zap.Int("tools", m.catalog.Len()))
	return nil
}

func (m *Manager) loadLocked(ctx context.Context, lc *Lifecycle) error {
	il := m.lockFor(lc.Name())
	il.Lock()
	defer il.Unlock()

	if err := lc.Load(ctx); err != nil {
		m.logger.Error("failed to load plugin", zap.String("plugin", lc.Name()), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) restartMonitor(interval time.Duration) {
	m.mu.Lock()
	old := m.monitor
	if old != nil && old.Interval() == interval {
		m.mu.Unlock()
		return
	}
	monitor := NewHealthMonitor(interval, m.allLifecycles, m.logger)
	m.monitor = monitor
	stopped := m.stopped
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if !stopped {
		monitor.Start(m.bgCtx)
	}
}

// CheckHealth runs one health round immediately.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	monitor := m.monitor
	m.mu.RUnlock()
	if monitor == nil {
		monitor = NewHealthMonitor(0, m.allLifecycles, m.logger)
	}
	monitor.CheckAll(ctx)
}

// OnConfigChange applies new settings: removed plugins are unloaded, changed
// ones reloaded in place and new ones loaded. A plugin entry that fails
// validation is treated as disabled: a running instance is unloaded, a new
// one is skipped, and the rest of the change still applies. Invalid
// plugin_settings reject the whole change and leave the running set untouched.
func (m *Manager) OnConfigChange(ctx context.Context, settings *config.Settings) error {
	if settings == nil {
		return NewError(ErrConfigMissing, "", "no settings")
	}
	if err := settings.ValidateHost(); err != nil {
		m.logger.Error("rejected invalid settings", zap.Error(err))
		return invalidSettings(err)
	}

	var invalid []error
	enabled := make(map[string]config.PluginConfig)
	for _, name := range settings.EnabledPlugins() {
		cfg := settings.Plugins[name]
		if err := cfg.Validate(name); err != nil {
			m.logger.Error("disabling plugin with invalid settings", zap.String("plugin", name), zap.Error(err))
			invalid = append(invalid, WrapError(ErrConfigInvalid, name, err, ""))
			continue
		}
		enabled[name] = cfg
	}

	var removed, changed, added []string

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("manager is stopped")
	}
	m.settings = settings
	for name, lc := range m.lifecycles {
		cfg, ok := enabled[name]
		switch {
		case !ok:
			removed = append(removed, name)
		case !cfg.Equal(lc.Config()):
			changed = append(changed, name)
		}
	}
	for name := range enabled {
		if _, ok := m.lifecycles[name]; !ok {
			added = append(added, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(removed)
	sort.Strings(changed)
	sort.Strings(added)
	m.logger.Info("applying settings change",
		zap.Strings("removed", removed),
		zap.Strings("changed", changed),
		zap.Strings("added", added))

	var g errgroup.Group
	for _, name := range removed {
		g.Go(func() error {
			return m.UnloadPlugin(ctx, name)
		})
	}
	for _, name := range changed {
		cfg := enabled[name]
		g.Go(func() error {
			return m.ReloadPlugin(ctx, name, &cfg)
		})
	}
	for _, name := range added {
		cfg := enabled[name]
		g.Go(func() error {
			return m.LoadPlugin(ctx, name, cfg)
		})
	}
	err := g.Wait()

	m.restartMonitor(settings.PluginSettings.HealthInterval())
	return errors.Join(append(invalid, err)...)
}

// LoadPlugin loads one instance outside of a settings change.
func (m *Manager) LoadPlugin(ctx context.Context, name string, cfg config.PluginConfig) error {
	if err := cfg.Validate(name); err != nil {
		return WrapError(ErrConfigInvalid, name, err, "invalid plugin config")
	}

	il := m.lockFor(name)
	il.cancelRecovery()
	il.Lock()
	defer il.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return NewError(ErrLoadFailed, name, "manager is stopped")
	}
	lc, ok := m.lifecycles[name]
	switch {
	case ok && lc.State() != StateUnloaded:
		m.mu.Unlock()
		return NewError(ErrLoadFailed, name, "plugin is already %s", lc.State())
	case !ok || !cfg.Equal(lc.Config()):
		ps := config.DefaultPluginSettings()
		if m.settings != nil {
			ps = m.settings.PluginSettings
		}
		lc = m.newLifecycle(name, cfg, ps)
		m.lifecycles[name] = lc
	}
	m.mu.Unlock()

	return lc.Load(ctx)
}

// UnloadPlugin unloads and forgets an instance.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	il := m.lockFor(name)
	il.cancelRecovery()
	il.Lock()
	defer il.Unlock()

	lc := m.Lifecycle(name)
	if lc == nil {
		return NewError(ErrConfigMissing, name, "no such plugin")
	}
	err := lc.Unload(ctx)

	m.mu.Lock()
	if m.lifecycles[name] == lc {
		delete(m.lifecycles, name)
	}
	m.mu.Unlock()
	return err
}

// ReloadPlugin reloads an instance with cfg, or with its current config when
// cfg is nil. It also revives a plugin that gave up after max_restarts.
func (m *Manager) ReloadPlugin(ctx context.Context, name string, cfg *config.PluginConfig) error {
	if cfg != nil {
		if err := cfg.Validate(name); err != nil {
			return WrapError(ErrConfigInvalid, name, err, "invalid plugin config")
		}
	}

	il := m.lockFor(name)
	il.cancelRecovery()
	il.Lock()
	defer il.Unlock()

	lc := m.Lifecycle(name)
	if lc == nil {
		return NewError(ErrConfigMissing, name, "no such plugin")
	}
	if err := lc.Reload(ctx, cfg); err != nil {
		m.logger.Error("failed to reload plugin", zap.String("plugin", name), zap.Error(err))
		return err
	}
	return nil
}

// scheduleRecovery runs Recover in the background. Concurrent requests for
// the same instance collapse into one.
func (m *Manager) scheduleRecovery(name string, cause error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.bgWG.Add(1)
	m.mu.Unlock()

	m.logger.Info("scheduling recovery", zap.String("plugin", name), zap.Error(cause))

	go func() {
		defer m.bgWG.Done()
		m.recoveries.Do(name, func() (any, error) {
			return nil, m.recover(name)
		})
	}()
}

func (m *Manager) recover(name string) error {
	il := m.lockFor(name)
	ctx, cancel := context.WithCancel(m.bgCtx)
	defer cancel()
	il.setCancel(cancel)

	il.Lock()
	defer il.Unlock()

	lc := m.Lifecycle(name)
	if lc == nil {
		return nil
	}

	for {
		err := lc.Recover(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case lc.State() != StateError:
			return err
		case !lc.Config().ProcessSettings.RestartOnCrash:
			return err
		}
		// Failed again after a successful restart; start over.
	}
}

// Invoke calls a tool by fully-qualified name. It never returns an error:
// every failure is reported in the result.
func (m *Manager) Invoke(ctx context.Context, fqn string, args map[string]any) ToolResult {
	inv := Invocation{
		ID:        uuid.NewString(),
		FQN:       fqn,
		StartedAt: time.Now(),
	}

	entry, ok := m.catalog.Lookup(fqn)
	var lc *Lifecycle
	if ok {
		inv.Plugin = entry.Instance
		lc = m.Lifecycle(entry.Instance)
	}

	switch {
	case lc == nil:
		inv.Result = m.notFound(fqn)
	default:
		inv.Result = lc.CallTool(ctx, entry.Tool.Name, args)
	}
	inv.Duration = time.Since(inv.StartedAt)

	fields := []zap.Field{
		zap.String("id", inv.ID),
		zap.String("tool", fqn),
		zap.Bool("success", inv.Result.Success),
		zap.Duration("duration", inv.Duration),
	}
	if !inv.Result.Success {
		fields = append(fields, zap.String("code", string(inv.Result.Code)), zap.String("error", inv.Result.Error))
	}
	m.logger.Debug("tool invoked", fields...)

	if m.recorder != nil {
		if err := m.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
			m.logger.Warn("failed to record invocation", zap.Error(err))
		}
	}
	return inv.Result
}

func (m *Manager) notFound(fqn string) ToolResult {
	msg := fmt.Sprintf("tool %q not found", fqn)
	if matches := fuzzy.Find(fqn, m.catalog.Names()); len(matches) > 0 {
		msg = fmt.Sprintf("%s; did you mean %q?", msg, matches[0].Str)
	}
	return ToolResult{Success: false, Code: ErrToolNotFound, Error: msg}
}

func (m *Manager) recordTransition(t Transition) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordTransition(context.Background(), t); err != nil {
		m.logger.Warn("failed to record transition", zap.Error(err))
	}
}

func (m *Manager) Lookup(fqn string) (CatalogEntry, bool) {
	return m.catalog.Lookup(fqn)
}

func (m *Manager) ListTools() []CatalogEntry {
	return m.catalog.List()
}

// Plugins returns a status snapshot of every configured instance, by name.
func (m *Manager) Plugins() []PluginStatus {
	lcs := m.allLifecycles()
	out := make([]PluginStatus, 0, len(lcs))
	for _, lc := range lcs {
		out = append(out, lc.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels background recoveries, stops the health monitor and unloads
// every plugin concurrently.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	monitor := m.monitor
	m.mu.Unlock()

	m.bgCancel()
	if monitor != nil {
		monitor.Stop()
	}
	m.bgWG.Wait()

	var g errgroup.Group
	for _, lc := range m.allLifecycles() {
		g.Go(func() error {
			il := m.lockFor(lc.Name())
			il.Lock()
			defer il.Unlock()
			return lc.Unload(ctx)
		})
	}
	err := g.Wait()

	m.logger.Info("plugin manager stopped")
	return err
}
