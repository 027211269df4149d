package plugins

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

const maxRestartInterval = 5 * time.Minute

// Transition is one lifecycle state change.
type Transition struct {
	Plugin string
	From   State
	To     State
	Err    error
}

// TransitionFunc observes state changes. It is called without any
// lifecycle lock held.
type TransitionFunc func(Transition)

// FaultFunc is called when a plugin drops to ERROR outside of an explicit
// operation, so that the owner can schedule recovery.
type FaultFunc func(name string, err error)

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

func WithFactory(f AdapterFactory) LifecycleOption {
	return func(l *Lifecycle) { l.factory = f }
}

func WithLifecycleLogger(logger *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = logger }
}

// WithCallTimeout bounds every adapter call that has no earlier deadline.
func WithCallTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.callTimeout = d }
}

func WithBarrierTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.barrier = NewBarrier(d) }
}

func WithFaultHandler(f FaultFunc) LifecycleOption {
	return func(l *Lifecycle) { l.onFault = f }
}

func WithTransitionHandler(f TransitionFunc) LifecycleOption {
	return func(l *Lifecycle) { l.onTransition = f }
}

// Lifecycle owns one configured plugin instance: its adapter, its state and
// its request barrier. Load, Reload, Unload and Recover must not run
// concurrently for the same instance; the Manager serializes them.
type Lifecycle struct {
	name         string
	catalog      *Catalog
	barrier      *Barrier
	factory      AdapterFactory
	callTimeout  time.Duration
	logger       *zap.Logger
	onFault      FaultFunc
	onTransition TransitionFunc

	mu           sync.RWMutex
	cfg          config.PluginConfig
	state        State
	adapter      Adapter
	restartCount int
	lastError    string
}

func NewLifecycle(name string, cfg config.PluginConfig, catalog *Catalog, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		name:    name,
		cfg:     cfg,
		catalog: catalog,
		state:   StateUnloaded,
		factory: NewAdapter,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.barrier == nil {
		l.barrier = NewBarrier(DefaultBarrierTimeout)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("plugin", name))
	return l
}

func (l *Lifecycle) Name() string {
	return l.name
}

func (l *Lifecycle) Barrier() *Barrier {
	return l.barrier
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) Config() config.PluginConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Lifecycle) RestartCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.restartCount
}

func (l *Lifecycle) Status() PluginStatus {
	l.mu.RLock()
	status := PluginStatus{
		Name:         l.name,
		Type:         string(l.cfg.Type),
		State:        l.state,
		RestartCount: l.restartCount,
		LastError:    l.lastError,
	}
	l.mu.RUnlock()

	status.Tools = l.catalog.ToolsFor(l.name)
	status.InFlight = l.barrier.InFlight()
	return status
}

// setState must be called with mu held. The returned transition is emitted
// by the caller once the lock is released.
func (l *Lifecycle) setState(next State, err error) Transition {
	t := Transition{Plugin: l.name, From: l.state, To: next, Err: err}
	if !l.state.CanTransition(next) {
		l.logger.Debug("unusual state transition",
			zap.Stringer("from", l.state),
			zap.Stringer("to", next))
	}
	l.state = next
	switch {
	case err != nil:
		l.lastError = err.Error()
	case next == StateActive:
		l.lastError = ""
	}
	return t
}

func (l *Lifecycle) emit(transitions ...Transition) {
	for _, t := range transitions {
		fields := []zap.Field{zap.Stringer("from", t.From), zap.Stringer("to", t.To)}
		if t.Err != nil {
			fields = append(fields, zap.Error(t.Err))
		}
		l.logger.Info("plugin state changed", fields...)
		if l.onTransition != nil {
			l.onTransition(t)
		}
	}
}

func (l *Lifecycle) fault(err error) {
	if l.onFault == nil || IsCode(err, ErrConfigInvalid) {
		return
	}
	l.onFault(l.name, err)
}

func (l *Lifecycle) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || l.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.callTimeout)
}

// start builds, initializes and lists a fresh adapter. On any error the
// adapter has already been shut down.
func (l *Lifecycle) start(ctx context.Context, cfg config.PluginConfig) (Adapter, []ToolDefinition, error) {
	adapter, err := l.factory(l.name, cfg, l.logger)
	if err != nil {
		return nil, nil, err
	}

	initCtx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := adapter.Initialize(initCtx, cfg.Config); err != nil {
		l.shutdownAdapter(adapter)
		if _, ok := err.(*PluginError); ok {
			return nil, nil, err
		}
		return nil, nil, WrapError(ErrInitFailed, l.name, err, "initialize")
	}

	tools, err := adapter.GetTools(initCtx)
	if err != nil {
		l.shutdownAdapter(adapter)
		return nil, nil, WrapError(CodeOf(err), l.name, err, "get tools")
	}
	return adapter, tools, nil
}

func (l *Lifecycle) shutdownAdapter(a Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*shutdownGrace)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		l.logger.Warn("adapter shutdown failed", zap.Error(err))
	}
}

// install publishes tools and makes adapter current. If publishing fails the
// adapter is shut down and the plugin is left in ERROR.
func (l *Lifecycle) install(adapter Adapter, tools []ToolDefinition) error {
	if err := l.catalog.Publish(l.name, tools); err != nil {
		l.shutdownAdapter(adapter)
		return err
	}

	l.mu.Lock()
	l.adapter = adapter
	t := l.setState(StateActive, nil)
	l.mu.Unlock()
	l.emit(t)
	return nil
}

func (l *Lifecycle) markError(err error) {
	l.mu.Lock()
	t := l.setState(StateError, err)
	l.mu.Unlock()
	l.catalog.Retract(l.name)
	l.emit(t)
}

// Load constructs and initializes the adapter and publishes its tools. It is
// only valid from UNLOADED.
func (l *Lifecycle) Load(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateUnloaded {
		state := l.state
		l.mu.Unlock()
		return NewError(ErrLoadFailed, l.name, "cannot load from state %s", state)
	}
	t := l.setState(StateInitializing, nil)
	cfg := l.cfg
	l.mu.Unlock()
	l.emit(t)

	adapter, tools, err := l.start(ctx, cfg)
	if err == nil {
		err = l.install(adapter, tools)
	}
	if err != nil {
		l.markError(err)
		l.fault(err)
		return err
	}

	l.logger.Info("plugin loaded", zap.Int("tools", len(tools)))
	return nil
}

// Reload applies cfg (or re-applies the current config when cfg is nil)
// with the barrier closed. Requests admitted earlier finish on the old
// adapter; requests arriving meanwhile run on the new one. Reload works from
// any state and resets the restart count.
func (l *Lifecycle) Reload(ctx context.Context, cfg *config.PluginConfig) error {
	return l.barrier.Reload(ctx, func() error {
		return l.reload(ctx, cfg)
	})
}

func (l *Lifecycle) reload(ctx context.Context, newCfg *config.PluginConfig) error {
	l.mu.Lock()
	old, oldCfg, from := l.adapter, l.cfg, l.state
	if newCfg != nil {
		l.cfg = *newCfg
	}
	cfg := l.cfg
	l.restartCount = 0
	l.mu.Unlock()

	if old != nil && from == StateActive && cfg.Type == oldCfg.Type && cfg.Target() == oldCfg.Target() && supportsReload(old) {
		err := l.reloadInPlace(ctx, old, cfg)
		if err == nil {
			l.logger.Info("plugin reloaded in place")
			return nil
		}
		l.logger.Warn("in-place reload failed, restarting adapter", zap.Error(err))
	}

	var transitions []Transition
	l.mu.Lock()
	l.adapter = nil
	if l.state != StateActive {
		transitions = append(transitions, l.setState(StateInitializing, nil))
	}
	l.mu.Unlock()
	l.emit(transitions...)

	if old != nil {
		l.shutdownAdapter(old)
	}

	adapter, tools, err := l.start(ctx, cfg)
	if err == nil {
		err = l.install(adapter, tools)
	}
	if err != nil {
		l.markError(err)
		l.fault(err)
		return err
	}

	l.logger.Info("plugin reloaded", zap.Int("tools", len(tools)))
	return nil
}

func (l *Lifecycle) reloadInPlace(ctx context.Context, adapter Adapter, cfg config.PluginConfig) error {
	rctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := adapter.(Reloader).Reload(rctx, cfg.Config); err != nil {
		return err
	}
	tools, err := adapter.GetTools(rctx)
	if err != nil {
		return err
	}
	if err := l.catalog.Publish(l.name, tools); err != nil {
		return err
	}

	l.mu.Lock()
	t := l.setState(StateActive, nil)
	l.mu.Unlock()
	l.emit(t)
	return nil
}

// Unload retracts the tools, drains admitted requests and shuts the adapter
// down. A second call is a no-op.
func (l *Lifecycle) Unload(ctx context.Context) error {
	l.mu.Lock()
	adapter := l.adapter
	if l.state == StateUnloaded && adapter == nil {
		l.mu.Unlock()
		return nil
	}
	l.adapter = nil
	t := l.setState(StateUnloaded, nil)
	l.mu.Unlock()

	l.catalog.Retract(l.name)
	l.emit(t)

	if adapter == nil {
		return nil
	}

	if err := l.barrier.EnterReload(ctx); err != nil {
		l.logger.Warn("drain interrupted, shutting down anyway", zap.Error(err))
		return l.shutdownWith(ctx, adapter)
	}
	defer l.barrier.ExitReload()
	return l.shutdownWith(ctx, adapter)
}

func (l *Lifecycle) shutdownWith(ctx context.Context, adapter Adapter) error {
	if err := adapter.Shutdown(ctx); err != nil {
		l.logger.Warn("adapter shutdown failed", zap.Error(err))
		if _, ok := err.(*PluginError); ok {
			return err
		}
		return WrapError(ErrShutdownFailed, l.name, err, "shutdown")
	}
	l.logger.Info("plugin unloaded")
	return nil
}

// fail moves an ACTIVE plugin to ERROR after adapter reported a fatal
// condition. Stale reports about a replaced adapter are ignored.
func (l *Lifecycle) fail(adapter Adapter, err error) {
	l.mu.Lock()
	if l.state != StateActive || (adapter != nil && l.adapter != adapter) {
		l.mu.Unlock()
		return
	}
	current := l.adapter
	l.adapter = nil
	t := l.setState(StateError, err)
	l.mu.Unlock()

	l.catalog.Retract(l.name)
	l.emit(t)
	l.logger.Error("plugin failed", zap.Error(err))

	if current != nil {
		go l.shutdownAdapter(current)
	}
	l.fault(err)
}

// MarkUnhealthy is used by the health monitor when a probe of adapter
// fails. The verdict is dropped if adapter has since been replaced.
func (l *Lifecycle) MarkUnhealthy(adapter Adapter, err error) {
	if err == nil {
		err = NewError(ErrHealthCheckFailed, l.name, "health check reported unhealthy")
	}
	l.fail(adapter, err)
}

// CallTool invokes a tool through the barrier. It never returns an error:
// failures are reported in the result.
func (l *Lifecycle) CallTool(ctx context.Context, tool string, args map[string]any) ToolResult {
	if state := l.State(); state != StateActive {
		return Failure(ErrPluginUnhealthy, "plugin %q is %s", l.name, state)
	}

	var result ToolResult
	err := l.barrier.Request(ctx, 0, func() error {
		l.mu.RLock()
		adapter, state := l.adapter, l.state
		l.mu.RUnlock()
		if adapter == nil || state != StateActive {
			result = Failure(ErrPluginUnhealthy, "plugin %q is %s", l.name, state)
			return nil
		}

		callCtx, cancel := l.withTimeout(ctx)
		defer cancel()

		res, err := adapter.CallTool(callCtx, tool, args)
		if err != nil {
			if errors.Is(err, ErrAdapterDown) {
				l.fail(adapter, err)
			}
			result = l.failureFrom(err)
			return nil
		}
		if !res.Success {
			if res.Code == "" {
				res.Code = ErrToolExecutionFailed
			}
			if res.Error == "" {
				res.Error = "tool reported failure"
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return l.failureFrom(err)
	}
	return result
}

func (l *Lifecycle) failureFrom(err error) ToolResult {
	var pe *PluginError
	switch {
	case errors.As(err, &pe):
		if pe.Plugin == "" {
			pe.Plugin = l.name
		}
		return FailureFrom(pe)
	case errors.Is(err, context.DeadlineExceeded):
		return Failure(ErrTimeout, "%s", err.Error())
	default:
		return FailureFrom(err)
	}
}

// HealthCheck probes the adapter from inside a request slot so a probe never
// overlaps an adapter swap. It also returns the adapter that was probed.
func (l *Lifecycle) HealthCheck(ctx context.Context) (healthy bool, probed Adapter, err error) {
	if state := l.State(); state != StateActive {
		return false, nil, NewError(ErrPluginUnhealthy, l.name, "plugin is %s", state)
	}

	err = l.barrier.Request(ctx, 0, func() error {
		l.mu.RLock()
		probed = l.adapter
		l.mu.RUnlock()
		if probed == nil {
			return NewError(ErrPluginUnhealthy, l.name, "no adapter")
		}

		hctx, cancel := l.withTimeout(ctx)
		defer cancel()

		ok, err := probed.HealthCheck(hctx)
		if err != nil {
			return err
		}
		healthy = ok
		return nil
	})
	return healthy, probed, err
}

func restartBackOff(ps config.ProcessSettings) backoff.BackOff {
	delay := ps.Delay()
	switch ps.Backoff {
	case config.BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = delay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxInterval = maxRestartInterval
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	default:
		return backoff.NewConstantBackOff(delay)
	}
}

// Recover restarts a plugin in ERROR. Each attempt counts against
// max_restarts; once exceeded the plugin ends up UNLOADED with its tools
// retracted and stays there until an explicit reload.
func (l *Lifecycle) Recover(ctx context.Context) error {
	l.mu.RLock()
	state, cfg := l.state, l.cfg
	l.mu.RUnlock()

	if state != StateError {
		return nil
	}
	if !cfg.ProcessSettings.RestartOnCrash {
		l.logger.Info("restart_on_crash disabled, leaving plugin in error state")
		return nil
	}

	b := restartBackOff(cfg.ProcessSettings)
	for {
		l.mu.Lock()
		if l.state != StateError {
			l.mu.Unlock()
			return nil
		}
		l.restartCount++
		attempt := l.restartCount
		if attempt > cfg.ProcessSettings.MaxRestarts {
			t := l.setState(StateUnloaded, nil)
			l.mu.Unlock()
			l.catalog.Retract(l.name)
			l.emit(t)
			l.logger.Error("max restarts exceeded, plugin disabled", zap.Int("restarts", attempt-1))
			return NewError(ErrLoadFailed, l.name, "giving up after %d restart attempts", attempt-1)
		}
		t := l.setState(StateRecovering, nil)
		l.mu.Unlock()
		l.emit(t)

		wait := b.NextBackOff()
		l.logger.Info("restarting plugin", zap.Int("attempt", attempt), zap.Duration("delay", wait))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			var ts []Transition
			if l.state == StateRecovering {
				ts = append(ts, l.setState(StateError, ctx.Err()))
			}
			l.mu.Unlock()
			l.emit(ts...)
			return ctx.Err()
		}

		adapter, tools, err := l.start(ctx, cfg)
		if err == nil {
			err = l.catalog.Publish(l.name, tools)
			if err != nil {
				l.shutdownAdapter(adapter)
			}
		}
		if err != nil {
			l.logger.Warn("restart attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			l.mu.Lock()
			var ts []Transition
			if l.state == StateRecovering {
				ts = append(ts, l.setState(StateError, err))
			}
			l.mu.Unlock()
			l.emit(ts...)
			continue
		}

		l.mu.Lock()
		if l.state != StateRecovering {
			// Reloaded or unloaded while we were starting.
			l.mu.Unlock()
			l.shutdownAdapter(adapter)
			return nil
		}
		l.adapter = adapter
		l.restartCount = 0
		t = l.setState(StateActive, nil)
		l.mu.Unlock()
		l.emit(t)
		l.logger.Info("plugin recovered", zap.Int("attempt", attempt))
		return nil
	}
}
