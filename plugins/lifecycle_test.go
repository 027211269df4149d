package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OpenCuff/OpenCuff/config"
)

func newTestLifecycle(t *testing.T, f *fakeFactory, opts ...LifecycleOption) (*Lifecycle, *Catalog) {
	t.Helper()
	catalog := NewCatalog(nil)
	opts = append([]LifecycleOption{WithFactory(f.build)}, opts...)
	lc := NewLifecycle("echo", testPluginConfig(), catalog, opts...)
	return lc, catalog
}

func TestLifecycleLoadPublishesTools(t *testing.T) {
	f := &fakeFactory{}
	lc, catalog := newTestLifecycle(t, f)

	if err := lc.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if lc.State() != StateActive {
		t.Fatalf("State() = %s, want active", lc.State())
	}
	if _, ok := catalog.Lookup("echo.say"); !ok {
		t.Error("echo.say not published")
	}

	res := lc.CallTool(context.Background(), "say", map[string]any{"msg": "hi"})
	if !res.Success || res.Data != "hi" {
		t.Errorf("CallTool() = %+v", res)
	}

	if err := lc.Load(context.Background()); !IsCode(err, ErrLoadFailed) {
		t.Errorf("second Load() = %v, want LOAD_FAILED", err)
	}
}

func TestLifecycleLoadFailure(t *testing.T) {
	f := &fakeFactory{failFrom: 1}
	var faults []error
	lc, catalog := newTestLifecycle(t, f, WithFaultHandler(func(name string, err error) {
		faults = append(faults, err)
	}))

	err := lc.Load(context.Background())
	if !IsCode(err, ErrInitFailed) {
		t.Fatalf("Load() = %v, want INIT_FAILED", err)
	}
	if lc.State() != StateError {
		t.Errorf("State() = %s, want error", lc.State())
	}
	if catalog.Len() != 0 {
		t.Error("failed plugin has tools in the catalog")
	}
	if len(faults) != 1 {
		t.Errorf("fault handler called %d times, want 1", len(faults))
	}
	if f.adapter(1).shutdowns.Load() != 1 {
		t.Error("adapter that failed to initialize was not shut down")
	}
}

func TestLifecycleCallToolWhenNotActive(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f)

	res := lc.CallTool(context.Background(), "say", nil)
	if res.Success || res.Code != ErrPluginUnhealthy {
		t.Fatalf("CallTool() = %+v, want PLUGIN_UNHEALTHY", res)
	}
	if f.calls() != 0 {
		t.Error("adapter was built for an unloaded plugin")
	}
}

func TestLifecycleFailedResultGetsCode(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f)
	lc.Load(context.Background())

	res := lc.CallTool(context.Background(), "oops", nil)
	if res.Success || res.Code != ErrToolExecutionFailed || res.Error == "" {
		t.Errorf("CallTool() = %+v", res)
	}
}

func TestLifecycleAdapterDownMovesToError(t *testing.T) {
	f := &fakeFactory{}
	faulted := make(chan string, 1)
	var transitions []Transition
	var tmu sync.Mutex
	lc, catalog := newTestLifecycle(t, f,
		WithFaultHandler(func(name string, err error) { faulted <- name }),
		WithTransitionHandler(func(tr Transition) {
			tmu.Lock()
			transitions = append(transitions, tr)
			tmu.Unlock()
		}),
	)
	lc.Load(context.Background())

	res := lc.CallTool(context.Background(), "crash", nil)
	if res.Success || res.Code != ErrCommunication {
		t.Fatalf("CallTool() = %+v, want COMMUNICATION_ERROR", res)
	}
	if lc.State() != StateError {
		t.Fatalf("State() = %s, want error", lc.State())
	}
	if catalog.Len() != 0 {
		t.Error("tools of a failed plugin are still published")
	}
	select {
	case name := <-faulted:
		if name != "echo" {
			t.Errorf("fault for %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("fault handler not called")
	}
	waitFor(t, time.Second, "old adapter shutdown", func() bool {
		return f.adapter(1).shutdowns.Load() == 1
	})

	tmu.Lock()
	defer tmu.Unlock()
	last := transitions[len(transitions)-1]
	if last.From != StateActive || last.To != StateError || last.Err == nil {
		t.Errorf("last transition = %+v", last)
	}
}

func TestLifecycleInProcessPanicIsContained(t *testing.T) {
	catalog := NewCatalog(nil)
	cfg := testPluginConfig()
	cfg.Module = testPanicModule
	lc := NewLifecycle("bomb", cfg, catalog)

	if err := lc.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	res := lc.CallTool(context.Background(), "explode", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if lc.State() != StateError {
		t.Errorf("State() = %s, want error", lc.State())
	}
}

// Three calls are in flight when a reload starts. They all finish on the old
// adapter, the reload waits for them, and a call arriving during the drain
// runs on the new adapter.
func TestLifecycleReloadDrainsInFlight(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f, WithBarrierTimeout(5*time.Second))
	ctx := context.Background()
	if err := lc.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	old := f.adapter(1)

	results := make(chan ToolResult, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- lc.CallTool(ctx, "block", nil)
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-old.started:
		case <-time.After(2 * time.Second):
			t.Fatal("blocking calls did not start")
		}
	}

	reloaded := make(chan error, 1)
	go func() {
		reloaded <- lc.Reload(ctx, nil)
	}()
	waitFor(t, time.Second, "reload to close the gate", lc.Barrier().Reloading)

	late := make(chan ToolResult, 1)
	go func() {
		late <- lc.CallTool(ctx, "whoami", nil)
	}()

	select {
	case err := <-reloaded:
		t.Fatalf("reload finished with calls in flight: %v", err)
	case res := <-late:
		t.Fatalf("late call ran during reload: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	close(old.release)

	for i := 0; i < 3; i++ {
		res := <-results
		if !res.Success || res.Data != 1 {
			t.Errorf("in-flight call result = %+v, want data from generation 1", res)
		}
	}
	if err := <-reloaded; err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	res := <-late
	if !res.Success || res.Data != 2 {
		t.Errorf("late call result = %+v, want data from generation 2", res)
	}
	if old.shutdowns.Load() != 1 {
		t.Errorf("old adapter shut down %d times", old.shutdowns.Load())
	}
}

func TestLifecycleQueuedCallTimesOut(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f, WithBarrierTimeout(100*time.Millisecond))
	ctx := context.Background()
	lc.Load(ctx)

	if err := lc.Barrier().EnterReload(ctx); err != nil {
		t.Fatalf("EnterReload() error = %v", err)
	}
	defer lc.Barrier().ExitReload()

	start := time.Now()
	res := lc.CallTool(ctx, "say", map[string]any{"msg": "x"})
	if res.Success || res.Code != ErrTimeout {
		t.Fatalf("CallTool() = %+v, want TIMEOUT", res)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("timed out before the barrier threshold")
	}
}

func TestLifecycleReloadInPlace(t *testing.T) {
	catalog := NewCatalog(nil)
	cfg := testPluginConfig()
	cfg.Config = map[string]any{"prefix": "a:"}
	lc := NewLifecycle("echo", cfg, catalog)
	ctx := context.Background()
	lc.Load(ctx)

	next := cfg
	next.Config = map[string]any{"prefix": "b:"}
	if err := lc.Reload(ctx, &next); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	res := lc.CallTool(ctx, "say", map[string]any{"msg": "x"})
	if res.Data != "b:x" {
		t.Errorf("CallTool() data = %v, want b:x", res.Data)
	}

	adapter := lc.adapter.(*InProcessAdapter)
	if got := adapter.plugin.(*echoPlugin).reloads; got != 1 {
		t.Errorf("plugin reloaded %d times in place, want 1", got)
	}
}

func TestLifecycleUnloadIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	lc, catalog := newTestLifecycle(t, f)
	ctx := context.Background()
	lc.Load(ctx)

	if err := lc.Unload(ctx); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if err := lc.Unload(ctx); err != nil {
		t.Fatalf("second Unload() error = %v", err)
	}

	if got := f.adapter(1).shutdowns.Load(); got != 1 {
		t.Errorf("adapter shut down %d times, want 1", got)
	}
	if lc.State() != StateUnloaded {
		t.Errorf("State() = %s, want unloaded", lc.State())
	}
	if catalog.Len() != 0 {
		t.Error("tools remain after unload")
	}

	// Unloaded plugins can be loaded again.
	if err := lc.Load(ctx); err != nil {
		t.Fatalf("Load() after Unload error = %v", err)
	}
}

func TestLifecycleRecoverRestartBound(t *testing.T) {
	f := &fakeFactory{}
	lc, catalog := newTestLifecycle(t, f)
	ctx := context.Background()
	if err := lc.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	f.setFailFrom(2)
	lc.MarkUnhealthy(f.adapter(1), errors.New("health check failed"))
	if lc.State() != StateError {
		t.Fatalf("State() = %s, want error", lc.State())
	}

	err := lc.Recover(ctx)
	if err == nil {
		t.Fatal("Recover() succeeded with a failing factory")
	}
	if lc.State() != StateUnloaded {
		t.Errorf("State() = %s, want unloaded", lc.State())
	}
	// One initial load plus max_restarts attempts, never a fourth restart.
	if got := f.calls(); got != 1+3 {
		t.Errorf("factory called %d times, want 4", got)
	}
	if catalog.Len() != 0 {
		t.Error("tools published after giving up")
	}

	// A later Recover does nothing; an explicit reload revives the plugin.
	lc.Recover(ctx)
	if f.calls() != 4 {
		t.Error("Recover retried after the plugin was disabled")
	}
	f.setFailFrom(0)
	if err := lc.Reload(ctx, nil); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if lc.State() != StateActive || lc.RestartCount() != 0 {
		t.Errorf("after reload: state %s, restarts %d", lc.State(), lc.RestartCount())
	}
}

func TestLifecycleRecoverSucceeds(t *testing.T) {
	f := &fakeFactory{}
	lc, catalog := newTestLifecycle(t, f)
	ctx := context.Background()
	lc.Load(ctx)

	// Generation 2 fails, generation 3 comes up.
	f.mu.Lock()
	f.failGen = 2
	f.mu.Unlock()
	lc.CallTool(ctx, "crash", nil)

	cfg := lc.Config()
	cfg.ProcessSettings.Backoff = config.BackoffExponential
	cfg.ProcessSettings.RestartDelay = 0.01
	lc.cfg = cfg

	if err := lc.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if lc.State() != StateActive {
		t.Fatalf("State() = %s, want active", lc.State())
	}
	if lc.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0 after success", lc.RestartCount())
	}
	if _, ok := catalog.Lookup("echo.say"); !ok {
		t.Error("tools not republished after recovery")
	}
}

func TestLifecycleRecoverDisabled(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f)
	lc.cfg.ProcessSettings.RestartOnCrash = false
	ctx := context.Background()
	lc.Load(ctx)

	lc.MarkUnhealthy(f.adapter(1), nil)
	if err := lc.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if lc.State() != StateError {
		t.Errorf("State() = %s, want error", lc.State())
	}
	if f.calls() != 1 {
		t.Errorf("factory called %d times, want 1", f.calls())
	}
}

func TestLifecycleHealthCheck(t *testing.T) {
	f := &fakeFactory{}
	lc, _ := newTestLifecycle(t, f)
	ctx := context.Background()

	if _, _, err := lc.HealthCheck(ctx); !IsCode(err, ErrPluginUnhealthy) {
		t.Errorf("HealthCheck() before load = %v", err)
	}
	lc.Load(ctx)

	ok, probed, err := lc.HealthCheck(ctx)
	if err != nil || !ok {
		t.Errorf("HealthCheck() = %v, %v", ok, err)
	}
	if probed != f.adapter(1) {
		t.Error("HealthCheck() did not report the probed adapter")
	}
	if lc.Barrier().InFlight() != 0 {
		t.Error("health probe leaked a request slot")
	}
}

func TestLifecycleIgnoresUnhealthyVerdictAfterReload(t *testing.T) {
	f := &fakeFactory{}
	lc, catalog := newTestLifecycle(t, f)
	ctx := context.Background()
	if err := lc.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	f.adapter(1).setHealth(false, nil)
	healthy, probed, err := lc.HealthCheck(ctx)
	if err != nil || healthy {
		t.Fatalf("HealthCheck() = %v, %v, want unhealthy", healthy, err)
	}

	// A reload installs generation 2 before the verdict is applied.
	if err := lc.Reload(ctx, nil); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	lc.MarkUnhealthy(probed, nil)

	if lc.State() != StateActive {
		t.Fatalf("State() = %s, want active: stale verdict failed the new adapter", lc.State())
	}
	if res := lc.CallTool(ctx, "whoami", nil); !res.Success || res.Data != 2 {
		t.Errorf("CallTool() = %+v, want generation 2", res)
	}
	if _, ok := catalog.Lookup("echo.say"); !ok {
		t.Error("tools retracted by a stale verdict")
	}

	// A verdict about the current adapter still applies.
	lc.MarkUnhealthy(f.adapter(2), nil)
	if lc.State() != StateError {
		t.Errorf("State() = %s, want error", lc.State())
	}
}

func TestRestartBackOff(t *testing.T) {
	fixed := restartBackOff(config.ProcessSettings{RestartDelay: 2, Backoff: config.BackoffFixed})
	for i := 0; i < 3; i++ {
		if d := fixed.NextBackOff(); d != 2*time.Second {
			t.Errorf("fixed attempt %d = %s", i, d)
		}
	}

	exp := restartBackOff(config.ProcessSettings{RestartDelay: 1, Backoff: config.BackoffExponential})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if d := exp.NextBackOff(); d != w {
			t.Errorf("exponential attempt %d = %s, want %s", i, d, w)
		}
	}
}
