package plugins

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically probes every ACTIVE plugin. A round finishes
// before the next one starts, so a plugin is never probed twice at once.
type HealthMonitor struct {
	interval time.Duration
	targets  func() []*Lifecycle
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor returns a monitor over the lifecycles returned by
// targets. An interval <= 0 disables periodic probing.
func NewHealthMonitor(interval time.Duration, targets func() []*Lifecycle, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		interval: interval,
		targets:  targets,
		logger:   logger.Named("health"),
	}
}

func (m *HealthMonitor) Interval() time.Duration {
	return m.interval
}

// Start launches the probing goroutine. It is a no-op when disabled or
// already running.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Debug("health monitor disabled")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
}

// Stop cancels the goroutine and waits for the current round to end.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probing round and returns once every probe finished.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lc := range m.targets() {
		if lc.State() != StateActive {
			continue
		}
		wg.Add(1)
		go func(lc *Lifecycle) {
			defer wg.Done()
			m.probe(ctx, lc)
		}(lc)
	}
	wg.Wait()
}

func (m *HealthMonitor) probe(ctx context.Context, lc *Lifecycle) {
	healthy, probed, err := lc.HealthCheck(ctx)
	switch {
	case err == nil && healthy:
		return
	case ctx.Err() != nil:
		return
	case errors.Is(err, ErrQueueTimeout), IsCode(err, ErrPluginUnhealthy):
		// Reload in progress or state changed under us.
		return
	}

	m.logger.Warn("health check failed", zap.String("plugin", lc.Name()), zap.Error(err))
	if err != nil {
		err = WrapError(ErrHealthCheckFailed, lc.Name(), err, "health check")
	}
	lc.MarkUnhealthy(probed, err)
}
