package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultBarrierTimeout bounds how long a request waits for a reload.
const DefaultBarrierTimeout = 5 * time.Second

// ErrQueueTimeout is wrapped by the TIMEOUT error of a request that waited
// too long for a reload to finish.
var ErrQueueTimeout = errors.New("timed out waiting for reload")

// Barrier gates invocations against adapter swaps. Requests admitted before a
// reload begins run to completion on the old adapter; requests arriving
// during the reload wait for the new one.
type Barrier struct {
	mu        sync.Mutex
	inFlight  int
	reloading bool
	ready     chan struct{} // closed while no reload is in progress
	drained   chan struct{} // closed while inFlight == 0

	reloadMu sync.Mutex
	timeout  time.Duration
}

func NewBarrier(timeout time.Duration) *Barrier {
	if timeout <= 0 {
		timeout = DefaultBarrierTimeout
	}
	ready := make(chan struct{})
	close(ready)
	drained := make(chan struct{})
	close(drained)
	return &Barrier{
		ready:   ready,
		drained: drained,
		timeout: timeout,
	}
}

// Timeout returns the default queue timeout.
func (b *Barrier) Timeout() time.Duration {
	return b.timeout
}

// EnterRequest admits one request. While a reload is in progress it waits up
// to timeout (the barrier default when timeout <= 0) and then fails with
// TIMEOUT.
func (b *Barrier) EnterRequest(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = b.timeout
	}

	var timer *time.Timer
	for {
		b.mu.Lock()
		if !b.reloading {
			b.inFlight++
			if b.inFlight == 1 {
				b.drained = make(chan struct{})
			}
			b.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
		ready := b.ready
		b.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-ready:
		case <-timer.C:
			return &PluginError{
				Code:    ErrTimeout,
				Message: fmt.Sprintf("request queued for %s", timeout),
				Err:     ErrQueueTimeout,
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ExitRequest releases a slot taken by EnterRequest.
func (b *Barrier) ExitRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight == 0 {
		return
	}
	b.inFlight--
	if b.inFlight == 0 {
		close(b.drained)
	}
}

// EnterReload blocks new requests and waits for admitted ones to drain.
// Concurrent reloads are serialized. On success the caller must call
// ExitReload.
func (b *Barrier) EnterReload(ctx context.Context) error {
	b.reloadMu.Lock()

	b.mu.Lock()
	b.reloading = true
	b.ready = make(chan struct{})
	drained := b.drained
	b.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		b.ExitReload()
		return ctx.Err()
	}
}

// ExitReload reopens the gate and wakes queued requests.
func (b *Barrier) ExitReload() {
	b.mu.Lock()
	if b.reloading {
		b.reloading = false
		close(b.ready)
	}
	b.mu.Unlock()
	b.reloadMu.Unlock()
}

// Request runs fn inside a request slot.
func (b *Barrier) Request(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := b.EnterRequest(ctx, timeout); err != nil {
		return err
	}
	defer b.ExitRequest()
	return fn()
}

// Reload runs fn with the gate closed and no requests in flight.
func (b *Barrier) Reload(ctx context.Context, fn func() error) error {
	if err := b.EnterReload(ctx); err != nil {
		return err
	}
	defer b.ExitReload()
	return fn()
}

func (b *Barrier) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

func (b *Barrier) Reloading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloading
}
