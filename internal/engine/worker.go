package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a firing is submitted to a drained pool.
var ErrPoolShutdown = errors.New("firing pool is shut down")

// FiringStats is a point-in-time view of the pool's firing counters.
// PeakInFlight records the high-water mark of concurrent firings since the
// pool was created, which is what capacity tuning actually needs.
type FiringStats struct {
	InFlight     int64 `json:"in_flight"`
	Fired        int64 `json:"fired"`
	Faulted      int64 `json:"faulted"`
	Panicked     int64 `json:"panicked"`
	PeakInFlight int64 `json:"peak_in_flight"`
}

// WorkerPool bounds how many node firings run concurrently across every
// execution sharing one engine. A slot is leased per firing and returned
// when the firing ends; a firing that panics is absorbed and counted rather
// than taking the process down.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}

	inFlight atomic.Int64
	fired    atomic.Int64
	faulted  atomic.Int64
	panicked atomic.Int64
	peak     atomic.Int64

	mu      sync.Mutex
	wg      sync.WaitGroup
	drained bool
}

// NewWorkerPool creates a pool allowing size concurrent firings.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit leases a slot and runs the firing on its own goroutine. It blocks
// while the pool is saturated, honoring ctx cancellation during the wait,
// and fails with ErrPoolShutdown once Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, fire func(ctx context.Context) error) error {
	if err := p.lease(ctx); err != nil {
		return err
	}

	go func() {
		defer p.release()
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.faulted.Add(1)
			}
		}()

		if err := fire(ctx); err != nil {
			p.faulted.Add(1)
		} else {
			p.fired.Add(1)
		}
	}()

	return nil
}

// lease acquires one firing slot and registers it with the drain group.
func (p *WorkerPool) lease(ctx context.Context) error {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquisition. The wg.Add must happen
	// under the same lock that Shutdown reads drained, or Wait could return
	// before this firing is tracked.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)

	now := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if now <= peak || p.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	return nil
}

func (p *WorkerPool) release() {
	p.inFlight.Add(-1)
	<-p.slots
	p.wg.Done()
}

// Wait blocks until every leased firing has ended.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting firings and waits for in-flight ones to end.
// Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return
	}
	p.drained = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the firing counters.
func (p *WorkerPool) Stats() FiringStats {
	return FiringStats{
		InFlight:     p.inFlight.Load(),
		Fired:        p.fired.Load(),
		Faulted:      p.faulted.Load(),
		Panicked:     p.panicked.Load(),
		PeakInFlight: p.peak.Load(),
	}
}
