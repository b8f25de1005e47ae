package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-bridge/codexrpc/telemetry"
)

// ErrPoolShutdown is returned by Acquire after Shutdown, and delivered to
// all waiters queued at shutdown time.
var ErrPoolShutdown = errors.New("worker: pool shut down")

// ErrPoolExhausted is returned by Acquire on a pool built with
// WithoutQueue when every worker is lent out.
var ErrPoolExhausted = errors.New("worker: pool exhausted")

// PoolOption configures optional Pool behavior.
type PoolOption func(*Pool)

// WithAcquireRateLimit bounds how fast Acquire hands out workers, adding
// rate backpressure on top of FIFO queuing. burst <= 0 disables the
// limiter.
func WithAcquireRateLimit(ratePerSec float64, burst int) PoolOption {
	return func(p *Pool) {
		if burst > 0 && ratePerSec > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		}
	}
}

// WithPoolLogger sets the logger propagated to every Worker in the pool.
func WithPoolLogger(logger telemetry.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithoutQueue disables waiter enqueuing: Acquire on an exhausted pool
// fails immediately with ErrPoolExhausted instead of blocking for a
// release.
func WithoutQueue() PoolOption {
	return func(p *Pool) { p.noQueue = true }
}

type acquireResult struct {
	worker *Worker
	err    error
}

// Pool coordinates acquire/release of a fixed-size set of Workers, with
// FIFO waiter ordering and optional acquire-rate backpressure. Pool is safe
// for concurrent use from multiple logical executors.
type Pool struct {
	size        int
	idleTimeout time.Duration
	limiter     *rate.Limiter
	logger      telemetry.Logger
	noQueue     bool

	mu        sync.Mutex
	available []*Worker
	waiters   *list.List // of chan acquireResult
	shutdown  bool
}

// NewPool constructs a Pool of size workers, each lazily connected via
// factory on first acquisition. idleTimeout of zero disables idle expiry.
func NewPool(size int, factory Factory, idleTimeout time.Duration, opts ...PoolOption) *Pool {
	p := &Pool{
		size:        size,
		idleTimeout: idleTimeout,
		logger:      telemetry.NewNoopLogger(),
		waiters:     list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.available = append(p.available, New(factory, idleTimeout, p.logger))
	}
	return p
}

// Size returns the pool's fixed worker count.
func (p *Pool) Size() int { return p.size }

// Acquire returns an available worker (Idle or Disconnected; the latter
// reconnects as part of acquisition). When none is available, the caller is
// enqueued in FIFO order until one is released or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.available) > 0 {
		w := p.available[0]
		p.available = p.available[1:]
		p.mu.Unlock()
		if err := w.Acquire(ctx); err != nil {
			p.mu.Lock()
			p.available = append(p.available, w)
			p.mu.Unlock()
			return nil, fmt.Errorf("worker pool: acquire: %w", err)
		}
		return w, nil
	}

	if p.noQueue {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	ch := make(chan acquireResult, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.worker, res.err
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		// A release racing the cancellation may already have handed a
		// worker to ch; recycle it so it is not lost in the busy state.
		select {
		case res := <-ch:
			if res.worker != nil {
				p.Release(res.worker)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Release hands the worker to the head of the waiter queue if any; else
// clears its session-scoped listeners and returns it to idle with the idle
// timer armed.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		w.Shutdown()
		return
	}
	if p.waiters.Len() > 0 {
		front := p.waiters.Remove(p.waiters.Front()).(chan acquireResult)
		p.mu.Unlock()
		w.ClearSessionListeners()
		front <- acquireResult{worker: w}
		return
	}
	p.mu.Unlock()

	w.Release(p.onIdleExpire)

	p.mu.Lock()
	p.available = append(p.available, w)
	p.mu.Unlock()
}

// Shutdown rejects all queued waiters with ErrPoolShutdown and tears down
// every idle worker. Workers currently lent out are torn down as they are
// released (Release after Shutdown shuts the worker down instead of
// recycling it).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	waiters := p.waiters
	p.waiters = list.New()
	workers := p.available
	p.available = nil
	p.mu.Unlock()

	for e := waiters.Front(); e != nil; e = e.Next() {
		ch := e.Value.(chan acquireResult)
		ch <- acquireResult{err: ErrPoolShutdown}
	}
	for _, w := range workers {
		w.Shutdown()
	}
}

func (p *Pool) onIdleExpire(w *Worker) {
	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()
	w.Shutdown()
	if shutdown {
		return
	}
	// Worker stays in the available list (it was appended there by
	// Release before the timer fired); it simply reconnects lazily on the
	// next Acquire.
}
