package orchestrator

import (
	"context"
	"sync"

	"github.com/codex-bridge/codexrpc/eventmapper"
	"github.com/codex-bridge/codexrpc/promptmapper"
	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

// Orchestrator is the package's only exported constructor surface: one
// instance is built per embedder-visible "provider" and reused across many
// generation calls, each served by Stream or Generate.
type Orchestrator struct {
	cfg Config

	registryOnce sync.Once
	registry     *worker.InProcessRegistry

	poolOnce    sync.Once
	pool        *worker.Pool
	poolRelease func()
	poolErr     error
}

// New constructs an Orchestrator bound to cfg. cfg is read on every Stream
// call; mutating it after construction is not safe for concurrent use.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Stream is the streaming entry point: it starts the per-call flow on its
// own goroutine and returns immediately with a Stream the caller drains.
// ctx governs the whole call's lifetime; canceling it interrupts the turn
// and closes the stream with ErrAborted.
func (o *Orchestrator) Stream(ctx context.Context, messages []promptmapper.Message) (*eventmapper.Stream, error) {
	if o.cfg.hasHostManagedTools() && o.cfg.Persistent == nil {
		return nil, ErrPersistentRequired
	}

	stream := eventmapper.NewStream(o.cfg.streamBuffer())
	c := &call{orch: o, cfg: o.cfg, stream: stream, doneCh: make(chan struct{})}
	c.mapper = eventmapper.New(c.emit, eventmapper.WithPlanUpdates(o.cfg.EmitPlanUpdates))
	go c.run(ctx, messages)
	return stream, nil
}

// Generate is a non-streaming consumer of Stream: it drains every part and
// folds them into a Result.
func (o *Orchestrator) Generate(ctx context.Context, messages []promptmapper.Message) (*Result, error) {
	stream, err := o.Stream(ctx, messages)
	if err != nil {
		return nil, err
	}
	return drain(ctx, stream)
}

// Close releases this Orchestrator's hold on its persistent pool
// registration, if any. It does not affect in-flight calls; they continue
// to drive their already-acquired Worker to completion and release it
// normally. Embedders that configure Persistent should Close the
// Orchestrator when done with it so the registry's ref-counted pool can be
// torn down once every user has released it.
func (o *Orchestrator) Close() {
	if o.poolRelease != nil {
		o.poolRelease()
	}
}

// processRegistry backs ScopeGlobal when Config.GlobalRegistry is unset.
var processRegistry = worker.NewInProcessRegistry()

func (o *Orchestrator) globalRegistry() worker.GlobalRegistry {
	if o.cfg.Persistent != nil && o.cfg.Persistent.Scope == ScopeGlobal {
		if o.cfg.GlobalRegistry != nil {
			return o.cfg.GlobalRegistry
		}
		return processRegistry
	}
	o.registryOnce.Do(func() { o.registry = worker.NewInProcessRegistry() })
	return o.registry
}

func (o *Orchestrator) persistentPool(ctx context.Context) (*worker.Pool, error) {
	o.poolOnce.Do(func() {
		registry := o.globalRegistry()
		key := o.cfg.Persistent.Key
		if key == "" {
			key = "default"
		}
		factory := func() transport.Transport { return o.buildDirectTransport() }
		opts := []worker.PoolOption{worker.WithPoolLogger(o.cfg.logger())}
		if o.cfg.Persistent.NoWait {
			opts = append(opts, worker.WithoutQueue())
		}
		pool, release, err := registry.Acquire(ctx, key, o.cfg.Persistent.PoolSize, o.cfg.Persistent.IdleTimeout, factory, opts...)
		o.pool, o.poolRelease, o.poolErr = pool, release, err
	})
	return o.pool, o.poolErr
}

func (o *Orchestrator) buildDirectTransport() transport.Transport {
	if o.cfg.TransportFactory != nil {
		return o.cfg.TransportFactory()
	}
	if o.cfg.TransportVariant == TransportWebSocket {
		return transport.NewWebSocket(o.cfg.WebSocketSettings)
	}
	return transport.NewStdio(o.cfg.StdioSettings)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
