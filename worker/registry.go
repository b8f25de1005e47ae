package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
)

// ErrIncompatiblePoolSettings is returned when a caller requests reuse of a
// global pool entry under a key that already exists with different
// (poolSize, idleTimeout) settings.
var ErrIncompatiblePoolSettings = errors.New("worker: incompatible pool settings for existing key")

// GlobalRegistry coordinates keyed, reference-counted reuse of Pools across
// callers within the scope the implementation covers (a single process for
// InProcessRegistry, or a cluster's registration visibility for
// ReplicatedRegistry). Acquire returns a shared Pool and a release function
// that must be called exactly once when the caller is done with the key.
type GlobalRegistry interface {
	Acquire(ctx context.Context, key string, poolSize int, idleTimeout time.Duration, factory Factory, opts ...PoolOption) (pool *Pool, release func(), err error)
}

type registryEntry struct {
	pool        *Pool
	poolSize    int
	idleTimeout time.Duration
	refCount    int
}

// InProcessRegistry is a process-wide keyed pool registry. It is the
// default GlobalRegistry.
type InProcessRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewInProcessRegistry constructs an empty in-process registry.
func NewInProcessRegistry() *InProcessRegistry {
	return &InProcessRegistry{entries: make(map[string]*registryEntry)}
}

// Acquire returns the pool registered under key, creating it on first use.
// Reuse is permitted only when poolSize and idleTimeout match the existing
// entry; mismatch returns ErrIncompatiblePoolSettings.
func (r *InProcessRegistry) Acquire(_ context.Context, key string, poolSize int, idleTimeout time.Duration, factory Factory, opts ...PoolOption) (*Pool, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		if entry.poolSize != poolSize || entry.idleTimeout != idleTimeout {
			return nil, nil, fmt.Errorf("%w: key %q has pool_size=%d idle_timeout=%s, requested pool_size=%d idle_timeout=%s",
				ErrIncompatiblePoolSettings, key, entry.poolSize, entry.idleTimeout, poolSize, idleTimeout)
		}
		entry.refCount++
		return entry.pool, r.releaseFunc(key), nil
	}

	pool := NewPool(poolSize, factory, idleTimeout, opts...)
	r.entries[key] = &registryEntry{pool: pool, poolSize: poolSize, idleTimeout: idleTimeout, refCount: 1}
	return pool, r.releaseFunc(key), nil
}

func (r *InProcessRegistry) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			entry, ok := r.entries[key]
			if !ok {
				r.mu.Unlock()
				return
			}
			entry.refCount--
			finalRelease := entry.refCount <= 0
			if finalRelease {
				delete(r.entries, key)
			}
			r.mu.Unlock()
			if finalRelease {
				entry.pool.Shutdown()
			}
		})
	}
}

// ReplicatedRegistry wraps an InProcessRegistry with cross-node
// registration visibility via a Pulse replicated map: every node sharing
// the same rmap.Map sees which keys are in use elsewhere in the cluster. The
// Pool and its underlying Workers remain process-local (a sidecar
// subprocess or WebSocket connection cannot be handed across machines), so
// this does not share worker capacity across nodes, only its bookkeeping.
type ReplicatedRegistry struct {
	local *InProcessRegistry
	rm    *rmap.Map
	node  string
}

// NewReplicatedRegistry constructs a GlobalRegistry that registers keys into
// rm (a Pulse replicated map shared by every node in the cluster) for
// cross-node visibility, in addition to the normal in-process pool sharing.
// node identifies this process in the shared map's values.
func NewReplicatedRegistry(rm *rmap.Map, node string) *ReplicatedRegistry {
	return &ReplicatedRegistry{local: NewInProcessRegistry(), rm: rm, node: node}
}

// Acquire delegates pool sharing to the embedded InProcessRegistry and
// additionally records (or bumps the reference count for) this key's
// cluster-wide registration.
func (r *ReplicatedRegistry) Acquire(ctx context.Context, key string, poolSize int, idleTimeout time.Duration, factory Factory, opts ...PoolOption) (*Pool, func(), error) {
	pool, localRelease, err := r.local.Acquire(ctx, key, poolSize, idleTimeout, factory, opts...)
	if err != nil {
		return nil, nil, err
	}

	regKey := "codexrpc:pool:" + key
	if _, err := r.rm.Set(ctx, regKey, r.node+":"+strconv.Itoa(poolSize)); err != nil {
		localRelease()
		return nil, nil, fmt.Errorf("worker: register pool key in cluster map: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			localRelease()
			_, _ = r.rm.Delete(ctx, regKey)
		})
	}
	return pool, release, nil
}

// RegisteredKeys lists every pool key currently registered anywhere in the
// cluster, as observed through the shared replicated map.
func (r *ReplicatedRegistry) RegisteredKeys() []string {
	var keys []string
	for _, k := range r.rm.Keys() {
		keys = append(keys, k)
	}
	return keys
}
