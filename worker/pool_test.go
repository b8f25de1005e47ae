package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-bridge/codexrpc/internal/rpctest"
	"github.com/codex-bridge/codexrpc/worker"
)

func TestPoolAcquireReleaseReuse(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0)

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, worker.Busy, w.State())

	p.Release(w)
	assert.Equal(t, worker.Idle, w.State())

	w2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, w, w2)
}

func TestPoolFIFOWaiterOrdering(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// stagger enqueue order deterministically
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			w, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release(w)
		}()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(20 * time.Millisecond)
	p.Release(first)

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPoolAcquireCancellationRemovesWaiter(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(held)

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestPoolShutdownRejectsWaiters(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	p.Shutdown()
	assert.ErrorIs(t, <-errCh, worker.ErrPoolShutdown)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, worker.ErrPoolShutdown)

	held.Shutdown()
}

func TestPoolWithoutQueueFailsFastWhenExhausted(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0, worker.WithoutQueue())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, worker.ErrPoolExhausted)

	p.Release(held)
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestPoolReleaseAfterShutdownTearsDownWorker(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	p := worker.NewPool(1, factory, 0)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Shutdown()
	p.Release(held)
	assert.Equal(t, worker.Disconnected, held.State())
}

func TestInProcessRegistryRefCountingAndSharing(t *testing.T) {
	reg := worker.NewInProcessRegistry()
	factory := rpctest.NewFactory(nil)

	pool1, release1, err := reg.Acquire(context.Background(), "k", 2, 0, factory)
	require.NoError(t, err)

	pool2, release2, err := reg.Acquire(context.Background(), "k", 2, 0, factory)
	require.NoError(t, err)
	assert.Same(t, pool1, pool2)

	release1()
	w, err := pool2.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, w)

	release2()
}

func TestInProcessRegistryIncompatibleSettings(t *testing.T) {
	reg := worker.NewInProcessRegistry()
	factory := rpctest.NewFactory(nil)

	_, release, err := reg.Acquire(context.Background(), "k", 2, 0, factory)
	require.NoError(t, err)
	defer release()

	_, _, err = reg.Acquire(context.Background(), "k", 3, 0, factory)
	assert.ErrorIs(t, err, worker.ErrIncompatiblePoolSettings)
}
