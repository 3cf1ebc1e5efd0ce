package xfr

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)

	var inflight, maxInflight int64
	release := make(chan struct{})
	started := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		go func() {
			_ = pool.Do(context.Background(), func() error {
				n := atomic.AddInt64(&inflight, 1)
				for {
					old := atomic.LoadInt64(&maxInflight)
					if n <= old || atomic.CompareAndSwapInt64(&maxInflight, old, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				atomic.AddInt64(&inflight, -1)
				return nil
			})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for workers to start")
		}
	}

	select {
	case <-started:
		t.Fatal("a third worker started before any slot freed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInflight), int64(2))
}

func TestPoolDoReturnsFnError(t *testing.T) {
	pool := NewPool(1)
	wantErr := assert.AnError

	err := pool.Do(context.Background(), func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestPoolDoRespectsContextCancellation(t *testing.T) {
	pool := NewPool(1)

	block := make(chan struct{})
	go pool.Do(context.Background(), func() error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pool.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestNewPoolDefaultsToHalfGOMAXPROCS(t *testing.T) {
	pool := NewPool(0)
	assert.NotNil(t, pool.sem)

	want := int64(runtime.GOMAXPROCS(0) / 2)
	if want < 1 {
		want = 1
	}
	assert.True(t, pool.sem.TryAcquire(want))
	assert.False(t, pool.sem.TryAcquire(1))
}
