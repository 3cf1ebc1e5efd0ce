// Package xfr implements AXFR/IXFR zone-transfer message assembly on top
// of the zone package. Message encoding runs through a bounded worker pool so
// a large transfer's CPU cost is shared across goroutines rather than
// pinned to the connection's own I/O goroutine.
package xfr

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the concurrency of RRset-to-wire encoding work across all
// in-flight zone transfers, via golang.org/x/sync/semaphore.Weighted. The
// default weight is roughly half of GOMAXPROCS, leaving headroom for the
// connection goroutines themselves.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool constructs a Pool with the given parallelism. A parallelism of
// 0 or less defaults to half of runtime.GOMAXPROCS(0), floored at 1.
func NewPool(parallelism int64) *Pool {
	if parallelism <= 0 {
		parallelism = int64(runtime.GOMAXPROCS(0) / 2)
		if parallelism < 1 {
			parallelism = 1
		}
	}
	return &Pool{sem: semaphore.NewWeighted(parallelism)}
}

// Do runs fn on the calling goroutine once a pool slot is free, blocking
// until then or until ctx is cancelled.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return fn()
}
