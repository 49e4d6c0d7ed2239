// Package dispatch runs one job per row-group across a fixed pool of
// worker goroutines and delivers each job's result on a per-index
// channel, so a single consumer (the Reassembler) can read results back
// in strict ascending index order while workers finish in any order. The
// caller's release function, called once per consumed index, is what
// actually gates how far workers may race ahead of consumption.
//
// The claim loop is grounded on the atomic work-stealing cursor used by
// am-sokolov-go-astc-encoder's parallel block encoder (astc/codec2d.go):
// a shared counter, workers race to claim the next unclaimed index, no
// central scheduler. Goroutine lifecycle and first-error propagation use
// golang.org/x/sync/errgroup, the way joechenrh-data-writer coordinates
// its generator/writer goroutine pools.
package dispatch

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a borrowed handle holding a worker count: each Dispatch call
// starts up to Workers() goroutines of its own, which exit when that call's
// jobs are done. The zero value is not usable; construct with NewPool. A
// Pool may be shared by multiple concurrent Dispatch calls (e.g. across
// Encoder instances); the worker count then applies to each call
// separately, not to all of them together.
type Pool struct {
	workers int
}

// NewPool returns a pool of n workers. n <= 0 means "default to
// GOMAXPROCS", matching rayon::ThreadPoolBuilder's num_threads(0) used by
// the original mtpng CLI.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: n}
}

// Workers reports the pool's worker count.
func (p *Pool) Workers() int { return p.workers }

// admissionSlack is the K in "at most P+K jobs in flight" (spec §4.5).
const admissionSlack = 4

// Job is a single row-group's filter+compress work. It must not block on
// I/O and must never call back into the public Encoder surface.
type Job[T any] func(ctx context.Context, index int) (T, error)

// Outcome is what Dispatch delivers on each per-index channel.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Dispatch runs job(ctx, i) for every i in [0, n) across the pool's
// workers, work-stealing style (a shared atomic cursor, not a static
// partition). It returns one channel per index (each claimed index
// receives exactly one Outcome and is then closed; once a job returns an
// error, indices not yet claimed are never run and their channels never
// receive), a release function the caller must call exactly once for every
// index it consumes, and a Wait-style error function.
//
// Admission is the backpressure knob (spec §4.5): a worker must acquire an
// admission token before claiming a group (and therefore before the job
// allocates that group's pixel/filter/deflate buffers), and that token is
// only freed when the caller's release is invoked — not when the job
// merely finishes computing. With at most Workers()+admissionSlack tokens
// outstanding, a fast worker can race at most that far ahead of a
// Reassembler-style caller that consumes strictly in ascending index
// order before it blocks trying to claim the next group.
func Dispatch[T any](ctx context.Context, pool *Pool, n int, job Job[T]) (results []chan Outcome[T], release func(), wait func() error) {
	results = make([]chan Outcome[T], n)
	for i := range results {
		results[i] = make(chan Outcome[T], 1)
	}
	noop := func() {}
	if n == 0 {
		return results, noop, func() error { return nil }
	}

	admission := make(chan struct{}, pool.workers+admissionSlack)
	var cursor atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	workers := pool.workers
	if workers > n {
		workers = n
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case admission <- struct{}{}:
				case <-ctx.Done():
					return nil
				}

				idx := int(cursor.Add(1) - 1)
				if idx >= n {
					<-admission
					return nil
				}

				value, err := job(ctx, idx)
				results[idx] <- Outcome[T]{Value: value, Err: err}
				close(results[idx])

				if err != nil {
					return err
				}
			}
		})
	}

	release = func() { <-admission }
	return results, release, g.Wait
}
