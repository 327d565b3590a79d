package server

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Tyrowin/grouprelay/internal/metrics"
)

// Pool bounds the number of persistence gateway calls in flight.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewPool creates a Pool running at most workers calls at once, each bounded
// by timeout.
func NewPool(workers int64, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(workers),
		timeout: timeout,
	}
}

// Do runs fn once a slot is free. Waiting for the slot stops when ctx is
// done. Once started, fn runs until it returns or the pool timeout expires,
// whether or not ctx is cancelled meanwhile. op labels the latency metric.
func (p *Pool) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}
