// Package resource paces the engine's background work.
//
// Finalization, defragmentation, summary dumps and LRU unloading all run
// between user commits; the controller caps how many of those passes run at
// once and how many bytes per second they may push through the filesystem,
// so background maintenance cannot starve the foreground write path.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the background-work limits.
type Config struct {
	// MaxBackgroundWorkers is the maximum number of concurrent background
	// passes. If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec caps background IO throughput. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller enforces the limits in Config. A nil *Controller is valid and
// enforces nothing.
type Controller struct {
	cfg Config

	bgSem     *semaphore.Weighted
	ioLimiter *rate.Limiter

	ioBytes atomic.Int64
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireWorker reserves a background-worker slot, blocking until one is
// free or ctx is done.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireWorker reserves a slot without blocking.
func (c *Controller) TryAcquireWorker() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseWorker releases a slot taken with AcquireWorker.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO accounts bytes of background IO, blocking to honor the
// configured throughput limit.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	c.ioBytes.Add(int64(bytes))
	if c.ioLimiter == nil {
		return nil
	}

	// WaitN cannot exceed the limiter burst; account oversized passes in
	// burst-sized chunks.
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}

	return nil
}

// IOBytes returns the total background IO bytes accounted so far.
func (c *Controller) IOBytes() int64 {
	if c == nil {
		return 0
	}
	return c.ioBytes.Load()
}
