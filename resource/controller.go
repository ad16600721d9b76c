// Package resource shares budgets between memory files opened in one
// process.
//
// A Controller bounds the decoded payloads held by content caches, the
// background jobs run by verification and backups, and the byte rate of
// backup transfers. A nil *Controller imposes no limits.
package resource

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultJobs is used when Limits.Jobs is zero.
const DefaultJobs = 4

// Limits configures a Controller. Zero values mean unlimited, except Jobs.
type Limits struct {
	// CacheBytes caps payload bytes held by all caches together.
	CacheBytes int64
	// Jobs caps concurrent verification shards, backups and restores.
	Jobs int
	// TransferBytesPerSec throttles backup and restore streams.
	TransferBytesPerSec int
}

// Controller enforces Limits.
type Controller struct {
	limits   Limits
	cache    *semaphore.Weighted
	cached   atomic.Int64
	jobs     *semaphore.Weighted
	transfer *rate.Limiter
}

// New returns a Controller enforcing l.
func New(l Limits) *Controller {
	if l.Jobs <= 0 {
		l.Jobs = DefaultJobs
	}
	c := &Controller{limits: l, jobs: semaphore.NewWeighted(int64(l.Jobs))}
	if l.CacheBytes > 0 {
		c.cache = semaphore.NewWeighted(l.CacheBytes)
	}
	if l.TransferBytesPerSec > 0 {
		c.transfer = rate.NewLimiter(rate.Limit(l.TransferBytesPerSec), l.TransferBytesPerSec)
	}
	return c
}

// Limits returns the effective limits.
func (c *Controller) Limits() Limits {
	if c == nil {
		return Limits{Jobs: DefaultJobs}
	}
	return c.limits
}

// ReserveCache claims n bytes for a cached payload without waiting. A
// cache that is refused simply does not keep the payload.
func (c *Controller) ReserveCache(n int64) bool {
	if c == nil || n <= 0 {
		return true
	}
	if c.cache != nil && !c.cache.TryAcquire(n) {
		return false
	}
	c.cached.Add(n)
	return true
}

// ReleaseCache returns n bytes claimed by ReserveCache.
func (c *Controller) ReleaseCache(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.cache != nil {
		c.cache.Release(n)
	}
	c.cached.Add(-n)
}

// CachedBytes returns the bytes currently reserved by caches.
func (c *Controller) CachedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.cached.Load()
}

// Jobs returns how many background jobs may run at once.
func (c *Controller) Jobs() int { return c.Limits().Jobs }

// StartJob waits for a background job slot. The returned func frees it
// and may be called more than once.
func (c *Controller) StartJob(ctx context.Context) (func(), error) {
	if c == nil {
		return func() {}, nil
	}
	if err := c.jobs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() { c.jobs.Release(1) }), nil
}

// wait blocks until n bytes may be transferred. Requests above the
// limiter burst are admitted in burst-sized steps.
func (c *Controller) wait(ctx context.Context, n int) error {
	if c == nil || c.transfer == nil {
		return nil
	}
	for n > 0 {
		step := min(n, c.transfer.Burst())
		if err := c.transfer.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
