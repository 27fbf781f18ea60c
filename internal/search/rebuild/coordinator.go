// Package rebuild coordinates full index rebuilds so that at most one is in
// flight across all workers. A process-local mutex short-circuits redundant
// attempts from the same process; a Redis SETNX lease with a TTL guards
// against sibling processes and self-heals if a worker crashes mid-rebuild.
// Rebuild requests are fire-and-forget: a coalescing trigger channel is
// drained by a single background worker, and requests arriving while a
// rebuild runs are simply dropped.
package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frenzywall/changehist/internal/history"
	pkgerrors "github.com/frenzywall/changehist/pkg/errors"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

// BuildFunc performs one full index rebuild.
type BuildFunc func(ctx context.Context) error

// CacheClearer invalidates the result cache after a successful rebuild.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

// Coordinator owns the rebuild lease and the background rebuild worker.
type Coordinator struct {
	client   *pkgredis.Client
	keys     *history.Keys
	leaseTTL time.Duration
	build    BuildFunc
	cache    CacheClearer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	trigger chan struct{}
}

// New creates a Coordinator. Start must be called before Request has any
// effect.
func New(client *pkgredis.Client, keys *history.Keys, leaseTTL time.Duration, build BuildFunc, cache CacheClearer, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		client:   client,
		keys:     keys,
		leaseTTL: leaseTTL,
		build:    build,
		cache:    cache,
		logger:   logger.WithComponent("rebuild-coordinator"),
		metrics:  m,
		trigger:  make(chan struct{}, 1),
	}
}

// Request asks for a rebuild without waiting for it. Requests arriving while
// one is already pending coalesce into a single run.
func (c *Coordinator) Request() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background worker that serves rebuild requests until
// ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		c.logger.Info("rebuild worker started")
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("rebuild worker stopping", "reason", ctx.Err())
				return
			case <-c.trigger:
				if err := c.RunOnce(ctx); err != nil && !errors.Is(err, pkgerrors.ErrRebuildInProgress) {
					c.logger.Error("rebuild failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce performs a single rebuild attempt. It returns
// ErrRebuildInProgress (a no-op signal, not a failure) when another rebuild
// holds the lease, and always releases the lease it acquired, even when the
// build fails.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	if !c.mu.TryLock() {
		c.metrics.RebuildsTotal.WithLabelValues("skipped").Inc()
		return pkgerrors.ErrRebuildInProgress
	}
	defer c.mu.Unlock()

	acquired, err := c.client.SetNX(ctx, c.keys.RebuildLease(), "1", c.leaseTTL)
	if err != nil {
		c.metrics.RebuildsTotal.WithLabelValues("failed").Inc()
		return err
	}
	if !acquired {
		c.logger.Info("rebuild already in progress elsewhere, skipping")
		c.metrics.RebuildsTotal.WithLabelValues("skipped").Inc()
		return pkgerrors.ErrRebuildInProgress
	}
	defer func() {
		if err := c.client.Del(ctx, c.keys.RebuildLease()); err != nil {
			c.logger.Warn("failed to release rebuild lease, will expire by TTL", "error", err)
		}
	}()

	if err := c.build(ctx); err != nil {
		c.metrics.RebuildsTotal.WithLabelValues("failed").Inc()
		return err
	}
	// Cache clearing is best-effort: stale entries expire by TTL anyway.
	if err := c.cache.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear result cache after rebuild", "error", err)
	}
	c.metrics.RebuildsTotal.WithLabelValues("completed").Inc()
	return nil
}

// InProgress reports whether any worker currently holds the rebuild lease.
func (c *Coordinator) InProgress(ctx context.Context) (bool, error) {
	held, err := c.client.Exists(ctx, c.keys.RebuildLease())
	if err != nil {
		return false, err
	}
	return held, nil
}
