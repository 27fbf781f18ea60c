// Package cache memoizes partial-match search outcomes in two disjoint
// Redis namespaces: ranked result lists and no-result markers. Failure
// markers live longer than successes since a repeated miss is expensive to
// re-derive and cannot resolve before the next rebuild. All operations are
// best-effort: a cache failure degrades to an uncached query, never an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

// ResultCache stores partial-search outcomes keyed by normalized query.
type ResultCache struct {
	client     *pkgredis.Client
	keys       *history.Keys
	partialTTL time.Duration
	failedTTL  time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a ResultCache with the given per-namespace TTLs.
func New(client *pkgredis.Client, keys *history.Keys, partialTTL, failedTTL time.Duration, m *metrics.Metrics) *ResultCache {
	return &ResultCache{
		client:     client,
		keys:       keys,
		partialTTL: partialTTL,
		failedTTL:  failedTTL,
		logger:     logger.WithComponent("result-cache"),
		metrics:    m,
	}
}

// GetFailed reports whether the query has a cached no-results marker.
func (c *ResultCache) GetFailed(ctx context.Context, term string) bool {
	found, err := c.client.Exists(ctx, c.keys.Cache(history.CacheFailed, term))
	if err != nil {
		c.logger.Warn("failure-cache read failed", "term", term, "error", err)
		return false
	}
	if found {
		c.metrics.CacheHitsTotal.Inc()
	}
	return found
}

// GetPartial returns the cached ranked results for the query, if present.
func (c *ResultCache) GetPartial(ctx context.Context, term string) ([]history.Record, bool) {
	data, err := c.client.Get(ctx, c.keys.Cache(history.CachePartial, term))
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Warn("partial-cache read failed", "term", term, "error", err)
		}
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	var records []history.Record
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		c.logger.Error("partial-cache entry undecodable", "term", term, "error", err)
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.metrics.CacheHitsTotal.Inc()
	return records, true
}

// SetPartial caches a non-empty ranked result list for the query.
func (c *ResultCache) SetPartial(ctx context.Context, term string, records []history.Record) {
	data, err := json.Marshal(records)
	if err != nil {
		c.logger.Error("partial-cache marshal failed", "term", term, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.keys.Cache(history.CachePartial, term), data, c.partialTTL); err != nil {
		c.logger.Warn("partial-cache write failed", "term", term, "error", err)
	}
}

// SetFailed caches a no-results marker for the query.
func (c *ResultCache) SetFailed(ctx context.Context, term string) {
	if err := c.client.Set(ctx, c.keys.Cache(history.CacheFailed, term), "1", c.failedTTL); err != nil {
		c.logger.Warn("failure-cache write failed", "term", term, "error", err)
	}
}

// Clear drops every entry in both namespaces. Called after each successful
// rebuild so cached results never outlive the index generation they were
// computed against.
func (c *ResultCache) Clear(ctx context.Context) error {
	var total int64
	for _, namespace := range []string{history.CachePartial, history.CacheFailed} {
		deleted, err := c.client.FlushByPattern(ctx, c.keys.CachePattern(namespace))
		if err != nil {
			return fmt.Errorf("clearing %s cache: %w", namespace, err)
		}
		total += deleted
	}
	c.logger.Debug("result cache cleared", "entries", total)
	return nil
}
