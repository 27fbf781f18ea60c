// Package index maintains the three token→ids maps (title, date, editor)
// that back exact search lookups. The index lives in Redis as one hash per
// field and is never patched incrementally: a rebuild reads the whole record
// store, accumulates fresh maps in memory, writes them to staging hashes,
// and swaps them in atomically so readers never observe a half-built index.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/search/tokenizer"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

// RecordSource is the slice of the record store a rebuild reads from.
type RecordSource interface {
	Count(ctx context.Context) (int64, error)
	PageIDs(ctx context.Context, start, stop int64) ([]float64, error)
	GetBatch(ctx context.Context, ids []float64) ([]history.Record, error)
}

// Index reads and rebuilds the per-field token hashes.
type Index struct {
	client    *pkgredis.Client
	keys      *history.Keys
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an Index reading and writing through the given client.
func New(client *pkgredis.Client, keys *history.Keys, batchSize int, m *metrics.Metrics) *Index {
	return &Index{
		client:    client,
		keys:      keys,
		batchSize: batchSize,
		logger:    logger.WithComponent("index-builder"),
		metrics:   m,
	}
}

// Rebuild recomputes all three field maps from the full record store and
// publishes them atomically. It assumes the caller holds the rebuild lease.
func (ix *Index) Rebuild(ctx context.Context, src RecordSource) error {
	start := time.Now()
	total, err := src.Count(ctx)
	if err != nil {
		return fmt.Errorf("reading store size: %w", err)
	}
	if total == 0 {
		if err := ix.clear(ctx); err != nil {
			return err
		}
		ix.logger.Info("store empty, index cleared")
		return nil
	}

	local := make(map[string]map[string][]string, 3)
	for _, field := range history.Fields() {
		local[field] = make(map[string][]string)
	}

	indexed := 0
	for offset := int64(0); offset < total; offset += int64(ix.batchSize) {
		ids, err := src.PageIDs(ctx, offset, offset+int64(ix.batchSize)-1)
		if err != nil {
			return fmt.Errorf("paging ids at offset %d: %w", offset, err)
		}
		if len(ids) == 0 {
			continue
		}
		records, err := src.GetBatch(ctx, ids)
		if err != nil {
			return fmt.Errorf("fetching batch at offset %d: %w", offset, err)
		}
		for _, rec := range records {
			id := history.FormatID(rec.ID)
			accumulate(local[history.FieldTitle], tokenizer.Title(rec.Title), id)
			accumulate(local[history.FieldDate], tokenizer.Date(rec.DateLabel), id)
			accumulate(local[history.FieldEditor], tokenizer.Editor(rec.Editor), id)
			indexed++
		}
	}

	if err := ix.publish(ctx, local); err != nil {
		return err
	}

	for _, field := range history.Fields() {
		ix.metrics.IndexTokens.WithLabelValues(field).Set(float64(len(local[field])))
	}
	ix.metrics.RebuildDuration.Observe(time.Since(start).Seconds())
	ix.logger.Info("index rebuild completed",
		"records", indexed,
		"title_tokens", len(local[history.FieldTitle]),
		"date_tokens", len(local[history.FieldDate]),
		"editor_tokens", len(local[history.FieldEditor]),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// publish writes the freshly built maps to staging hashes and renames them
// onto the live keys in one transaction.
func (ix *Index) publish(ctx context.Context, local map[string]map[string][]string) error {
	renames := make(map[string]string, 3)
	var deletes []string
	for _, field := range history.Fields() {
		tokens := local[field]
		staging := ix.keys.IndexStaging(field)
		if err := ix.client.Del(ctx, staging); err != nil {
			return fmt.Errorf("clearing staging hash %s: %w", staging, err)
		}
		if len(tokens) == 0 {
			deletes = append(deletes, ix.keys.Index(field))
			continue
		}
		fields := make(map[string]string, len(tokens))
		for token, ids := range tokens {
			fields[token] = strings.Join(ids, ",")
		}
		if err := ix.client.HSet(ctx, staging, fields); err != nil {
			return fmt.Errorf("writing staging hash %s: %w", staging, err)
		}
		renames[staging] = ix.keys.Index(field)
	}
	if err := ix.client.SwapKeys(ctx, renames, deletes); err != nil {
		return fmt.Errorf("publishing index: %w", err)
	}
	return nil
}

// clear drops all live and staging hashes.
func (ix *Index) clear(ctx context.Context) error {
	keys := make([]string, 0, 6)
	for _, field := range history.Fields() {
		keys = append(keys, ix.keys.Index(field), ix.keys.IndexStaging(field))
	}
	if err := ix.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	for _, field := range history.Fields() {
		ix.metrics.IndexTokens.WithLabelValues(field).Set(0)
	}
	return nil
}

// Lookup returns the union of ids indexed under the exact token across all
// three field maps, unordered.
func (ix *Index) Lookup(ctx context.Context, token string) ([]float64, error) {
	keys := make([]string, 0, 3)
	for _, field := range history.Fields() {
		keys = append(keys, ix.keys.Index(field))
	}
	values, err := ix.client.HGetMulti(ctx, keys, token)
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	seen := make(map[float64]struct{})
	var ids []float64
	for _, csv := range values {
		for _, raw := range strings.Split(csv, ",") {
			if raw == "" {
				continue
			}
			id, err := history.ParseID(raw)
			if err != nil {
				ix.logger.Warn("skipping malformed id in index", "value", raw)
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ScanField streams tokens of one field hash matching any of the glob
// patterns and collects their ids, stopping once limit ids are gathered.
func (ix *Index) ScanField(ctx context.Context, field string, patterns []string, limit int) (map[float64]struct{}, error) {
	ids := make(map[float64]struct{})
	key := ix.keys.Index(field)
	for _, pattern := range patterns {
		if len(ids) >= limit {
			break
		}
		err := ix.client.ScanHashFields(ctx, key, pattern, 500, func(_, csv string) bool {
			for _, raw := range strings.Split(csv, ",") {
				if raw == "" {
					continue
				}
				id, err := history.ParseID(raw)
				if err != nil {
					continue
				}
				ids[id] = struct{}{}
				if len(ids) >= limit {
					return false
				}
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s tokens: %w", field, err)
		}
	}
	return ids, nil
}

func accumulate(m map[string][]string, tokens []string, id string) {
	for _, token := range tokens {
		m[token] = append(m[token], id)
	}
}
