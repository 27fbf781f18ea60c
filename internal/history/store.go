// Package history implements the durable record store: a time-ordered
// collection of submissions keyed by monotonic timestamp ids, with a compact
// metadata projection for pagination and oldest-first eviction at capacity.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pkgerrors "github.com/frenzywall/changehist/pkg/errors"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

// Store is the durable record store backed by Redis. All methods are safe for
// concurrent use.
type Store struct {
	client  *pkgredis.Client
	keys    *Keys
	limit   int
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	lastID float64
}

// NewStore creates a Store enforcing the given retention limit.
func NewStore(client *pkgredis.Client, limit int, m *metrics.Metrics) *Store {
	return &Store{
		client:  client,
		keys:    NewKeys(),
		limit:   limit,
		logger:  logger.WithComponent("history-store"),
		metrics: m,
	}
}

// Keys exposes the key builder shared with the index and cache subsystems.
func (s *Store) Keys() *Keys {
	return s.keys
}

// Insert stores a new record and its metadata projection, evicting the oldest
// records when the store exceeds its limit. It returns the assigned id.
func (s *Store) Insert(ctx context.Context, title, dateLabel, editor string, payload json.RawMessage) (float64, error) {
	id := s.nextID()
	rec := Record{
		ID:        id,
		Title:     title,
		DateLabel: dateLabel,
		Editor:    editor,
		Payload:   payload,
		SavedAt:   time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshaling record: %w", err)
	}
	meta := Metadata{
		ID:           id,
		Title:        title,
		DateLabel:    dateLabel,
		ServiceCount: serviceCount(payload),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshaling metadata: %w", err)
	}

	if err := s.client.Set(ctx, s.keys.Item(id), data, 0); err != nil {
		return 0, storeErr("storing record", err)
	}
	if err := s.client.ZAdd(ctx, s.keys.Metadata(), id, string(metaData)); err != nil {
		// Roll back the orphaned item so the store never holds a record
		// invisible to pagination.
		if delErr := s.client.Del(ctx, s.keys.Item(id)); delErr != nil {
			s.logger.Error("failed to remove orphaned record", "id", FormatID(id), "error", delErr)
		}
		return 0, storeErr("storing metadata", err)
	}
	s.metrics.InsertsTotal.Inc()

	if err := s.evictOverLimit(ctx); err != nil {
		s.logger.Error("eviction failed", "error", err)
	}
	s.refreshSizeGauge(ctx)
	s.logger.Debug("record inserted", "id", FormatID(id), "title", title)
	return id, nil
}

// GetByID returns the record with the given id, or ErrRecordNotFound.
func (s *Store) GetByID(ctx context.Context, id float64) (*Record, error) {
	data, err := s.client.Get(ctx, s.keys.Item(id))
	if err != nil {
		if pkgredis.IsNilError(err) {
			return nil, fmt.Errorf("record %s: %w", FormatID(id), pkgerrors.ErrRecordNotFound)
		}
		return nil, storeErr("fetching record", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", FormatID(id), err)
	}
	return &rec, nil
}

// GetBatch fetches multiple records in one round trip, preserving input
// order. Missing or undecodable records are skipped.
func (s *Store) GetBatch(ctx context.Context, ids []float64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.Item(id)
	}
	values, err := s.client.MGet(ctx, keys...)
	if err != nil {
		return nil, storeErr("fetching record batch", err)
	}
	records := make([]Record, 0, len(ids))
	for i, v := range values {
		if v == nil {
			s.logger.Warn("record missing during batch fetch", "id", FormatID(ids[i]))
			continue
		}
		data, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Error("skipping undecodable record", "id", FormatID(ids[i]), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the number of retained records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.Metadata())
	if err != nil {
		return 0, storeErr("counting records", err)
	}
	return n, nil
}

// PageIDs returns record ids ordered newest-first for the given rank range.
// Used by the index builder to page through the whole store in batches.
func (s *Store) PageIDs(ctx context.Context, start, stop int64) ([]float64, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, s.keys.Metadata(), start, stop)
	if err != nil {
		return nil, storeErr("paging record ids", err)
	}
	ids := make([]float64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Score)
	}
	return ids, nil
}

// GetPage returns one page of records ordered newest-first, plus pagination
// info computed from the metadata projection.
func (s *Store) GetPage(ctx context.Context, page, pageSize int) ([]Record, PageInfo, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	total, err := s.Count(ctx)
	if err != nil {
		return nil, PageInfo{}, err
	}
	info := PageInfo{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalItems:  total,
		TotalPages:  (total + int64(pageSize) - 1) / int64(pageSize),
	}
	info.HasNext = int64(page) < info.TotalPages
	info.HasPrev = page > 1 && total > 0
	if total == 0 {
		return nil, info, nil
	}

	start := int64(page-1) * int64(pageSize)
	stop := start + int64(pageSize) - 1
	ids, err := s.PageIDs(ctx, start, stop)
	if err != nil {
		return nil, PageInfo{}, err
	}
	records, err := s.GetBatch(ctx, ids)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return records, info, nil
}

// Delete removes a record and its metadata projection, reporting whether
// anything was removed.
func (s *Store) Delete(ctx context.Context, id float64) (bool, error) {
	bound := FormatID(id)
	removed, err := s.client.ZRemRangeByScore(ctx, s.keys.Metadata(), bound, bound)
	if err != nil {
		return false, storeErr("removing metadata", err)
	}
	if err := s.client.Del(ctx, s.keys.Item(id)); err != nil {
		return removed > 0, storeErr("removing record", err)
	}
	if removed > 0 {
		s.metrics.DeletesTotal.Inc()
		s.refreshSizeGauge(ctx)
		s.logger.Debug("record deleted", "id", bound)
	}
	return removed > 0, nil
}

// evictOverLimit trims the store to its retention limit, deleting the oldest
// records by id.
func (s *Store) evictOverLimit(ctx context.Context) error {
	metadataKey := s.keys.Metadata()
	total, err := s.client.ZCard(ctx, metadataKey)
	if err != nil {
		return storeErr("counting records", err)
	}
	excess := total - int64(s.limit)
	if excess <= 0 {
		return nil
	}
	oldest, err := s.client.ZRangeWithScores(ctx, metadataKey, 0, excess-1)
	if err != nil {
		return storeErr("listing oldest records", err)
	}
	itemKeys := make([]string, 0, len(oldest))
	for _, m := range oldest {
		itemKeys = append(itemKeys, s.keys.Item(m.Score))
	}
	if err := s.client.Del(ctx, itemKeys...); err != nil {
		return storeErr("deleting evicted records", err)
	}
	// Trim by score, not rank: a concurrent delete can shift ranks between
	// the listing above and the trim, and a rank-based trim would then drop
	// metadata for a record whose item key was never deleted.
	for _, m := range oldest {
		bound := FormatID(m.Score)
		if _, err := s.client.ZRemRangeByScore(ctx, metadataKey, bound, bound); err != nil {
			return storeErr("trimming metadata", err)
		}
	}
	s.metrics.EvictionsTotal.Add(float64(len(oldest)))
	s.logger.Info("evicted oldest records", "count", len(oldest), "limit", s.limit)
	return nil
}

// nextID assigns a strictly increasing timestamp id, bumping by one
// microsecond when the wall clock has not advanced past the previous id.
func (s *Store) nextID() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := float64(time.Now().UnixMicro()) / 1e6
	if id <= s.lastID {
		id = s.lastID + 1e-6
	}
	s.lastID = id
	return id
}

func (s *Store) refreshSizeGauge(ctx context.Context) {
	if n, err := s.client.ZCard(ctx, s.keys.Metadata()); err == nil {
		s.metrics.HistoryRecords.Set(float64(n))
	}
}

// serviceCount extracts the number of impacted services from an otherwise
// opaque payload, for the metadata projection.
func serviceCount(payload json.RawMessage) int {
	if len(payload) == 0 {
		return 0
	}
	var probe struct {
		Services []json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0
	}
	return len(probe.Services)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(pkgerrors.ErrStoreUnavailable, err))
}
