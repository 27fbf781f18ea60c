// Package search answers free-text queries against the history store. The
// exact stage resolves the query as a single token in the three index maps;
// when that yields nothing, a bounded substring scan over the index tokens
// takes over, memoized by the result cache. Candidates from either stage are
// scored per field and returned ranked, newest-first among ties.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/search/cache"
	"github.com/frenzywall/changehist/internal/search/index"
	"github.com/frenzywall/changehist/pkg/config"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// recordFetcher is the slice of the record store the engine needs.
type recordFetcher interface {
	GetBatch(ctx context.Context, ids []float64) ([]history.Record, error)
}

// partialMatcher resolves queries that missed the exact index.
type partialMatcher interface {
	Match(ctx context.Context, query string) ([]history.Record, error)
}

type partialFunc func(ctx context.Context, query string) ([]history.Record, error)

func (f partialFunc) Match(ctx context.Context, query string) ([]history.Record, error) {
	return f(ctx, query)
}

// Engine executes searches against the current index generation.
type Engine struct {
	records recordFetcher
	index   *index.Index
	cache   *cache.ResultCache
	cfg     config.SearchConfig
	partial partialMatcher
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Engine over the given store, index, and cache.
func New(records recordFetcher, ix *index.Index, rc *cache.ResultCache, cfg config.SearchConfig, m *metrics.Metrics) *Engine {
	e := &Engine{
		records: records,
		index:   ix,
		cache:   rc,
		cfg:     cfg,
		logger:  logger.WithComponent("search-engine"),
		metrics: m,
	}
	e.partial = partialFunc(e.partialSearch)
	return e
}

// Search returns up to MaxResults records ranked by relevance then recency.
// An empty query returns no results. The result reflects the index as of the
// last completed rebuild.
func (e *Engine) Search(ctx context.Context, query string) ([]history.Record, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	start := time.Now()

	ids, err := e.index.Lookup(ctx, q)
	if err != nil {
		// A broken or cold index degrades to the scan path rather than
		// failing the query.
		e.logger.Warn("exact lookup failed, falling back to partial scan", "query", q, "error", err)
		ids = nil
	}
	if len(ids) == 0 {
		results, err := e.partial.Match(ctx, q)
		e.metrics.SearchLatency.WithLabelValues("partial").Observe(time.Since(start).Seconds())
		if err == nil {
			e.observeOutcome(results, "partial")
		}
		return results, err
	}

	results, err := e.rank(ctx, ids, q)
	if err != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.SearchLatency.WithLabelValues("exact").Observe(time.Since(start).Seconds())
	e.observeOutcome(results, "exact")
	return results, nil
}

// rank fetches the newest ProcessBuffer candidates, scores them, and returns
// the top MaxResults ordered by (score desc, id desc).
func (e *Engine) rank(ctx context.Context, ids []float64, query string) ([]history.Record, error) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > e.cfg.ProcessBuffer {
		ids = ids[:e.cfg.ProcessBuffer]
	}
	records, err := e.records.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	type scoredRecord struct {
		rec   history.Record
		score int
	}
	scored := make([]scoredRecord, 0, len(records))
	for i := range records {
		sc := scoreRecord(&records[i], query)
		if sc == 0 {
			continue
		}
		scored = append(scored, scoredRecord{rec: records[i], score: sc})
		if len(scored) >= e.cfg.MaxResults {
			break
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].rec.ID > scored[j].rec.ID
	})
	if len(scored) > e.cfg.MaxResults {
		scored = scored[:e.cfg.MaxResults]
	}
	results := make([]history.Record, 0, len(scored))
	for _, s := range scored {
		results = append(results, s.rec)
	}
	return results, nil
}

// partialSearch is the substring-scan fallback. Outcomes are cached per
// query, and concurrent scans for the same query collapse into one.
func (e *Engine) partialSearch(ctx context.Context, query string) ([]history.Record, error) {
	if e.cache.GetFailed(ctx, query) {
		return nil, nil
	}
	if cached, ok := e.cache.GetPartial(ctx, query); ok {
		return cached, nil
	}

	v, err, _ := e.group.Do(query, func() (any, error) {
		if cached, ok := e.cache.GetPartial(ctx, query); ok {
			return cached, nil
		}
		results, err := e.scan(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			e.cache.SetFailed(ctx, query)
		} else {
			e.cache.SetPartial(ctx, query, results)
		}
		return results, nil
	})
	if err != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return v.([]history.Record), nil
}

// scan enumerates index tokens matching the query's glob patterns across all
// three fields, then scores and ranks the collected candidates.
func (e *Engine) scan(ctx context.Context, query string) ([]history.Record, error) {
	patterns := scanPatterns(query, e.cfg.LongTermThreshold)
	candidates := make(map[float64]struct{})
	for _, field := range history.Fields() {
		ids, err := e.index.ScanField(ctx, field, patterns, e.cfg.ScanLimit)
		if err != nil {
			e.logger.Warn("partial scan failed for field", "field", field, "query", query, "error", err)
			continue
		}
		for id := range ids {
			candidates[id] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]float64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	return e.rank(ctx, ids, query)
}

// scanPatterns builds the glob patterns for one partial scan: a contains
// pattern always; prefix and suffix patterns for long queries only, to bound
// scan cost on short common substrings; and a contains pattern per word
// longer than two characters for multi-word queries.
func scanPatterns(query string, longThreshold int) []string {
	patterns := []string{"*" + query + "*"}
	if len(query) >= longThreshold {
		patterns = append(patterns, query+"*", "*"+query)
	}
	if strings.Contains(query, " ") {
		for _, word := range strings.Fields(query) {
			if len(word) > 2 {
				patterns = append(patterns, "*"+word+"*")
			}
		}
	}
	return patterns
}

func (e *Engine) observeOutcome(results []history.Record, outcome string) {
	if len(results) == 0 {
		e.metrics.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
	} else {
		e.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	}
	e.metrics.SearchResultsCount.Observe(float64(len(results)))
}
