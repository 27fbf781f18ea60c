package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/search"
	"github.com/frenzywall/changehist/internal/search/cache"
	"github.com/frenzywall/changehist/internal/search/index"
	"github.com/frenzywall/changehist/internal/search/rebuild"
	"github.com/frenzywall/changehist/internal/service"
	"github.com/frenzywall/changehist/pkg/config"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

type apiFixture struct {
	mux   *http.ServeMux
	store *history.Store
	index *index.Index
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	cfg := config.Default()
	store := history.NewStore(client, cfg.History.Limit, m)
	ix := index.New(client, store.Keys(), cfg.Rebuild.BatchSize, m)
	rc := cache.New(client, store.Keys(), cfg.Search.PartialCacheTTL, cfg.Search.FailedCacheTTL, m)
	coord := rebuild.New(client, store.Keys(), cfg.Rebuild.LeaseTTL,
		func(ctx context.Context) error { return ix.Rebuild(ctx, store) },
		rc, m)
	engine := search.New(store, ix, rc, cfg.Search, m)
	svc := service.New(store, engine, coord, nil)

	h := New(svc, cfg.History.DefaultPageSize)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history", h.List)
	mux.HandleFunc("POST /api/history", h.Save)
	mux.HandleFunc("GET /api/history/status", h.Status)
	mux.HandleFunc("GET /api/history/{id}", h.Get)
	mux.HandleFunc("DELETE /api/history/{id}", h.Delete)

	return &apiFixture{mux: mux, store: store, index: ix}
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestSaveAndGet(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/history",
		`{"title":"December Change Weekend","date":"2024-12-20","editor":"alice","data":{"services":[{"name":"auth"}]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		Status    string  `json:"status"`
		Timestamp float64 `json:"timestamp"`
	}
	decodeBody(t, rec, &saved)
	if saved.Status != "success" || saved.Timestamp == 0 {
		t.Fatalf("save response = %+v", saved)
	}

	rec = f.do(t, http.MethodGet, "/api/history/"+history.FormatID(saved.Timestamp), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got history.Record
	decodeBody(t, rec, &got)
	if got.Title != "December Change Weekend" || got.Editor != "alice" {
		t.Errorf("fetched record = %+v", got)
	}
}

func TestSaveRejectsMissingTitle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/history", `{"date":"2024-12-20"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
}

func TestSaveRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/history", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetUnknownIDReturns404(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/history/1734700000.123456", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMalformedIDReturns400(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/history/not-a-number", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDelete(t *testing.T) {
	f := newAPIFixture(t)

	id, err := f.store.Insert(context.Background(), "to delete", "2024-01-01", "bob", nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/api/history/"+history.FormatID(id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/api/history/"+history.FormatID(id), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestListPagination(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.store.Insert(ctx, fmt.Sprintf("entry %d", i), "2024-01-01", "alice", nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/history?page=1&per_page=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var body struct {
		Items      []history.Record `json:"items"`
		Pagination history.PageInfo `json:"pagination"`
		IsEmpty    bool             `json:"is_empty"`
	}
	decodeBody(t, rec, &body)
	if len(body.Items) != 2 || body.IsEmpty {
		t.Fatalf("page 1 = %+v", body)
	}
	if body.Pagination.TotalItems != 5 || body.Pagination.TotalPages != 3 || !body.Pagination.HasNext {
		t.Errorf("pagination = %+v", body.Pagination)
	}
	if body.Items[0].Title != "entry 4" {
		t.Errorf("expected newest first, got %q", body.Items[0].Title)
	}
}

func TestListEmptyStoreSerializesEmptyArray(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var body struct {
		Items   json.RawMessage `json:"items"`
		IsEmpty bool            `json:"is_empty"`
	}
	decodeBody(t, rec, &body)
	if strings.TrimSpace(string(body.Items)) != "[]" {
		t.Errorf("items serialized as %s, want []", body.Items)
	}
	if !body.IsEmpty {
		t.Error("expected is_empty true")
	}
}

func TestListWithSearch(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	if _, err := f.store.Insert(ctx, "December Change Weekend", "2024-12-20", "alice", nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := f.store.Insert(ctx, "January Patch", "2025-01-05", "bob", nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := f.index.Rebuild(ctx, f.store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/history?search=december", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	var body struct {
		Items   []history.Record `json:"items"`
		IsEmpty bool             `json:"is_empty"`
	}
	decodeBody(t, rec, &body)
	if len(body.Items) != 1 || body.Items[0].Title != "December Change Weekend" {
		t.Errorf("search results = %+v", body.Items)
	}
}

func TestStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/history/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]bool
	decodeBody(t, rec, &body)
	if body["rebuilding"] {
		t.Error("expected rebuilding=false with no lease held")
	}
}
