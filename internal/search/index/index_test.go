package index

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/pkg/config"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

func newTestIndex(t *testing.T, batchSize int) (*Index, *history.Store, *pkgredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	store := history.NewStore(client, 1000, m)
	return New(client, store.Keys(), batchSize, m), store, client
}

func insert(t *testing.T, store *history.Store, title, date, editor string) float64 {
	t.Helper()
	id, err := store.Insert(context.Background(), title, date, editor, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Insert(%q) failed: %v", title, err)
	}
	return id
}

func lookupIDs(t *testing.T, ix *Index, token string) []float64 {
	t.Helper()
	ids, err := ix.Lookup(context.Background(), token)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", token, err)
	}
	sort.Float64s(ids)
	return ids
}

// dumpHash reads one live field hash into a plain map for comparison.
func dumpHash(t *testing.T, client *pkgredis.Client, key string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := client.ScanHashFields(context.Background(), key, "*", 500, func(field, value string) bool {
		out[field] = value
		return true
	})
	if err != nil {
		t.Fatalf("scanning %s failed: %v", key, err)
	}
	return out
}

func TestRebuildIndexesEveryToken(t *testing.T) {
	ix, store, _ := newTestIndex(t, 500)
	ctx := context.Background()

	first := insert(t, store, "December Change Weekend", "2024-12-20", "alice")
	second := insert(t, store, "January Patch", "2025-01-05", "Bob Smith")

	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	tests := []struct {
		token string
		want  []float64
	}{
		{"december", []float64{first}},
		{"change", []float64{first}},
		{"weekend", []float64{first}},
		{"2024-12-20", []float64{first}},
		{"2024", []float64{first}},
		{"12", []float64{first}},
		{"20", []float64{first}},
		{"alice", []float64{first}},
		{"january", []float64{second}},
		{"2025", []float64{second}},
		{"bob smith", []float64{second}},
		{"bob", []float64{second}},
		{"smith", []float64{second}},
		{"missing", nil},
	}
	for _, tt := range tests {
		got := lookupIDs(t, ix, tt.token)
		want := append([]float64(nil), tt.want...)
		sort.Float64s(want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Lookup(%q) = %v, want %v", tt.token, got, want)
		}
	}
}

func TestRebuildBatchesSmallerThanStore(t *testing.T) {
	ix, store, _ := newTestIndex(t, 2)
	ctx := context.Background()

	want := make([]float64, 5)
	for i := range want {
		want[i] = insert(t, store, "deploy", "2024-01-01", "alice")
	}
	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	got := lookupIDs(t, ix, "deploy")
	sort.Float64s(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lookup(deploy) = %v, want all %d records", got, len(want))
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	ix, store, client := newTestIndex(t, 500)
	ctx := context.Background()

	insert(t, store, "December Change Weekend", "2024-12-20", "alice")
	insert(t, store, "January Patch", "2025-01-05", "Bob Smith")

	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("first Rebuild failed: %v", err)
	}
	before := make(map[string]map[string]string)
	for _, field := range history.Fields() {
		before[field] = dumpHash(t, client, store.Keys().Index(field))
	}

	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("second Rebuild failed: %v", err)
	}
	for _, field := range history.Fields() {
		after := dumpHash(t, client, store.Keys().Index(field))
		if !reflect.DeepEqual(before[field], after) {
			t.Errorf("field %s changed across identical rebuilds:\nbefore %v\nafter  %v",
				field, before[field], after)
		}
	}
}

func TestRebuildDropsDeletedRecords(t *testing.T) {
	ix, store, _ := newTestIndex(t, 500)
	ctx := context.Background()

	stale := insert(t, store, "obsolete entry", "2024-01-01", "alice")
	kept := insert(t, store, "current entry", "2024-02-01", "bob")

	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if _, err := store.Delete(ctx, stale); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild after delete failed: %v", err)
	}

	if got := lookupIDs(t, ix, "obsolete"); len(got) != 0 {
		t.Errorf("deleted record still indexed: %v", got)
	}
	if got := lookupIDs(t, ix, "current"); !reflect.DeepEqual(got, []float64{kept}) {
		t.Errorf("surviving record lost from index: %v", got)
	}
}

func TestRebuildEmptyStoreClearsIndex(t *testing.T) {
	ix, store, client := newTestIndex(t, 500)
	ctx := context.Background()

	id := insert(t, store, "short lived", "2024-01-01", "alice")
	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if _, err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild on empty store failed: %v", err)
	}

	for _, field := range history.Fields() {
		exists, err := client.Exists(ctx, store.Keys().Index(field))
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Errorf("field %s hash survived an empty-store rebuild", field)
		}
	}
	if got := lookupIDs(t, ix, "short"); len(got) != 0 {
		t.Errorf("Lookup on cleared index returned %v", got)
	}
}

func TestLookupSameTokenAcrossFields(t *testing.T) {
	ix, store, _ := newTestIndex(t, 500)
	ctx := context.Background()

	// "december" appears as a title word in one record and as a date label
	// in another; the lookup must union both.
	a := insert(t, store, "December freeze", "2024-12-01", "alice")
	b := insert(t, store, "release notes", "december", "bob")

	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	want := []float64{a, b}
	sort.Float64s(want)
	if got := lookupIDs(t, ix, "december"); !reflect.DeepEqual(got, want) {
		t.Errorf("Lookup(december) = %v, want %v", got, want)
	}
}

func TestScanFieldHonorsLimit(t *testing.T) {
	ix, store, _ := newTestIndex(t, 500)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		insert(t, store, "deployment notes", "2024-01-01", "alice")
	}
	if err := ix.Rebuild(ctx, store); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	ids, err := ix.ScanField(ctx, history.FieldTitle, []string{"*deploy*"}, 3)
	if err != nil {
		t.Fatalf("ScanField failed: %v", err)
	}
	if len(ids) < 3 {
		t.Errorf("expected at least the limit of matches, got %d", len(ids))
	}

	ids, err = ix.ScanField(ctx, history.FieldTitle, []string{"*nomatch*"}, 3)
	if err != nil {
		t.Fatalf("ScanField failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no matches, got %d", len(ids))
	}
}
