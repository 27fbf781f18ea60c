package history

import (
	"fmt"
	"strconv"
)

// Index field names. Each field owns one token hash in Redis.
const (
	FieldTitle  = "title"
	FieldDate   = "date"
	FieldEditor = "editor"
)

// Fields lists the index fields in a stable order.
func Fields() []string {
	return []string{FieldTitle, FieldDate, FieldEditor}
}

// Cache namespaces for the partial matcher.
const (
	CachePartial = "partial"
	CacheFailed  = "failed"
)

// Keys builds every Redis key the history subsystem uses. The "{history}"
// hash tag keeps all related keys on the same cluster node so multi-key
// operations (RENAME swaps, pattern flushes) stay valid.
type Keys struct {
	prefix string
}

// NewKeys returns the key builder for the standard history prefix.
func NewKeys() *Keys {
	return &Keys{prefix: "{history}"}
}

// Item returns the key holding the full serialized record for an id.
func (k *Keys) Item(id float64) string {
	return fmt.Sprintf("%s:item:%s", k.prefix, FormatID(id))
}

// Metadata returns the sorted-set key of record projections ordered by id.
func (k *Keys) Metadata() string {
	return k.prefix + ":metadata"
}

// Index returns the live token hash for a field.
func (k *Keys) Index(field string) string {
	return fmt.Sprintf("%s:search_index:%s", k.prefix, field)
}

// IndexStaging returns the staging token hash a rebuild writes before the
// atomic swap.
func (k *Keys) IndexStaging(field string) string {
	return fmt.Sprintf("%s:search_index:%s:staging", k.prefix, field)
}

// Cache returns the key for a cached partial-search outcome.
func (k *Keys) Cache(namespace, term string) string {
	return fmt.Sprintf("%s:cache:%s:%s", k.prefix, namespace, term)
}

// CachePattern returns the glob matching every key in a cache namespace.
func (k *Keys) CachePattern(namespace string) string {
	return fmt.Sprintf("%s:cache:%s:*", k.prefix, namespace)
}

// RebuildLease returns the key of the cross-process rebuild lease.
func (k *Keys) RebuildLease() string {
	return k.prefix + ":rebuild_lease"
}

// FormatID renders a record id in its canonical string form. The shortest
// round-trip representation is used so the same float64 always maps to the
// same key and sorted-set score bound.
func FormatID(id float64) string {
	return strconv.FormatFloat(id, 'f', -1, 64)
}

// ParseID parses a canonical id string back into a float64.
func ParseID(s string) (float64, error) {
	id, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing record id %q: %w", s, err)
	}
	return id, nil
}
