package history

import "encoding/json"

// Record is one stored submission. Records are immutable once stored;
// replacing a submission is modeled as inserting a new record.
type Record struct {
	// ID is a monotonic UNIX timestamp in seconds. It doubles as the
	// insertion order.
	ID        float64         `json:"timestamp"`
	Title     string          `json:"title"`
	DateLabel string          `json:"date"`
	Editor    string          `json:"editor,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
	SavedAt   string          `json:"saved_at,omitempty"`
}

// Metadata is the compact projection stored in the recency-ordered sorted
// set, so pagination never deserializes full payloads.
type Metadata struct {
	ID           float64 `json:"id"`
	Title        string  `json:"title"`
	DateLabel    string  `json:"date"`
	ServiceCount int     `json:"service_count"`
}

// PageInfo describes one page of a paginated listing.
type PageInfo struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"per_page"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrev     bool  `json:"has_prev"`
}
