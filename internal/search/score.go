package search

import (
	"strings"

	"github.com/frenzywall/changehist/internal/history"
)

// Per-field relevance weights by match tier. Within a field only the highest
// applicable tier counts (exact > starts-with > whole-word > substring);
// scores are additive across fields. Title matches dominate, dates rank
// above editors.
type weights struct {
	exact      int
	startsWith int
	wholeWord  int
	contains   int
}

var fieldWeights = map[string]weights{
	history.FieldTitle:  {exact: 100, startsWith: 50, wholeWord: 30, contains: 20},
	history.FieldDate:   {exact: 80, startsWith: 40, wholeWord: 25, contains: 15},
	history.FieldEditor: {exact: 60, startsWith: 30, wholeWord: 20, contains: 10},
}

// scoreRecord computes the total relevance of a record for a normalized
// query. A zero score means the record does not qualify.
func scoreRecord(rec *history.Record, query string) int {
	total := scoreField(strings.ToLower(rec.Title), query, fieldWeights[history.FieldTitle])
	total += scoreField(strings.ToLower(rec.DateLabel), query, fieldWeights[history.FieldDate])
	total += scoreField(strings.ToLower(rec.Editor), query, fieldWeights[history.FieldEditor])
	return total
}

func scoreField(value, query string, w weights) int {
	if value == "" {
		return 0
	}
	switch {
	case value == query:
		return w.exact
	case strings.HasPrefix(value, query):
		return w.startsWith
	case containsWord(value, query):
		return w.wholeWord
	case strings.Contains(value, query):
		return w.contains
	}
	return 0
}

func containsWord(value, query string) bool {
	for _, word := range strings.Fields(value) {
		if word == query {
			return true
		}
	}
	return false
}
