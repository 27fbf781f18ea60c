// Package tokenizer produces the normalized tokens each record contributes to
// the inverted index. Every function is pure and deterministic: lowercase the
// input, split per field-specific rules, drop empties. There is deliberately
// no stemming, stop-word removal, or fuzzy normalization; the goal is exact
// and component-level matching with a bounded, predictable index size.
package tokenizer

import "strings"

// minEditorTokenLen is the shortest editor name component that gets its own
// token. Shorter fragments ("de", "jr") would bloat the index with
// near-useless entries.
const minEditorTokenLen = 3

// Title tokenizes a record title: lowercase, split on whitespace.
func Title(title string) []string {
	return dedup(strings.Fields(strings.ToLower(title)))
}

// Date tokenizes a date label: the whole lowercased label is one token, and
// each non-empty dash-separated component is another. "2024-12-20" yields
// "2024-12-20", "2024", "12", "20".
func Date(label string) []string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return nil
	}
	tokens := []string{label}
	for _, part := range strings.Split(label, "-") {
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return dedup(tokens)
}

// Editor tokenizes an editor/attribution string: the whole lowercased string
// is one token, and each whitespace-separated component longer than two
// characters is another.
func Editor(editor string) []string {
	editor = strings.ToLower(strings.TrimSpace(editor))
	if editor == "" {
		return nil
	}
	tokens := []string{editor}
	for _, part := range strings.Fields(editor) {
		if len(part) >= minEditorTokenLen {
			tokens = append(tokens, part)
		}
	}
	return dedup(tokens)
}

// dedup removes repeated tokens while keeping first-seen order. A record
// contributes each token at most once per field.
func dedup(tokens []string) []string {
	if len(tokens) < 2 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
