package searchutil

import (
	"strings"

	"github.com/dk5761/reader-sync/internal/models"
)

var normalizeReplacer = strings.NewReplacer(
	"-", " ",
	".", " ",
	"_", " ",
	",", " ",
	":", " ",
	";", " ",
	"!", " ",
	"?", " ",
	"(", " ",
	")", " ",
	"[", " ",
	"]", " ",
	"'", " ",
	"\"", " ",
	"/", " ",
	"&", " ",
)

// Normalize lowercases a title and folds punctuation into single spaces.
func Normalize(value string) string {
	clean := strings.ToLower(strings.TrimSpace(value))
	if clean == "" {
		return ""
	}
	clean = normalizeReplacer.Replace(clean)
	return strings.Join(strings.Fields(clean), " ")
}

// Query is a normalized title filter.
type Query struct {
	normalized string
	tokens     []string
}

func NewQuery(raw string) Query {
	normalized := Normalize(raw)
	seen := make(map[string]struct{})
	tokens := make([]string, 0)
	for _, part := range strings.Fields(normalized) {
		if _, exists := seen[part]; exists {
			continue
		}
		seen[part] = struct{}{}
		tokens = append(tokens, part)
	}
	return Query{normalized: normalized, tokens: tokens}
}

func (q Query) Empty() bool {
	return q.normalized == ""
}

// Matches reports whether the candidate contains the whole query or every
// query token. An empty query matches everything.
func (q Query) Matches(candidate string) bool {
	if q.Empty() {
		return true
	}
	normalizedCandidate := Normalize(candidate)
	if normalizedCandidate == "" {
		return false
	}
	if strings.Contains(normalizedCandidate, q.normalized) {
		return true
	}
	for _, token := range q.tokens {
		if !strings.Contains(normalizedCandidate, token) {
			return false
		}
	}
	return true
}

// FilterEntries keeps library entries whose title or manga id matches.
func FilterEntries(entries []models.LibraryEntry, raw string) []models.LibraryEntry {
	query := NewQuery(raw)
	if query.Empty() {
		return entries
	}
	filtered := make([]models.LibraryEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Matches(entry.Title) || query.Matches(entry.MangaID) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
