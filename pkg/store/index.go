package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"mediashare/pkg/types"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Field weights applied when indexing metadata.
const (
	WeightTitle       = 10
	WeightTags        = 8
	WeightDescription = 5
	WeightOther       = 3
)

// Tokenize lowercases text and splits it on anything that is not a letter,
// digit or underscore. Empty tokens are dropped.
func Tokenize(text string) []string {
	// Casers keep state between calls and must not be shared.
	lowered := cases.Lower(language.Und).String(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}

// ExtractTerms returns the weighted terms for metadata. A term reached
// through several fields accumulates all their weights.
func ExtractTerms(metadata types.Metadata) map[string]float64 {
	terms := make(map[string]float64)
	add := func(text string, weight float64) {
		for _, token := range Tokenize(text) {
			terms[token] += weight
		}
	}

	for key, value := range metadata {
		switch key {
		case "title":
			for _, text := range stringsOf(value) {
				add(text, WeightTitle)
			}
		case "tags":
			for _, text := range stringsOf(value) {
				add(text, WeightTags)
			}
		case "description":
			for _, text := range stringsOf(value) {
				add(text, WeightDescription)
			}
		default:
			if text, ok := value.(string); ok {
				add(text, WeightOther)
			}
		}
	}
	return terms
}

// stringsOf accepts a string or a list of strings.
func stringsOf(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// writeIndex replaces every index entry of id with terms.
func writeIndex(ctx context.Context, tx *sql.Tx, id types.ContentID, terms map[string]float64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE content_id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to clear index entries: %w", err)
	}
	if len(terms) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO search_index (content_id, term, relevance) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare index insert: %w", err)
	}
	defer stmt.Close()

	for term, relevance := range terms {
		if _, err := stmt.ExecContext(ctx, string(id), term, relevance); err != nil {
			return fmt.Errorf("failed to index term %q: %w", term, err)
		}
	}
	return nil
}

// IndexEntries returns the index entries of id ordered by term.
func (s *Store) IndexEntries(ctx context.Context, id types.ContentID) ([]types.SearchIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, term, relevance FROM search_index WHERE content_id = ? ORDER BY term`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read index entries: %w", err)
	}
	defer rows.Close()

	var entries []types.SearchIndexEntry
	for rows.Next() {
		var e types.SearchIndexEntry
		var cid string
		if err := rows.Scan(&cid, &e.Term, &e.Relevance); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		e.ContentID = types.ContentID(cid)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) lookupTerms(ctx context.Context, terms []string) ([]types.SearchIndexEntry, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, term, relevance FROM search_index WHERE term IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.SearchIndexEntry
	for rows.Next() {
		var e types.SearchIndexEntry
		var cid string
		if err := rows.Scan(&cid, &e.Term, &e.Relevance); err != nil {
			return nil, err
		}
		e.ContentID = types.ContentID(cid)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type hit struct {
	id         types.ContentID
	score      float64
	matchCount int
}

// rankHits orders hits by distinct matching terms, then summed relevance,
// then id so equal hits come back in a stable order.
func rankHits(entries []types.SearchIndexEntry) []hit {
	byID := make(map[types.ContentID]*hit)
	for _, e := range entries {
		h, ok := byID[e.ContentID]
		if !ok {
			h = &hit{id: e.ContentID}
			byID[e.ContentID] = h
		}
		h.score += e.Relevance
		h.matchCount++
	}

	hits := make([]hit, 0, len(byID))
	for _, h := range byID {
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].matchCount != hits[j].matchCount {
			return hits[i].matchCount > hits[j].matchCount
		}
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	return hits
}
