package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mediashare/pkg/types"

	"go.uber.org/zap"
)

// SearchContent ranks local records against query. Lookup failures are
// logged and yield an empty result; discovery never fails the caller.
func (s *Store) SearchContent(ctx context.Context, query string) []types.ContentRecord {
	terms := uniqueTokens(query)
	if len(terms) == 0 {
		return []types.ContentRecord{}
	}

	entries, err := s.lookupTerms(ctx, terms)
	if err != nil {
		s.logger.Error("Search lookup failed", zap.String("query", query), zap.Error(err))
		return []types.ContentRecord{}
	}

	hits := rankHits(entries)
	results := make([]types.ContentRecord, 0, len(hits))
	for _, h := range hits {
		record, err := s.getRecord(ctx, s.db, h.id)
		if errors.Is(err, types.ErrNotFound) {
			s.logger.Warn("Skipping search hit", zap.Error(types.IndexCorruptionError(h.id, "")))
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to hydrate search hit", zap.String("content_id", string(h.id)), zap.Error(err))
			continue
		}
		relevance := h.score
		record.Relevance = &relevance
		record.IsLocal = true
		results = append(results, *record)
	}

	s.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("terms", len(terms)),
		zap.Int("results", len(results)))
	return results
}

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokenize(text) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// RecentContent lists the newest records, or nothing if the listing fails.
func (s *Store) RecentContent(ctx context.Context, limit int) []types.ContentRecord {
	records, err := s.GetLocalContent(ctx, Query{SortField: SortAddedAt, Direction: Descending, Limit: limit})
	if err != nil {
		s.logger.Error("Failed to list recent content", zap.Error(err))
		return []types.ContentRecord{}
	}
	return records
}

// ContentByCategory lists records whose metadata "category" equals
// category, newest first, or nothing if the listing fails.
func (s *Store) ContentByCategory(ctx context.Context, category string) []types.ContentRecord {
	records, err := s.GetLocalContent(ctx, Query{})
	if err != nil {
		s.logger.Error("Failed to list content by category", zap.String("category", category), zap.Error(err))
		return []types.ContentRecord{}
	}
	out := []types.ContentRecord{}
	for _, r := range records {
		if r.Metadata.String("category") == category {
			out = append(out, r)
		}
	}
	return out
}

type ReindexReport struct {
	Reindexed      int
	Failed         int
	OrphansRemoved int
}

// Reindex rebuilds the index entries of every record and drops entries
// whose record no longer exists. A failing record is logged and skipped.
func (s *Store) Reindex(ctx context.Context) (ReindexReport, error) {
	var report ReindexReport

	records, err := s.GetLocalContent(ctx, Query{SortField: SortID, Direction: Ascending})
	if err != nil {
		return report, fmt.Errorf("failed to list content for reindex: %w", err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.reindexOne(ctx, record); err != nil {
			report.Failed++
			s.logger.Warn("Failed to reindex content",
				zap.String("content_id", string(record.ID)),
				zap.Error(err))
			continue
		}
		report.Reindexed++
	}

	orphans, err := s.orphanedEntries(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to scan for orphaned index entries: %w", err)
	}
	for _, e := range orphans {
		s.logger.Warn("Removing orphaned index entry", zap.Error(types.IndexCorruptionError(e.ContentID, e.Term)))
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM search_index WHERE content_id = ? AND term = ?`, string(e.ContentID), e.Term); err != nil {
			s.logger.Warn("Failed to remove orphaned index entry",
				zap.String("content_id", string(e.ContentID)),
				zap.Error(err))
			continue
		}
		report.OrphansRemoved++
	}

	s.logger.Info("Reindex completed",
		zap.Int("reindexed", report.Reindexed),
		zap.Int("failed", report.Failed),
		zap.Int("orphans_removed", report.OrphansRemoved))
	return report, nil
}

func (s *Store) reindexOne(ctx context.Context, record types.ContentRecord) error {
	unlock := s.lockKey(record.ID)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getRecord(ctx, tx, record.ID); err != nil {
			return err
		}
		return writeIndex(ctx, tx, record.ID, ExtractTerms(record.Metadata))
	})
}

func (s *Store) orphanedEntries(ctx context.Context) ([]types.SearchIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, term, relevance FROM search_index
		 WHERE content_id NOT IN (SELECT id FROM content) ORDER BY content_id, term`)
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
