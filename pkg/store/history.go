package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediashare/pkg/types"
)

// RecordPlay appends a play history record at position zero.
func (s *Store) RecordPlay(ctx context.Context, id types.ContentID) (*types.PlayHistoryRecord, error) {
	if _, err := s.getRecord(ctx, s.db, id); err != nil {
		return nil, err
	}
	record := &types.PlayHistoryRecord{
		ContentID: id,
		Timestamp: s.now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO play_history (content_id, timestamp, position) VALUES (?, ?, ?)`,
		string(id), record.Timestamp.UnixNano(), record.Position); err != nil {
		return nil, fmt.Errorf("failed to record play of %s: %w", id, err)
	}
	return record, nil
}

// UpdatePlayPosition moves the most recent play of id to position, or
// starts a new play there when id has never been played.
func (s *Store) UpdatePlayPosition(ctx context.Context, id types.ContentID, position float64) (*types.PlayHistoryRecord, error) {
	if position < 0 {
		return nil, types.InputError("negative play position %v", position)
	}
	if _, err := s.getRecord(ctx, s.db, id); err != nil {
		return nil, err
	}

	var record *types.PlayHistoryRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var rowID, ts int64
		err := tx.QueryRowContext(ctx,
			`SELECT rowid, timestamp FROM play_history WHERE content_id = ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT 1`, string(id)).Scan(&rowID, &ts)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := s.now().UTC()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO play_history (content_id, timestamp, position) VALUES (?, ?, ?)`,
				string(id), now.UnixNano(), position); err != nil {
				return err
			}
			record = &types.PlayHistoryRecord{ContentID: id, Timestamp: now, Position: position}
			return nil
		case err != nil:
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE play_history SET position = ? WHERE rowid = ?`, position, rowID); err != nil {
			return err
		}
		record = &types.PlayHistoryRecord{ContentID: id, Timestamp: time.Unix(0, ts).UTC(), Position: position}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update play position of %s: %w", id, err)
	}
	return record, nil
}

// PlayHistory lists the plays of id, most recent first.
func (s *Store) PlayHistory(ctx context.Context, id types.ContentID) ([]types.PlayHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, position FROM play_history WHERE content_id = ?
		 ORDER BY timestamp DESC, rowid DESC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read play history of %s: %w", id, err)
	}
	defer rows.Close()

	var history []types.PlayHistoryRecord
	for rows.Next() {
		var ts int64
		record := types.PlayHistoryRecord{ContentID: id}
		if err := rows.Scan(&ts, &record.Position); err != nil {
			return nil, fmt.Errorf("failed to scan play history: %w", err)
		}
		record.Timestamp = time.Unix(0, ts).UTC()
		history = append(history, record)
	}
	return history, rows.Err()
}
