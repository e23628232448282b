// Package store is the local content store: content records backed by the
// blob store, a weighted inverted index for term search, and a play
// history log, all persisted in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mediashare/pkg/codec"
	"mediashare/pkg/events"
	"mediashare/pkg/hashing"
	"mediashare/pkg/storage"
	"mediashare/pkg/types"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS content (
    id TEXT PRIMARY KEY,
    payload_ref TEXT NOT NULL,
    metadata BLOB NOT NULL,
    size INTEGER NOT NULL,
    added_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_index (
    content_id TEXT NOT NULL,
    term TEXT NOT NULL,
    relevance REAL NOT NULL,
    PRIMARY KEY (content_id, term)
);
CREATE INDEX IF NOT EXISTS idx_search_index_term ON search_index(term);

CREATE TABLE IF NOT EXISTS play_history (
    content_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    position REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_play_history_content ON play_history(content_id, timestamp);
`

type Options struct {
	// Path of the SQLite database file. Its directory is created if needed.
	Path string
	// BlobDir holds payload bytes. Defaults to "blobs" next to Path.
	BlobDir string
	// MaxStorage caps the summed payload size in bytes. Zero is unlimited.
	MaxStorage int64

	Hasher *hashing.Hasher
	Chunks *storage.ChunkManager
	Logger *zap.Logger
	Bus    *events.EventBus
	Now    func() time.Time
}

type Store struct {
	db         *sql.DB
	blobs      *storage.BlobStore
	hasher     *hashing.Hasher
	logger     *zap.Logger
	bus        *events.EventBus
	now        func() time.Time
	maxStorage int64

	// Per-content write locks; concurrent writers of one id serialize here.
	keyLocks     map[types.ContentID]*keyLock
	keyLockMutex sync.Mutex
}

type keyLock struct {
	sync.Mutex
	refs int
}

func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, types.InputError("store path is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BlobDir == "" {
		opts.BlobDir = filepath.Join(filepath.Dir(opts.Path), "blobs")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	blobs, err := storage.NewBlobStore(opts.BlobDir, opts.Chunks, opts.Logger.Named("blobs"))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	opts.Logger.Info("Content store opened",
		zap.String("path", opts.Path),
		zap.String("hash", string(opts.Hasher.Algorithm())),
		zap.Int64("max_storage", opts.MaxStorage))

	return &Store{
		db:         db,
		blobs:      blobs,
		hasher:     opts.Hasher,
		logger:     opts.Logger,
		bus:        opts.Bus,
		now:        opts.Now,
		maxStorage: opts.MaxStorage,
		keyLocks:   make(map[types.ContentID]*keyLock),
	}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Hasher returns the hasher used to derive content ids.
func (s *Store) Hasher() *hashing.Hasher {
	return s.hasher
}

func (s *Store) lockKey(id types.ContentID) func() {
	s.keyLockMutex.Lock()
	l, ok := s.keyLocks[id]
	if !ok {
		l = &keyLock{}
		s.keyLocks[id] = l
	}
	l.refs++
	s.keyLockMutex.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.keyLockMutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keyLocks, id)
		}
		s.keyLockMutex.Unlock()
	}
}

// StoreContent persists payload with metadata and indexes its searchable
// fields. The id comes from metadata["id"] when present, otherwise from
// the payload digest. Storing an existing id replaces it. Metadata is
// stored, and returned, in the canonical form of codec.Normalize.
func (s *Store) StoreContent(ctx context.Context, payload []byte, metadata types.Metadata) (*types.ContentRecord, error) {
	id := types.ContentID(metadata.String("id"))
	if id == "" {
		id = s.hasher.HashBytes(payload)
	}

	unlock := s.lockKey(id)
	defer unlock()

	size := int64(len(payload))
	if err := s.checkCapacity(ctx, id, size); err != nil {
		return nil, err
	}

	normalized, err := codec.NormalizeMap(metadata)
	if err != nil {
		return nil, types.InputError("metadata for %s: %v", id, err)
	}
	metadata = normalized
	encoded, err := codec.Marshal(normalized)
	if err != nil {
		return nil, types.InputError("metadata for %s cannot be encoded: %v", id, err)
	}

	ref := string(id)
	existed := s.blobs.Has(ref)
	if err := s.blobs.Put(ref, payload); err != nil {
		return nil, fmt.Errorf("failed to store payload %s: %w", id, err)
	}

	addedAt := s.now().UTC()
	terms := ExtractTerms(metadata)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content (id, payload_ref, metadata, size, added_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET payload_ref = excluded.payload_ref, metadata = excluded.metadata,
			 size = excluded.size, added_at = excluded.added_at`,
			string(id), ref, encoded, size, addedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to write content row: %w", err)
		}
		return writeIndex(ctx, tx, id, terms)
	})
	if err != nil {
		if !existed {
			if cleanupErr := s.blobs.Delete(ref); cleanupErr != nil {
				s.logger.Warn("Failed to remove orphaned payload", zap.String("content_id", string(id)), zap.Error(cleanupErr))
			}
		}
		return nil, fmt.Errorf("failed to store content %s: %w", id, err)
	}

	record := &types.ContentRecord{
		ID:         id,
		Payload:    payload,
		PayloadRef: ref,
		Metadata:   metadata,
		Size:       size,
		AddedAt:    addedAt,
		IsLocal:    true,
	}

	s.logger.Info("Content stored",
		zap.String("content_id", string(id)),
		zap.Int64("size", size),
		zap.Int("terms", len(terms)))
	s.bus.Publish(events.ContentStored, events.Event{ContentID: id, Record: record})

	return record, nil
}

func (s *Store) checkCapacity(ctx context.Context, id types.ContentID, size int64) error {
	if s.maxStorage <= 0 {
		return nil
	}
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM content WHERE id != ?`, string(id)).Scan(&used)
	if err != nil {
		return fmt.Errorf("failed to compute storage usage: %w", err)
	}
	if used+size > s.maxStorage {
		return types.StorageExhaustedError(used, size, s.maxStorage)
	}
	return nil
}

// Usage returns the number of records and their summed payload size.
func (s *Store) Usage(ctx context.Context) (count int, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM content`).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute storage usage: %w", err)
	}
	return count, bytes, nil
}

// Capacity returns the configured storage cap, zero meaning unlimited.
func (s *Store) Capacity() int64 {
	return s.maxStorage
}

// GetContent returns the record with its payload.
func (s *Store) GetContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error) {
	record, err := s.getRecord(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	payload, err := s.blobs.Get(record.PayloadRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load payload for %s: %w", id, err)
	}
	record.Payload = payload
	return record, nil
}

// StatContent returns the record without reading its payload.
func (s *Store) StatContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error) {
	return s.getRecord(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getRecord loads a record without its payload.
func (s *Store) getRecord(ctx context.Context, q queryer, id types.ContentID) (*types.ContentRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, payload_ref, metadata, size, added_at FROM content WHERE id = ?`, string(id))
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundError("content", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content %s: %w", id, err)
	}
	return record, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*types.ContentRecord, error) {
	var (
		id       string
		ref      string
		metadata []byte
		size     int64
		addedAt  int64
	)
	if err := row.Scan(&id, &ref, &metadata, &size, &addedAt); err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := codec.Unmarshal(metadata, &decoded); err != nil {
		return nil, fmt.Errorf("metadata of %s is unreadable: %w", id, err)
	}
	return &types.ContentRecord{
		ID:         types.ContentID(id),
		PayloadRef: ref,
		Metadata:   types.Metadata(decoded),
		Size:       size,
		AddedAt:    time.Unix(0, addedAt).UTC(),
		IsLocal:    true,
	}, nil
}

// Sort fields understood by GetLocalContent besides metadata keys.
const (
	SortAddedAt = "addedAt"
	SortSize    = "size"
	SortID      = "id"
)

type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Query selects records for GetLocalContent. The zero value lists every
// record, newest first.
type Query struct {
	// Type keeps only records whose metadata "type" equals it.
	Type      string
	SortField string
	Direction Direction
	Limit     int
}

// GetLocalContent lists records without payloads.
func (s *Store) GetLocalContent(ctx context.Context, q Query) ([]types.ContentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload_ref, metadata, size, added_at FROM content`)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	var records []types.ContentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		if q.Type != "" && record.Metadata.String("type") != q.Type {
			continue
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}

	field := q.SortField
	if field == "" {
		field = SortAddedAt
	}
	desc := q.Direction != Ascending
	sort.SliceStable(records, func(i, j int) bool {
		c := compareRecords(&records[i], &records[j], field)
		if c == 0 {
			c = compareStrings(string(records[i].ID), string(records[j].ID))
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

func compareRecords(a, b *types.ContentRecord, field string) int {
	switch field {
	case SortAddedAt, "added_at":
		return a.AddedAt.Compare(b.AddedAt)
	case SortSize:
		return compareFloats(float64(a.Size), float64(b.Size))
	case SortID:
		return compareStrings(string(a.ID), string(b.ID))
	}
	return compareValues(a.Metadata[field], b.Metadata[field])
}

// compareValues orders metadata values: missing values sort lowest,
// numbers numerically, everything else by its string form.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return compareFloats(fa, fb)
	}
	return compareStrings(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// DeleteContent removes the record, its payload, its play history and
// every index entry pointing at it. It reports false when there was nothing to delete.
func (s *Store) DeleteContent(ctx context.Context, id types.ContentID) (bool, error) {
	unlock := s.lockKey(id)
	defer unlock()

	var ref string
	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT payload_ref FROM content WHERE id = ?`, string(id)).Scan(&ref)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM search_index WHERE content_id = ?`,
			`DELETE FROM play_history WHERE content_id = ?`,
			`DELETE FROM content WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, string(id)); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete content %s: %w", id, err)
	}
	if !deleted {
		return false, nil
	}

	if err := s.blobs.Delete(ref); err != nil {
		s.logger.Warn("Failed to remove payload of deleted content",
			zap.String("content_id", string(id)),
			zap.Error(err))
	}

	s.logger.Info("Content deleted", zap.String("content_id", string(id)))
	s.bus.Publish(events.ContentDeleted, events.Event{ContentID: id})
	return true, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
