// Package store persists cache metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/cache"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements cache.MetadataStore on a single SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	log   *log.Logger
	clock func() time.Time
}

var _ cache.MetadataStore = (*SQLiteStore)(nil)

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("store")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, log: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	logger.Debug("Opened metadata store", "path", path)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS entries (
    key TEXT PRIMARY KEY,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    access_count INTEGER NOT NULL DEFAULT 0,
    owner_book TEXT NOT NULL DEFAULT '',
    owner_voice TEXT NOT NULL DEFAULT '',
    segment_book TEXT NOT NULL DEFAULT '',
    chapter_index INTEGER NOT NULL DEFAULT 0,
    segment_index INTEGER NOT NULL DEFAULT 0,
    backend TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'raw',
    compression_started_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_entries_owner_book ON entries(owner_book);
CREATE INDEX IF NOT EXISTS idx_entries_owner_voice ON entries(owner_voice);
CREATE TABLE IF NOT EXISTS quota (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    max_size_bytes INTEGER NOT NULL,
    warning_threshold REAL NOT NULL,
    compression_threshold REAL NOT NULL,
    updated_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const entryColumns = `key, size_bytes, created_at, last_accessed_at, access_count,
	owner_book, owner_voice, segment_book, chapter_index, segment_index,
	backend, duration_ms, state, compression_started_at`

const upsertEntry = `INSERT INTO entries(` + entryColumns + `)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		size_bytes=excluded.size_bytes,
		created_at=excluded.created_at,
		last_accessed_at=excluded.last_accessed_at,
		access_count=excluded.access_count,
		owner_book=excluded.owner_book,
		owner_voice=excluded.owner_voice,
		segment_book=excluded.segment_book,
		chapter_index=excluded.chapter_index,
		segment_index=excluded.segment_index,
		backend=excluded.backend,
		duration_ms=excluded.duration_ms,
		state=excluded.state,
		compression_started_at=excluded.compression_started_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, e cache.EntryMetadata) error {
	_, err := db.ExecContext(ctx, upsertEntry,
		e.Key.String(),
		e.SizeBytes,
		e.CreatedAt.UnixNano(),
		e.LastAccessedAt.UnixNano(),
		e.AccessCount,
		e.OwnerBookID,
		e.OwnerVoiceID,
		e.Segment.BookID,
		e.Segment.ChapterIndex,
		e.Segment.SegmentIndex,
		e.Backend,
		e.AudioDuration.Milliseconds(),
		e.State.String(),
		nullTime(e.CompressionStartedAt),
	)
	return err
}

// LoadEntries implements cache.MetadataStore. Rows that no longer parse
// are skipped with a warning.
func (s *SQLiteStore) LoadEntries(ctx context.Context) (map[cache.CacheKey]cache.EntryMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := make(map[cache.CacheKey]cache.EntryMetadata)
	for rows.Next() {
		var (
			rawKey, state     string
			created, accessed int64
			durationMS        int64
			startedAt         sql.NullInt64
			e                 cache.EntryMetadata
		)
		if err := rows.Scan(&rawKey, &e.SizeBytes, &created, &accessed, &e.AccessCount,
			&e.OwnerBookID, &e.OwnerVoiceID, &e.Segment.BookID, &e.Segment.ChapterIndex, &e.Segment.SegmentIndex,
			&e.Backend, &durationMS, &state, &startedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		key, err := cache.ParseCacheKey(rawKey)
		if err != nil {
			s.log.Warn("Skipping entry with invalid key", "key", rawKey, "err", err)
			continue
		}
		if e.State, err = cache.ParseCompressionState(state); err != nil {
			s.log.Warn("Skipping entry with invalid state", "key", rawKey, "err", err)
			continue
		}
		e.Key = key
		e.CreatedAt = time.Unix(0, created).UTC()
		e.LastAccessedAt = time.Unix(0, accessed).UTC()
		e.AudioDuration = time.Duration(durationMS) * time.Millisecond
		if startedAt.Valid {
			t := time.Unix(0, startedAt.Int64).UTC()
			e.CompressionStartedAt = &t
		}
		entries[key] = e
	}
	return entries, rows.Err()
}

// SaveEntries implements cache.MetadataStore. It replaces every row in one
// transaction.
func (s *SQLiteStore) SaveEntries(ctx context.Context, entries map[cache.CacheKey]cache.EntryMetadata) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for key, e := range entries {
		e.Key = key
		if err = upsert(ctx, tx, e); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// UpsertEntry implements cache.MetadataStore.
func (s *SQLiteStore) UpsertEntry(ctx context.Context, e cache.EntryMetadata) error {
	if err := upsert(ctx, s.db, e); err != nil {
		return fmt.Errorf("upsert %s: %w", e.Key, err)
	}
	return nil
}

// RemoveEntry implements cache.MetadataStore.
func (s *SQLiteStore) RemoveEntry(ctx context.Context, key cache.CacheKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key.String())
	return err
}

// RemoveEntries implements cache.MetadataStore.
func (s *SQLiteStore) RemoveEntries(ctx context.Context, keys []cache.CacheKey) (err error) {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	for _, key := range keys {
		if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key.String()); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// UpdateCompressionState implements cache.MetadataStore.
func (s *SQLiteStore) UpdateCompressionState(ctx context.Context, key cache.CacheKey, state cache.CompressionState, startedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET state = ?, compression_started_at = ? WHERE key = ?`,
		state.String(), nullTime(startedAt), key.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// ReplaceEntry implements cache.MetadataStore. The old row is removed and
// the new one written atomically.
func (s *SQLiteStore) ReplaceEntry(ctx context.Context, oldKey cache.CacheKey, e cache.EntryMetadata) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, oldKey.String()); err != nil {
		return err
	}
	if err = upsert(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// SizeByBook implements cache.MetadataStore.
func (s *SQLiteStore) SizeByBook(ctx context.Context) (map[string]int64, error) {
	return s.sizeBy(ctx, "owner_book")
}

// SizeByVoice implements cache.MetadataStore.
func (s *SQLiteStore) SizeByVoice(ctx context.Context) (map[string]int64, error) {
	return s.sizeBy(ctx, "owner_voice")
}

func (s *SQLiteStore) sizeBy(ctx context.Context, column string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, SUM(size_bytes) FROM entries GROUP BY `+column) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int64)
	for rows.Next() {
		var owner string
		var size int64
		if err := rows.Scan(&owner, &size); err != nil {
			return nil, err
		}
		out[owner] = size
	}
	return out, rows.Err()
}

// LoadQuota implements cache.MetadataStore.
func (s *SQLiteStore) LoadQuota(ctx context.Context) (cache.QuotaSettings, bool, error) {
	var q cache.QuotaSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT max_size_bytes, warning_threshold, compression_threshold FROM quota WHERE id = 1`,
	).Scan(&q.MaxSizeBytes, &q.WarningThresholdPercent, &q.CompressionThresholdPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.QuotaSettings{}, false, nil
	}
	if err != nil {
		return cache.QuotaSettings{}, false, fmt.Errorf("load quota: %w", err)
	}
	return q, true, nil
}

// SaveQuota implements cache.MetadataStore.
func (s *SQLiteStore) SaveQuota(ctx context.Context, q cache.QuotaSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota(id, max_size_bytes, warning_threshold, compression_threshold, updated_at)
		 VALUES(1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			max_size_bytes=excluded.max_size_bytes,
			warning_threshold=excluded.warning_threshold,
			compression_threshold=excluded.compression_threshold,
			updated_at=excluded.updated_at`,
		q.MaxSizeBytes, q.WarningThresholdPercent, q.CompressionThresholdPercent, s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
