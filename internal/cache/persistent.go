package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/types"
)

// PersistentStore is the durable warm cache tier: raw asset blobs keyed like
// the memory cache, surviving across viewer sessions. It is a strict
// overflow below the memory tier; writes happen only on successful network
// fetches (single write-through policy, never on promotion).
type PersistentStore struct {
	db      *sql.DB
	logger  *log.Logger
	maxRows int
	maxAge  time.Duration

	statsMu sync.Mutex
	stats   types.CacheStats
}

// PersistentStoreConfig configures the durable tier.
type PersistentStoreConfig struct {
	// Path is the SQLite database file; empty uses an in-memory database,
	// which still exercises the overflow tier within a single session.
	Path string
	// MaxEntries bounds the row count; insert evicts oldest-access first.
	MaxEntries int
	// MaxAge expires rows regardless of capacity.
	MaxAge time.Duration
	Logger *log.Logger
}

const persistentSchema = `
CREATE TABLE IF NOT EXISTS page_assets (
	key         TEXT PRIMARY KEY,
	page_number INTEGER NOT NULL,
	source_url  TEXT NOT NULL,
	body        BLOB NOT NULL,
	byte_size   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	access_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_page_assets_access ON page_assets (access_at);
`

// OpenPersistentStore opens (or creates) the durable tier.
func OpenPersistentStore(cfg PersistentStoreConfig) (*PersistentStore, error) {
	dsn := ":memory:"
	if strings.TrimSpace(cfg.Path) != "" {
		dsn = filepath.Clean(cfg.Path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pferrors.New(pferrors.ErrCodeStoreFailure, "open persistent store").WithCause(err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, pferrors.New(pferrors.ErrCodeStoreFailure, "ping persistent store").WithCause(err)
	}
	if _, err := db.Exec(persistentSchema); err != nil {
		_ = db.Close()
		return nil, pferrors.New(pferrors.ErrCodeStoreFailure, "create persistent schema").WithCause(err)
	}

	maxRows := cfg.MaxEntries
	if maxRows <= 0 {
		maxRows = 15
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	store := &PersistentStore{
		db:      db,
		logger:  logger.With("component", "persistent"),
		maxRows: maxRows,
		maxAge:  maxAge,
		stats:   types.CacheStats{Capacity: maxRows},
	}
	store.expire(context.Background())
	return store, nil
}

// Get returns the stored blob for key, or nil on a miss. Expired rows count
// as misses and are deleted lazily.
func (s *PersistentStore) Get(ctx context.Context, key string) ([]byte, string, bool) {
	var (
		body      []byte
		sourceURL string
		createdAt int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT body, source_url, created_at FROM page_assets WHERE key = ?`, key)
	if err := row.Scan(&body, &sourceURL, &createdAt); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("persistent read failed", "key", key, "err", err)
		}
		s.bumpMisses()
		return nil, "", false
	}

	if time.Since(time.UnixMilli(createdAt)) > s.maxAge {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM page_assets WHERE key = ?`, key); err != nil {
			s.logger.Warn("persistent expiry delete failed", "key", key, "err", err)
		}
		s.bumpMisses()
		return nil, "", false
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE page_assets SET access_at = ? WHERE key = ?`, time.Now().UnixMilli(), key); err != nil {
		s.logger.Warn("persistent access bump failed", "key", key, "err", err)
	}
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
	return body, sourceURL, true
}

// Put stores a blob, evicting oldest-access rows down to capacity first.
// Store failures degrade to a log line; the durable tier is best-effort.
func (s *PersistentStore) Put(ctx context.Context, key string, pageNumber int, sourceURL string, body []byte) {
	if len(body) == 0 {
		return
	}

	count, err := s.rowCount(ctx)
	if err != nil {
		s.logger.Warn("persistent count failed", "err", err)
		return
	}
	if count >= s.maxRows {
		s.DeleteOldest(ctx, count-s.maxRows+1)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO page_assets (key, page_number, source_url, body, byte_size, created_at, access_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			body = excluded.body,
			byte_size = excluded.byte_size,
			source_url = excluded.source_url,
			created_at = excluded.created_at,
			access_at = excluded.access_at`,
		key, pageNumber, sourceURL, body, len(body), now, now)
	if err != nil {
		s.logger.Warn("persistent write failed", "key", key, "err", err)
	}
}

// DeleteOldest removes the n rows with the oldest access time.
func (s *PersistentStore) DeleteOldest(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM page_assets WHERE key IN (
			SELECT key FROM page_assets ORDER BY access_at ASC LIMIT ?
		)`, n)
	if err != nil {
		s.logger.Warn("persistent eviction failed", "err", err)
		return
	}
	if removed, err := res.RowsAffected(); err == nil {
		s.statsMu.Lock()
		s.stats.Evictions += uint64(removed)
		s.statsMu.Unlock()
	}
}

// Len returns the current row count.
func (s *PersistentStore) Len(ctx context.Context) int {
	count, err := s.rowCount(ctx)
	if err != nil {
		return 0
	}
	return count
}

// Stats returns a snapshot of store statistics.
func (s *PersistentStore) Stats(ctx context.Context) types.CacheStats {
	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()
	stats.Entries = s.Len(ctx)
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if s.maxRows > 0 {
		stats.Utilization = float64(stats.Entries) / float64(s.maxRows)
	}
	return stats
}

// Close closes the underlying database.
func (s *PersistentStore) Close() error {
	return s.db.Close()
}

func (s *PersistentStore) bumpMisses() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *PersistentStore) rowCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_assets`).Scan(&count)
	return count, err
}

// expire removes rows older than the max age.
func (s *PersistentStore) expire(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM page_assets WHERE created_at < ?`, cutoff); err != nil {
		s.logger.Warn("persistent expiry sweep failed", "err", err)
	}
}
