// Package cache implements the persisted, TTL-bounded geo cache fronting
// the resolution engine. The backing SQLite file is loaded fully into memory
// at open and flushed on shutdown and periodically during long runs, so a
// crash loses at most one refresh cycle of new entries.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"connwatch/internal/domain"
)

// Entry wraps a GeoInfo with its expiry timestamp. Owned exclusively by the
// store; mutated only by insert and expire operations.
type Entry struct {
	Info      domain.GeoInfo
	ExpiresAt time.Time
}

// Store is the geo cache. All reads and writes go through the in-memory
// map; the database is only touched at open and flush. A disk failure
// degrades the store to memory-only for the rest of the run rather than
// failing the session.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	db      *sql.DB
	ttl     time.Duration
	logger  zerolog.Logger
}

// Open loads the cache at path. Never fails: any IO error is logged and the
// store continues in memory only.
func Open(path string, ttl time.Duration, logger zerolog.Logger) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		ttl:     ttl,
		logger:  logger,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Cache directory unavailable, continuing in memory")
		return s
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Cache file unavailable, continuing in memory")
		return s
	}

	if err := migrate(db); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Cache migration failed, continuing in memory")
		db.Close()
		return s
	}

	s.db = db
	if err := s.loadAll(); err != nil {
		logger.Warn().Err(err).Msg("Cache load failed, starting empty")
	}
	return s
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS geo_entries (
		ip TEXT PRIMARY KEY,
		city TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL,
		org TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		resolved_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT ip, city, country, org, source, resolved_at, expires_at FROM geo_entries`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ip, city, country, org, source string
			resolvedAt, expiresAt          int64
		)
		if err := rows.Scan(&ip, &city, &country, &org, &source, &resolvedAt, &expiresAt); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}

		s.entries[ip] = Entry{
			Info: domain.GeoInfo{
				IP:         ip,
				City:       city,
				Country:    country,
				Org:        org,
				Source:     parseSource(source),
				ResolvedAt: time.Unix(0, resolvedAt),
			},
			ExpiresAt: time.Unix(0, expiresAt),
		}
	}
	return rows.Err()
}

// parseSource maps a persisted tag back to its enum value. Entries written
// by older versions with an unrecognized tag default to CACHE.
func parseSource(s string) domain.Source {
	switch domain.Source(s) {
	case domain.SourceLocalDB, domain.SourceBuiltinDB, domain.SourceOnlineAPI, domain.SourceHeuristic:
		return domain.Source(s)
	default:
		return domain.SourceCache
	}
}

// Get returns the cached info for an IP, or false if absent or expired.
func (s *Store) Get(ip string) (domain.GeoInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[ip]
	if !ok || !time.Now().Before(entry.ExpiresAt) {
		return domain.GeoInfo{}, false
	}
	return entry.Info, true
}

// Put inserts or replaces the entry for info's IP with a fresh expiry.
func (s *Store) Put(info domain.GeoInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := info.ResolvedAt
	if resolved.IsZero() {
		resolved = time.Now()
		info.ResolvedAt = resolved
	}
	s.entries[info.IP] = Entry{Info: info, ExpiresAt: resolved.Add(s.ttl)}
}

// PurgeExpired removes exactly the expired subset and returns its size.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, ip)
			removed++
		}
	}
	return removed
}

// Clear drops all entries, in memory and on disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
	return s.Flush()
}

// Stats summarizes the current cache contents.
func (s *Store) Stats() domain.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.CacheStats{
		Total:    len(s.entries),
		BySource: make(map[domain.Source]int),
	}
	for _, entry := range s.entries {
		stats.BySource[entry.Info.Source]++
		t := entry.Info.ResolvedAt
		if stats.Oldest.IsZero() || t.Before(stats.Oldest) {
			stats.Oldest = t
		}
		if t.After(stats.Newest) {
			stats.Newest = t
		}
	}
	return stats
}

// Flush writes the full entry set to disk in one transaction. Last writer
// wins across processes; the cache file is not designed for concurrent
// multi-process writers.
func (s *Store) Flush() error {
	if s.db == nil {
		return nil
	}

	s.mu.RLock()
	snapshot := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		snapshot = append(snapshot, entry)
	}
	s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM geo_entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO geo_entries (ip, city, country, org, source, resolved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range snapshot {
		info := entry.Info
		if _, err := stmt.Exec(info.IP, info.City, info.Country, info.Org, string(info.Source),
			info.ResolvedAt.UnixNano(), entry.ExpiresAt.UnixNano()); err != nil {
			return fmt.Errorf("insert %s: %w", info.IP, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// Close flushes and releases the database. Safe to call on a memory-only
// store.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.logger.Err(err).Msg("Cache flush on close failed")
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
