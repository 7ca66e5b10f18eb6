// Package store provides a SQLite-backed key-value store with per-key
// expiry plus simple string sets. Session records, token balances and
// the confirmed-user set all live here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrKeyNotFound is returned when a key is absent or has expired.
var ErrKeyNotFound = errors.New("key not found")

// Store is a single-writer SQLite key-value store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the store at path with WAL mode enabled.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Single writer keeps SQLite happy under concurrent goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS sets (
			name   TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (name, member)
		);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get returns the value for key, or ErrKeyNotFound if the key is absent
// or expired. Expired rows are removed on access.
func (s *Store) Get(key string) (string, error) {
	row := s.db.QueryRow("SELECT value, expires_at FROM kv WHERE key = ?", key)

	var value string
	var expiresAt sql.NullTime
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}

	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = s.db.Exec("DELETE FROM kv WHERE key = ?", key)
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set stores a value without expiry, replacing any prior value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=NULL`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetTTL stores a value that expires ttl from now.
func (s *Store) SetTTL(key, value string, ttl time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("set %s with ttl: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all live keys with the given prefix. Expired rows under
// the prefix are swept as a side effect.
func (s *Store) Keys(prefix string) ([]string, error) {
	pattern := escapeLike(prefix) + "%"

	_, _ = s.db.Exec(
		`DELETE FROM kv WHERE key LIKE ? ESCAPE '\' AND expires_at IS NOT NULL AND expires_at < ?`,
		pattern, time.Now())

	rows, err := s.db.Query(
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, pattern)
	if err != nil {
		return nil, fmt.Errorf("keys %s*: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SAdd adds a member to a named set. Adding an existing member is a no-op.
func (s *Store) SAdd(name, member string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO sets (name, member) VALUES (?, ?)", name, member)
	if err != nil {
		return fmt.Errorf("sadd %s: %w", name, err)
	}
	return nil
}

// SMembers returns all members of a named set.
func (s *Store) SMembers(name string) ([]string, error) {
	rows, err := s.db.Query("SELECT member FROM sets WHERE name = ? ORDER BY member", name)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", name, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SIsMember reports whether member belongs to the named set.
func (s *Store) SIsMember(name, member string) (bool, error) {
	row := s.db.QueryRow("SELECT 1 FROM sets WHERE name = ? AND member = ?", name, member)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sismember %s: %w", name, err)
	}
	return true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
