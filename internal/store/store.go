// Package store provides the shared state the gateway's scheduling decisions
// run against: a TTL-keyed key-value table and atomic counters.
//
// DESIGN: Backed by sqlite so multiple gateway processes sharing one database
// file observe the same cooldowns, cursors, and bindings. Every operation
// that has to be atomic across processes is a single SQL statement.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/polyrelay/account-gateway/internal/config"
)

// Store is the sqlite-backed shared store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS counters (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for packages that keep their own tables
// in the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value for key if present and unexpired.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND expires_at > ?`,
		key, time.Now().Unix(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store get %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes key=value with the given TTL, replacing any existing entry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// SetNX writes key=value only when no live entry exists, reporting whether
// the write happened. Expired rows count as absent.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE kv.expires_at <= ?`,
		key, value, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("store setnx %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store setnx %q: %w", key, err)
	}
	return n > 0, nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store del %q: %w", key, err)
	}
	return nil
}

// Next advances the named counter and returns its value modulo modulus.
// The increment and read are one statement, atomic across processes.
func (s *Store) Next(ctx context.Context, key string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, fmt.Errorf("counter %q: modulus must be positive", key)
	}
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (key, value) VALUES (?, 0)
		 ON CONFLICT(key) DO UPDATE SET value = value + 1
		 RETURNING value`,
		key,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("counter %q: %w", key, err)
	}
	return int(value % int64(modulus)), nil
}

// StartCleanup launches a background sweep of expired kv rows. It stops
// when ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(config.DefaultCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.db.ExecContext(ctx,
					`DELETE FROM kv WHERE expires_at <= ?`, time.Now().Unix())
				if err != nil {
					log.Error().Err(err).Msg("store: cleanup sweep failed")
					continue
				}
				if n, _ := res.RowsAffected(); n > 0 {
					log.Debug().Int64("expired", n).Msg("store: swept expired keys")
				}
			}
		}
	}()
}
