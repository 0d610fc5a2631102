// Package postgres provides a secrets.Resolver backed by a PostgreSQL table.
//
// Lookups are served from an in-process read cache with a short TTL so the
// per-upgrade cost is a map read, not a round trip. Expired entries are
// served stale while a refresh runs; a failed refresh keeps the stale value
// rather than failing the connection upgrade.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxgate/voxgate/pkg/provider/secrets"
)

// Compile-time interface assertion.
var _ secrets.Resolver = (*Store)(nil)

// defaultTTL is how long a cached secret is considered fresh.
const defaultTTL = 5 * time.Minute

type cacheEntry struct {
	secret    []byte
	fetchedAt time.Time
	missing   bool
}

// Store resolves API-key secrets from the api_keys table.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option is a functional option for Store.
type Option func(*Store)

// WithTTL overrides the cache freshness window. Useful in tests.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New connects to the database at dsn and ensures the api_keys table exists.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("secret store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("secret store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secret store: ping: %w", err)
	}

	s := &Store{
		pool:  pool,
		ttl:   defaultTTL,
		cache: make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secret store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			key_id     TEXT PRIMARY KEY,
			secret     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

// Resolve implements secrets.Resolver. Fresh cache hits and negative hits
// are returned immediately; expired entries are refreshed inline but fall
// back to the stale value when the database is unreachable.
func (s *Store) Resolve(ctx context.Context, keyID string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.cache[keyID]
	s.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < s.ttl {
		return entryResult(entry)
	}

	secret, err := s.fetch(ctx, keyID)
	switch {
	case err == nil:
		s.store(keyID, cacheEntry{secret: secret, fetchedAt: time.Now()})
		return secret, nil

	case errors.Is(err, secrets.ErrNotFound):
		s.store(keyID, cacheEntry{missing: true, fetchedAt: time.Now()})
		return nil, secrets.ErrNotFound

	case ok:
		// Refresh failed; serve the stale entry rather than dropping calls.
		return entryResult(entry)

	default:
		return nil, err
	}
}

func entryResult(entry cacheEntry) ([]byte, error) {
	if entry.missing {
		return nil, secrets.ErrNotFound
	}
	out := make([]byte, len(entry.secret))
	copy(out, entry.secret)
	return out, nil
}

func (s *Store) store(keyID string, entry cacheEntry) {
	s.mu.Lock()
	s.cache[keyID] = entry
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context, keyID string) ([]byte, error) {
	var secret string
	err := s.pool.QueryRow(ctx,
		`SELECT secret FROM api_keys WHERE key_id = $1`, keyID,
	).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, secrets.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("secret store: query: %w", err)
	}
	return []byte(secret), nil
}

// Ping reports whether the backing database is reachable. Used by the
// readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
