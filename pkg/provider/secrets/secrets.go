// Package secrets defines the read-only secret-resolution capability the
// gateway core depends on for signed-request verification.
//
// The core never sees the backing store: it asks for "the secret for API key
// K" through the Resolver interface and the concrete store (static map,
// PostgreSQL table, or anything else) is supplied at wiring time.
package secrets

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no secret exists for the given key identifier.
// Callers must translate it into a generic authentication failure so the
// response never acts as a key-existence oracle.
var ErrNotFound = errors.New("secrets: not found")

// Resolver looks up the shared secret for an API key identifier.
//
// Implementations must be safe for concurrent use: every inbound connection
// upgrade performs a lookup.
type Resolver interface {
	// Resolve returns the secret bytes for keyID, or ErrNotFound.
	Resolve(ctx context.Context, keyID string) ([]byte, error)
}

// Static is a fixed in-memory Resolver, typically populated from
// configuration at startup. The zero value is usable and resolves nothing.
type Static struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// Compile-time interface assertion.
var _ Resolver = (*Static)(nil)

// NewStatic builds a Static resolver from a key-id → secret map. The map
// values are copied.
func NewStatic(keys map[string]string) *Static {
	s := &Static{keys: make(map[string][]byte, len(keys))}
	for id, secret := range keys {
		s.keys[id] = []byte(secret)
	}
	return s
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}

// Set adds or replaces a secret. Intended for tests and administrative
// tooling, not the request path.
func (s *Static) Set(keyID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string][]byte)
	}
	s.keys[keyID] = []byte(secret)
}
