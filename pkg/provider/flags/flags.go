// Package flags provides the read-only feature-flag capability consumed by
// the gateway core.
//
// Flags are served from an in-process cache that is refreshed in the
// background: reads never block on a refresh, a failed refresh keeps the
// previous values (stale-while-revalidate), and refresh errors are logged
// rather than propagated to live calls.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Source fetches the complete flag set from the backing system.
type Source interface {
	Fetch(ctx context.Context) (map[string]bool, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (map[string]bool, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context) (map[string]bool, error) {
	return f(ctx)
}

// HTTPSource fetches flags as a JSON object of name → bool from a fixed
// endpoint.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]bool, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("flags: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flags: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flags: fetch: unexpected status %d", resp.StatusCode)
	}

	out := make(map[string]bool)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flags: decode: %w", err)
	}
	return out, nil
}

// Cache is the process-wide flag cache. Reads are lock-cheap and safe from
// any session at any time; the background refresh never blocks readers.
type Cache struct {
	source   Source
	interval time.Duration

	mu    sync.RWMutex
	flags map[string]bool
}

// NewCache builds a Cache seeded with defaults. When source is nil the cache
// is static and Run is a no-op; defaults then act as the full flag set.
func NewCache(source Source, defaults map[string]bool, interval time.Duration) *Cache {
	seed := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		seed[k] = v
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Cache{
		source:   source,
		interval: interval,
		flags:    seed,
	}
}

// Enabled reports whether the named flag is on. Unknown flags are off.
func (c *Cache) Enabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[name]
}

// Run refreshes the cache every interval until ctx is cancelled. Each refresh
// attempt retries with exponential backoff bounded well inside the interval;
// on exhaustion the previous flag set stays in effect.
func (c *Cache) Run(ctx context.Context) {
	if c.source == nil {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.refresh(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cache) refresh(ctx context.Context) {
	fetched, err := backoff.Retry(ctx,
		func() (map[string]bool, error) {
			return c.source.Fetch(ctx)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(c.interval/2),
	)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("feature flag refresh failed, keeping previous values", "err", err)
		}
		return
	}

	c.mu.Lock()
	c.flags = fetched
	c.mu.Unlock()
}
