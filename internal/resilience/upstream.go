package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Upstream wraps a realtime provider with a circuit breaker so repeated
// backend connect failures fail fast instead of stalling every new call on a
// handshake that is going to time out anyway. The caller's fallback handling
// (apology prompt, error disconnect) treats [ErrCircuitOpen] like any other
// connect failure.
type Upstream struct {
	provider realtime.Provider
	breaker  *CircuitBreaker
}

// Compile-time interface assertion.
var _ realtime.Provider = (*Upstream)(nil)

// NewUpstream wraps provider with a breaker built from cfg.
func NewUpstream(provider realtime.Provider, cfg Config) *Upstream {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	return &Upstream{
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	}
}

// Connect implements [realtime.Provider].
func (u *Upstream) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	var sess realtime.SessionHandle
	err := u.breaker.Execute(func() error {
		var err error
		sess, err = u.provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// State exposes the breaker state for readiness reporting.
func (u *Upstream) State() State {
	return u.breaker.State()
}
