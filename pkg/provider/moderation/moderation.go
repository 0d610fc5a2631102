// Package moderation defines the content-safety Checker interface used to
// gate caller transcripts before they are surfaced to the rest of the call.
//
// The checker is advisory: when a check itself fails the gateway fails open
// and passes the transcript through, so a moderation outage never blocks
// live calls.
package moderation

import "context"

// Checker classifies a finalised caller transcript.
//
// Implementations must be safe for concurrent use; a gateway shares one
// Checker across all sessions.
type Checker interface {
	// Check reports whether text violates the configured content policy.
	// A non-nil error means the check could not be performed; callers must
	// treat that as "not flagged" (fail open).
	Check(ctx context.Context, text string) (flagged bool, err error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, text string) (bool, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, text string) (bool, error) {
	return f(ctx, text)
}

// Disabled is a Checker that never flags anything. Used when moderation is
// turned off in configuration.
var Disabled Checker = CheckerFunc(func(context.Context, string) (bool, error) {
	return false, nil
})
