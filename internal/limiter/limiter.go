// Package limiter throttles repeated failures (bad logins, rejected websocket handshakes).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Scope separates independent counters for the same subject.
type Scope string

const (
	// ScopeLogin counts failed password logins per (username, ip).
	ScopeLogin Scope = "login"
	// ScopeConnect counts rejected gateway handshakes per (token subject, ip).
	ScopeConnect Scope = "connect"
)

// Limiter controls attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and optional retry-after.
	Allow(ctx context.Context, scope Scope, subject string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, scope Scope, subject string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, scope Scope, subject string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Nop never blocks. Useful when no database is wired (tests, dev).
type Nop struct{}

func (Nop) Allow(context.Context, Scope, string, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}
func (Nop) Success(context.Context, Scope, string, []byte) error { return nil }
func (Nop) Failure(context.Context, Scope, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}

var _ Limiter = Nop{}
