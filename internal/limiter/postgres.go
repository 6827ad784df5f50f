package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or any compatible querier.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, scope Scope, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM attempt_limiter WHERE scope=$1 AND subject=$2 AND ip_hash=$3`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, string(scope), subject, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (scope, subject, ip).
func (l *PG) Success(ctx context.Context, scope Scope, subject string, ipHash []byte) error {
	const q = `
INSERT INTO attempt_limiter (scope, subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,$3,0,'epoch',now())
ON CONFLICT (scope, subject, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, string(scope), subject, ipHash)
	return err
}

// Failure records a failed attempt; counters older than the window restart at 1.
func (l *PG) Failure(ctx context.Context, scope Scope, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO attempt_limiter (scope, subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,$3,1,'epoch',now())
ON CONFLICT (scope, subject, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - attempt_limiter.updated_at > $4::interval THEN 1 ELSE attempt_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, string(scope), subject, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	blockUntil := time.Now().Add(l.blockFor)
	const upd = `UPDATE attempt_limiter SET blocked_until=$4 WHERE scope=$1 AND subject=$2 AND ip_hash=$3`
	if _, err := l.pool.Exec(ctx, upd, string(scope), subject, ipHash, blockUntil); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
