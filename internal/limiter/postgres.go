package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps lockout state in the login_attempts table, so every server sharing
// the database sees the same counters.
type PG struct {
	pool   Querier
	policy Policy
	now    func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, p Policy) *PG {
	return &PG{pool: q, policy: p, now: time.Now}
}

// Allow reports whether the pair is unblocked, or how long the block lasts.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE username=$1 AND ip_hash=$2`
	var until time.Time
	err := l.pool.QueryRow(ctx, q, username, ipHash).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if now := l.now(); until.After(now) {
		return false, until.Sub(now), nil
	}
	return true, 0, nil
}

// Success clears the pair's counters.
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `DELETE FROM login_attempts WHERE username=$1 AND ip_hash=$2`
	_, err := l.pool.Exec(ctx, q, username, ipHash)
	return err
}

// Failure counts one failed login and, at the threshold, blocks the pair.
// Counting and blocking happen in one statement.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_attempts AS a (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, CASE WHEN $5::int <= 1 THEN $6::timestamptz ELSE 'epoch'::timestamptz END, $3::timestamptz)
ON CONFLICT (username, ip_hash) DO UPDATE SET
  fail_count = CASE WHEN a.updated_at < $3::timestamptz - $4::interval THEN 1 ELSE a.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN a.updated_at < $3::timestamptz - $4::interval THEN 1 ELSE a.fail_count + 1 END) >= $5::int
    THEN $6::timestamptz ELSE a.blocked_until END,
  updated_at = $3::timestamptz
RETURNING blocked_until`
	now := l.now()
	var until time.Time
	err := l.pool.QueryRow(ctx, q, username, ipHash,
		now, l.policy.Window, l.policy.MaxFails, now.Add(l.policy.BlockFor)).Scan(&until)
	if err != nil {
		return false, 0, err
	}
	if until.After(now) {
		return true, until.Sub(now), nil
	}
	return false, 0, nil
}
