// Package idempotency implements the Idempotency Ledger (spec.md C1): a
// (event_id, handler_name)-keyed record of processed events, written in
// the same transaction as the handler's downstream database write so a
// partial failure never marks an event as seen.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/omninode-ai/omniintelligence/pkg/database"
)

// Outcome reports whether an event is being seen for the first time or is
// a redelivery.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeDuplicate
)

// ErrRetentionTooShort guards Sweep against a misconfigured zero/negative
// retention that would delete every ledger row.
var ErrRetentionTooShort = errors.New("idempotency: retention must be positive")

// Ledger records processed events and answers "seen before?". All methods
// take an externally-supplied transaction so the caller can couple the
// ledger write to its own downstream write atomically (spec.md §4.1).
type Ledger interface {
	Seen(ctx context.Context, tx database.Tx, eventID, handlerName string) (Outcome, string, error)
	MarkResult(ctx context.Context, tx database.Tx, eventID, handlerName, resultHash string) error
	Sweep(ctx context.Context, retention time.Duration) (int64, error)
}

// PGLedger is the Postgres-backed Ledger implementation, grounded on the
// teacher's claimNextSession transactional style in pkg/queue/worker.go.
type PGLedger struct {
	db *database.Client
}

// New constructs a PGLedger bound to a connection pool.
func New(db *database.Client) *PGLedger {
	return &PGLedger{db: db}
}

// Seen attempts to insert a ledger row for (eventID, handlerName). The
// insert's RETURNING clause tells us, in one round trip, whether this call
// won the race to record the event: if it did, the row didn't exist before
// and the outcome is OutcomeNew; if ON CONFLICT fired, a prior delivery
// (this one or a concurrent one) already claimed it, so a follow-up read
// reports OutcomeDuplicate plus any cached result hash.
func (l *PGLedger) Seen(ctx context.Context, tx database.Tx, eventID, handlerName string) (Outcome, string, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx,
		`INSERT INTO idempotency_ledger (event_id, handler_name) VALUES ($1, $2)
		 ON CONFLICT (event_id, handler_name) DO NOTHING
		 RETURNING true`,
		eventID, handlerName).Scan(&inserted)

	switch {
	case err == nil:
		return OutcomeNew, "", nil
	case errors.Is(err, sql.ErrNoRows):
		// ON CONFLICT DO NOTHING skipped the insert: the row already existed.
	default:
		return OutcomeNew, "", fmt.Errorf("insert idempotency row: %w", err)
	}

	var resultHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT result_hash FROM idempotency_ledger WHERE event_id = $1 AND handler_name = $2`,
		eventID, handlerName).Scan(&resultHash)
	if err != nil {
		return OutcomeNew, "", fmt.Errorf("read idempotency row: %w", err)
	}
	return OutcomeDuplicate, resultHash.String, nil
}

// MarkResult attaches a cached result hash to an existing ledger row, so a
// future duplicate delivery can return the same observable outcome
// without re-running the handler (spec.md §4.1, invariant 2).
func (l *PGLedger) MarkResult(ctx context.Context, tx database.Tx, eventID, handlerName, resultHash string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE idempotency_ledger SET result_hash = $3 WHERE event_id = $1 AND handler_name = $2`,
		eventID, handlerName, resultHash)
	if err != nil {
		return fmt.Errorf("mark idempotency result: %w", err)
	}
	return nil
}

// Sweep deletes ledger rows older than retention, run periodically by
// Sweeper. Returns the number of rows deleted.
func (l *PGLedger) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ErrRetentionTooShort
	}
	cutoff := time.Now().Add(-retention)
	res, err := l.db.DB.ExecContext(ctx,
		`DELETE FROM idempotency_ledger WHERE first_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency ledger: %w", err)
	}
	return res.RowsAffected()
}
