// Package patternstore implements the Pattern Store (spec.md C2): the
// transactional persistence layer for patterns, their lifecycle audit
// trail, injections, and disable events. Every operation accepts an
// externally-supplied database.Tx so callers can compose multi-step
// writes atomically, mirroring the teacher's claimNextSession /
// markSessionTimedOut idiom in pkg/queue/worker.go and pkg/queue/orphan.go.
package patternstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/omninode-ai/omniintelligence/pkg/core/errors"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// Store exposes the Pattern Store's transactional operations
// (spec.md §4.2).
type Store interface {
	UpsertPattern(ctx context.Context, tx database.Tx, signatureHash, body string, metadata map[string]any) (patternID string, created bool, err error)
	TransitionLifecycle(ctx context.Context, tx database.Tx, patternID string, to models.LifecycleStatus, expectedVersion int, trigger, reason string, evidence map[string]any) error
	RecordInjection(ctx context.Context, tx database.Tx, inj models.PatternInjection) (int64, error)
	RecordDisable(ctx context.Context, tx database.Tx, ev models.DisableEvent) (int64, error)
	QueryBySignature(ctx context.Context, tx database.Tx, signatureHash string) (models.Pattern, error)
	QueryByID(ctx context.Context, tx database.Tx, patternID string) (models.Pattern, error)
	ListEligibleForPromotion(ctx context.Context, tx database.Tx) ([]models.Pattern, error)
	ListEligibleForDemotion(ctx context.Context, tx database.Tx) ([]models.Pattern, error)
	IsDisabled(ctx context.Context, tx database.Tx, patternID string) (bool, error)
	InsertSessionOutcome(ctx context.Context, tx database.Tx, patternID string, outcome models.SessionOutcome) (int64, error)
	ListRecentOutcomes(ctx context.Context, tx database.Tx, patternID string, limit int, maxAge time.Duration) ([]models.FeedbackOutcome, error)
	ApplyQualityDelta(ctx context.Context, tx database.Tx, patternID string, delta float64) (float64, error)
}

// PGStore is the Postgres-backed Store implementation.
type PGStore struct{}

// New constructs a PGStore. It is stateless; every method takes its own
// transaction handle.
func New() *PGStore {
	return &PGStore{}
}

type patternRow struct {
	PatternID       string          `db:"pattern_id"`
	SignatureHash   string          `db:"signature_hash"`
	Body            string          `db:"body"`
	Metadata        json.RawMessage `db:"metadata"`
	LifecycleStatus string          `db:"lifecycle_status"`
	QualityScore    float64         `db:"quality_score"`
	Confidence      float64         `db:"confidence"`
	EvidenceTier    string          `db:"evidence_tier"`
	CreatedAt       time.Time       `db:"created_at"`
	LastPromotedAt  *time.Time      `db:"last_promoted_at"`
	LastDemotedAt   *time.Time      `db:"last_demoted_at"`
	DeprecatedAt    *time.Time      `db:"deprecated_at"`
	Version         int             `db:"version"`
}

func (r patternRow) toModel() (models.Pattern, error) {
	meta := map[string]any{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return models.Pattern{}, fmt.Errorf("decode pattern metadata: %w", err)
		}
	}
	return models.Pattern{
		PatternID:       r.PatternID,
		SignatureHash:   r.SignatureHash,
		Body:            r.Body,
		Metadata:        meta,
		LifecycleStatus: models.LifecycleStatus(r.LifecycleStatus),
		QualityScore:    r.QualityScore,
		Confidence:      r.Confidence,
		EvidenceTier:    models.EvidenceTier(r.EvidenceTier),
		CreatedAt:       r.CreatedAt,
		LastPromotedAt:  r.LastPromotedAt,
		LastDemotedAt:   r.LastDemotedAt,
		DeprecatedAt:    r.DeprecatedAt,
		Version:         r.Version,
	}, nil
}

// UpsertPattern returns the existing pattern ID unchanged if a
// non-DEPRECATED pattern already matches signatureHash (spec.md §4.2),
// otherwise inserts a new CANDIDATE pattern.
func (s *PGStore) UpsertPattern(ctx context.Context, tx database.Tx, signatureHash, body string, metadata map[string]any) (string, bool, error) {
	var existingID string
	err := tx.QueryRowContext(ctx,
		`SELECT pattern_id FROM patterns WHERE signature_hash = $1 AND lifecycle_status <> 'DEPRECATED'`,
		signatureHash).Scan(&existingID)
	switch {
	case err == nil:
		return existingID, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("query existing pattern: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", false, fmt.Errorf("marshal pattern metadata: %w", err)
	}

	patternID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO patterns (pattern_id, signature_hash, body, metadata, lifecycle_status, quality_score, confidence, evidence_tier)
		 VALUES ($1, $2, $3, $4, 'CANDIDATE', 0.5, 0.5, 'insufficient')`,
		patternID, signatureHash, body, metaJSON)
	if err != nil {
		// A concurrent insert could have won the unique-signature race.
		var again string
		if selErr := tx.QueryRowContext(ctx,
			`SELECT pattern_id FROM patterns WHERE signature_hash = $1 AND lifecycle_status <> 'DEPRECATED'`,
			signatureHash).Scan(&again); selErr == nil {
			return again, false, nil
		}
		return "", false, fmt.Errorf("insert pattern: %w", err)
	}

	return patternID, true, nil
}

// TransitionLifecycle validates and applies a lifecycle transition,
// writing an audit row in the same transaction (spec.md §4.2, §4.4).
// expectedVersion implements the optimistic-concurrency check: the update
// only applies if the row's current version matches.
func (s *PGStore) TransitionLifecycle(ctx context.Context, tx database.Tx, patternID string, to models.LifecycleStatus, expectedVersion int, trigger, reason string, evidence map[string]any) error {
	pattern, err := s.QueryByID(ctx, tx, patternID)
	if err != nil {
		return err
	}

	if !models.CanTransition(pattern.LifecycleStatus, to) {
		return fmt.Errorf("%s -> %s: %w", pattern.LifecycleStatus, to, coreerrors.ErrInvalidTransition)
	}
	if pattern.Version != expectedVersion {
		return fmt.Errorf("pattern %s: %w", patternID, coreerrors.ErrLifecycleConflict)
	}

	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence snapshot: %w", err)
	}

	now := time.Now().UTC()
	var setClause string
	switch to {
	case models.LifecycleValidated:
		setClause = ", last_promoted_at = $5"
	case models.LifecycleDeprecated:
		setClause = ", deprecated_at = $5"
	default:
		setClause = ", last_demoted_at = $5"
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE patterns SET lifecycle_status = $1, version = version + 1`+setClause+
			` WHERE pattern_id = $2 AND version = $3 AND lifecycle_status = $4`,
		string(to), patternID, expectedVersion, string(pattern.LifecycleStatus), now)
	if err != nil {
		return fmt.Errorf("update pattern lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pattern %s: %w", patternID, coreerrors.ErrLifecycleConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pattern_audit_trail (pattern_id, from_status, to_status, trigger, reason, evidence_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		patternID, string(pattern.LifecycleStatus), string(to), trigger, reason, evidenceJSON)
	if err != nil {
		return fmt.Errorf("insert audit trail row: %w", err)
	}

	return nil
}

// RecordInjection inserts an immutable A/B experiment record.
func (s *PGStore) RecordInjection(ctx context.Context, tx database.Tx, inj models.PatternInjection) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO pattern_injections (pattern_id, session_id, cohort_label, was_advised, was_used, was_corrected)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		inj.PatternID, inj.SessionID, inj.CohortLabel, inj.WasAdvised, inj.WasUsed, inj.WasCorrected).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pattern injection: %w", err)
	}
	return id, nil
}

// RecordDisable appends a kill-switch record. The
// pattern_disabled_current materialized view is refreshed separately on a
// cron schedule (see DESIGN.md).
func (s *PGStore) RecordDisable(ctx context.Context, tx database.Tx, ev models.DisableEvent) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO pattern_disable_events (pattern_id, reason, disabled_by, enabled)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.PatternID, ev.Reason, ev.DisabledBy, ev.Enabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert disable event: %w", err)
	}
	return id, nil
}

// QueryBySignature looks up the current non-DEPRECATED pattern for a
// signature hash, if any.
func (s *PGStore) QueryBySignature(ctx context.Context, tx database.Tx, signatureHash string) (models.Pattern, error) {
	var row patternRow
	err := tx.QueryRowxContext(ctx,
		`SELECT pattern_id, signature_hash, body, metadata, lifecycle_status, quality_score, confidence, evidence_tier,
		        created_at, last_promoted_at, last_demoted_at, deprecated_at, version
		 FROM patterns WHERE signature_hash = $1 AND lifecycle_status <> 'DEPRECATED'`,
		signatureHash).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Pattern{}, fmt.Errorf("pattern with signature %s: %w", signatureHash, coreerrors.ErrPatternNotFound)
		}
		return models.Pattern{}, fmt.Errorf("query pattern by signature: %w", err)
	}
	return row.toModel()
}

// QueryByID looks up a pattern by its immutable identity.
func (s *PGStore) QueryByID(ctx context.Context, tx database.Tx, patternID string) (models.Pattern, error) {
	var row patternRow
	err := tx.QueryRowxContext(ctx,
		`SELECT pattern_id, signature_hash, body, metadata, lifecycle_status, quality_score, confidence, evidence_tier,
		        created_at, last_promoted_at, last_demoted_at, deprecated_at, version
		 FROM patterns WHERE pattern_id = $1`,
		patternID).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Pattern{}, fmt.Errorf("pattern %s: %w", patternID, coreerrors.ErrPatternNotFound)
		}
		return models.Pattern{}, fmt.Errorf("query pattern by id: %w", err)
	}
	return row.toModel()
}

// ListEligibleForPromotion returns PROVISIONAL patterns not currently
// disabled; the Lifecycle Controller applies the evidence-tier and
// effectiveness gates from spec.md §4.4.
func (s *PGStore) ListEligibleForPromotion(ctx context.Context, tx database.Tx) ([]models.Pattern, error) {
	return s.listByStatus(ctx, tx, models.LifecycleProvisional)
}

// ListEligibleForDemotion returns VALIDATED patterns not currently
// disabled, candidates for the Lifecycle Controller's demotion evaluation.
func (s *PGStore) ListEligibleForDemotion(ctx context.Context, tx database.Tx) ([]models.Pattern, error) {
	return s.listByStatus(ctx, tx, models.LifecycleValidated)
}

// IsDisabled reports whether patternID currently has an active disable row
// in the pattern_disabled_current projection (spec.md §4.4). The Lifecycle
// Controller gates promotion on this directly rather than trusting a
// caller-supplied flag.
func (s *PGStore) IsDisabled(ctx context.Context, tx database.Tx, patternID string) (bool, error) {
	var disabled bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pattern_disabled_current WHERE pattern_id = $1 AND enabled = false)`,
		patternID).Scan(&disabled)
	if err != nil {
		return false, fmt.Errorf("check pattern disabled state: %w", err)
	}
	return disabled, nil
}

func (s *PGStore) listByStatus(ctx context.Context, tx database.Tx, status models.LifecycleStatus) ([]models.Pattern, error) {
	rows, err := tx.QueryxContext(ctx,
		`SELECT p.pattern_id, p.signature_hash, p.body, p.metadata, p.lifecycle_status, p.quality_score,
		        p.confidence, p.evidence_tier, p.created_at, p.last_promoted_at, p.last_demoted_at, p.deprecated_at, p.version
		 FROM patterns p
		 LEFT JOIN pattern_disabled_current d ON d.pattern_id = p.pattern_id AND d.enabled = false
		 WHERE p.lifecycle_status = $1 AND d.pattern_id IS NULL`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list patterns by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []models.Pattern
	for rows.Next() {
		var row patternRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan pattern row: %w", err)
		}
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertSessionOutcome records one pattern's attributed slice of a session
// outcome (spec.md §3's SessionOutcome, decomposed per pattern_id).
func (s *PGStore) InsertSessionOutcome(ctx context.Context, tx database.Tx, patternID string, outcome models.SessionOutcome) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO session_outcomes (session_id, pattern_id, outcome, quality_delta, was_advised, was_used, was_corrected)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		outcome.SessionID, patternID, string(outcome.Outcome), outcome.QualityDelta,
		outcome.WasAdvised, outcome.WasUsed, outcome.WasCorrected).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert session outcome: %w", err)
	}
	return id, nil
}

// ListRecentOutcomes returns up to limit outcomes for patternID within
// maxAge, newest first, used by pkg/feedback to seed its rolling-window
// cache on a cold start or cache miss.
func (s *PGStore) ListRecentOutcomes(ctx context.Context, tx database.Tx, patternID string, limit int, maxAge time.Duration) ([]models.FeedbackOutcome, error) {
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT session_id, outcome, was_advised, was_corrected, quality_delta, occurred_at
		 FROM session_outcomes
		 WHERE pattern_id = $1 AND occurred_at >= $2
		 ORDER BY occurred_at DESC
		 LIMIT $3`,
		patternID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.FeedbackOutcome
	for rows.Next() {
		var o models.FeedbackOutcome
		var outcomeKind string
		if err := rows.Scan(&o.SessionID, &outcomeKind, &o.WasAdvised, &o.WasCorrected, &o.Delta, &o.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan session outcome row: %w", err)
		}
		o.Outcome = models.OutcomeKind(outcomeKind)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ApplyQualityDelta atomically adjusts a pattern's quality_score by delta,
// clamped to [0.0, 1.0] (invariant 4), and returns the resulting score.
func (s *PGStore) ApplyQualityDelta(ctx context.Context, tx database.Tx, patternID string, delta float64) (float64, error) {
	var newScore float64
	err := tx.QueryRowContext(ctx,
		`UPDATE patterns
		 SET quality_score = LEAST(1.0, GREATEST(0.0, quality_score + $2))
		 WHERE pattern_id = $1
		 RETURNING quality_score`,
		patternID, delta).Scan(&newScore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("pattern %s: %w", patternID, coreerrors.ErrPatternNotFound)
		}
		return 0, fmt.Errorf("apply quality delta: %w", err)
	}
	return newScore, nil
}
