// Package feedback implements the Feedback Aggregator (spec.md C3): it
// maintains rolling-window outcome scores per pattern and computes
// effectiveness and contribution deltas on each session outcome.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omninode-ai/omniintelligence/pkg/compute"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
	"github.com/omninode-ai/omniintelligence/pkg/patternstore"
)

// TierFloors names the sample-count thresholds separating evidence tiers
// (spec.md §4.4), externalized as lifecycle.*_sample_floor config the same
// way compute.QualityDeltaConfig externalizes the quality-score deltas.
type TierFloors struct {
	Weak     int
	Moderate int
	Strong   int
}

// DefaultTierFloors matches spec.md §4.4's documented thresholds.
func DefaultTierFloors() TierFloors {
	return TierFloors{Weak: 10, Moderate: 30, Strong: 100}
}

// Config tunes the rolling window (spec.md §6).
type Config struct {
	WindowSize         int
	WindowDays         int
	QualityDeltaConfig compute.QualityDeltaConfig
	TierFloors         TierFloors
}

// PatternResult is one pattern's outcome of RecordOutcome: either the
// updated aggregate or the isolated error that occurred while updating it.
type PatternResult struct {
	PatternID string
	Aggregate models.FeedbackAggregate
	Err       error
}

// Aggregator owns an in-memory ring-buffer cache per pattern ID, backed by
// the Pattern Store's session_outcomes table, mirroring the teacher's
// in-memory Session map guarded by a single mutex
// (pkg/session/manager.go).
type Aggregator struct {
	store patternstore.Store
	db    *database.Client
	cfg   Config

	mu    sync.Mutex
	cache map[string]*ringBuffer
}

// New constructs an Aggregator.
func New(store patternstore.Store, db *database.Client, cfg Config) *Aggregator {
	if cfg.TierFloors == (TierFloors{}) {
		cfg.TierFloors = DefaultTierFloors()
	}
	return &Aggregator{
		store: store,
		db:    db,
		cfg:   cfg,
		cache: make(map[string]*ringBuffer),
	}
}

// Snapshot returns the current rolling-window aggregate for patternID,
// warming the cache from persisted history on a cold start, without
// recording a new outcome. The Lifecycle Controller uses this as its sole
// source of evidence_tier/effectiveness for promotion and demotion gating
// (spec.md §4.4) rather than trusting a caller-supplied value.
func (a *Aggregator) Snapshot(ctx context.Context, patternID string) (models.FeedbackAggregate, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return models.FeedbackAggregate{}, fmt.Errorf("begin feedback snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := a.warm(ctx, tx, patternID); err != nil {
		return models.FeedbackAggregate{}, err
	}

	now := time.Now().UTC()
	buf := a.bufferFor(patternID)
	a.mu.Lock()
	successes, failures := buf.counts(now)
	sampleCount := buf.size(now)
	a.mu.Unlock()

	return models.FeedbackAggregate{
		PatternID:       patternID,
		WindowSuccesses: successes,
		WindowFailures:  failures,
		SampleCount:     sampleCount,
		Effectiveness:   models.Effectiveness(successes, failures),
		EvidenceTier:    EvidenceTierFor(sampleCount, a.cfg.TierFloors),
		UpdatedAt:       now,
	}, nil
}

func (a *Aggregator) bufferFor(patternID string) *ringBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.cache[patternID]
	if !ok {
		b = newRingBuffer(a.cfg.WindowSize, time.Duration(a.cfg.WindowDays)*24*time.Hour)
		a.cache[patternID] = b
	}
	return b
}

// warm seeds the in-memory window from the database on a cold cache, so a
// freshly started process doesn't evaluate promotion/demotion against an
// empty window.
func (a *Aggregator) warm(ctx context.Context, tx database.Tx, patternID string) error {
	a.mu.Lock()
	_, ok := a.cache[patternID]
	a.mu.Unlock()
	if ok {
		return nil
	}

	maxAge := time.Duration(a.cfg.WindowDays) * 24 * time.Hour
	history, err := a.store.ListRecentOutcomes(ctx, tx, patternID, a.cfg.WindowSize, maxAge)
	if err != nil {
		return fmt.Errorf("warm feedback window for pattern %s: %w", patternID, err)
	}

	buf := a.bufferFor(patternID)
	a.mu.Lock()
	for i := len(history) - 1; i >= 0; i-- {
		buf.push(history[i].Outcome == models.OutcomeSuccess, history[i].OccurredAt)
	}
	a.mu.Unlock()
	return nil
}

// RecordOutcome processes a session outcome against every pattern in its
// injection set (spec.md §4.3). Per-violation isolation: a failure
// updating one pattern does not block the others; each pattern's result
// (success or error) is reported independently so the handler can decide
// DLQ routing for the session as a whole.
func (a *Aggregator) RecordOutcome(ctx context.Context, outcome models.SessionOutcome) []PatternResult {
	results := make([]PatternResult, 0, len(outcome.PatternIDs))
	for _, patternID := range outcome.PatternIDs {
		agg, err := a.recordForPattern(ctx, patternID, outcome)
		if err != nil {
			slog.Error("feedback update failed for pattern",
				"pattern_id", patternID, "session_id", outcome.SessionID, "error", err)
		}
		results = append(results, PatternResult{PatternID: patternID, Aggregate: agg, Err: err})
	}
	return results
}

func (a *Aggregator) recordForPattern(ctx context.Context, patternID string, outcome models.SessionOutcome) (models.FeedbackAggregate, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return models.FeedbackAggregate{}, fmt.Errorf("begin feedback transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := a.warm(ctx, tx, patternID); err != nil {
		return models.FeedbackAggregate{}, err
	}

	violation := outcome.IsConfirmedViolation()
	positive := outcome.IsPositiveContribution()

	violationCount, positiveCount := 0, 0
	if violation {
		violationCount = 1
	}
	if positive {
		positiveCount = 1
	}

	newScore := 0.0
	if violationCount > 0 || positiveCount > 0 {
		pattern, err := a.store.QueryByID(ctx, tx, patternID)
		if err != nil {
			return models.FeedbackAggregate{}, fmt.Errorf("load pattern %s for quality scoring: %w", patternID, err)
		}
		target := compute.ScoreQuality(pattern.QualityScore, violationCount, positiveCount, a.cfg.QualityDeltaConfig)
		newScore, err = a.store.ApplyQualityDelta(ctx, tx, patternID, target-pattern.QualityScore)
		if err != nil {
			return models.FeedbackAggregate{}, fmt.Errorf("apply quality delta for pattern %s: %w", patternID, err)
		}
	}

	if _, err := a.store.InsertSessionOutcome(ctx, tx, patternID, outcome); err != nil {
		return models.FeedbackAggregate{}, fmt.Errorf("insert session outcome for pattern %s: %w", patternID, err)
	}

	now := time.Now().UTC()
	buf := a.bufferFor(patternID)
	a.mu.Lock()
	buf.push(outcome.Outcome == models.OutcomeSuccess, now)
	successes, failures := buf.counts(now)
	sampleCount := buf.size(now)
	a.mu.Unlock()

	agg := models.FeedbackAggregate{
		PatternID:       patternID,
		WindowSuccesses: successes,
		WindowFailures:  failures,
		SampleCount:     sampleCount,
		Effectiveness:   models.Effectiveness(successes, failures),
		EvidenceTier:    EvidenceTierFor(sampleCount, a.cfg.TierFloors),
		UpdatedAt:       now,
	}
	agg.ContributionScore = contributionScore(agg.Effectiveness, outcome)

	if err := tx.Commit(); err != nil {
		return models.FeedbackAggregate{}, fmt.Errorf("commit feedback update for pattern %s: %w", patternID, err)
	}

	_ = newScore // exposed via the pattern row itself; not duplicated onto the aggregate
	return agg, nil
}

// contributionScore weights effectiveness by the session's advised/
// corrected flags. spec.md §9 marks the exact formula an open question
// (DESIGN.md records the chosen weighting).
func contributionScore(effectiveness float64, outcome models.SessionOutcome) float64 {
	weight := 1.0
	if outcome.WasAdvised && outcome.WasCorrected {
		weight = 0.5
	}
	return models.ClampScore(effectiveness * weight)
}

// EvidenceTierFor derives the evidence tier from a sample count against
// floors configured via lifecycle.*_sample_floor (spec.md §4.4).
func EvidenceTierFor(sampleCount int, floors TierFloors) models.EvidenceTier {
	switch {
	case sampleCount < floors.Weak:
		return models.EvidenceInsufficient
	case sampleCount < floors.Moderate:
		return models.EvidenceWeak
	case sampleCount < floors.Strong:
		return models.EvidenceModerate
	default:
		return models.EvidenceStrong
	}
}
