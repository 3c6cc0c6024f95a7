// Package lifecycle implements the Lifecycle Controller (spec.md C4):
// promotion/demotion eligibility evaluation, audit-trail writes, and
// best-effort event emission on pattern transitions.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omninode-ai/omniintelligence/pkg/bus"
	"github.com/omninode-ai/omniintelligence/pkg/compute"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/metrics"
	"github.com/omninode-ai/omniintelligence/pkg/models"
	"github.com/omninode-ai/omniintelligence/pkg/patternstore"
)

// Publisher is the minimal surface the Lifecycle Controller needs from the
// Event Publisher (spec.md C6); depending on the interface instead of the
// concrete type keeps this package testable without a real bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any, correlationID string) error
}

// FeedbackSource is the minimal surface the Lifecycle Controller needs from
// the Feedback Aggregator (spec.md C3): the rolling-window snapshot that
// drives promotion/demotion gating, so the controller never trusts a
// caller-supplied evidence_tier/effectiveness.
type FeedbackSource interface {
	Snapshot(ctx context.Context, patternID string) (models.FeedbackAggregate, error)
}

// minInitialEvidenceTier is the minimum evidence a CANDIDATE pattern must
// accumulate before it is elevated to PROVISIONAL (spec.md §3: "first
// successful storage meeting minimum evidence"). It is deliberately lower
// than the promotion gate's EvidenceModerate requirement, otherwise this
// step would be redundant with promotion itself.
const minInitialEvidenceTier = models.EvidenceWeak

// Config mirrors the lifecycle.* settings in spec.md §6.
type Config struct {
	PromotionThreshold float64
	DemotionThreshold  float64
	MinDemotionSamples int
	Env                string
	Producer           string
}

// Controller evaluates and applies lifecycle transitions.
type Controller struct {
	store     patternstore.Store
	db        *database.Client
	publisher Publisher
	feedback  FeedbackSource
	cfg       Config

	mu             sync.Mutex
	demotionStreak map[string]int
}

// New constructs a Controller.
func New(store patternstore.Store, db *database.Client, publisher Publisher, fb FeedbackSource, cfg Config) *Controller {
	return &Controller{
		store:          store,
		db:             db,
		publisher:      publisher,
		feedback:       fb,
		cfg:            cfg,
		demotionStreak: make(map[string]int),
	}
}

// ApplyInitialEvidence elevates a CANDIDATE pattern to PROVISIONAL once it
// has accumulated at least minInitialEvidenceTier worth of feedback samples
// (spec.md §3). It is a no-op for any pattern that is not currently
// CANDIDATE or hasn't yet met the minimum, so it is safe to call on every
// RecordSessionOutcome delivery without first checking current status.
func (c *Controller) ApplyInitialEvidence(ctx context.Context, patternID string, tier models.EvidenceTier) error {
	if !tier.AtLeast(minInitialEvidenceTier) {
		return nil
	}

	status, err := c.currentStatus(ctx, patternID)
	if err != nil {
		return err
	}
	if status != models.LifecycleCandidate {
		return nil
	}

	return c.transition(ctx, patternID, models.LifecycleProvisional, "initial_evidence", "minimum evidence threshold met", map[string]any{
		"evidence_tier": tier,
	}, "")
}

// EvaluatePromotion checks whether a PROVISIONAL pattern meets the
// promotion gate (spec.md §4.4) and, if so, promotes it. Evidence tier and
// effectiveness are read from the Feedback Aggregator's own rolling window,
// not supplied by the caller, so a command payload can't manufacture its
// own promotion justification.
func (c *Controller) EvaluatePromotion(ctx context.Context, patternID string) error {
	disabled, err := c.isDisabled(ctx, patternID)
	if err != nil {
		return err
	}
	if disabled {
		return nil
	}

	snap, err := c.feedback.Snapshot(ctx, patternID)
	if err != nil {
		return fmt.Errorf("snapshot feedback for pattern %s: %w", patternID, err)
	}

	if !snap.EvidenceTier.AtLeast(models.EvidenceModerate) {
		return nil
	}
	if snap.Effectiveness < c.cfg.PromotionThreshold {
		return nil
	}
	return c.transition(ctx, patternID, models.LifecycleValidated, "promotion", "evidence threshold met", map[string]any{
		"evidence_tier": snap.EvidenceTier,
		"effectiveness": snap.Effectiveness,
		"sample_count":  snap.SampleCount,
	}, "pattern-promoted")
}

// EvaluateDemotion checks whether a VALIDATED pattern has sustained enough
// negative signal to demote (spec.md §4.4). "Sustained" requires
// MinDemotionSamples CONSECUTIVE evaluations below the demotion threshold;
// the Controller tracks that streak per pattern in memory, resetting it the
// moment effectiveness recovers.
func (c *Controller) EvaluateDemotion(ctx context.Context, patternID string) error {
	snap, err := c.feedback.Snapshot(ctx, patternID)
	if err != nil {
		return fmt.Errorf("snapshot feedback for pattern %s: %w", patternID, err)
	}

	streak := c.recordDemotionEvaluation(patternID, snap.Effectiveness)
	if streak < c.cfg.MinDemotionSamples {
		return nil
	}

	err = c.transition(ctx, patternID, models.LifecycleDeprecated, "demotion", "sustained negative feedback", map[string]any{
		"effectiveness":               snap.Effectiveness,
		"consecutive_bad_evaluations": streak,
	}, "pattern-deprecated")
	if err == nil {
		c.mu.Lock()
		delete(c.demotionStreak, patternID)
		c.mu.Unlock()
	}
	return err
}

// recordDemotionEvaluation updates patternID's consecutive-bad-evaluation
// streak and returns its new value.
func (c *Controller) recordDemotionEvaluation(patternID string, effectiveness float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.demotionStreak == nil {
		c.demotionStreak = make(map[string]int)
	}
	if effectiveness <= c.cfg.DemotionThreshold {
		c.demotionStreak[patternID]++
	} else {
		delete(c.demotionStreak, patternID)
	}
	return c.demotionStreak[patternID]
}

// ApplyAdministrativeDisable demotes a pattern directly on a safety or
// compliance disable event, skipping the sustained-signal requirement
// (spec.md §4.4).
func (c *Controller) ApplyAdministrativeDisable(ctx context.Context, patternID string, ev models.DisableEvent) error {
	if !ev.SafetyOrCompliance() {
		return fmt.Errorf("disable reason %q does not authorize direct demotion", ev.Reason)
	}
	return c.transition(ctx, patternID, models.LifecycleDeprecated, "administrative", ev.Reason, map[string]any{
		"disabled_by": ev.DisabledBy,
	}, "pattern-deprecated")
}

func (c *Controller) transition(ctx context.Context, patternID string, to models.LifecycleStatus, trigger, reason string, evidence map[string]any, emitEvent string) error {
	tx, err := c.db.BeginSerializableTx(ctx)
	if err != nil {
		return fmt.Errorf("begin lifecycle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pattern, err := c.store.QueryByID(ctx, tx, patternID)
	if err != nil {
		return err
	}

	if err := c.store.TransitionLifecycle(ctx, tx, patternID, to, pattern.Version, trigger, reason, evidence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lifecycle transition: %w", err)
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(to)).Inc()

	// Emission is best-effort and must not roll the DB back if it fails;
	// the audit trail, already committed above, is authoritative
	// (spec.md §4.4). emitEvent is empty for transitions spec.md §4.4
	// doesn't describe an event for (the initial CANDIDATE -> PROVISIONAL
	// step), in which case emission is skipped entirely.
	if c.publisher != nil && emitEvent != "" {
		snapshot := compute.ReduceLifecycleSnapshot(patternID, pattern.SignatureHash, string(to), pattern.QualityScore, string(pattern.EvidenceTier))
		topic := bus.Topic(c.env(), bus.KindEvt, c.producer(), emitEvent, 1)
		if err := c.publisher.Publish(ctx, topic, patternID, snapshot, ""); err != nil {
			slog.Warn("lifecycle event emission failed", "pattern_id", patternID, "topic", topic, "error", err)
		}
	}

	return nil
}

// isDisabled checks the pattern_disabled_current projection directly
// rather than trusting a caller-supplied flag (spec.md §4.4).
func (c *Controller) isDisabled(ctx context.Context, patternID string) (bool, error) {
	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("begin disabled-check transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return c.store.IsDisabled(ctx, tx, patternID)
}

func (c *Controller) currentStatus(ctx context.Context, patternID string) (models.LifecycleStatus, error) {
	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("begin status-check transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	pattern, err := c.store.QueryByID(ctx, tx, patternID)
	if err != nil {
		return "", err
	}
	return pattern.LifecycleStatus, nil
}

func (c *Controller) env() string {
	if c.cfg.Env == "" {
		return "prod"
	}
	return c.cfg.Env
}

func (c *Controller) producer() string {
	if c.cfg.Producer == "" {
		return "omniintelligence"
	}
	return c.cfg.Producer
}
