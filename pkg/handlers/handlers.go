// Package handlers implements the concrete handler functions the Handler
// Registry (pkg/registry) binds to contract triggers: the glue between
// C8 Dispatch and C2/C3/C4/C5/C10, gated by the idempotency ledger (C1).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/omninode-ai/omniintelligence/internal/obs"
	"github.com/omninode-ai/omniintelligence/pkg/bus"
	"github.com/omninode-ai/omniintelligence/pkg/compute"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/feedback"
	"github.com/omninode-ai/omniintelligence/pkg/fsm"
	"github.com/omninode-ai/omniintelligence/pkg/idempotency"
	"github.com/omninode-ai/omniintelligence/pkg/lifecycle"
	"github.com/omninode-ai/omniintelligence/pkg/models"
	"github.com/omninode-ai/omniintelligence/pkg/patternstore"
	"github.com/omninode-ai/omniintelligence/pkg/registry"
)

// Publisher is the minimal surface handlers need from the Event Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any, correlationID string) error
}

// Config carries the knobs handlers need beyond their collaborators'
// own defaults (spec.md §6).
type Config struct {
	ExtractionVersion string
	Env               string
	Producer          string
}

// Handlers bundles the collaborators every concrete handler needs: the
// Pattern Store, Idempotency Ledger, FSM Store, Lifecycle Controller,
// Feedback Aggregator, and Event Publisher (spec.md §2's control-flow
// diagram: Dispatch -> Handler -> {Compute, Pattern Store, Feedback
// Aggregator, Lifecycle Controller, FSM Reducer} -> Event Publisher).
type Handlers struct {
	db        *database.Client
	store     patternstore.Store
	ledger    idempotency.Ledger
	fsmStore  fsm.Store
	lifecycle *lifecycle.Controller
	feedback  *feedback.Aggregator
	publisher Publisher
	cfg       Config
}

// New constructs a Handlers bundle.
func New(db *database.Client, store patternstore.Store, ledger idempotency.Ledger, fsmStore fsm.Store, lc *lifecycle.Controller, fb *feedback.Aggregator, pub Publisher, cfg Config) *Handlers {
	return &Handlers{db: db, store: store, ledger: ledger, fsmStore: fsmStore, lifecycle: lc, feedback: fb, publisher: pub, cfg: cfg}
}

// Bind returns the registry.HandlerSet, keyed by the handler names
// referenced in configs/contracts/*.yaml.
func (h *Handlers) Bind() registry.HandlerSet {
	return registry.HandlerSet{
		"ClassifyAndExtract":    h.ClassifyAndExtract,
		"AdministrativeDisable": h.AdministrativeDisable,
		"EvaluatePromotion":     h.EvaluatePromotion,
		"EvaluateDemotion":      h.EvaluateDemotion,
		"RecordSessionOutcome":  h.RecordSessionOutcome,
	}
}

// Reshapes returns the registry.ReshapeSet for contracts declaring
// reshape_legacy, keyed by contract name.
func Reshapes() registry.ReshapeSet {
	return registry.ReshapeSet{
		"claude-hook-event": ReshapeClaudeHookLegacy,
	}
}

func (h *Handlers) env() string {
	if h.cfg.Env == "" {
		return "prod"
	}
	return h.cfg.Env
}

func (h *Handlers) producer() string {
	if h.cfg.Producer == "" {
		return "omniintelligence"
	}
	return h.cfg.Producer
}

func (h *Handlers) extractionVersion() string {
	if h.cfg.ExtractionVersion == "" {
		return "v1"
	}
	return h.cfg.ExtractionVersion
}

// ClassifyAndExtract processes a claude-hook-event envelope: classifies
// intent, and for patternable intents extracts and stores a pattern,
// driving the ingestion and pattern-learning FSMs as it goes (spec.md
// §4.5). Idempotency is gated on (event_id, handler_name) sharing the
// same transaction as the pattern write (spec.md §4.1).
func (h *Handlers) ClassifyAndExtract(ctx context.Context, env models.Envelope) error {
	log := obs.LoggerFrom(ctx, "handler", "ClassifyAndExtract", "event_id", env.EventID)

	var payload ClaudeHookPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode claude hook payload: %w", err)
	}

	intent := compute.ClassifyIntent(env.EventType, payload.Tags)

	tx, err := h.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin classify transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, _, err := h.ledger.Seen(ctx, tx, env.EventID, "ClassifyAndExtract")
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if outcome == idempotency.OutcomeDuplicate {
		log.Debug("duplicate delivery, skipping")
		return nil
	}

	if _, _, err := h.fsmStore.Apply(ctx, tx, models.FSMIngestion, payload.SessionID, "receive", env.EventID); err != nil {
		return fmt.Errorf("apply ingestion fsm: %w", err)
	}

	if intent != compute.IntentPatternable {
		if err := h.ledger.MarkResult(ctx, tx, env.EventID, "ClassifyAndExtract", string(intent)); err != nil {
			return fmt.Errorf("mark idempotency result: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit classify transaction: %w", err)
		}

		spanCount := 0
		if intent == compute.IntentDiagnostic && len(payload.Trace) > 0 {
			spans, err := compute.ParseTrace(payload.Trace)
			if err != nil {
				log.Warn("trace parse failed", "error", err)
			} else {
				spanCount = len(spans)
			}
		}
		return h.emitIntentClassified(ctx, env, intent, "", spanCount)
	}

	extracted, err := compute.ExtractPattern(payload.RawBody, h.extractionVersion(), payload.Metadata)
	if err != nil {
		return fmt.Errorf("extract pattern: %w", err)
	}

	patternID, created, err := h.store.UpsertPattern(ctx, tx, extracted.SignatureHash, extracted.Body, extracted.Metadata)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}

	if _, _, err := h.fsmStore.Apply(ctx, tx, models.FSMPatternLearning, patternID, "start", env.EventID); err != nil {
		return fmt.Errorf("apply pattern-learning fsm: %w", err)
	}

	if err := h.ledger.MarkResult(ctx, tx, env.EventID, "ClassifyAndExtract", patternID); err != nil {
		return fmt.Errorf("mark idempotency result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit classify transaction: %w", err)
	}

	if err := h.emitIntentClassified(ctx, env, intent, patternID, 0); err != nil {
		return err
	}
	if created {
		return h.emitPatternStored(ctx, env, patternID, extracted.SignatureHash)
	}
	return nil
}

func (h *Handlers) emitIntentClassified(ctx context.Context, env models.Envelope, intent compute.IntentKind, patternID string, traceSpanCount int) error {
	if h.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"intent":     string(intent),
		"pattern_id": patternID,
	}
	if traceSpanCount > 0 {
		payload["trace_span_count"] = traceSpanCount
	}
	topic := bus.Topic(h.env(), bus.KindEvt, h.producer(), "intent-classified", 1)
	return h.publisher.Publish(ctx, topic, patternID, payload, env.CorrelationID)
}

func (h *Handlers) emitPatternStored(ctx context.Context, env models.Envelope, patternID, signatureHash string) error {
	if h.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"pattern_id":     patternID,
		"signature_hash": signatureHash,
	}
	topic := bus.Topic(h.env(), bus.KindEvt, h.producer(), "pattern-stored", 1)
	return h.publisher.Publish(ctx, topic, patternID, payload, env.CorrelationID)
}

// AdministrativeDisable applies a safety/compliance kill-switch directly,
// demoting the pattern without the sustained-signal requirement (spec.md
// §4.4).
func (h *Handlers) AdministrativeDisable(ctx context.Context, env models.Envelope) error {
	log := obs.LoggerFrom(ctx, "handler", "AdministrativeDisable", "event_id", env.EventID)

	var payload DisablePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode disable payload: %w", err)
	}

	if err := h.withIdempotency(ctx, env.EventID, "AdministrativeDisable", payload.PatternID, func(tx database.Tx) error {
		_, err := h.store.RecordDisable(ctx, tx, models.DisableEvent{
			PatternID:  payload.PatternID,
			Reason:     payload.Reason,
			DisabledBy: payload.DisabledBy,
			Enabled:    payload.Enabled,
		})
		return err
	}); err != nil {
		return err
	}

	if payload.Enabled {
		log.Info("pattern re-enabled, skipping demotion", "pattern_id", payload.PatternID)
		return nil
	}

	return h.lifecycle.ApplyAdministrativeDisable(ctx, payload.PatternID, models.DisableEvent{
		PatternID:  payload.PatternID,
		Reason:     payload.Reason,
		DisabledBy: payload.DisabledBy,
	})
}

// EvaluatePromotion evaluates and, if the promotion gate is met, applies a
// PROVISIONAL -> VALIDATED transition (spec.md §4.4). The evidence behind
// the decision comes from the Feedback Aggregator's own snapshot, not this
// payload.
func (h *Handlers) EvaluatePromotion(ctx context.Context, env models.Envelope) error {
	var payload PromotionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode promotion payload: %w", err)
	}
	return h.lifecycle.EvaluatePromotion(ctx, payload.PatternID)
}

// EvaluateDemotion evaluates and, if sustained negative signal is present,
// applies a VALIDATED -> DEPRECATED transition (spec.md §4.4). Like
// EvaluatePromotion, the evidence comes from the Feedback Aggregator, not
// this payload.
func (h *Handlers) EvaluateDemotion(ctx context.Context, env models.Envelope) error {
	var payload DemotionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode demotion payload: %w", err)
	}
	return h.lifecycle.EvaluateDemotion(ctx, payload.PatternID)
}

// RecordSessionOutcome feeds a session's outcome into the Feedback
// Aggregator for every attributed pattern. Per-pattern updates are
// isolated (spec.md §4.3): a failure on one pattern does not block the
// others. The handler returns an error only when every pattern failed,
// so a partial success still commits and is not needlessly redelivered.
func (h *Handlers) RecordSessionOutcome(ctx context.Context, env models.Envelope) error {
	log := obs.LoggerFrom(ctx, "handler", "RecordSessionOutcome", "event_id", env.EventID)

	var payload SessionOutcomePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode session outcome payload: %w", err)
	}

	outcome := models.SessionOutcome{
		SessionID:    payload.SessionID,
		PatternIDs:   payload.PatternIDs,
		Outcome:      models.OutcomeKind(payload.Outcome),
		QualityDelta: payload.QualityDelta,
		WasAdvised:   payload.WasAdvised,
		WasUsed:      payload.WasUsed,
		WasCorrected: payload.WasCorrected,
		OccurredAt:   payload.OccurredAt,
	}

	results := h.feedback.RecordOutcome(ctx, outcome)
	if len(results) == 0 {
		return nil
	}

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			log.Warn("feedback update failed", "pattern_id", r.PatternID, "error", r.Err)
			continue
		}
		if h.lifecycle != nil {
			if err := h.lifecycle.ApplyInitialEvidence(ctx, r.PatternID, r.Aggregate.EvidenceTier); err != nil {
				log.Warn("initial evidence transition failed", "pattern_id", r.PatternID, "error", err)
			}
		}
	}
	if failures == len(results) {
		return fmt.Errorf("feedback update failed for all %d attributed patterns", len(results))
	}
	return nil
}

// withIdempotency wraps fn in a transaction gated by the idempotency
// ledger: fn only runs on a first delivery, and the ledger row is marked
// with a result hash in the same commit (spec.md §4.1).
func (h *Handlers) withIdempotency(ctx context.Context, eventID, handlerName, resultHash string, fn func(tx database.Tx) error) error {
	tx, err := h.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", handlerName, err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, _, err := h.ledger.Seen(ctx, tx, eventID, handlerName)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if outcome == idempotency.OutcomeDuplicate {
		return nil
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := h.ledger.MarkResult(ctx, tx, eventID, handlerName, resultHash); err != nil {
		return fmt.Errorf("mark idempotency result: %w", err)
	}
	return tx.Commit()
}
