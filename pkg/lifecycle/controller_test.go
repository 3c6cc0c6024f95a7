package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

type stubStore struct {
	pattern          models.Pattern
	transitionCalled bool
	transitionErr    error
	disabled         bool
	promotionList    []models.Pattern
	demotionList     []models.Pattern
}

func (s *stubStore) UpsertPattern(context.Context, database.Tx, string, string, map[string]any) (string, bool, error) {
	return "", false, nil
}
func (s *stubStore) TransitionLifecycle(_ context.Context, _ database.Tx, _ string, to models.LifecycleStatus, _ int, _, _ string, _ map[string]any) error {
	s.transitionCalled = true
	return s.transitionErr
}
func (s *stubStore) RecordInjection(context.Context, database.Tx, models.PatternInjection) (int64, error) {
	return 0, nil
}
func (s *stubStore) RecordDisable(context.Context, database.Tx, models.DisableEvent) (int64, error) {
	return 0, nil
}
func (s *stubStore) QueryBySignature(context.Context, database.Tx, string) (models.Pattern, error) {
	return s.pattern, nil
}
func (s *stubStore) QueryByID(context.Context, database.Tx, string) (models.Pattern, error) {
	return s.pattern, nil
}
func (s *stubStore) ListEligibleForPromotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return s.promotionList, nil
}
func (s *stubStore) ListEligibleForDemotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return s.demotionList, nil
}
func (s *stubStore) InsertSessionOutcome(context.Context, database.Tx, string, models.SessionOutcome) (int64, error) {
	return 0, nil
}
func (s *stubStore) ListRecentOutcomes(context.Context, database.Tx, string, int, time.Duration) ([]models.FeedbackOutcome, error) {
	return nil, nil
}
func (s *stubStore) ApplyQualityDelta(context.Context, database.Tx, string, float64) (float64, error) {
	return 0, nil
}
func (s *stubStore) IsDisabled(context.Context, database.Tx, string) (bool, error) {
	return s.disabled, nil
}

type stubFeedback struct {
	agg models.FeedbackAggregate
	err error
}

func (f *stubFeedback) Snapshot(context.Context, string) (models.FeedbackAggregate, error) {
	return f.agg, f.err
}

type stubPublisher struct {
	published bool
	failWith  error
}

func (p *stubPublisher) Publish(context.Context, string, string, any, string) error {
	p.published = true
	return p.failWith
}

func newTestController(t *testing.T, store *stubStore, pub Publisher, fb FeedbackSource, cfg Config) (*Controller, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	return New(store, database.NewClientFromDB(db), pub, fb, cfg), mock
}

func TestEvaluatePromotion_SkipsWhenDisabled(t *testing.T) {
	store := &stubStore{disabled: true}
	fb := &stubFeedback{agg: models.FeedbackAggregate{EvidenceTier: models.EvidenceStrong, Effectiveness: 0.9}}
	ctl, mock := newTestController(t, store, nil, fb, Config{PromotionThreshold: 0.75})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := ctl.EvaluatePromotion(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, store.transitionCalled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluatePromotion_SkipsBelowEvidenceTier(t *testing.T) {
	store := &stubStore{}
	fb := &stubFeedback{agg: models.FeedbackAggregate{EvidenceTier: models.EvidenceWeak, Effectiveness: 0.9}}
	ctl, mock := newTestController(t, store, nil, fb, Config{PromotionThreshold: 0.75})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := ctl.EvaluatePromotion(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, store.transitionCalled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluatePromotion_SkipsBelowEffectivenessThreshold(t *testing.T) {
	store := &stubStore{}
	fb := &stubFeedback{agg: models.FeedbackAggregate{EvidenceTier: models.EvidenceModerate, Effectiveness: 0.5}}
	ctl, mock := newTestController(t, store, nil, fb, Config{PromotionThreshold: 0.75})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := ctl.EvaluatePromotion(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, store.transitionCalled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluatePromotion_PromotesAndEmits(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleProvisional, Version: 1}}
	fb := &stubFeedback{agg: models.FeedbackAggregate{EvidenceTier: models.EvidenceModerate, Effectiveness: 0.8}}
	pub := &stubPublisher{}
	ctl, mock := newTestController(t, store, pub, fb, Config{PromotionThreshold: 0.75})

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := ctl.EvaluatePromotion(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, store.transitionCalled)
	assert.True(t, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateDemotion_RequiresConsecutiveBadEvaluations(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleValidated, Version: 1}}
	fb := &stubFeedback{agg: models.FeedbackAggregate{Effectiveness: 0.1}}
	ctl, mock := newTestController(t, store, nil, fb, Config{DemotionThreshold: 0.4, MinDemotionSamples: 2})

	require.NoError(t, ctl.EvaluateDemotion(context.Background(), "p1"))
	assert.False(t, store.transitionCalled, "single bad evaluation must not demote")

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, ctl.EvaluateDemotion(context.Background(), "p1"))
	assert.True(t, store.transitionCalled, "second consecutive bad evaluation must demote")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateDemotion_RecoveryResetsStreak(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleValidated, Version: 1}}
	bad := &stubFeedback{agg: models.FeedbackAggregate{Effectiveness: 0.1}}
	ctl, _ := newTestController(t, store, nil, bad, Config{DemotionThreshold: 0.4, MinDemotionSamples: 2})

	require.NoError(t, ctl.EvaluateDemotion(context.Background(), "p1"))
	assert.False(t, store.transitionCalled)

	ctl.feedback = &stubFeedback{agg: models.FeedbackAggregate{Effectiveness: 0.9}}
	require.NoError(t, ctl.EvaluateDemotion(context.Background(), "p1"))
	assert.False(t, store.transitionCalled, "recovery must reset the streak")

	ctl.feedback = bad
	require.NoError(t, ctl.EvaluateDemotion(context.Background(), "p1"))
	assert.False(t, store.transitionCalled, "streak restarted from one after the reset")
}

func TestApplyInitialEvidence_PromotesCandidateOnSufficientEvidence(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleCandidate, Version: 1}}
	pub := &stubPublisher{}
	ctl, mock := newTestController(t, store, pub, nil, Config{})

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := ctl.ApplyInitialEvidence(context.Background(), "p1", models.EvidenceWeak)
	require.NoError(t, err)
	assert.True(t, store.transitionCalled)
	assert.False(t, pub.published, "the initial-evidence step does not emit a bus event")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyInitialEvidence_NoOpBelowMinimumEvidence(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleCandidate, Version: 1}}
	ctl, _ := newTestController(t, store, nil, nil, Config{})

	err := ctl.ApplyInitialEvidence(context.Background(), "p1", models.EvidenceInsufficient)
	require.NoError(t, err)
	assert.False(t, store.transitionCalled)
}

func TestApplyInitialEvidence_NoOpWhenAlreadyBeyondCandidate(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleProvisional, Version: 1}}
	ctl, mock := newTestController(t, store, nil, nil, Config{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := ctl.ApplyInitialEvidence(context.Background(), "p1", models.EvidenceStrong)
	require.NoError(t, err)
	assert.False(t, store.transitionCalled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAdministrativeDisable_RejectsNonQualifyingReason(t *testing.T) {
	store := &stubStore{}
	ctl, _ := newTestController(t, store, nil, nil, Config{})

	err := ctl.ApplyAdministrativeDisable(context.Background(), "p1", models.DisableEvent{Reason: "cost"})
	assert.Error(t, err)
	assert.False(t, store.transitionCalled)
}

func TestTransition_EmissionFailureDoesNotFailTransition(t *testing.T) {
	store := &stubStore{pattern: models.Pattern{PatternID: "p1", LifecycleStatus: models.LifecycleValidated, Version: 1}}
	pub := &stubPublisher{failWith: assertPublishErr{}}
	ctl, mock := newTestController(t, store, pub, nil, Config{})

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := ctl.ApplyAdministrativeDisable(context.Background(), "p1", models.DisableEvent{Reason: "safety", DisabledBy: "ops"})
	require.NoError(t, err)
	assert.True(t, pub.published)
}

type assertPublishErr struct{}

func (assertPublishErr) Error() string { return "bus unavailable" }
