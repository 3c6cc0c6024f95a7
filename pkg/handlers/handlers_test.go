package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/feedback"
	"github.com/omninode-ai/omniintelligence/pkg/idempotency"
	"github.com/omninode-ai/omniintelligence/pkg/lifecycle"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

type stubPatternStore struct {
	pattern       models.Pattern
	upsertID      string
	upsertCreated bool
	recordDisable bool
}

func (s *stubPatternStore) UpsertPattern(context.Context, database.Tx, string, string, map[string]any) (string, bool, error) {
	return s.upsertID, s.upsertCreated, nil
}
func (s *stubPatternStore) TransitionLifecycle(context.Context, database.Tx, string, models.LifecycleStatus, int, string, string, map[string]any) error {
	return nil
}
func (s *stubPatternStore) RecordInjection(context.Context, database.Tx, models.PatternInjection) (int64, error) {
	return 0, nil
}
func (s *stubPatternStore) RecordDisable(context.Context, database.Tx, models.DisableEvent) (int64, error) {
	s.recordDisable = true
	return 1, nil
}
func (s *stubPatternStore) QueryBySignature(context.Context, database.Tx, string) (models.Pattern, error) {
	return s.pattern, nil
}
func (s *stubPatternStore) QueryByID(context.Context, database.Tx, string) (models.Pattern, error) {
	return s.pattern, nil
}
func (s *stubPatternStore) ListEligibleForPromotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return nil, nil
}
func (s *stubPatternStore) ListEligibleForDemotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return nil, nil
}
func (s *stubPatternStore) InsertSessionOutcome(context.Context, database.Tx, string, models.SessionOutcome) (int64, error) {
	return 0, nil
}
func (s *stubPatternStore) ListRecentOutcomes(context.Context, database.Tx, string, int, time.Duration) ([]models.FeedbackOutcome, error) {
	return nil, nil
}
func (s *stubPatternStore) ApplyQualityDelta(context.Context, database.Tx, string, float64) (float64, error) {
	return 0, nil
}
func (s *stubPatternStore) IsDisabled(context.Context, database.Tx, string) (bool, error) {
	return false, nil
}

type stubLedger struct {
	seenOutcome idempotency.Outcome
}

func (l *stubLedger) Seen(context.Context, database.Tx, string, string) (idempotency.Outcome, string, error) {
	return l.seenOutcome, "", nil
}
func (l *stubLedger) MarkResult(context.Context, database.Tx, string, string, string) error { return nil }
func (l *stubLedger) Sweep(context.Context, time.Duration) (int64, error)                   { return 0, nil }

type stubFSMStore struct{}

func (stubFSMStore) CurrentState(context.Context, database.Tx, models.FSMKind, string) (models.FSMStateRecord, bool, error) {
	return models.FSMStateRecord{}, false, nil
}
func (stubFSMStore) Apply(context.Context, database.Tx, models.FSMKind, string, string, string) (models.FSMStateRecord, bool, error) {
	return models.FSMStateRecord{}, true, nil
}

type stubPublisher struct {
	published []string
}

func (p *stubPublisher) Publish(_ context.Context, topic, _ string, _ any, _ string) error {
	p.published = append(p.published, topic)
	return nil
}

func newTestHandlers(t *testing.T, store *stubPatternStore, ledger *stubLedger, lc *lifecycle.Controller, fb *feedback.Aggregator, pub Publisher) (*Handlers, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(db)
	return New(client, store, ledger, stubFSMStore{}, lc, fb, pub, Config{}), mock
}

func TestClassifyAndExtract_NonPatternableIntentSkipsExtraction(t *testing.T) {
	store := &stubPatternStore{}
	pub := &stubPublisher{}
	h, mock := newTestHandlers(t, store, &stubLedger{seenOutcome: idempotency.OutcomeNew}, nil, nil, pub)

	mock.ExpectBegin()
	mock.ExpectCommit()

	payload, err := json.Marshal(ClaudeHookPayload{SessionID: "s1", Tags: []string{"diagnostic"}})
	require.NoError(t, err)
	env, err := models.NewEnvelope("diagnostic-trace", 1, "", "", json.RawMessage(payload))
	require.NoError(t, err)
	env.Payload = payload

	require.NoError(t, h.ClassifyAndExtract(context.Background(), env))
	assert.Contains(t, pub.published[0], "intent-classified")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyAndExtract_DuplicateDeliverySkipsWork(t *testing.T) {
	store := &stubPatternStore{}
	h, mock := newTestHandlers(t, store, &stubLedger{seenOutcome: idempotency.OutcomeDuplicate}, nil, nil, nil)

	mock.ExpectBegin()

	payload, err := json.Marshal(ClaudeHookPayload{RawBody: "do the thing"})
	require.NoError(t, err)
	env, err := models.NewEnvelope("pattern-candidate", 1, "", "", json.RawMessage(payload))
	require.NoError(t, err)
	env.Payload = payload

	require.NoError(t, h.ClassifyAndExtract(context.Background(), env))
}

func TestAdministrativeDisable_ReEnableSkipsDemotion(t *testing.T) {
	store := &stubPatternStore{}
	h, mock := newTestHandlers(t, store, &stubLedger{seenOutcome: idempotency.OutcomeNew}, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()

	payload, err := json.Marshal(DisablePayload{PatternID: "p1", Reason: "safety", Enabled: true})
	require.NoError(t, err)
	env, err := models.NewEnvelope("pattern-lifecycle", 1, "", "", json.RawMessage(payload))
	require.NoError(t, err)
	env.Payload = payload

	require.NoError(t, h.AdministrativeDisable(context.Background(), env))
	assert.True(t, store.recordDisable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSessionOutcome_SingleSuccessCommitsAndReturnsNil(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(db)

	store := &stubPatternStore{}
	fb := feedback.New(store, client, feedback.Config{WindowSize: 100, WindowDays: 30})
	h := New(client, store, &stubLedger{}, stubFSMStore{}, nil, fb, nil, Config{})

	mock.ExpectBegin()
	mock.ExpectCommit()

	payload, err := json.Marshal(SessionOutcomePayload{SessionID: "s1", PatternIDs: []string{"p1"}, Outcome: "success"})
	require.NoError(t, err)
	env, err := models.NewEnvelope("session-outcome", 1, "", "", json.RawMessage(payload))
	require.NoError(t, err)
	env.Payload = payload

	require.NoError(t, h.RecordSessionOutcome(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}
