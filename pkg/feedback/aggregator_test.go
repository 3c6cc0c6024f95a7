package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omninode-ai/omniintelligence/pkg/compute"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// fakeStore implements patternstore.Store with in-memory bookkeeping and
// an injectable failure for one pattern, used to exercise RecordOutcome's
// per-violation isolation guarantee without a real database.
type fakeStore struct {
	failFor     map[string]bool
	deltasByID  map[string]float64
	outcomesIns int
}

func newFakeStore(failFor ...string) *fakeStore {
	fs := &fakeStore{failFor: map[string]bool{}, deltasByID: map[string]float64{}}
	for _, id := range failFor {
		fs.failFor[id] = true
	}
	return fs
}

func (f *fakeStore) UpsertPattern(context.Context, database.Tx, string, string, map[string]any) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) TransitionLifecycle(context.Context, database.Tx, string, models.LifecycleStatus, int, string, string, map[string]any) error {
	return nil
}
func (f *fakeStore) RecordInjection(context.Context, database.Tx, models.PatternInjection) (int64, error) {
	return 0, nil
}
func (f *fakeStore) RecordDisable(context.Context, database.Tx, models.DisableEvent) (int64, error) {
	return 0, nil
}
func (f *fakeStore) QueryBySignature(context.Context, database.Tx, string) (models.Pattern, error) {
	return models.Pattern{}, nil
}
func (f *fakeStore) QueryByID(context.Context, database.Tx, string) (models.Pattern, error) {
	return models.Pattern{}, nil
}
func (f *fakeStore) ListEligibleForPromotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return nil, nil
}
func (f *fakeStore) ListEligibleForDemotion(context.Context, database.Tx) ([]models.Pattern, error) {
	return nil, nil
}
func (f *fakeStore) InsertSessionOutcome(_ context.Context, _ database.Tx, patternID string, _ models.SessionOutcome) (int64, error) {
	if f.failFor[patternID] {
		return 0, assertErr{patternID}
	}
	f.outcomesIns++
	return int64(f.outcomesIns), nil
}
func (f *fakeStore) ListRecentOutcomes(context.Context, database.Tx, string, int, time.Duration) ([]models.FeedbackOutcome, error) {
	return nil, nil
}
func (f *fakeStore) ApplyQualityDelta(_ context.Context, _ database.Tx, patternID string, delta float64) (float64, error) {
	f.deltasByID[patternID] += delta
	return 0.5 + f.deltasByID[patternID], nil
}
func (f *fakeStore) IsDisabled(context.Context, database.Tx, string) (bool, error) {
	return false, nil
}

type assertErr struct{ patternID string }

func (e assertErr) Error() string { return "forced failure for " + e.patternID }

func newMockAggregator(t *testing.T, store *fakeStore) (*Aggregator, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	client := database.NewClientFromDB(db)
	cfg := Config{WindowSize: 100, WindowDays: 30, QualityDeltaConfig: compute.DefaultQualityDeltaConfig()}
	return New(store, client, cfg), mock
}

func TestRecordOutcome_IsolatesPerPatternFailure(t *testing.T) {
	store := newFakeStore("bad-pattern")
	agg, mock := newMockAggregator(t, store)

	// good-pattern: begin, apply no delta needed (not violation/positive since
	// WasAdvised=false), insert outcome succeeds, commit.
	mock.ExpectBegin()
	mock.ExpectCommit()
	// bad-pattern: begin, insert fails, rollback.
	mock.ExpectBegin()
	mock.ExpectRollback()

	outcome := models.SessionOutcome{
		SessionID:  "sess-1",
		PatternIDs: []string{"good-pattern", "bad-pattern"},
		Outcome:    models.OutcomeFailure,
		OccurredAt: time.Now(),
	}

	results := agg.RecordOutcome(context.Background(), outcome)
	require.Len(t, results, 2)

	byID := map[string]PatternResult{}
	for _, r := range results {
		byID[r.PatternID] = r
	}
	assert.NoError(t, byID["good-pattern"].Err)
	assert.Error(t, byID["bad-pattern"].Err)
}

func TestEvidenceTierFor(t *testing.T) {
	floors := DefaultTierFloors()
	assert.Equal(t, models.EvidenceInsufficient, EvidenceTierFor(5, floors))
	assert.Equal(t, models.EvidenceWeak, EvidenceTierFor(15, floors))
	assert.Equal(t, models.EvidenceModerate, EvidenceTierFor(50, floors))
	assert.Equal(t, models.EvidenceStrong, EvidenceTierFor(150, floors))
}

func TestRecordOutcome_RoutesQualityDeltaThroughScoreQuality(t *testing.T) {
	store := newFakeStore()
	agg, mock := newMockAggregator(t, store)

	mock.ExpectBegin()
	mock.ExpectCommit()

	outcome := models.SessionOutcome{
		SessionID:  "sess-1",
		PatternIDs: []string{"p1"},
		Outcome:    models.OutcomeSuccess,
		WasAdvised: true,
		OccurredAt: time.Now(),
	}

	results := agg.RecordOutcome(context.Background(), outcome)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.InDelta(t, compute.DefaultQualityDeltaConfig().SuccessIncrement, store.deltasByID["p1"], 1e-9)
}

func TestSnapshot_WarmsFromHistoryAndReportsEvidenceTier(t *testing.T) {
	store := newFakeStore()
	agg, mock := newMockAggregator(t, store)

	mock.ExpectBegin()
	mock.ExpectRollback()

	snap, err := agg.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", snap.PatternID)
	assert.Equal(t, models.EvidenceInsufficient, snap.EvidenceTier)
}
