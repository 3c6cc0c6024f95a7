package patternstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/omninode-ai/omniintelligence/pkg/core/errors"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

func fixedTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newMockStoreTx(t *testing.T) (*PGStore, sqlmock.Sqlmock, *sqlx.Tx) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectBegin()
	tx, err := db.Beginx()
	require.NoError(t, err)

	return New(), mock, tx
}

func TestUpsertPattern_ReturnsExistingWhenSignatureMatches(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT pattern_id FROM patterns WHERE signature_hash`).
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows([]string{"pattern_id"}).AddRow("existing-id"))
	mock.ExpectCommit()

	id, created, err := store.UpsertPattern(ctx, tx, "sig-1", "body", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing-id", id)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPattern_InsertsWhenNoMatch(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT pattern_id FROM patterns WHERE signature_hash`).
		WithArgs("sig-2").
		WillReturnError(sqlErrNoRows())
	mock.ExpectExec(`INSERT INTO patterns`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, created, err := store.UpsertPattern(ctx, tx, "sig-2", "body", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLifecycle_RejectsInvalidTransition(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"pattern_id", "signature_hash", "body", "metadata", "lifecycle_status", "quality_score",
		"confidence", "evidence_tier", "created_at", "last_promoted_at", "last_demoted_at", "deprecated_at", "version",
	}).AddRow("p1", "sig", "body", []byte(`{}`), "CANDIDATE", 0.5, 0.5, "insufficient", fixedTime(), nil, nil, nil, 1)

	mock.ExpectQuery(`SELECT pattern_id, signature_hash, body, metadata`).
		WithArgs("p1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := store.TransitionLifecycle(ctx, tx, "p1", models.LifecycleValidated, 1, "promotion", "", nil)
	assert.ErrorIs(t, err, coreerrors.ErrInvalidTransition)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLifecycle_RejectsVersionConflict(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"pattern_id", "signature_hash", "body", "metadata", "lifecycle_status", "quality_score",
		"confidence", "evidence_tier", "created_at", "last_promoted_at", "last_demoted_at", "deprecated_at", "version",
	}).AddRow("p1", "sig", "body", []byte(`{}`), "CANDIDATE", 0.5, 0.5, "insufficient", fixedTime(), nil, nil, nil, 2)

	mock.ExpectQuery(`SELECT pattern_id, signature_hash, body, metadata`).
		WithArgs("p1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := store.TransitionLifecycle(ctx, tx, "p1", models.LifecycleProvisional, 1, "promotion", "", nil)
	assert.ErrorIs(t, err, coreerrors.ErrLifecycleConflict)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEligibleForPromotion_ExcludesDisabled(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"pattern_id", "signature_hash", "body", "metadata", "lifecycle_status", "quality_score",
		"confidence", "evidence_tier", "created_at", "last_promoted_at", "last_demoted_at", "deprecated_at", "version",
	}).AddRow("p1", "sig", "body", []byte(`{}`), "PROVISIONAL", 0.5, 0.5, "moderate", fixedTime(), nil, nil, nil, 1)

	mock.ExpectQuery(`SELECT p.pattern_id, p.signature_hash, p.body, p.metadata, p.lifecycle_status, p.quality_score.*LEFT JOIN pattern_disabled_current d ON d.pattern_id = p.pattern_id AND d.enabled = false WHERE p.lifecycle_status = \$1 AND d.pattern_id IS NULL`).
		WithArgs("PROVISIONAL").
		WillReturnRows(rows)
	mock.ExpectCommit()

	patterns, err := store.ListEligibleForPromotion(ctx, tx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "p1", patterns[0].PatternID)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDisabled_ReportsActiveDisableRow(t *testing.T) {
	store, mock, tx := newMockStoreTx(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	disabled, err := store.IsDisabled(ctx, tx, "p1")
	require.NoError(t, err)
	assert.True(t, disabled)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func sqlErrNoRows() error {
	return sql.ErrNoRows
}
