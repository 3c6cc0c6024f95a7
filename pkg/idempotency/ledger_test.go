package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omninode-ai/omniintelligence/pkg/database"
)

func newMockLedger(t *testing.T) (*PGLedger, sqlmock.Sqlmock, *sqlx.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	return New(database.NewClientFromDB(db)), mock, db
}

func TestSeen_NewEvent(t *testing.T) {
	ledger, mock, db := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO idempotency_ledger`).
		WithArgs("event-1", "pattern-stored").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	outcome, hash, err := ledger.Seen(ctx, tx, "event-1", "pattern-stored")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	assert.Empty(t, hash)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeen_DuplicateEvent(t *testing.T) {
	ledger, mock, db := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO idempotency_ledger`).
		WithArgs("event-1", "pattern-stored").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectQuery(`SELECT result_hash FROM idempotency_ledger`).
		WithArgs("event-1", "pattern-stored").
		WillReturnRows(sqlmock.NewRows([]string{"result_hash"}).AddRow("cached-hash"))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	outcome, hash, err := ledger.Seen(ctx, tx, "event-1", "pattern-stored")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, "cached-hash", hash)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_RejectsNonPositiveRetention(t *testing.T) {
	ledger, _, _ := newMockLedger(t)
	_, err := ledger.Sweep(context.Background(), 0)
	assert.ErrorIs(t, err, ErrRetentionTooShort)
}

func TestSweep_DeletesOlderThanRetention(t *testing.T) {
	ledger, mock, _ := newMockLedger(t)

	mock.ExpectExec(`DELETE FROM idempotency_ledger`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := ledger.Sweep(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
