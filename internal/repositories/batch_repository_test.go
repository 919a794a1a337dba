package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var batchCols = []string{
	"id", "period_start", "period_end", "total_count", "reconciled_count",
	"status", "override_note", "version", "created_at", "updated_at",
}

func TestBatchRepositoryGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)
	now := time.Date(2025, 3, 31, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches")).
		WithArgs("RAP-2503-01").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"RAP-2503-01",
			time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			2, 1, "IN_PROGRESS", nil, int64(3), now, now,
		))

	b, err := repo.Get(context.Background(), "RAP-2503-01")
	require.NoError(t, err)
	assert.Equal(t, "RAP-2503-01", b.ID)
	assert.Equal(t, models.BatchInProgress, b.Status)
	assert.Equal(t, 2, b.TotalCount)
	assert.Equal(t, 1, b.ReconciledCount)
	assert.Equal(t, int64(3), b.Version)
	assert.Empty(t, b.OverrideNote)
}

func TestBatchRepositoryGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches")).
		WithArgs("RAP-2503-09").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "RAP-2503-09")
	assert.True(t, apperror.IsNotFound(err))
}

func TestBatchRepositoryGetForUpdateLocks(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)
	now := time.Now()

	mock.ExpectQuery(`FROM batches\s+WHERE id = \? FOR UPDATE`).
		WithArgs("RAP-2503-01").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"RAP-2503-01", now, now, 0, 0, "IN_PROGRESS", nil, int64(1), now, now,
		))

	_, err := repo.GetForUpdate(context.Background(), "RAP-2503-01")
	require.NoError(t, err)
}

func TestBatchRepositoryUpdateAggregate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)
	b := &models.Batch{ID: "RAP-2503-01", TotalCount: 2, ReconciledCount: 2, Status: models.BatchValidated, Version: 4}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches")).
		WithArgs(2, 2, models.BatchValidated, sqlmock.AnyArg(), "RAP-2503-01", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateAggregate(context.Background(), b))
	assert.Equal(t, int64(5), b.Version)
}

func TestBatchRepositoryUpdateAggregateStaleVersion(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)
	b := &models.Batch{ID: "RAP-2503-01", TotalCount: 2, Status: models.BatchInProgress, Version: 4}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAggregate(context.Background(), b)
	assert.True(t, apperror.IsConflict(err))
	assert.Equal(t, int64(4), b.Version)
}

func TestBatchRepositoryListFiltersStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ? ORDER BY period_start DESC, id DESC LIMIT ?")).
		WithArgs(models.BatchValidated, 10).
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("RAP-2503-01", now, now, 2, 2, "VALIDATED", "two lines settled by hand", int64(6), now, now))

	batches, err := repo.List(context.Background(), models.BatchValidated, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "two lines settled by hand", batches[0].OverrideNote)
}
