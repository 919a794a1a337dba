package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/models"
)

type BatchRepository interface {
	Create(ctx context.Context, b *models.Batch) error
	Get(ctx context.Context, id string) (*models.Batch, error)
	GetForUpdate(ctx context.Context, id string) (*models.Batch, error)
	UpdateAggregate(ctx context.Context, b *models.Batch) error
	List(ctx context.Context, status models.BatchStatus, limit int) ([]*models.Batch, error)
}

type batchRepository struct {
	db *sql.DB
}

func NewBatchRepository(db *sql.DB) BatchRepository {
	return &batchRepository{db: db}
}

const batchColumns = `
	id, period_start, period_end, total_count, reconciled_count,
	status, override_note, version, created_at, updated_at`

func (r *batchRepository) Create(ctx context.Context, b *models.Batch) error {
	query := `
		INSERT INTO batches (
			id, period_start, period_end, total_count,
			reconciled_count, status, version
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if b.Version == 0 {
		b.Version = 1
	}
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		b.ID,
		b.PeriodStart,
		b.PeriodEnd,
		b.TotalCount,
		b.ReconciledCount,
		b.Status,
		b.Version,
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

func (r *batchRepository) Get(ctx context.Context, id string) (*models.Batch, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate locks the batch row until the surrounding transaction ends.
func (r *batchRepository) GetForUpdate(ctx context.Context, id string) (*models.Batch, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *batchRepository) get(ctx context.Context, id, lock string) (*models.Batch, error) {
	query := `SELECT` + batchColumns + `
		FROM batches
		WHERE id = ?` + lock

	b, err := scanBatch(database.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("batch", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// UpdateAggregate writes counts, status and override note, bumping the
// version. A stale b.Version yields a ConflictError.
func (r *batchRepository) UpdateAggregate(ctx context.Context, b *models.Batch) error {
	query := `
		UPDATE batches
		SET total_count = ?,
		    reconciled_count = ?,
		    status = ?,
		    override_note = ?,
		    version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		b.TotalCount,
		b.ReconciledCount,
		b.Status,
		nullString(b.OverrideNote),
		b.ID,
		b.Version,
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return apperror.Conflict("batch %s was modified concurrently (version %d)", b.ID, b.Version)
	}
	b.Version++
	return nil
}

// List returns batches newest period first. An empty status lists all.
func (r *batchRepository) List(ctx context.Context, status models.BatchStatus, limit int) ([]*models.Batch, error) {
	query := `SELECT` + batchColumns + `
		FROM batches`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY period_start DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := []*models.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	b := &models.Batch{}
	var note sql.NullString
	err := row.Scan(
		&b.ID,
		&b.PeriodStart,
		&b.PeriodEnd,
		&b.TotalCount,
		&b.ReconciledCount,
		&b.Status,
		&note,
		&b.Version,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.OverrideNote = note.String
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
