package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/models"
)

type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	ListByLine(ctx context.Context, lineID string) ([]*models.AuditEntry, error)
	ListByBatch(ctx context.Context, batchID string) ([]*models.AuditEntry, error)
}

type auditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO reconciliation_audit (
			correlation_id, batch_id, line_id, action, operator, note, details
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var details interface{}
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		entry.CorrelationID,
		entry.BatchID,
		nullString(entry.LineID),
		entry.Action,
		entry.Operator,
		nullString(entry.Note),
		details,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (r *auditRepository) ListByLine(ctx context.Context, lineID string) ([]*models.AuditEntry, error) {
	return r.list(ctx, `line_id = ?`, lineID)
}

func (r *auditRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.AuditEntry, error) {
	return r.list(ctx, `batch_id = ?`, batchID)
}

func (r *auditRepository) list(ctx context.Context, where string, arg interface{}) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, correlation_id, batch_id, line_id, action,
		       operator, note, details, created_at
		FROM reconciliation_audit
		WHERE ` + where + `
		ORDER BY id`

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		e := &models.AuditEntry{}
		var lineID, note sql.NullString
		var details []byte
		if err := rows.Scan(
			&e.ID,
			&e.CorrelationID,
			&e.BatchID,
			&lineID,
			&e.Action,
			&e.Operator,
			&note,
			&details,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.LineID = lineID.String
		e.Note = note.String
		if len(details) > 0 {
			e.Details = details
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
