package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/models"

	"github.com/shopspring/decimal"
)

type TransactionRepository interface {
	Insert(ctx context.Context, t *models.Transaction) error
	Get(ctx context.Context, lineID string) (*models.Transaction, error)
	GetForUpdate(ctx context.Context, lineID string) (*models.Transaction, error)
	ListByBatch(ctx context.Context, batchID string, status models.TransactionStatus) ([]*models.Transaction, error)
	ExistsSourceKey(ctx context.Context, batchID, sourceKey string) (bool, error)
	CountByBatch(ctx context.Context, batchID string) (total, reconciled int, err error)
	UpdateMatch(ctx context.Context, t *models.Transaction) error
	ListReconciledByKind(ctx context.Context, kind models.DocumentKind) ([]*models.Transaction, error)
}

type transactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

const transactionColumns = `
	t.line_id, t.batch_id, t.sequence, t.source_key, t.value_date,
	t.label, t.counterparty, t.debit, t.credit, t.status, t.match_refs,
	t.notes, t.vat_net, t.vat_amount, t.vat_gross, t.created_at, t.updated_at`

func (r *transactionRepository) Insert(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			line_id, batch_id, sequence, source_key, value_date,
			label, counterparty, debit, credit, status,
			match_refs, notes, vat_net, vat_amount, vat_gross
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	net, vat, gross := vatColumns(t.VAT)
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		t.LineID,
		t.BatchID,
		t.Sequence,
		t.SourceKey,
		t.ValueDate,
		t.Label,
		nullString(t.Counterparty),
		t.Debit,
		t.Credit,
		t.Status,
		t.Match,
		nullString(t.Notes),
		net,
		vat,
		gross,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.LineID, err)
	}
	return nil
}

func (r *transactionRepository) Get(ctx context.Context, lineID string) (*models.Transaction, error) {
	return r.get(ctx, lineID, "")
}

// GetForUpdate locks the transaction row until the surrounding transaction ends.
func (r *transactionRepository) GetForUpdate(ctx context.Context, lineID string) (*models.Transaction, error) {
	return r.get(ctx, lineID, " FOR UPDATE")
}

func (r *transactionRepository) get(ctx context.Context, lineID, lock string) (*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.line_id = ?` + lock

	t, err := scanTransaction(database.Conn(ctx, r.db).QueryRowContext(ctx, query, lineID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("transaction", lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", lineID, err)
	}
	return t, nil
}

// ListByBatch returns the batch's lines in statement order. An empty status
// lists every line.
func (r *transactionRepository) ListByBatch(ctx context.Context, batchID string, status models.TransactionStatus) ([]*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.batch_id = ?`
	args := []interface{}{batchID}
	if status != "" {
		query += ` AND t.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY t.sequence`

	return r.query(ctx, query, args...)
}

func (r *transactionRepository) ExistsSourceKey(ctx context.Context, batchID, sourceKey string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE batch_id = ? AND source_key = ?
	`
	var n int
	if err := database.Conn(ctx, r.db).QueryRowContext(ctx, query, batchID, sourceKey).Scan(&n); err != nil {
		return false, fmt.Errorf("check source key: %w", err)
	}
	return n > 0, nil
}

// CountByBatch returns the number of lines in the batch and how many of
// them are MATCHED or PARTIAL.
func (r *transactionRepository) CountByBatch(ctx context.Context, batchID string) (int, int, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status IN ('MATCHED', 'PARTIAL') THEN 1 ELSE 0 END), 0)
		FROM transactions
		WHERE batch_id = ?
	`
	var total, reconciled int
	err := database.Conn(ctx, r.db).QueryRowContext(ctx, query, batchID).Scan(&total, &reconciled)
	if err != nil {
		return 0, 0, fmt.Errorf("count transactions of batch %s: %w", batchID, err)
	}
	return total, reconciled, nil
}

// UpdateMatch writes status, match payload and notes in one statement.
func (r *transactionRepository) UpdateMatch(ctx context.Context, t *models.Transaction) error {
	query := `
		UPDATE transactions
		SET status = ?,
		    match_refs = ?,
		    notes = ?
		WHERE line_id = ?
	`
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		t.Status,
		t.Match,
		nullString(t.Notes),
		t.LineID,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.LineID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return apperror.NotFound("transaction", t.LineID)
	}
	return nil
}

// ListReconciledByKind returns MATCHED and PARTIAL lines linked to at least
// one document of the given kind, ordered by value date.
func (r *transactionRepository) ListReconciledByKind(ctx context.Context, kind models.DocumentKind) ([]*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.status IN ('MATCHED', 'PARTIAL')
		AND EXISTS (
			SELECT 1 FROM document_transaction_links l
			WHERE l.line_id = t.line_id AND l.document_type = ?
		)
		ORDER BY t.value_date, t.line_id`

	return r.query(ctx, query, kind)
}

func (r *transactionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Transaction, error) {
	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	t := &models.Transaction{}
	var counterparty, notes sql.NullString
	var net, vat, gross decimal.NullDecimal
	err := row.Scan(
		&t.LineID,
		&t.BatchID,
		&t.Sequence,
		&t.SourceKey,
		&t.ValueDate,
		&t.Label,
		&counterparty,
		&t.Debit,
		&t.Credit,
		&t.Status,
		&t.Match,
		&notes,
		&net,
		&vat,
		&gross,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Counterparty = counterparty.String
	t.Notes = notes.String
	if net.Valid && vat.Valid && gross.Valid {
		t.VAT = &models.VATBreakdown{Net: net.Decimal, VAT: vat.Decimal, Gross: gross.Decimal}
	}
	return t, nil
}

func vatColumns(v *models.VATBreakdown) (net, vat, gross decimal.NullDecimal) {
	if v == nil {
		return
	}
	return decimal.NewNullDecimal(v.Net), decimal.NewNullDecimal(v.VAT), decimal.NewNullDecimal(v.Gross)
}
