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

// DocumentRepository reads invoices, subscriptions and charge declarations
// and records which bank lines settle them. Documents themselves are never
// modified here.
type DocumentRepository interface {
	Get(ctx context.Context, ref models.DocumentRef) (*models.DocumentCandidate, error)
	GetMany(ctx context.Context, refs []models.DocumentRef) (map[models.DocumentRef]models.DocumentCandidate, error)
	SearchOpen(ctx context.Context, kind models.DocumentKind) ([]models.DocumentCandidate, error)
	LinkTransaction(ctx context.Context, ref models.DocumentRef, lineID string) error
	UnlinkTransaction(ctx context.Context, lineID string) error
}

type documentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) DocumentRepository {
	return &documentRepository{db: db}
}

var documentTables = map[models.DocumentKind]string{
	models.KindInvoice:           "invoices",
	models.KindSubscription:      "subscriptions",
	models.KindChargeDeclaration: "charge_declarations",
}

func tableFor(kind models.DocumentKind) (string, error) {
	table, ok := documentTables[kind]
	if !ok {
		return "", apperror.Validation("kind", "unknown document type %q", kind)
	}
	return table, nil
}

func (r *documentRepository) Get(ctx context.Context, ref models.DocumentRef) (*models.DocumentCandidate, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, party_name, amount_due, payment_status, vat_rate_label
		FROM ` + table + `
		WHERE id = ?`

	d, err := scanDocument(database.Conn(ctx, r.db).QueryRowContext(ctx, query, ref.ID), ref.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("document", ref.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", ref, err)
	}
	return d, nil
}

// GetMany loads every referenced document; unknown references are skipped.
func (r *documentRepository) GetMany(ctx context.Context, refs []models.DocumentRef) (map[models.DocumentRef]models.DocumentCandidate, error) {
	documents := make(map[models.DocumentRef]models.DocumentCandidate, len(refs))
	for _, ref := range refs {
		if _, seen := documents[ref]; seen {
			continue
		}
		d, err := r.Get(ctx, ref)
		if apperror.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		documents[ref] = *d
	}
	return documents, nil
}

// SearchOpen returns documents not yet fully paid. An empty kind searches
// every document table.
func (r *documentRepository) SearchOpen(ctx context.Context, kind models.DocumentKind) ([]models.DocumentCandidate, error) {
	kinds := models.DocumentKinds
	if kind != "" {
		if _, err := tableFor(kind); err != nil {
			return nil, err
		}
		kinds = []models.DocumentKind{kind}
	}

	documents := []models.DocumentCandidate{}
	for _, k := range kinds {
		query := `
			SELECT id, party_name, amount_due, payment_status, vat_rate_label
			FROM ` + documentTables[k] + `
			WHERE payment_status <> 'PAID'
			ORDER BY id`

		rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search %s documents: %w", k, err)
		}
		for rows.Next() {
			d, err := scanDocument(rows, k)
			if err != nil {
				rows.Close()
				return nil, err
			}
			documents = append(documents, *d)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return documents, nil
}

func (r *documentRepository) LinkTransaction(ctx context.Context, ref models.DocumentRef, lineID string) error {
	query := `
		INSERT IGNORE INTO document_transaction_links (
			document_type, document_id, line_id
		) VALUES (?, ?, ?)
	`
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, ref.Kind, ref.ID, lineID); err != nil {
		return fmt.Errorf("link %s to %s: %w", ref, lineID, err)
	}
	return nil
}

// UnlinkTransaction drops every document link of the line.
func (r *documentRepository) UnlinkTransaction(ctx context.Context, lineID string) error {
	query := `DELETE FROM document_transaction_links WHERE line_id = ?`
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, lineID); err != nil {
		return fmt.Errorf("unlink %s: %w", lineID, err)
	}
	return nil
}

func scanDocument(row rowScanner, kind models.DocumentKind) (*models.DocumentCandidate, error) {
	d := &models.DocumentCandidate{Ref: models.DocumentRef{Kind: kind}}
	var rateLabel sql.NullString
	if err := row.Scan(
		&d.Ref.ID,
		&d.PartyName,
		&d.AmountDue,
		&d.PaymentStatus,
		&rateLabel,
	); err != nil {
		return nil, err
	}
	d.VATRateLabel = rateLabel.String
	return d, nil
}
