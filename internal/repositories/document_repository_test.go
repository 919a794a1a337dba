package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var documentCols = []string{"id", "party_name", "amount_due", "payment_status", "vat_rate_label"}

func TestDocumentRepositoryGetUsesKindTable(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).
		WithArgs("SUB-7").
		WillReturnRows(sqlmock.NewRows(documentCols).AddRow("SUB-7", "ACME", "120.00", "OPEN", "normal"))

	d, err := repo.Get(context.Background(), models.DocumentRef{Kind: models.KindSubscription, ID: "SUB-7"})
	require.NoError(t, err)
	assert.Equal(t, models.KindSubscription, d.Ref.Kind)
	assert.True(t, d.AmountDue.Equal(decimal.RequireFromString("120")))
	assert.Equal(t, "normal", d.VATRateLabel)
}

func TestDocumentRepositoryGetUnknownKind(t *testing.T) {
	db, _ := newMock(t)
	repo := NewDocumentRepository(db)

	_, err := repo.Get(context.Background(), models.DocumentRef{Kind: "PAYSLIP", ID: "1"})
	assert.True(t, apperror.IsValidation(err))
}

func TestDocumentRepositoryGetManySkipsMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices")).
		WithArgs("INV-1").
		WillReturnRows(sqlmock.NewRows(documentCols).AddRow("INV-1", "Client SA", "100.00", "OPEN", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices")).
		WithArgs("INV-404").
		WillReturnError(sql.ErrNoRows)

	docs, err := repo.GetMany(context.Background(), []models.DocumentRef{
		{Kind: models.KindInvoice, ID: "INV-1"},
		{Kind: models.KindInvoice, ID: "INV-404"},
		{Kind: models.KindInvoice, ID: "INV-1"},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDocumentRepositorySearchOpenAllKinds(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices")).
		WillReturnRows(sqlmock.NewRows(documentCols).AddRow("INV-1", "Client SA", "100.00", "OPEN", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).
		WillReturnRows(sqlmock.NewRows(documentCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM charge_declarations")).
		WillReturnRows(sqlmock.NewRows(documentCols).AddRow("DEC-3", "URSSAF", "812.40", "PARTIAL", "0"))

	docs, err := repo.SearchOpen(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, models.KindInvoice, docs[0].Ref.Kind)
	assert.Equal(t, models.KindChargeDeclaration, docs[1].Ref.Kind)
}

func TestDocumentRepositoryLinkJoinsTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDocumentRepository(db)
	transactor := database.NewTransactor(db)
	ref := models.DocumentRef{Kind: models.KindInvoice, ID: "INV-1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM document_transaction_links")).
		WithArgs("RL-20250305-00001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO document_transaction_links")).
		WithArgs(models.KindInvoice, "INV-1", "RL-20250305-00001").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if err := repo.UnlinkTransaction(ctx, "RL-20250305-00001"); err != nil {
			return err
		}
		return repo.LinkTransaction(ctx, ref, "RL-20250305-00001")
	})
	require.NoError(t, err)
}
