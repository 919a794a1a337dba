package aggregation

import (
	"testing"
	"time"

	"statement-reconciliation/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(d int) time.Time {
	return time.Date(2025, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestBuildPaymentHistory(t *testing.T) {
	sub := models.DocumentRef{Kind: models.KindSubscription, ID: "SUB-1"}
	inv := models.DocumentRef{Kind: models.KindInvoice, ID: "INV-1"}

	documents := map[models.DocumentRef]models.DocumentCandidate{
		sub: {Ref: sub, PartyName: "EDF", AmountDue: dec("120"), VATRateLabel: "normal"},
		inv: {Ref: inv, PartyName: "ACME", AmountDue: dec("50")},
	}

	transactions := []*models.Transaction{
		{
			LineID: "RL-20250310-00001", ValueDate: day(10), Debit: dec("120.00"),
			Status: models.StatusMatched,
			Match:  models.MatchPayload{Documents: []models.DocumentRef{sub}},
		},
		{
			LineID: "RL-20250305-00002", ValueDate: day(5), Debit: dec("120.00"),
			Status: models.StatusPartial,
			Match:  models.MatchPayload{Documents: []models.DocumentRef{sub}},
			VAT:    &models.VATBreakdown{Net: dec("101"), VAT: dec("19"), Gross: dec("120")},
		},
		{
			LineID: "RL-20250320-00001", ValueDate: day(20), Credit: dec("24.00"),
			Status: models.StatusMatched,
			Match:  models.MatchPayload{Documents: []models.DocumentRef{sub}},
		},
		{
			LineID: "RL-20250301-00001", ValueDate: day(1), Debit: dec("50"),
			Status: models.StatusMatched,
			Match:  models.MatchPayload{Documents: []models.DocumentRef{inv}},
		},
		{
			LineID: "RL-20250302-00001", ValueDate: day(2), Debit: dec("120"),
			Status: models.StatusPending,
		},
	}

	rows := BuildPaymentHistory(models.KindSubscription, transactions, documents)
	require.Len(t, rows, 3)

	assert.Equal(t, "RL-20250305-00002", rows[0].LineID)
	assert.Equal(t, ConfidenceStored, rows[0].Confidence)
	assert.True(t, rows[0].VAT.Net.Equal(dec("101")), "stored decomposition is surfaced as is")

	assert.Equal(t, "RL-20250310-00001", rows[1].LineID)
	assert.Equal(t, ConfidenceExact, rows[1].Confidence)
	assert.True(t, rows[1].DisplayAmount.Equal(dec("120")))
	assert.True(t, rows[1].VAT.Net.Equal(dec("100")))
	assert.True(t, rows[1].VAT.VAT.Equal(dec("20")))

	assert.Equal(t, "RL-20250320-00001", rows[2].LineID)
	assert.True(t, rows[2].Refund)
	assert.True(t, rows[2].DisplayAmount.Equal(dec("-24")))
	assert.True(t, rows[2].VAT.Gross.Equal(dec("-24")))
	assert.True(t, rows[2].VAT.Net.Equal(dec("-20")))
}

func TestBuildPaymentHistorySplitMatch(t *testing.T) {
	a := models.DocumentRef{Kind: models.KindChargeDeclaration, ID: "DECL-A"}
	b := models.DocumentRef{Kind: models.KindChargeDeclaration, ID: "DECL-B"}
	documents := map[models.DocumentRef]models.DocumentCandidate{
		a: {Ref: a, AmountDue: dec("300"), VATRateLabel: "exonerated"},
		b: {Ref: b, AmountDue: dec("200"), VATRateLabel: "custom"},
	}
	transactions := []*models.Transaction{{
		LineID: "RL-20250315-00001", ValueDate: day(15), Debit: dec("500"),
		Status: models.StatusMatched,
		Match:  models.MatchPayload{Documents: []models.DocumentRef{a, b}},
	}}

	rows := BuildPaymentHistory(models.KindChargeDeclaration, transactions, documents)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].DisplayAmount.Equal(dec("300")))
	assert.Equal(t, ConfidenceExact, rows[0].Confidence)
	assert.True(t, rows[0].VAT.VAT.IsZero())

	assert.True(t, rows[1].DisplayAmount.Equal(dec("200")))
	assert.Equal(t, ConfidenceDegraded, rows[1].Confidence)
}

func TestBuildPaymentHistorySplitKeepsStoredVAT(t *testing.T) {
	a := models.DocumentRef{Kind: models.KindSubscription, ID: "SUB-A"}
	b := models.DocumentRef{Kind: models.KindSubscription, ID: "SUB-B"}
	documents := map[models.DocumentRef]models.DocumentCandidate{
		a: {Ref: a, AmountDue: dec("300"), VATRateLabel: "exonerated"},
		b: {Ref: b, AmountDue: dec("200"), VATRateLabel: "exonerated"},
	}
	transactions := []*models.Transaction{{
		LineID: "RL-20250315-00001", ValueDate: day(15), Debit: dec("500"),
		Status: models.StatusMatched,
		Match:  models.MatchPayload{Documents: []models.DocumentRef{a, b}},
		VAT:    &models.VATBreakdown{Net: dec("450"), VAT: dec("50"), Gross: dec("500")},
	}}

	rows := BuildPaymentHistory(models.KindSubscription, transactions, documents)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, ConfidenceStored, row.Confidence)
		assert.True(t, row.VAT.Net.Add(row.VAT.VAT).Equal(row.VAT.Gross))
	}
	assert.True(t, rows[0].VAT.Gross.Equal(dec("300")))
	assert.True(t, rows[0].VAT.Net.Equal(dec("270")))
	assert.True(t, rows[0].VAT.VAT.Equal(dec("30")))
	assert.True(t, rows[1].VAT.Net.Equal(dec("180")))
	assert.True(t, rows[1].VAT.VAT.Equal(dec("20")))
}

func TestBuildPaymentHistoryEmpty(t *testing.T) {
	rows := BuildPaymentHistory(models.KindSubscription, nil, nil)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}
