// Package aggregation folds reconciled transactions into subscription and
// charge-declaration payment histories.
package aggregation

import (
	"sort"
	"time"

	"statement-reconciliation/internal/models"

	"github.com/shopspring/decimal"
)

// PaymentRow is one payment of a subscription or charge declaration.
type PaymentRow struct {
	Document      models.DocumentRef       `json:"document"`
	LineID        string                   `json:"line_id"`
	Date          time.Time                `json:"date"`
	DisplayAmount decimal.Decimal          `json:"display_amount"`
	Refund        bool                     `json:"refund"`
	Status        models.TransactionStatus `json:"status"`
	VAT           models.VATBreakdown      `json:"vat"`
	RateLabel     string                   `json:"rate_label,omitempty"`
	Confidence    Confidence               `json:"confidence"`
}

// BuildPaymentHistory returns payment rows for every reconciled transaction
// linked to a document of the given kind, ordered by date then line id.
// documents supplies the VAT-rate labels used when a line stored no
// decomposition. For split matches each document row carries that
// document's amount due, signed like the bank line, and a stored
// decomposition is apportioned by that amount's share of the gross.
func BuildPaymentHistory(kind models.DocumentKind, transactions []*models.Transaction, documents map[models.DocumentRef]models.DocumentCandidate) []PaymentRow {
	rows := []PaymentRow{}
	for _, tx := range transactions {
		if !tx.Status.IsReconciled() {
			continue
		}
		for _, ref := range tx.Match.Documents {
			if ref.Kind != kind {
				continue
			}
			rows = append(rows, buildRow(tx, ref, documents[ref]))
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].LineID < rows[j].LineID
	})
	return rows
}

func buildRow(tx *models.Transaction, ref models.DocumentRef, document models.DocumentCandidate) PaymentRow {
	amount := tx.DisplayAmount()
	if tx.Match.IsSplit() {
		amount = document.AmountDue.Abs()
		if tx.IsRefund() {
			amount = amount.Neg()
		}
	}

	row := PaymentRow{
		Document:      ref,
		LineID:        tx.LineID,
		Date:          tx.ValueDate,
		DisplayAmount: amount,
		Refund:        tx.IsRefund(),
		Status:        tx.Status,
		RateLabel:     document.VATRateLabel,
	}

	if tx.VAT != nil {
		if !tx.Match.IsSplit() {
			row.VAT = *tx.VAT
			row.Confidence = ConfidenceStored
			return row
		}
		if !tx.VAT.Gross.IsZero() {
			row.VAT = scaleBreakdown(*tx.VAT, amount.Abs().Div(tx.VAT.Gross.Abs()))
			row.Confidence = ConfidenceStored
			return row
		}
	}

	rate, confidence := RateForLabel(document.VATRateLabel)
	net, vat := SplitGross(amount, rate)
	row.VAT = models.VATBreakdown{Net: net, VAT: vat, Gross: amount}
	row.Confidence = confidence
	return row
}

// scaleBreakdown apportions a line's stored decomposition to one document of
// a split match. VAT absorbs the rounding so net + vat == gross.
func scaleBreakdown(b models.VATBreakdown, share decimal.Decimal) models.VATBreakdown {
	gross := b.Gross.Mul(share).Round(2)
	net := b.Net.Mul(share).Round(2)
	return models.VATBreakdown{Net: net, VAT: gross.Sub(net), Gross: gross}
}
