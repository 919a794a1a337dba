package matching

import (
	"statement-reconciliation/internal/models"

	"github.com/shopspring/decimal"
)

const (
	// MappingOneToOne is a transaction settled by a single document
	MappingOneToOne = "one_to_one"
	// MappingOneToMany is a split match against several documents
	MappingOneToMany = "one_to_many"
)

// Tolerance is the currency minor-unit epsilon. A document total must differ
// from the transaction amount by strictly less than this to count as MATCHED.
var Tolerance = decimal.New(1, -2)

// MatchResult is the evaluation of a transaction against a document set.
type MatchResult struct {
	Type             string                   `json:"type"`
	Status           models.TransactionStatus `json:"status"`
	TransactionTotal decimal.Decimal          `json:"transaction_total"`
	DocumentTotal    decimal.Decimal          `json:"document_total"`
	AmountDifference decimal.Decimal          `json:"amount_difference"`
	MatchCriteria    []string                 `json:"match_criteria"`
}

// Evaluate compares the sum of the documents' amounts due with the absolute
// net amount of the transaction. Documents carry unsigned amounts, so the
// direction of the bank movement does not enter the comparison.
func Evaluate(tx *models.Transaction, documents []models.DocumentCandidate) MatchResult {
	total := decimal.Zero
	for _, d := range documents {
		total = total.Add(d.AmountDue)
	}
	txTotal := tx.NetAmount().Abs()
	diff := total.Sub(txTotal).Abs()

	result := MatchResult{
		Type:             MappingOneToOne,
		Status:           models.StatusPartial,
		TransactionTotal: txTotal,
		DocumentTotal:    total,
		AmountDifference: diff,
	}
	if len(documents) > 1 {
		result.Type = MappingOneToMany
	}
	if WithinTolerance(total, txTotal) {
		result.Status = models.StatusMatched
		result.MatchCriteria = append(result.MatchCriteria, "amount")
	}
	return result
}

// WithinTolerance reports whether |a - b| < Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Tolerance)
}
