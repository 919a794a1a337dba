package models

import (
	"strings"
	"unicode/utf8"

	"statement-reconciliation/internal/apperror"

	"github.com/shopspring/decimal"
)

// MaxOperatorLength bounds the operator recorded on audit entries.
const MaxOperatorLength = 100

// ValidateOperator rejects operator names the audit trail cannot store.
func ValidateOperator(operator string) error {
	if utf8.RuneCountInString(operator) > MaxOperatorLength {
		return apperror.Validation("operator", "must be at most %d characters", MaxOperatorLength)
	}
	return nil
}

// ValidateAmounts checks a statement line's debit/credit pair.
func ValidateAmounts(debit, credit decimal.Decimal) error {
	if debit.IsNegative() {
		return apperror.Validation("debit", "must not be negative")
	}
	if credit.IsNegative() {
		return apperror.Validation("credit", "must not be negative")
	}
	if debit.IsPositive() && credit.IsPositive() {
		return apperror.Validation("amount", "debit and credit cannot both be non-zero")
	}
	return nil
}

// ValidateRule checks a matching rule before it is persisted. Keywords are
// trimmed in place.
func ValidateRule(r *MatchingRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return apperror.Validation("name", "is required")
	}
	switch r.Direction {
	case DirectionDebit, DirectionCredit, DirectionAny:
	default:
		return apperror.Validation("direction", "unknown direction %q", r.Direction)
	}
	if !r.TargetType.Valid() {
		return apperror.Validation("target_type", "unknown document type %q", r.TargetType)
	}
	if len(r.Keywords) == 0 {
		return apperror.Validation("keywords", "at least one keyword is required")
	}
	for i, kw := range r.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return apperror.Validation("keywords", "keyword %d is blank", i)
		}
		r.Keywords[i] = kw
	}
	if r.TargetDocumentID != nil && strings.TrimSpace(*r.TargetDocumentID) == "" {
		r.TargetDocumentID = nil
	}
	return nil
}

// CheckPairing verifies that the status and the match payload agree.
func CheckPairing(t *Transaction) error {
	switch t.Status {
	case StatusMatched, StatusPartial:
		if t.Match.IsEmpty() {
			return apperror.Conflict("transaction %s is %s without a match payload", t.LineID, t.Status)
		}
	case StatusPending, StatusIgnored:
		if !t.Match.IsEmpty() {
			return apperror.Conflict("transaction %s is %s but carries a match payload", t.LineID, t.Status)
		}
	default:
		return apperror.Conflict("transaction %s has unknown status %q", t.LineID, t.Status)
	}
	return nil
}

// CheckCounts verifies 0 <= reconciled <= total.
func CheckCounts(b *Batch) error {
	if b.ReconciledCount < 0 || b.ReconciledCount > b.TotalCount {
		return apperror.Conflict("batch %s reconciled count %d outside [0, %d]", b.ID, b.ReconciledCount, b.TotalCount)
	}
	return nil
}
