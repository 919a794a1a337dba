package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle status of a statement batch
type BatchStatus string

const (
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchValidated  BatchStatus = "VALIDATED"
	BatchArchived   BatchStatus = "ARCHIVED"
)

// rank orders batch statuses; a batch may only move to a higher rank.
func (s BatchStatus) rank() int {
	switch s {
	case BatchInProgress:
		return 1
	case BatchValidated:
		return 2
	case BatchArchived:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether next is the status directly after s.
func (s BatchStatus) CanAdvanceTo(next BatchStatus) bool {
	return s.rank() > 0 && next.rank() == s.rank()+1
}

// TransactionStatus is the reconciliation status of a single bank line
type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusMatched TransactionStatus = "MATCHED"
	StatusPartial TransactionStatus = "PARTIAL"
	StatusIgnored TransactionStatus = "IGNORED"
)

// IsReconciled reports whether the status counts towards a batch's reconciled count.
func (s TransactionStatus) IsReconciled() bool {
	return s == StatusMatched || s == StatusPartial
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusMatched, StatusPartial, StatusIgnored:
		return true
	}
	return false
}

// Direction filters rules by the sign of a transaction
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
	DirectionAny    Direction = "ANY"
)

// DocumentKind identifies which document provider owns a document
type DocumentKind string

const (
	KindInvoice           DocumentKind = "INVOICE"
	KindSubscription      DocumentKind = "SUBSCRIPTION"
	KindChargeDeclaration DocumentKind = "CHARGE_DECLARATION"
)

// Valid reports whether k is a known document kind.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindInvoice, KindSubscription, KindChargeDeclaration:
		return true
	}
	return false
}

// DocumentKinds lists every document kind in a fixed order.
var DocumentKinds = []DocumentKind{KindInvoice, KindSubscription, KindChargeDeclaration}

// DocumentRef is a typed reference to an invoice, subscription or charge declaration.
type DocumentRef struct {
	Kind DocumentKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r DocumentRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// MatchPayload holds the documents a transaction is reconciled against.
// One reference is a single match, two or more a split match.
type MatchPayload struct {
	Documents []DocumentRef `json:"documents"`
}

// IsEmpty reports whether the payload references no document.
func (p MatchPayload) IsEmpty() bool {
	return len(p.Documents) == 0
}

// IsSplit reports whether the payload references more than one document.
func (p MatchPayload) IsSplit() bool {
	return len(p.Documents) > 1
}

// Equal compares two payloads, order included.
func (p MatchPayload) Equal(o MatchPayload) bool {
	if len(p.Documents) != len(o.Documents) {
		return false
	}
	for i := range p.Documents {
		if p.Documents[i] != o.Documents[i] {
			return false
		}
	}
	return true
}

// Value stores the payload as JSON, or NULL when empty.
func (p MatchPayload) Value() (driver.Value, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan reads a JSON payload column.
func (p *MatchPayload) Scan(src interface{}) error {
	p.Documents = nil
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, p)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported match payload type %T", src)
	}
}

// VATBreakdown is the VAT decomposition of an amount
type VATBreakdown struct {
	Net   decimal.Decimal `json:"net"`
	VAT   decimal.Decimal `json:"vat"`
	Gross decimal.Decimal `json:"gross"`
}

// Batch represents the ledger of one statement period
type Batch struct {
	ID              string         `db:"id" json:"id"`
	PeriodStart     time.Time      `db:"period_start" json:"period_start"`
	PeriodEnd       time.Time      `db:"period_end" json:"period_end"`
	TotalCount      int            `db:"total_count" json:"total_count"`
	ReconciledCount int            `db:"reconciled_count" json:"reconciled_count"`
	Status          BatchStatus    `db:"status" json:"status"`
	OverrideNote    string         `db:"override_note" json:"override_note,omitempty"`
	Version         int64          `db:"version" json:"version"`
	Transactions    []*Transaction `db:"-" json:"transactions,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"-"`
}

// Transaction represents one bank statement movement
type Transaction struct {
	LineID       string            `db:"line_id" json:"line_id"`
	BatchID      string            `db:"batch_id" json:"batch_id"`
	Sequence     int               `db:"sequence" json:"sequence"`
	SourceKey    string            `db:"source_key" json:"-"`
	ValueDate    time.Time         `db:"value_date" json:"value_date"`
	Label        string            `db:"label" json:"label"`
	Counterparty string            `db:"counterparty" json:"counterparty,omitempty"`
	Debit        decimal.Decimal   `db:"debit" json:"debit"`
	Credit       decimal.Decimal   `db:"credit" json:"credit"`
	Status       TransactionStatus `db:"status" json:"status"`
	Match        MatchPayload      `db:"match_refs" json:"match"`
	Notes        string            `db:"notes" json:"notes,omitempty"`
	VAT          *VATBreakdown     `db:"-" json:"vat,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"-"`
	UpdatedAt    time.Time         `db:"updated_at" json:"-"`
}

// NetAmount is credit minus debit.
func (t *Transaction) NetAmount() decimal.Decimal {
	return t.Credit.Sub(t.Debit)
}

// IsRefund reports whether the line is an incoming refund or credit note.
func (t *Transaction) IsRefund() bool {
	return t.Credit.IsPositive()
}

// DisplayAmount is the signed amount shown in payment histories:
// refunds are negative, outgoing payments positive.
func (t *Transaction) DisplayAmount() decimal.Decimal {
	return t.Debit.Sub(t.Credit)
}

// MatchingRule is a stored keyword/direction condition
type MatchingRule struct {
	ID               int64        `db:"id" json:"id"`
	Name             string       `db:"name" json:"name"`
	Direction        Direction    `db:"direction" json:"direction"`
	Keywords         []string     `db:"keywords" json:"keywords"`
	TargetType       DocumentKind `db:"target_type" json:"target_type"`
	TargetDocumentID *string      `db:"target_document_id" json:"target_document_id,omitempty"`
	Active           bool         `db:"active" json:"active"`
	Priority         int          `db:"priority" json:"priority"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"-"`
}

// DocumentCandidate is the read-only projection of a payable/receivable document
type DocumentCandidate struct {
	Ref           DocumentRef     `json:"ref"`
	PartyName     string          `json:"party_name"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	PaymentStatus string          `json:"payment_status"`
	VATRateLabel  string          `json:"vat_rate_label,omitempty"`
}

// AuditEntry is one line of the reconciliation audit trail
type AuditEntry struct {
	ID            int64           `db:"id" json:"id"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	BatchID       string          `db:"batch_id" json:"batch_id"`
	LineID        string          `db:"line_id" json:"line_id,omitempty"`
	Action        string          `db:"action" json:"action"`
	Operator      string          `db:"operator" json:"operator"`
	Note          string          `db:"note" json:"note,omitempty"`
	Details       json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// AuditAction constants
const (
	AuditActionImported     = "imported"
	AuditActionAutoMatched  = "auto_matched"
	AuditActionMatched      = "matched"
	AuditActionSplitMatched = "split_matched"
	AuditActionAmended      = "amended"
	AuditActionUnmatched    = "unmatched"
	AuditActionIgnored      = "ignored"
	AuditActionRestored     = "restored"
	AuditActionValidated    = "validated"
	AuditActionOverride     = "validated_override"
	AuditActionArchived     = "archived"
)
