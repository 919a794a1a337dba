package services

import (
	"context"
	"fmt"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/config"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/matching"
	"statement-reconciliation/internal/models"

	"github.com/sirupsen/logrus"
)

// Reasons an auto-match left a transaction PENDING.
const (
	ReasonNoRule           = "no_rule"
	ReasonDocumentNotFound = "document_not_found"
	ReasonNoCandidate      = "no_candidate"
	ReasonAmbiguous        = "ambiguous_candidates"
	ReasonSkipped          = "skipped"
)

type ReconciliationService struct {
	tx    database.Transactor
	repos Repositories
	cfg   config.ReconciliationConfig
	log   logrus.FieldLogger
}

func NewReconciliationService(
	tx database.Transactor,
	repos Repositories,
	cfg config.ReconciliationConfig,
	log logrus.FieldLogger,
) *ReconciliationService {
	return &ReconciliationService{
		tx:    tx,
		repos: repos,
		cfg:   cfg,
		log:   log,
	}
}

// AutoMatchResult reports what the rule engine did with one transaction.
type AutoMatchResult struct {
	LineID   string                   `json:"line_id"`
	Matched  bool                     `json:"matched"`
	Status   models.TransactionStatus `json:"status,omitempty"`
	RuleID   int64                    `json:"rule_id,omitempty"`
	Document *models.DocumentRef      `json:"document,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

type AutoMatchSummary struct {
	BatchID  string            `json:"batch_id"`
	Examined int               `json:"examined"`
	Matched  int               `json:"matched"`
	Results  []AutoMatchResult `json:"results"`
}

// mutation changes t in place. A nil record means nothing changed and
// nothing is written.
type mutation func(ctx context.Context, t *models.Transaction) (*auditRecord, error)

// AutoMatchBatch runs the rule engine over every PENDING line of the batch.
// Each line is its own transaction; the loop is not retried as a whole and
// stops at the first persistence failure or cancellation.
func (s *ReconciliationService) AutoMatchBatch(ctx context.Context, batchID, operator string) (*AutoMatchSummary, error) {
	operator = operatorOr(operator, s.cfg.Operator)
	if err := models.ValidateOperator(operator); err != nil {
		return nil, err
	}

	b, err := s.repos.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == models.BatchArchived {
		return nil, apperror.Conflict("batch %s is archived", b.ID)
	}

	rules, err := s.repos.Rules.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	pending, err := s.repos.Transactions.ListByBatch(ctx, batchID, models.StatusPending)
	if err != nil {
		return nil, err
	}

	summary := &AutoMatchSummary{BatchID: batchID, Results: []AutoMatchResult{}}
	for _, line := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var res AutoMatchResult
		_, err := s.applyOnce(ctx, "auto_match_batch", line.LineID, operator, func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
			return s.autoMatch(ctx, t, rules, &res)
		})
		if apperror.IsConflict(err) {
			res = AutoMatchResult{LineID: line.LineID, Reason: ReasonSkipped}
		} else if err != nil {
			return summary, err
		}

		summary.Examined++
		if res.Matched {
			summary.Matched++
		}
		summary.Results = append(summary.Results, res)
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldBatchID: batchID,
		logging.FieldCount:   summary.Matched,
	}).Infof("Auto-matched %d of %d pending transactions", summary.Matched, summary.Examined)
	return summary, nil
}

// AutoMatchTransaction runs the rule engine over a single PENDING line.
func (s *ReconciliationService) AutoMatchTransaction(ctx context.Context, lineID, operator string) (*AutoMatchResult, error) {
	rules, err := s.repos.Rules.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	var res AutoMatchResult
	_, err = s.apply(ctx, "auto_match", lineID, operatorOr(operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		return s.autoMatch(ctx, t, rules, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *ReconciliationService) autoMatch(ctx context.Context, t *models.Transaction, rules []*models.MatchingRule, res *AutoMatchResult) (*auditRecord, error) {
	*res = AutoMatchResult{LineID: t.LineID}
	if err := requireStatus(t, models.StatusPending); err != nil {
		return nil, err
	}

	m, ok := matching.EvaluateRules(t, rules)
	if !ok {
		res.Reason = ReasonNoRule
		return nil, nil
	}
	res.RuleID = m.Rule.ID

	doc, reason, err := s.resolveRuleMatch(ctx, t, m)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		res.Reason = reason
		return nil, nil
	}

	// A rule picks the document; the amounts still decide MATCHED or PARTIAL.
	result := matching.Evaluate(t, []models.DocumentCandidate{*doc})
	ref := doc.Ref
	t.Status = result.Status
	t.Match = models.MatchPayload{Documents: []models.DocumentRef{ref}}
	res.Matched = true
	res.Status = result.Status
	res.Document = &ref
	return &auditRecord{
		action: models.AuditActionAutoMatched,
		details: map[string]interface{}{
			"rule_id":   m.Rule.ID,
			"rule_name": m.Rule.Name,
			"document":  ref,
			"result":    result,
		},
	}, nil
}

// resolveRuleMatch turns a rule hit into exactly one document, or explains
// why it could not.
func (s *ReconciliationService) resolveRuleMatch(ctx context.Context, t *models.Transaction, m matching.RuleMatch) (*models.DocumentCandidate, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DocumentLookupTimeout)
	defer cancel()

	if m.IsDirect() {
		doc, err := s.repos.Documents.Get(ctx, *m.Document)
		if apperror.IsNotFound(err) {
			return nil, ReasonDocumentNotFound, nil
		}
		if err != nil {
			return nil, "", err
		}
		return doc, "", nil
	}

	documents, err := s.repos.Documents.SearchOpen(ctx, m.TypeHint)
	if err != nil {
		return nil, "", err
	}
	candidates := matching.ResolveCandidates(t, documents, m.TypeHint)
	switch len(candidates) {
	case 0:
		return nil, ReasonNoCandidate, nil
	case 1:
		doc := candidates[0].Document
		return &doc, "", nil
	default:
		return nil, ReasonAmbiguous, nil
	}
}

// MatchTransaction matches a PENDING line against one document, or several
// for a split match. The result is MATCHED within tolerance, PARTIAL otherwise.
func (s *ReconciliationService) MatchTransaction(ctx context.Context, lineID string, req MatchRequest) (*models.Transaction, error) {
	if err := validateDocuments(req.Documents); err != nil {
		return nil, err
	}
	action := models.AuditActionMatched
	if len(req.Documents) > 1 {
		action = models.AuditActionSplitMatched
	}

	return s.apply(ctx, "match", lineID, operatorOr(req.Operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		if err := requireStatus(t, models.StatusPending); err != nil {
			return nil, err
		}
		return s.settle(ctx, t, req.Documents, req.Notes, action)
	})
}

// AmendMatch replaces the document set of a PARTIAL line and re-evaluates it.
func (s *ReconciliationService) AmendMatch(ctx context.Context, lineID string, req MatchRequest) (*models.Transaction, error) {
	if err := validateDocuments(req.Documents); err != nil {
		return nil, err
	}

	return s.apply(ctx, "amend", lineID, operatorOr(req.Operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		if err := requireStatus(t, models.StatusPartial); err != nil {
			return nil, err
		}
		if t.Match.Equal(models.MatchPayload{Documents: req.Documents}) {
			return nil, apperror.Conflict("transaction %s is already matched to these documents", t.LineID)
		}
		previous := t.Match.Documents
		rec, err := s.settle(ctx, t, req.Documents, req.Notes, models.AuditActionAmended)
		if err != nil {
			return nil, err
		}
		rec.details["previous_documents"] = previous
		return rec, nil
	})
}

// UnmatchTransaction returns a MATCHED or PARTIAL line to PENDING.
func (s *ReconciliationService) UnmatchTransaction(ctx context.Context, lineID string, req ActionRequest) (*models.Transaction, error) {
	return s.apply(ctx, "unmatch", lineID, operatorOr(req.Operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		if err := requireStatus(t, models.StatusMatched, models.StatusPartial); err != nil {
			return nil, err
		}
		rec := &auditRecord{
			action: models.AuditActionUnmatched,
			note:   req.Notes,
			details: map[string]interface{}{
				"previous_status":    t.Status,
				"previous_documents": t.Match.Documents,
			},
		}
		t.Status = models.StatusPending
		t.Match = models.MatchPayload{}
		setNotes(t, req.Notes)
		return rec, nil
	})
}

// IgnoreTransaction marks a PENDING line as not reconcilable.
func (s *ReconciliationService) IgnoreTransaction(ctx context.Context, lineID string, req ActionRequest) (*models.Transaction, error) {
	return s.apply(ctx, "ignore", lineID, operatorOr(req.Operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		if err := requireStatus(t, models.StatusPending); err != nil {
			return nil, err
		}
		t.Status = models.StatusIgnored
		setNotes(t, req.Notes)
		return &auditRecord{action: models.AuditActionIgnored, note: req.Notes}, nil
	})
}

// RestoreTransaction returns an IGNORED line to PENDING.
func (s *ReconciliationService) RestoreTransaction(ctx context.Context, lineID string, req ActionRequest) (*models.Transaction, error) {
	return s.apply(ctx, "restore", lineID, operatorOr(req.Operator, s.cfg.Operator), func(ctx context.Context, t *models.Transaction) (*auditRecord, error) {
		if err := requireStatus(t, models.StatusIgnored); err != nil {
			return nil, err
		}
		t.Status = models.StatusPending
		setNotes(t, req.Notes)
		return &auditRecord{action: models.AuditActionRestored, note: req.Notes}, nil
	})
}

// settle evaluates refs against t and stores the outcome on t.
func (s *ReconciliationService) settle(ctx context.Context, t *models.Transaction, refs []models.DocumentRef, notes, action string) (*auditRecord, error) {
	documents, err := s.lookupDocuments(ctx, refs)
	if err != nil {
		return nil, err
	}

	result := matching.Evaluate(t, documents)
	t.Status = result.Status
	t.Match = models.MatchPayload{Documents: append([]models.DocumentRef(nil), refs...)}
	setNotes(t, notes)

	return &auditRecord{
		action: action,
		note:   notes,
		details: map[string]interface{}{
			"documents": refs,
			"result":    result,
		},
	}, nil
}

func (s *ReconciliationService) lookupDocuments(ctx context.Context, refs []models.DocumentRef) ([]models.DocumentCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DocumentLookupTimeout)
	defer cancel()

	documents := make([]models.DocumentCandidate, 0, len(refs))
	for _, ref := range refs {
		d, err := s.repos.Documents.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		documents = append(documents, *d)
	}
	return documents, nil
}

// apply runs one transition in its own database transaction, bounded by the
// operation timeout and retried on transient failures.
func (s *ReconciliationService) apply(ctx context.Context, op, lineID, operator string, fn mutation) (*models.Transaction, error) {
	if err := models.ValidateOperator(operator); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	var result *models.Transaction
	err := database.Retry(ctx, retryPolicy(s.cfg), s.log, op, func(ctx context.Context) error {
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			t, err := s.transition(ctx, lineID, operator, fn)
			result = t
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyOnce is apply without retries.
func (s *ReconciliationService) applyOnce(ctx context.Context, op, lineID, operator string, fn mutation) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	var result *models.Transaction
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		t, err := s.transition(ctx, lineID, operator, fn)
		result = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transition locks the line and its batch, applies fn, then persists the
// line, its document links, the audit entry and the batch aggregate.
func (s *ReconciliationService) transition(ctx context.Context, lineID, operator string, fn mutation) (*models.Transaction, error) {
	t, err := s.repos.Transactions.GetForUpdate(ctx, lineID)
	if err != nil {
		return nil, err
	}
	b, err := s.repos.Batches.GetForUpdate(ctx, t.BatchID)
	if err != nil {
		return nil, err
	}
	if b.Status == models.BatchArchived {
		return nil, apperror.Conflict("batch %s is archived", b.ID)
	}

	before := t.Status
	rec, err := fn(ctx, t)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return t, nil
	}

	if err := models.CheckPairing(t); err != nil {
		return nil, err
	}
	if b.Status == models.BatchValidated && before.IsReconciled() && !t.Status.IsReconciled() {
		return nil, apperror.Conflict("batch %s is validated; %s cannot leave status %s", b.ID, t.LineID, before)
	}

	if err := s.repos.Transactions.UpdateMatch(ctx, t); err != nil {
		return nil, err
	}
	if err := s.relink(ctx, t); err != nil {
		return nil, err
	}
	if err := recordAudit(ctx, s.repos.Audit, b.ID, t.LineID, operator, *rec); err != nil {
		return nil, fmt.Errorf("failed to create audit entry: %w", err)
	}
	if err := s.refreshBatch(ctx, b, operator); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldBatchID: b.ID,
		logging.FieldLineID:  t.LineID,
		logging.FieldStatus:  t.Status,
	}).Infof("Transaction %s: %s -> %s", rec.action, before, t.Status)
	return t, nil
}

// relink rewrites the document links of t to mirror its match payload.
func (s *ReconciliationService) relink(ctx context.Context, t *models.Transaction) error {
	if err := s.repos.Documents.UnlinkTransaction(ctx, t.LineID); err != nil {
		return err
	}
	for _, ref := range t.Match.Documents {
		if err := s.repos.Documents.LinkTransaction(ctx, ref, t.LineID); err != nil {
			return err
		}
	}
	return nil
}

// refreshBatch recounts the batch and promotes it to VALIDATED once every
// line is reconciled.
func (s *ReconciliationService) refreshBatch(ctx context.Context, b *models.Batch, operator string) error {
	total, reconciled, err := s.repos.Transactions.CountByBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	b.TotalCount = total
	b.ReconciledCount = reconciled
	if err := models.CheckCounts(b); err != nil {
		return err
	}

	if b.Status == models.BatchInProgress && total > 0 && reconciled == total {
		b.Status = models.BatchValidated
		err := recordAudit(ctx, s.repos.Audit, b.ID, "", operator, auditRecord{
			action:  models.AuditActionValidated,
			details: map[string]interface{}{"reconciled_count": reconciled, "automatic": true},
		})
		if err != nil {
			return fmt.Errorf("failed to create audit entry: %w", err)
		}
		s.log.WithField(logging.FieldBatchID, b.ID).Info("Batch fully reconciled, validated")
	}
	return s.repos.Batches.UpdateAggregate(ctx, b)
}

// ValidateBatch moves an IN_PROGRESS batch to VALIDATED. Unless every line
// is reconciled, a note is required and is kept as the override note.
func (s *ReconciliationService) ValidateBatch(ctx context.Context, batchID string, req ActionRequest) (*models.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	operator := operatorOr(req.Operator, s.cfg.Operator)
	if err := models.ValidateOperator(operator); err != nil {
		return nil, err
	}

	var batch *models.Batch
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		b, err := s.repos.Batches.GetForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if !b.Status.CanAdvanceTo(models.BatchValidated) {
			return apperror.Conflict("batch %s is %s and cannot be validated", b.ID, b.Status)
		}

		total, reconciled, err := s.repos.Transactions.CountByBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		if total == 0 {
			return apperror.Conflict("batch %s has no transactions to validate", b.ID)
		}
		b.TotalCount = total
		b.ReconciledCount = reconciled

		rec := auditRecord{
			action:  models.AuditActionValidated,
			note:    req.Notes,
			details: map[string]interface{}{"reconciled_count": reconciled, "total_count": total},
		}
		if reconciled != total {
			note := trimmed(req.Notes)
			if note == "" {
				return apperror.Conflict("batch %s has %d of %d lines reconciled; an override note is required", b.ID, reconciled, total)
			}
			b.OverrideNote = note
			rec.action = models.AuditActionOverride
		}
		b.Status = models.BatchValidated

		if err := s.repos.Batches.UpdateAggregate(ctx, b); err != nil {
			return err
		}
		if err := recordAudit(ctx, s.repos.Audit, b.ID, "", operator, rec); err != nil {
			return fmt.Errorf("failed to create audit entry: %w", err)
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldBatchID: batch.ID,
		logging.FieldCount:   batch.ReconciledCount,
	}).Info("Batch validated")
	return batch, nil
}

// ArchiveBatch moves a VALIDATED batch to ARCHIVED. Its lines are frozen.
func (s *ReconciliationService) ArchiveBatch(ctx context.Context, batchID string, req ActionRequest) (*models.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	operator := operatorOr(req.Operator, s.cfg.Operator)
	if err := models.ValidateOperator(operator); err != nil {
		return nil, err
	}

	var batch *models.Batch
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		b, err := s.repos.Batches.GetForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if !b.Status.CanAdvanceTo(models.BatchArchived) {
			return apperror.Conflict("batch %s is %s and cannot be archived", b.ID, b.Status)
		}
		b.Status = models.BatchArchived
		if err := s.repos.Batches.UpdateAggregate(ctx, b); err != nil {
			return err
		}
		if err := recordAudit(ctx, s.repos.Audit, b.ID, "", operator, auditRecord{action: models.AuditActionArchived, note: req.Notes}); err != nil {
			return fmt.Errorf("failed to create audit entry: %w", err)
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField(logging.FieldBatchID, batch.ID).Info("Batch archived")
	return batch, nil
}

// FindCandidates ranks open documents for a transaction. typeHint may be
// empty to search every document kind.
func (s *ReconciliationService) FindCandidates(ctx context.Context, lineID string, typeHint models.DocumentKind) ([]matching.Candidate, error) {
	if typeHint != "" && !typeHint.Valid() {
		return nil, apperror.Validation("type", "unknown document type %q", typeHint)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DocumentLookupTimeout)
	defer cancel()

	t, err := s.repos.Transactions.Get(ctx, lineID)
	if err != nil {
		return nil, err
	}
	documents, err := s.repos.Documents.SearchOpen(ctx, typeHint)
	if err != nil {
		return nil, err
	}
	return matching.ResolveCandidates(t, documents, typeHint), nil
}

// GetBatch returns the batch with its transactions in statement order.
func (s *ReconciliationService) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	b, err := s.repos.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	b.Transactions, err = s.repos.Transactions.ListByBatch(ctx, batchID, "")
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *ReconciliationService) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]*models.Batch, error) {
	switch status {
	case "", models.BatchInProgress, models.BatchValidated, models.BatchArchived:
	default:
		return nil, apperror.Validation("status", "unknown batch status %q", status)
	}
	return s.repos.Batches.List(ctx, status, limit)
}

func (s *ReconciliationService) ListTransactions(ctx context.Context, batchID string, status models.TransactionStatus) ([]*models.Transaction, error) {
	if status != "" && !status.Valid() {
		return nil, apperror.Validation("status", "unknown transaction status %q", status)
	}
	if _, err := s.repos.Batches.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.repos.Transactions.ListByBatch(ctx, batchID, status)
}

func (s *ReconciliationService) GetTransaction(ctx context.Context, lineID string) (*models.Transaction, error) {
	return s.repos.Transactions.Get(ctx, lineID)
}

// AuditTrail lists the audit entries of a transaction, oldest first.
func (s *ReconciliationService) AuditTrail(ctx context.Context, lineID string) ([]*models.AuditEntry, error) {
	if _, err := s.repos.Transactions.Get(ctx, lineID); err != nil {
		return nil, err
	}
	return s.repos.Audit.ListByLine(ctx, lineID)
}

// BatchAuditTrail lists every audit entry of a batch, batch-level actions
// such as imports and validation included, oldest first.
func (s *ReconciliationService) BatchAuditTrail(ctx context.Context, batchID string) ([]*models.AuditEntry, error) {
	if _, err := s.repos.Batches.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.repos.Audit.ListByBatch(ctx, batchID)
}

func requireStatus(t *models.Transaction, allowed ...models.TransactionStatus) error {
	for _, status := range allowed {
		if t.Status == status {
			return nil
		}
	}
	return apperror.Conflict("transaction %s is %s, expected one of %v", t.LineID, t.Status, allowed)
}

func validateDocuments(refs []models.DocumentRef) error {
	if len(refs) == 0 {
		return apperror.Validation("documents", "at least one document is required")
	}
	seen := make(map[models.DocumentRef]bool, len(refs))
	for i, ref := range refs {
		if !ref.Kind.Valid() {
			return apperror.Validation("documents", "document %d has unknown type %q", i, ref.Kind)
		}
		if trimmed(ref.ID) == "" {
			return apperror.Validation("documents", "document %d has no id", i)
		}
		if seen[ref] {
			return apperror.Validation("documents", "document %s is listed twice", ref)
		}
		seen[ref] = true
	}
	return nil
}

func setNotes(t *models.Transaction, notes string) {
	if note := trimmed(notes); note != "" {
		t.Notes = note
	}
}
