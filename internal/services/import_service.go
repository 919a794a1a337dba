package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/config"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/identifier"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ImportLine is one movement of a bank statement.
type ImportLine struct {
	ValueDate    time.Time            `json:"value_date"`
	Label        string               `json:"label"`
	Debit        decimal.Decimal      `json:"debit"`
	Credit       decimal.Decimal      `json:"credit"`
	Counterparty string               `json:"counterparty,omitempty"`
	VAT          *models.VATBreakdown `json:"vat,omitempty"`
}

// ImportRequest is a statement period and its ordered lines. ResumeBatchID
// continues an interrupted import instead of opening a new batch.
type ImportRequest struct {
	PeriodStart   time.Time    `json:"period_start"`
	PeriodEnd     time.Time    `json:"period_end"`
	Lines         []ImportLine `json:"lines"`
	ResumeBatchID string       `json:"resume_batch_id,omitempty"`
	Operator      string       `json:"operator,omitempty"`
}

type ImportService struct {
	tx    database.Transactor
	repos Repositories
	cfg   config.ReconciliationConfig
	log   logrus.FieldLogger
}

func NewImportService(
	tx database.Transactor,
	repos Repositories,
	cfg config.ReconciliationConfig,
	log logrus.FieldLogger,
) *ImportService {
	return &ImportService{
		tx:    tx,
		repos: repos,
		cfg:   cfg,
		log:   log,
	}
}

// ImportStatement creates a batch for the period and inserts its lines, one
// database transaction per line. Lines already present in the batch are
// skipped, so an interrupted import can be re-run with ResumeBatchID. On
// cancellation the partially imported batch is returned with the error.
func (s *ImportService) ImportStatement(ctx context.Context, req ImportRequest) (*models.Batch, error) {
	if err := validateImport(req); err != nil {
		return nil, err
	}
	operator := operatorOr(req.Operator, s.cfg.Operator)
	if err := models.ValidateOperator(operator); err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	batch, err := s.openBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		logging.FieldBatchID: batch.ID,
		logging.FieldRunID:   runID,
	})
	log.Infof("Importing %d statement lines", len(req.Lines))

	inserted, skipped := 0, 0
	keys := sourceKeys(req.Lines)
	for i, line := range req.Lines {
		if err := ctx.Err(); err != nil {
			log.WithField(logging.FieldCount, inserted).Warn("Import cancelled, batch left in progress")
			return batch, fmt.Errorf("import of batch %s stopped after %d lines: %w", batch.ID, i, err)
		}

		ok, err := s.insertLine(ctx, batch.ID, line, keys[i])
		if err != nil {
			log.WithError(err).Errorf("Failed to import line %d", i+1)
			return batch, fmt.Errorf("import line %d: %w", i+1, err)
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}

	err = database.Retry(ctx, retryPolicy(s.cfg), s.log, "import_audit", func(ctx context.Context) error {
		return recordAudit(ctx, s.repos.Audit, batch.ID, "", operator, auditRecord{
			action: models.AuditActionImported,
			details: map[string]interface{}{
				"run_id":   runID,
				"lines":    len(req.Lines),
				"inserted": inserted,
				"skipped":  skipped,
				"resumed":  req.ResumeBatchID != "",
			},
		})
	})
	if err != nil {
		return batch, fmt.Errorf("failed to create audit entry: %w", err)
	}

	log.WithField(logging.FieldCount, inserted).Infof("Import finished, %d lines skipped", skipped)

	result, err := s.repos.Batches.Get(ctx, batch.ID)
	if err != nil {
		return batch, err
	}
	result.Transactions, err = s.repos.Transactions.ListByBatch(ctx, batch.ID, "")
	if err != nil {
		return batch, err
	}
	return result, nil
}

func (s *ImportService) openBatch(ctx context.Context, req ImportRequest) (*models.Batch, error) {
	if req.ResumeBatchID != "" {
		b, err := s.repos.Batches.Get(ctx, req.ResumeBatchID)
		if err != nil {
			return nil, err
		}
		if b.Status != models.BatchInProgress {
			return nil, apperror.Conflict("batch %s is %s and cannot receive lines", b.ID, b.Status)
		}
		if !sameDay(b.PeriodStart, req.PeriodStart) || !sameDay(b.PeriodEnd, req.PeriodEnd) {
			return nil, apperror.Validation("period", "does not match batch %s", b.ID)
		}
		return b, nil
	}

	year, month := req.PeriodStart.Year(), req.PeriodStart.Month()
	var batch *models.Batch
	err := database.Retry(ctx, retryPolicy(s.cfg), s.log, "create_batch", func(ctx context.Context) error {
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			n, err := s.repos.Counters.Next(ctx, identifier.BatchScope(year, month))
			if err != nil {
				return err
			}
			id, err := identifier.NextBatchID(year, month, n)
			if err != nil {
				return err
			}
			b := &models.Batch{
				ID:          id,
				PeriodStart: req.PeriodStart,
				PeriodEnd:   req.PeriodEnd,
				Status:      models.BatchInProgress,
			}
			if err := s.repos.Batches.Create(ctx, b); err != nil {
				return err
			}
			batch = b
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return batch, nil
}

// insertLine reports false when the line was already imported.
func (s *ImportService) insertLine(ctx context.Context, batchID string, line ImportLine, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	inserted := false
	err := database.Retry(ctx, retryPolicy(s.cfg), s.log, "import_line", func(ctx context.Context) error {
		inserted = false
		return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			b, err := s.repos.Batches.GetForUpdate(ctx, batchID)
			if err != nil {
				return err
			}
			if b.Status != models.BatchInProgress {
				return apperror.Conflict("batch %s is %s and cannot receive lines", b.ID, b.Status)
			}

			exists, err := s.repos.Transactions.ExistsSourceKey(ctx, batchID, key)
			if err != nil || exists {
				return err
			}

			n, err := s.repos.Counters.Next(ctx, identifier.LineScope(line.ValueDate))
			if err != nil {
				return err
			}
			lineID, err := identifier.NextLineID(line.ValueDate, n)
			if err != nil {
				return err
			}
			total, _, err := s.repos.Transactions.CountByBatch(ctx, batchID)
			if err != nil {
				return err
			}

			t := &models.Transaction{
				LineID:       lineID,
				BatchID:      batchID,
				Sequence:     total + 1,
				SourceKey:    key,
				ValueDate:    line.ValueDate,
				Label:        line.Label,
				Counterparty: strings.TrimSpace(line.Counterparty),
				Debit:        line.Debit,
				Credit:       line.Credit,
				Status:       models.StatusPending,
				VAT:          line.VAT,
			}
			if err := s.repos.Transactions.Insert(ctx, t); err != nil {
				return err
			}

			b.TotalCount = total + 1
			if err := s.repos.Batches.UpdateAggregate(ctx, b); err != nil {
				return err
			}
			inserted = true
			return nil
		})
	})
	return inserted, err
}

func validateImport(req ImportRequest) error {
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		return apperror.Validation("period", "start and end are required")
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return apperror.Validation("period", "end is before start")
	}
	for i, line := range req.Lines {
		if line.ValueDate.IsZero() {
			return apperror.Validation(fmt.Sprintf("lines[%d].value_date", i), "is required")
		}
		if err := models.ValidateAmounts(line.Debit, line.Credit); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

// sourceKeys fingerprints each line by date, label and amounts. Identical
// lines are told apart by how many of them came before.
func sourceKeys(lines []ImportLine) []string {
	seen := make(map[string]int, len(lines))
	keys := make([]string, len(lines))
	for i, line := range lines {
		base := fmt.Sprintf("%s|%s|%s|%s",
			line.ValueDate.Format("2006-01-02"),
			strings.TrimSpace(line.Label),
			line.Debit.StringFixed(2),
			line.Credit.StringFixed(2),
		)
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", base, seen[base])))
		seen[base]++
		keys[i] = hex.EncodeToString(sum[:])
	}
	return keys
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}
