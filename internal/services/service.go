package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"statement-reconciliation/internal/config"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/models"
	"statement-reconciliation/internal/repositories"

	"github.com/google/uuid"
)

// Repositories bundles the persistence the services depend on.
type Repositories struct {
	Batches      repositories.BatchRepository
	Transactions repositories.TransactionRepository
	Rules        repositories.RuleRepository
	Counters     repositories.CounterRepository
	Documents    repositories.DocumentRepository
	Audit        repositories.AuditRepository
}

func NewRepositories(db *sql.DB) Repositories {
	return Repositories{
		Batches:      repositories.NewBatchRepository(db),
		Transactions: repositories.NewTransactionRepository(db),
		Rules:        repositories.NewRuleRepository(db),
		Counters:     repositories.NewCounterRepository(db),
		Documents:    repositories.NewDocumentRepository(db),
		Audit:        repositories.NewAuditRepository(db),
	}
}

// ActionRequest carries the operator and optional note of a workflow action.
type ActionRequest struct {
	Notes    string `json:"notes,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// MatchRequest selects the documents a transaction is matched against.
// Two or more documents make a split match.
type MatchRequest struct {
	Documents []models.DocumentRef `json:"documents"`
	Notes     string               `json:"notes,omitempty"`
	Operator  string               `json:"operator,omitempty"`
}

type auditRecord struct {
	action  string
	note    string
	details map[string]interface{}
}

func recordAudit(ctx context.Context, repo repositories.AuditRepository, batchID, lineID, operator string, rec auditRecord) error {
	entry := &models.AuditEntry{
		CorrelationID: correlationID(ctx),
		BatchID:       batchID,
		LineID:        lineID,
		Action:        rec.action,
		Operator:      operator,
		Note:          strings.TrimSpace(rec.note),
	}
	if rec.details != nil {
		details, err := json.Marshal(rec.details)
		if err != nil {
			return err
		}
		entry.Details = details
	}
	return repo.Create(ctx, entry)
}

// correlationID ties audit entries to the HTTP request that caused them.
// Ids that are not canonical UUIDs are replaced.
func correlationID(ctx context.Context) string {
	id := logging.RequestID(ctx)
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return id
	}
	return uuid.NewString()
}

func retryPolicy(cfg config.ReconciliationConfig) database.RetryPolicy {
	return database.RetryPolicy{
		InitialInterval: cfg.RetryInitialInterval,
		MaxElapsed:      cfg.RetryMaxElapsed,
		MaxAttempts:     cfg.RetryMaxAttempts,
	}
}

func operatorOr(operator, fallback string) string {
	if op := strings.TrimSpace(operator); op != "" {
		return op
	}
	return fallback
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
