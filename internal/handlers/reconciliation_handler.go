package handlers

import (
	"context"
	"net/http"

	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/matching"
	"statement-reconciliation/internal/models"
	"statement-reconciliation/internal/services"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Reconciler is the reconciliation workflow as seen by the HTTP layer.
type Reconciler interface {
	AutoMatchBatch(ctx context.Context, batchID, operator string) (*services.AutoMatchSummary, error)
	AutoMatchTransaction(ctx context.Context, lineID, operator string) (*services.AutoMatchResult, error)
	MatchTransaction(ctx context.Context, lineID string, req services.MatchRequest) (*models.Transaction, error)
	AmendMatch(ctx context.Context, lineID string, req services.MatchRequest) (*models.Transaction, error)
	UnmatchTransaction(ctx context.Context, lineID string, req services.ActionRequest) (*models.Transaction, error)
	IgnoreTransaction(ctx context.Context, lineID string, req services.ActionRequest) (*models.Transaction, error)
	RestoreTransaction(ctx context.Context, lineID string, req services.ActionRequest) (*models.Transaction, error)
	ValidateBatch(ctx context.Context, batchID string, req services.ActionRequest) (*models.Batch, error)
	ArchiveBatch(ctx context.Context, batchID string, req services.ActionRequest) (*models.Batch, error)
	FindCandidates(ctx context.Context, lineID string, typeHint models.DocumentKind) ([]matching.Candidate, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]*models.Batch, error)
	ListTransactions(ctx context.Context, batchID string, status models.TransactionStatus) ([]*models.Transaction, error)
	GetTransaction(ctx context.Context, lineID string) (*models.Transaction, error)
	AuditTrail(ctx context.Context, lineID string) ([]*models.AuditEntry, error)
	BatchAuditTrail(ctx context.Context, batchID string) ([]*models.AuditEntry, error)
}

type ReconciliationHandler struct {
	service Reconciler
	log     logrus.FieldLogger
}

func NewReconciliationHandler(service Reconciler, log logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{service: service, log: log}
}

const defaultBatchListLimit = 50

func (h *ReconciliationHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	status := models.BatchStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.BatchInProgress, models.BatchValidated, models.BatchArchived:
	default:
		respondWithError(w, http.StatusBadRequest, "Unknown batch status")
		return
	}
	limit, err := queryInt(r, "limit", defaultBatchListLimit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	batches, err := h.service.ListBatches(r.Context(), status, limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batches)
}

func (h *ReconciliationHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetBatch(r.Context(), mux.Vars(r)["batch_id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batch)
}

func (h *ReconciliationHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	status := models.TransactionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "Unknown transaction status")
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), mux.Vars(r)["batch_id"], status)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *ReconciliationHandler) AutoMatchBatch(w http.ResponseWriter, r *http.Request) {
	var req services.ActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	batchID := mux.Vars(r)["batch_id"]
	summary, err := h.service.AutoMatchBatch(r.Context(), batchID, operatorFrom(r, req.Operator))
	if err != nil {
		h.log.WithError(err).WithField(logging.FieldBatchID, batchID).Warn("auto-match failed")
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *ReconciliationHandler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.ValidateBatch)
}

func (h *ReconciliationHandler) ArchiveBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.ArchiveBatch)
}

func (h *ReconciliationHandler) batchAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, string, services.ActionRequest) (*models.Batch, error)) {
	var req services.ActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.Operator = operatorFrom(r, req.Operator)

	batch, err := action(r.Context(), mux.Vars(r)["batch_id"], req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batch)
}

func (h *ReconciliationHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), mux.Vars(r)["line_id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *ReconciliationHandler) MatchTransaction(w http.ResponseWriter, r *http.Request) {
	h.matchAction(w, r, h.service.MatchTransaction)
}

func (h *ReconciliationHandler) AmendMatch(w http.ResponseWriter, r *http.Request) {
	h.matchAction(w, r, h.service.AmendMatch)
}

func (h *ReconciliationHandler) matchAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, string, services.MatchRequest) (*models.Transaction, error)) {
	var req services.MatchRequest
	if err := decodeBody(r, &req, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.Operator = operatorFrom(r, req.Operator)

	tx, err := action(r.Context(), mux.Vars(r)["line_id"], req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *ReconciliationHandler) UnmatchTransaction(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.service.UnmatchTransaction)
}

func (h *ReconciliationHandler) IgnoreTransaction(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.service.IgnoreTransaction)
}

func (h *ReconciliationHandler) RestoreTransaction(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.service.RestoreTransaction)
}

func (h *ReconciliationHandler) lineAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, string, services.ActionRequest) (*models.Transaction, error)) {
	var req services.ActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.Operator = operatorFrom(r, req.Operator)

	tx, err := action(r.Context(), mux.Vars(r)["line_id"], req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *ReconciliationHandler) AutoMatchTransaction(w http.ResponseWriter, r *http.Request) {
	var req services.ActionRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	res, err := h.service.AutoMatchTransaction(r.Context(), mux.Vars(r)["line_id"], operatorFrom(r, req.Operator))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *ReconciliationHandler) FindCandidates(w http.ResponseWriter, r *http.Request) {
	hint := models.DocumentKind(r.URL.Query().Get("type"))
	if hint != "" && !hint.Valid() {
		respondWithError(w, http.StatusBadRequest, "Unknown document type")
		return
	}

	candidates, err := h.service.FindCandidates(r.Context(), mux.Vars(r)["line_id"], hint)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, candidates)
}

func (h *ReconciliationHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.AuditTrail(r.Context(), mux.Vars(r)["line_id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *ReconciliationHandler) BatchAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.BatchAuditTrail(r.Context(), mux.Vars(r)["batch_id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}
