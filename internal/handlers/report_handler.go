package handlers

import (
	"context"
	"net/http"
	"strings"

	"statement-reconciliation/internal/aggregation"
	"statement-reconciliation/internal/models"

	"github.com/gorilla/mux"
)

// Reporter builds read-only views over reconciled transactions.
type Reporter interface {
	PaymentHistory(ctx context.Context, kind models.DocumentKind) ([]aggregation.PaymentRow, error)
}

type ReportHandler struct {
	service Reporter
}

func NewReportHandler(service Reporter) *ReportHandler {
	return &ReportHandler{service: service}
}

func (h *ReportHandler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	kind := models.DocumentKind(strings.ToUpper(mux.Vars(r)["kind"]))
	rows, err := h.service.PaymentHistory(r.Context(), kind)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rows)
}
