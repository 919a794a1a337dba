package handlers

import (
	"context"
	"mime"
	"net/http"
	"time"
	"unicode/utf8"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/models"
	"statement-reconciliation/internal/services"
	"statement-reconciliation/internal/statement"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Importer turns statement lines into a batch.
type Importer interface {
	ImportStatement(ctx context.Context, req services.ImportRequest) (*models.Batch, error)
}

type ImportHandler struct {
	service Importer
	log     logrus.FieldLogger
}

func NewImportHandler(service Importer, log logrus.FieldLogger) *ImportHandler {
	return &ImportHandler{service: service, log: log}
}

type importLineInput struct {
	ValueDate    string               `json:"value_date"`
	Label        string               `json:"label"`
	Debit        decimal.Decimal      `json:"debit"`
	Credit       decimal.Decimal      `json:"credit"`
	Counterparty string               `json:"counterparty,omitempty"`
	VAT          *models.VATBreakdown `json:"vat,omitempty"`
}

type ImportStatementRequest struct {
	PeriodStart   string            `json:"period_start"`
	PeriodEnd     string            `json:"period_end"`
	ResumeBatchID string            `json:"resume_batch_id,omitempty"`
	Operator      string            `json:"operator,omitempty"`
	Lines         []importLineInput `json:"lines"`
}

// ImportStatement accepts either a JSON document or a CSV export
// (Content-Type text/csv) with the period passed as query parameters.
func (h *ImportHandler) ImportStatement(w http.ResponseWriter, r *http.Request) {
	var (
		req services.ImportRequest
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/csv" {
		req, err = csvImportRequest(r)
	} else {
		req, err = jsonImportRequest(r)
	}
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	batch, err := h.service.ImportStatement(r.Context(), req)
	if err != nil {
		h.log.WithError(err).WithField(logging.FieldRequestID, logging.RequestID(r.Context())).Warn("statement import failed")
		if batch != nil {
			respondWithJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Batch: batch})
			return
		}
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, batch)
}

func jsonImportRequest(r *http.Request) (services.ImportRequest, error) {
	var payload ImportStatementRequest
	if err := decodeBody(r, &payload, true); err != nil {
		return services.ImportRequest{}, apperror.Validation("body", "invalid request payload")
	}

	req, err := periodRequest(payload.PeriodStart, payload.PeriodEnd)
	if err != nil {
		return req, err
	}
	req.ResumeBatchID = payload.ResumeBatchID
	req.Operator = operatorFrom(r, payload.Operator)

	req.Lines = make([]services.ImportLine, 0, len(payload.Lines))
	for i, in := range payload.Lines {
		date, err := time.Parse(dateLayout, in.ValueDate)
		if err != nil {
			return req, apperror.Validation("value_date", "line %d: use YYYY-MM-DD", i+1)
		}
		req.Lines = append(req.Lines, services.ImportLine{
			ValueDate:    date,
			Label:        in.Label,
			Debit:        in.Debit,
			Credit:       in.Credit,
			Counterparty: in.Counterparty,
			VAT:          in.VAT,
		})
	}
	return req, nil
}

func csvImportRequest(r *http.Request) (services.ImportRequest, error) {
	q := r.URL.Query()
	req, err := periodRequest(q.Get("period_start"), q.Get("period_end"))
	if err != nil {
		return req, err
	}
	req.ResumeBatchID = q.Get("resume_batch_id")
	req.Operator = operatorFrom(r, q.Get("operator"))

	delimiter := ','
	if d := q.Get("delimiter"); d != "" {
		rn, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return req, apperror.Validation("delimiter", "must be a single character")
		}
		delimiter = rn
	}

	req.Lines, err = statement.Parse(r.Body, delimiter)
	return req, err
}

func periodRequest(start, end string) (services.ImportRequest, error) {
	var req services.ImportRequest
	var err error
	if req.PeriodStart, err = time.Parse(dateLayout, start); err != nil {
		return req, apperror.Validation("period_start", "use YYYY-MM-DD")
	}
	if req.PeriodEnd, err = time.Parse(dateLayout, end); err != nil {
		return req, apperror.Validation("period_end", "use YYYY-MM-DD")
	}
	return req, nil
}
