package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/identifier"
	"statement-reconciliation/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
	// Batch is the partially imported batch when an import stopped early.
	Batch *models.Batch `json:"batch,omitempty"`
}

// statusFor maps workflow errors onto HTTP status codes. Deadlines are
// checked first because retries wrap them in a TransientError.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, identifier.ErrSequenceExhausted):
		return http.StatusUnprocessableEntity
	case apperror.IsValidation(err):
		return http.StatusBadRequest
	case apperror.IsNotFound(err):
		return http.StatusNotFound
	case apperror.IsConflict(err):
		return http.StatusConflict
	case apperror.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondWithServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Error marshaling JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// decodeBody decodes a JSON body. An empty body leaves v untouched unless
// the body is required.
func decodeBody(r *http.Request, v interface{}, required bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	return err
}

// operatorFrom prefers the operator named in the body, then the X-Operator header.
func operatorFrom(r *http.Request, fromBody string) string {
	if op := strings.TrimSpace(fromBody); op != "" {
		return op
	}
	return strings.TrimSpace(r.Header.Get(operatorHeader))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.Validation(name, "must be a non-negative integer")
	}
	return n, nil
}
