package handlers

import (
	"net/http"
	"time"

	"statement-reconciliation/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"
	operatorHeader  = "X-Operator"
)

// Services are the workflow entry points the HTTP layer exposes.
type Services struct {
	Reconciliation Reconciler
	Imports        Importer
	Rules          RuleManager
	Reports        Reporter
}

func SetupRouter(svc Services, log logrus.FieldLogger) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(requestIDMiddleware)
	api.Use(loggingMiddleware(log))
	api.Use(jsonContentTypeMiddleware)

	recon := NewReconciliationHandler(svc.Reconciliation, log)
	imports := NewImportHandler(svc.Imports, log)
	rules := NewRuleHandler(svc.Rules)
	reports := NewReportHandler(svc.Reports)

	api.HandleFunc("/batches", recon.ListBatches).Methods(http.MethodGet)
	api.HandleFunc("/batches/import", imports.ImportStatement).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}", recon.GetBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/{batch_id}/transactions", recon.ListTransactions).Methods(http.MethodGet)
	api.HandleFunc("/batches/{batch_id}/auto-match", recon.AutoMatchBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}/validate", recon.ValidateBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}/archive", recon.ArchiveBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}/audit", recon.BatchAuditTrail).Methods(http.MethodGet)

	api.HandleFunc("/transactions/{line_id}", recon.GetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{line_id}/match", recon.MatchTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{line_id}/match", recon.AmendMatch).Methods(http.MethodPut)
	api.HandleFunc("/transactions/{line_id}/unmatch", recon.UnmatchTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{line_id}/ignore", recon.IgnoreTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{line_id}/restore", recon.RestoreTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{line_id}/auto-match", recon.AutoMatchTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{line_id}/candidates", recon.FindCandidates).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{line_id}/audit", recon.AuditTrail).Methods(http.MethodGet)

	api.HandleFunc("/rules", rules.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", rules.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/load", rules.LoadRules).Methods(http.MethodPost)
	api.HandleFunc("/rules/{rule_id:[0-9]+}", rules.GetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{rule_id:[0-9]+}", rules.UpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{rule_id:[0-9]+}", rules.DeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/reports/{kind}/payments", reports.PaymentHistory).Methods(http.MethodGet)

	return router
}

// requestIDMiddleware propagates X-Request-ID so audit entries written
// during the request share its correlation id. Anything but a canonical
// UUID is replaced by a fresh one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			entry := log.WithFields(logrus.Fields{
				logging.FieldRequestID: logging.RequestID(r.Context()),
				logging.FieldDuration:  time.Since(start).Milliseconds(),
				"method":               r.Method,
				"path":                 r.URL.Path,
				logging.FieldStatus:    rec.status,
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request served")
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
	}
	respondWithJSON(w, http.StatusOK, response)
}
