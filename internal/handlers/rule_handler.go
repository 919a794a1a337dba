package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"statement-reconciliation/internal/models"

	"github.com/gorilla/mux"
)

// RuleManager administers matching rules.
type RuleManager interface {
	Create(ctx context.Context, rule *models.MatchingRule) error
	Update(ctx context.Context, rule *models.MatchingRule) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.MatchingRule, error)
	List(ctx context.Context, activeOnly bool) ([]*models.MatchingRule, error)
	Load(ctx context.Context, r io.Reader) ([]*models.MatchingRule, error)
}

type RuleHandler struct {
	service RuleManager
}

func NewRuleHandler(service RuleManager) *RuleHandler {
	return &RuleHandler{service: service}
}

func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.service.List(r.Context(), activeOnly)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rules)
}

func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Get(r.Context(), ruleID(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule := &models.MatchingRule{Active: true}
	if err := decodeBody(r, rule, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	rule.ID = 0

	if err := h.service.Create(r.Context(), rule); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rule)
}

func (h *RuleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	rule := &models.MatchingRule{}
	if err := decodeBody(r, rule, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	rule.ID = ruleID(r)

	if err := h.service.Update(r.Context(), rule); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), ruleID(r)); err != nil {
		respondWithServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadRules creates every rule of a YAML rules document, or none of them.
func (h *RuleHandler) LoadRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.Load(r.Context(), r.Body)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rules)
}

// ruleID reads the route's numeric rule id; the route pattern guarantees digits.
func ruleID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["rule_id"], 10, 64)
	return id
}
