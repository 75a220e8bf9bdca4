package handlers

import (
	"net/http"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

// RuleHandler handles rule-related HTTP requests
type RuleHandler struct {
	logger      *logger.Logger
	ruleService *services.RuleService
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(log *logger.Logger, ruleService *services.RuleService) *RuleHandler {
	return &RuleHandler{
		logger:      log,
		ruleService: ruleService,
	}
}

// Create creates a new rule
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.ruleService.Create(r.Context(), &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "create rule")
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

// Validate checks a rule definition without storing it
func (h *RuleHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.ruleService.ValidateDefinition(&req); err != nil {
		respondServiceError(w, h.logger, err, "validate rule")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// Get retrieves a rule by ID
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	rule, err := h.ruleService.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err, "get rule")
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// List retrieves every rule in evaluation order
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.ruleService.List(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err, "list rules")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

// Update updates a rule
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	var req models.UpdateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.ruleService.Update(r.Context(), id, &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "update rule")
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// Delete deletes a rule
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	if err := h.ruleService.Delete(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, err, "delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Enable enables a rule
func (h *RuleHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable disables a rule
func (h *RuleHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *RuleHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := ruleIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	var err error
	if enabled {
		err = h.ruleService.Enable(r.Context(), id)
	} else {
		err = h.ruleService.Disable(r.Context(), id)
	}
	if err != nil {
		respondServiceError(w, h.logger, err, "update rule")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
}

// Test evaluates a rule against a sample email without side effects
func (h *RuleHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	var req models.TestRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.ruleService.Test(r.Context(), id, &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "test rule")
		return
	}

	respondJSON(w, http.StatusOK, result)
}
