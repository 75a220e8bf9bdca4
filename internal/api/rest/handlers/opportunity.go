package handlers

import (
	"net/http"

	"github.com/davidmoltin/crm-rules/internal/api/rest/middleware"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

// OpportunityHandler exposes opportunity status changes and their audit records
type OpportunityHandler struct {
	logger  *logger.Logger
	service *services.OpportunityService
}

// NewOpportunityHandler creates a new opportunity handler
func NewOpportunityHandler(log *logger.Logger, service *services.OpportunityService) *OpportunityHandler {
	return &OpportunityHandler{logger: log, service: service}
}

// Get retrieves an opportunity
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid opportunity ID")
		return
	}

	opp, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err, "get opportunity")
		return
	}
	respondJSON(w, http.StatusOK, opp)
}

// AuditTrail lists the status changes of an opportunity, oldest first
func (h *OpportunityHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid opportunity ID")
		return
	}

	entries, err := h.service.AuditTrail(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err, "get audit trail")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Snapshot returns the commission snapshot taken when the opportunity was won
func (h *OpportunityHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid opportunity ID")
		return
	}

	snapshot, err := h.service.Snapshot(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err, "get commission snapshot")
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// ChangeStatus moves an opportunity to won, lost or reversed
func (h *OpportunityHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid opportunity ID")
		return
	}

	var req models.StatusChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = middleware.GetSubject(r.Context())
	}

	opp, err := h.service.ChangeStatus(r.Context(), id, &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "change opportunity status")
		return
	}
	respondJSON(w, http.StatusOK, opp)
}
