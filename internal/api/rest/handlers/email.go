package handlers

import (
	"net/http"
	"strconv"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/validator"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
)

// EmailHandler handles email ingestion and reprocessing
type EmailHandler struct {
	logger    *logger.Logger
	processor *services.EmailProcessor
	sync      *services.SyncService
}

// NewEmailHandler creates a new email handler
func NewEmailHandler(log *logger.Logger, processor *services.EmailProcessor, sync *services.SyncService) *EmailHandler {
	return &EmailHandler{logger: log, processor: processor, sync: sync}
}

// Process stores one synced email and runs the rules on it
func (h *EmailHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result := h.processor.ProcessEmail(r.Context(), &req.Email, req.AccessToken, req.Force)
	h.respondResult(w, result)
}

// Sync processes a batch of synced emails for one mailbox
func (h *EmailHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validator.Validate(&req); err != nil {
		respondServiceError(w, h.logger, err, "sync mailbox")
		return
	}

	summary, err := h.sync.SyncBatch(r.Context(), req.Mailbox, req.Emails, req.AccessToken)
	if err != nil {
		respondServiceError(w, h.logger, err, "sync mailbox")
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// Reprocess runs the rules again against a stored email.
// force=false skips emails that were already processed.
func (h *EmailHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid email ID")
		return
	}

	force := true
	if s := r.URL.Query().Get("force"); s != "" {
		f, err := strconv.ParseBool(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid force flag")
			return
		}
		force = f
	}

	h.respondResult(w, h.processor.ProcessStored(r.Context(), id, force))
}

// ReprocessPending retries emails left unprocessed by an aborted run
func (h *EmailHandler) ReprocessPending(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(l, maxPendingLimit)
	}

	results, err := h.processor.ProcessPending(r.Context(), limit)
	response := map[string]interface{}{"results": results, "count": len(results)}
	if err != nil {
		h.logger.Warn("Reprocessing pending emails stopped early", logger.Err(err))
		response["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	respondJSON(w, http.StatusOK, response)
}

// respondResult writes a process result with the status of its error kind
func (h *EmailHandler) respondResult(w http.ResponseWriter, result *services.ProcessResult) {
	status := http.StatusOK
	if !result.Success {
		status = statusForKind(result.ErrorKind)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Email processing failed",
				logger.String("external_id", result.ExternalID),
				logger.String("error", result.Error),
			)
		}
	}
	respondJSON(w, status, result)
}
