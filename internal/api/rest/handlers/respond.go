package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/validator"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string            `json:"error"`
	Kind   models.ErrorKind  `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// statusForKind maps a domain error kind to its HTTP status
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindConfiguration:
		return http.StatusBadRequest
	case models.ErrorKindNotFound:
		return http.StatusNotFound
	case models.ErrorKindConflict:
		return http.StatusConflict
	case models.ErrorKindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError writes err with the status its kind maps to.
// Unknown errors are logged and hidden from the client.
func respondServiceError(w http.ResponseWriter, log *logger.Logger, err error, action string) {
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  verr.Error(),
			Kind:   models.ErrorKindConfiguration,
			Fields: verr.Fields,
		})
		return
	}

	if errors.Is(err, services.ErrSyncInProgress) {
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: models.ErrorKindConflict})
		return
	}

	kind := models.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		log.Error("Failed to "+action, logger.Err(err), logger.String("kind", string(kind)))
	}
	if kind == models.ErrorKindUnknown {
		respondJSON(w, status, ErrorResponse{Error: "Failed to " + action})
		return
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func ruleIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func uuidParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
