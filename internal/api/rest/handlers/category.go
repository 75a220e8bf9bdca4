package handlers

import (
	"net/http"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// CategoryHandler handles category mapping endpoints
type CategoryHandler struct {
	logger *logger.Logger
	mapper *services.CategoryMapper
}

// NewCategoryHandler creates a new category handler
func NewCategoryHandler(log *logger.Logger, mapper *services.CategoryMapper) *CategoryHandler {
	return &CategoryHandler{logger: log, mapper: mapper}
}

// List returns every category mapping
func (h *CategoryHandler) List(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.mapper.List(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err, "list category mappings")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"mappings": mappings})
}

// Get resolves one category to its field mapping
func (h *CategoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mapping, err := h.mapper.MapCategoryToField(r.Context(), name)
	if err != nil {
		respondServiceError(w, h.logger, err, "get category mapping")
		return
	}
	if mapping == nil {
		respondError(w, http.StatusNotFound, "Category is not mapped")
		return
	}
	respondJSON(w, http.StatusOK, mapping)
}

// Put creates or replaces the mapping for the category in the path
func (h *CategoryHandler) Put(w http.ResponseWriter, r *http.Request) {
	var mapping models.CategoryMapping
	if err := decodeJSON(r, &mapping); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mapping.CategoryName = chi.URLParam(r, "name")

	if err := h.mapper.Upsert(r.Context(), &mapping); err != nil {
		respondServiceError(w, h.logger, err, "save category mapping")
		return
	}
	respondJSON(w, http.StatusOK, mapping)
}

// Delete removes a category mapping
func (h *CategoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.mapper.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondServiceError(w, h.logger, err, "delete category mapping")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
