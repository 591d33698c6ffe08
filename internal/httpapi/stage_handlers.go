package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

func (r *Router) handleListStages(w http.ResponseWriter, req *http.Request) {
	stages, err := r.store.ActiveStages(req.Context())
	if err != nil {
		r.logger.Errorw("listing stages failed", "err", err)
		captureError(req, err, "listing stages")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load stages"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

func (r *Router) handleCreateStage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Goal        string `json:"goal"`
		Order       int    `json:"order"`
		IsActive    *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	// New stages default to active.
	isActive := true
	if body.IsActive != nil {
		isActive = *body.IsActive
	}

	stage, err := r.store.CreateStage(req.Context(), body.Name, body.Description, body.Goal, body.Order, isActive)
	if err != nil {
		r.logger.Errorw("creating stage failed", "err", err)
		captureError(req, err, "creating stage")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create stage"})
		return
	}
	writeJSON(w, http.StatusCreated, stage)
}
