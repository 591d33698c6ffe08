package httpapi

import (
	"net/http"

	"github.com/electra-ai/evaa/internal/eventlog"
	"github.com/electra-ai/evaa/internal/store"
)

// handleGenerateBRD turns the session's accumulated interview into a
// business requirements document and stores it.
func (r *Router) handleGenerateBRD(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionID")

	memory, err := r.store.FindSessionMemory(req.Context(), sessionID)
	if err != nil {
		r.logger.Errorw("loading session memory failed", "session_id", sessionID, "err", err)
		captureError(req, err, "loading session memory for BRD")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load session"})
		return
	}
	if memory == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	result, err := r.agent.GenerateBRD(req.Context(), sessionID, memory.Messages)
	if err != nil {
		r.logger.Errorw("BRD generation failed", "session_id", sessionID, "err", err)
		captureError(req, err, "generating BRD")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "document generation failed"})
		return
	}

	doc := &store.BRDDocument{
		SessionID:      sessionID,
		Content:        result.Content,
		MermaidDiagram: result.MermaidDiagram,
		Message:        result.Message,
	}
	if err := r.store.InsertBRD(req.Context(), doc); err != nil {
		r.logger.Errorw("storing BRD failed", "session_id", sessionID, "err", err)
		captureError(req, err, "storing BRD")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store document"})
		return
	}

	r.eventLog.LogAsync(sessionID, eventlog.EventBRDGenerated,
		map[string]any{"sufficient_data": result.HasSufficientData})
	r.discord.NotifyBRDGenerated(req.Context(), sessionID, result.HasSufficientData)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"session_id":      sessionID,
		"brd_content":     result.Content,
		"mermaid_diagram": result.MermaidDiagram,
		"message":         result.Message,
	})
}

// handleGetBRD returns the most recent document for a session.
func (r *Router) handleGetBRD(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionID")

	doc, err := r.store.LatestBRD(req.Context(), sessionID)
	if err != nil {
		r.logger.Errorw("loading BRD failed", "session_id", sessionID, "err", err)
		captureError(req, err, "loading BRD")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load document"})
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no document for this session"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
