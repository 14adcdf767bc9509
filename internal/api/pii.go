package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sqlguard/sqlguard/internal/pii"
)

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

type sanitizeRequest struct {
	Content string `json:"content"`
	Context string `json:"context"`
}

type unmaskRequest struct {
	Content string `json:"content"`
}

type sanitizeResponse struct {
	Content string             `json:"content"`
	Report  pii.SanitizeReport `json:"report"`
}

type unmaskResponse struct {
	Content string           `json:"content"`
	Report  pii.UnmaskReport `json:"report"`
}

func handleCreatePIISession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSandbox(deps, w, r) {
		return
	}
	var request createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid session request body", false, map[string]any{"details": err.Error()})
			return
		}
	}
	id := strings.TrimSpace(request.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	session, err := deps.Sandbox.CreateSession(id, id)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": session.ID(),
		"created_at": session.CreatedAt(),
	})
}

func handleSanitize(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := sandboxSession(deps, w, r)
	if !ok {
		return
	}
	var request sanitizeRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid sanitize request body", false, map[string]any{"details": err.Error()})
		return
	}
	content, report, err := deps.Sanitizer.Sanitize(session, request.Content, request.Context)
	if err != nil {
		writeSanitizerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitizeResponse{Content: content, Report: report})
}

func handleUnmask(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := sandboxSession(deps, w, r)
	if !ok {
		return
	}
	var request unmaskRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid unmask request body", false, map[string]any{"details": err.Error()})
		return
	}
	content, report := deps.Sanitizer.Unmask(session, request.Content)
	writeJSON(w, http.StatusOK, unmaskResponse{Content: content, Report: report})
}

func handleMappings(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := sandboxSession(deps, w, r)
	if !ok {
		return
	}
	filter := pii.EntryFilter{ContextTag: strings.TrimSpace(r.URL.Query().Get("context"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		category, err := pii.ParseCategory(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CATEGORY", err.Error(), false, nil)
			return
		}
		filter.Category = category
	}
	entries := session.Entries(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID(),
		"count":      len(entries),
		"mappings":   entries,
	})
}

func handleDeletePIISession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSandbox(deps, w, r) {
		return
	}
	id := r.PathValue("id")
	if !deps.Sandbox.ClearSession(id) {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "mapping session not found", false, map[string]any{"session_id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sandboxSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*pii.Session, bool) {
	if !requireSandbox(deps, w, r) {
		return nil, false
	}
	id := r.PathValue("id")
	session, ok := deps.Sandbox.Session(id)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "mapping session not found", false, map[string]any{"session_id": id})
		return nil, false
	}
	return session, true
}

func requireSandbox(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Sandbox == nil || deps.Sanitizer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PII_NOT_CONFIGURED", "pii sandbox is not configured", false, nil)
		return false
	}
	return true
}

func writeSanitizerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pii.ErrInvalidInput) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONTENT", err.Error(), false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "SANITIZE_FAILED", err.Error(), false, nil)
}
