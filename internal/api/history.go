package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/history"
	"github.com/sqlguard/sqlguard/internal/storage"
)

const maxHistoryLimit = 1000

type exportRequest struct {
	Since *time.Time `json:"since"`
	Hours int        `json:"hours"`
}

func handleListHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not configured", false, nil)
		return
	}
	limit, ok := intQueryParam(w, r, "limit", history.DefaultListLimit)
	if !ok {
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	records, err := deps.History.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FAILED", err.Error(), true, nil)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func handleExportHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "history export is not configured", false, nil)
		return
	}
	var request exportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
			return
		}
	}
	if request.Since != nil && request.Hours != 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "EXPORT_RANGE_CONFLICT", "specify only one of since or hours", false, nil)
		return
	}
	if request.Hours < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", "hours must not be negative", false, nil)
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	switch {
	case request.Since != nil:
		since = request.Since.UTC()
	case request.Hours > 0:
		since = time.Now().UTC().Add(-time.Duration(request.Hours) * time.Hour)
	}

	result, err := deps.Exporter.Export(r.Context(), since)
	if err != nil {
		writeFault(w, r, err, "EXPORT_FAILED")
		return
	}
	status := http.StatusCreated
	if result.Key == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func handleListExports(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "history export is not configured", false, nil)
		return
	}
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATE", "date must be YYYY-MM-DD", false, map[string]any{"value": raw})
			return
		}
		day = parsed
	}
	objects, err := deps.Exporter.Exports(r.Context(), day)
	if err != nil {
		writeFault(w, r, err, "EXPORT_LIST_FAILED")
		return
	}
	if objects == nil {
		objects = []storage.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.Format(time.DateOnly), "objects": objects})
}
