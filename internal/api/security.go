package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/faults"
	"github.com/sqlguard/sqlguard/internal/security"
)

const (
	defaultReportHours = 24
	defaultEventsLimit = 100
	maxEventsLimit     = 10000
)

type validateSQLRequest struct {
	SQL string `json:"sql"`
}

type archiveEventsRequest struct {
	Hours  int    `json:"hours"`
	Format string `json:"format"`
}

type createBlockRequest struct {
	Address    string `json:"address"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func handleValidateSQL(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	var request validateSQLRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid validate request body", false, map[string]any{"details": err.Error()})
		return
	}
	caller, _ := callerFromRequest(r)
	verdict := deps.Security.ValidateSQL(r.Context(), request.SQL, caller)
	writeJSON(w, http.StatusOK, verdict)
}

func handleSecurityReport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	hours, ok := intQueryParam(w, r, "hours", defaultReportHours)
	if !ok {
		return
	}
	report, err := deps.Security.Report(r.Context(), hours)
	if err != nil {
		writeFault(w, r, err, "REPORT_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func handleSecurityEvents(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	limit, ok := intQueryParam(w, r, "limit", defaultEventsLimit)
	if !ok {
		return
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format != "" && format != "json" && format != "csv" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FORMAT", "format must be json or csv", false, nil)
		return
	}

	events, err := deps.Security.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EVENTS_FAILED", err.Error(), true, nil)
		return
	}
	var buf bytes.Buffer
	if err := security.ExportEvents(&buf, events, format); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EVENTS_FAILED", err.Error(), false, nil)
		return
	}
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="security-events.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func handleClearEvents(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	if strings.TrimSpace(r.URL.Query().Get("older_than_days")) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", "older_than_days is required", false, nil)
		return
	}
	days, ok := intQueryParam(w, r, "older_than_days", 0)
	if !ok {
		return
	}
	deleted, err := deps.Security.ClearEvents(r.Context(), days)
	if err != nil {
		writeFault(w, r, err, "CLEAR_EVENTS_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "older_than_days": days})
}

func handleArchiveEvents(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Archiver == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "security event archive is not configured", false, nil)
		return
	}
	var request archiveEventsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid archive request body", false, map[string]any{"details": err.Error()})
			return
		}
	}
	if request.Hours < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", "hours must not be negative", false, nil)
		return
	}
	if request.Hours == 0 {
		request.Hours = defaultReportHours
	}
	format := strings.ToLower(strings.TrimSpace(request.Format))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FORMAT", "format must be json or csv", false, nil)
		return
	}

	since := time.Now().UTC().Add(-time.Duration(request.Hours) * time.Hour)
	result, err := deps.Archiver.Archive(r.Context(), since, format)
	if err != nil {
		writeFault(w, r, err, "ARCHIVE_FAILED")
		return
	}
	status := http.StatusCreated
	if result.Key == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func handleListBlocks(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	blocks := deps.Security.Blocks()
	if blocks == nil {
		blocks = []security.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func handleCreateBlock(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	var request createBlockRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid block request body", false, map[string]any{"details": err.Error()})
		return
	}
	if request.TTLSeconds < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TTL", "ttl_seconds must not be negative", false, nil)
		return
	}
	block, err := deps.Security.BlockAddress(r.Context(), request.Address, request.Reason, time.Duration(request.TTLSeconds)*time.Second)
	if err != nil {
		writeFault(w, r, err, "BLOCK_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func handleDeleteBlock(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSecurity(deps, w, r) {
		return
	}
	address := r.PathValue("address")
	removed, err := deps.Security.UnblockAddress(r.Context(), address)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "UNBLOCK_FAILED", err.Error(), true, nil)
		return
	}
	if !removed {
		writeError(r.Context(), w, http.StatusNotFound, "BLOCK_NOT_FOUND", "address is not blocked", false, map[string]any{"address": address})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireSecurity(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Security == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SECURITY_NOT_CONFIGURED", "security validator is not configured", false, nil)
		return false
	}
	return true
}

func intQueryParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", name+" must be a positive integer", false, map[string]any{"value": raw})
		return 0, false
	}
	return value, true
}

// writeFault maps classified faults to client errors and anything else to 500.
func writeFault(w http.ResponseWriter, r *http.Request, err error, code string) {
	switch faults.KindOf(err) {
	case faults.KindInput:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
	case faults.KindMappingResolution:
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "UNRESOLVED_TOKENS", err.Error(), false, nil)
	case faults.KindExternalService:
		writeError(r.Context(), w, http.StatusBadGateway, code, err.Error(), true, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, code, err.Error(), faults.Retryable(err), nil)
	}
}
