package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sqlguard/sqlguard/internal/pipeline"
)

type queryRequest struct {
	Query     string `json:"query"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}

	var request queryRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}

	caller, role := callerFromRequest(r)
	if request.Role != "" {
		role = request.Role
	}
	result := deps.Pipeline.Run(r.Context(), pipeline.Request{
		Query:     request.Query,
		Caller:    caller.Identity,
		Role:      role,
		SessionID: request.SessionID,
		Address:   caller.Address,
	})

	status := statusForResult(result)
	if result.Reason == pipeline.ReasonRateLimited && result.RetryAfter > 0 {
		seconds := int(math.Ceil(result.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	}
	writeJSON(w, status, result)
}

// statusForResult maps a run outcome to an HTTP status. The body is the full
// result in every case so callers can inspect timings and SQL history.
func statusForResult(result pipeline.Result) int {
	if result.Status == pipeline.StatusSucceeded {
		return http.StatusOK
	}
	switch result.Reason {
	case pipeline.ReasonInvalidInput:
		return http.StatusBadRequest
	case pipeline.ReasonRateLimited:
		return http.StatusTooManyRequests
	case pipeline.ReasonBlockedSQL, pipeline.ReasonExecutionExhausted:
		return http.StatusUnprocessableEntity
	case pipeline.ReasonCancelled:
		return http.StatusGatewayTimeout
	case pipeline.ReasonGenerationFailed, pipeline.ReasonRetrievalFailed, pipeline.ReasonPlanningFailed, pipeline.ReasonSummarizationFailed:
		if errors.Is(result.Err(), context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
