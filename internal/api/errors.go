package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vexa-ai/controlplane/internal/allocator"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
	"github.com/vexa-ai/controlplane/internal/supervisor"
)

// errorBody is the JSON shape of every non-2xx response. CorrelationID is
// set only on internal errors, matching the id on the server log line.
type errorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// classify maps domain errors onto HTTP status plus a stable kind string.
// Anything unrecognized is internal.
func classify(err error) (int, string) {
	var verr *supervisor.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, registry.ErrLimitReached):
		return http.StatusTooManyRequests, "limit_reached"
	case errors.Is(err, supervisor.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, supervisor.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, allocator.ErrNoWorkers):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, metrics *monitoring.Metrics, err error) {
	status, kind := classify(err)
	metrics.RecordAPIError(kind)

	body := errorBody{Error: err.Error(), Kind: kind}
	if status == http.StatusInternalServerError {
		body.CorrelationID = uuid.NewString()
		// Internals hide the cause from the client; the id links to the log.
		body.Error = "internal error"
		slog.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"correlation_id", body.CorrelationID, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("encode response", "error", err)
		}
	}
}
