package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vexa-ai/controlplane/internal/allocator"
	"github.com/vexa-ai/controlplane/internal/supervisor"
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// statusChange receives bot lifecycle callbacks. Decoding is tolerant of
// unknown fields so newer bot images keep working against this server.
func (s *Server) statusChange(w http.ResponseWriter, r *http.Request) {
	var cb supervisor.StatusChange
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, r, s.metrics, &supervisor.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	ack, err := s.bots.HandleStatusChange(r.Context(), bearerToken(r), cb)
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type allocateRequest struct {
	ConnectionID string `json:"connection_id"`
	BadWorkerURL string `json:"bad_worker_url"`
}

// allocateWorker hands the calling bot a transcription worker; with
// bad_worker_url set it swaps the dead worker for a fresh one.
func (s *Server) allocateWorker(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, s.metrics, &supervisor.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	var workerURL string
	var err error
	if req.BadWorkerURL != "" {
		workerURL, err = s.bots.FailoverWorker(r.Context(), bearerToken(r), req.ConnectionID, req.BadWorkerURL)
	} else {
		workerURL, err = s.bots.AllocateWorker(r.Context(), bearerToken(r), req.ConnectionID)
	}
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_url": workerURL})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	if s.workers == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"workers": []allocator.Worker{}})
		return
	}
	workers, err := s.workers.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	if workers == nil {
		workers = []allocator.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}
