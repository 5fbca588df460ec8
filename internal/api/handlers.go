package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vexa-ai/controlplane/internal/registry"
	"github.com/vexa-ai/controlplane/internal/supervisor"
)

type createBotRequest struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	Passcode        string `json:"passcode"`
	Language        string `json:"language"`
	Task            string `json:"task"`
	BotName         string `json:"bot_name"`
	WebhookURL      string `json:"webhook_url"`
}

type updateConfigRequest struct {
	Language string `json:"language"`
	Task     string `json:"task"`
}

// meetingResponse acknowledges bot mutations without echoing the full record;
// subscribers get the record on the stream.
type meetingResponse struct {
	MeetingID       int64             `json:"meeting_id"`
	Platform        registry.Platform `json:"platform"`
	NativeMeetingID string            `json:"native_meeting_id"`
	Status          registry.Status   `json:"status"`
}

func toMeetingResponse(m *registry.Meeting) meetingResponse {
	return meetingResponse{
		MeetingID:       m.ID,
		Platform:        m.Platform,
		NativeMeetingID: m.NativeID,
		Status:          m.Status,
	}
}

// decodeStrict rejects unknown fields so client typos fail loudly instead of
// being silently ignored.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &supervisor.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) createBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, r, s.metrics, err)
		return
	}

	m, err := s.bots.RequestBot(r.Context(), ownerFrom(r), supervisor.BotRequest{
		Platform:   registry.Platform(req.Platform),
		NativeID:   req.NativeMeetingID,
		Passcode:   req.Passcode,
		Language:   req.Language,
		Task:       req.Task,
		BotName:    req.BotName,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMeetingResponse(m))
}

func (s *Server) stopBot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := s.bots.StopBot(r.Context(), ownerFrom(r), registry.Platform(vars["platform"]), vars["native_meeting_id"])
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	// Teardown continues in the background.
	writeJSON(w, http.StatusAccepted, toMeetingResponse(m))
}

func (s *Server) updateBotConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, r, s.metrics, err)
		return
	}

	vars := mux.Vars(r)
	m, err := s.bots.UpdateBotConfig(r.Context(), ownerFrom(r),
		registry.Platform(vars["platform"]), vars["native_meeting_id"], req.Language, req.Task)
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toMeetingResponse(m))
}

func (s *Server) runningBots(w http.ResponseWriter, r *http.Request) {
	ms, err := s.bots.RunningBots(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	if ms == nil {
		ms = []*registry.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": ms})
}

const defaultHistoryLimit = 50

func (s *Server) meetingHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, s.metrics, &supervisor.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}

	ms, err := s.bots.MeetingHistory(r.Context(), ownerFrom(r), limit)
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	if ms == nil {
		ms = []*registry.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"meetings": ms})
}

// transcriptProxy forwards the read to the transcript store with the owner
// identity attached; the store enforces ownership on its side too.
func (s *Server) transcriptProxy(w http.ResponseWriter, r *http.Request) {
	if s.transcriptsBase == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "transcript store not configured", Kind: "unavailable"})
		return
	}

	vars := mux.Vars(r)
	url := fmt.Sprintf("%s/transcripts/%s/%s",
		strings.TrimRight(s.transcriptsBase, "/"), vars["platform"], vars["native_meeting_id"])
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		writeError(w, r, s.metrics, err)
		return
	}
	req.Header.Set("X-Owner-ID", ownerFrom(r))

	// Repeated transport failures trip the breaker; while it is open the
	// proxy fails fast instead of tying up a goroutine per request.
	var resp *http.Response
	err = s.storeBreaker.Do(func() error {
		var derr error
		resp, derr = s.upstream.Do(req)
		return derr
	})
	if err != nil {
		s.metrics.RecordAPIError("bad_gateway")
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "transcript store unreachable", Kind: "bad_gateway"})
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
