package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexa-ai/controlplane/internal/allocator"
	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/registry"
	"github.com/vexa-ai/controlplane/internal/supervisor"
)

// fakeBotService records arguments and answers from canned fields.
type fakeBotService struct {
	meeting *registry.Meeting
	ack     *supervisor.Ack
	worker  string
	err     error

	calls       int
	gotOwner    string
	gotRequest  supervisor.BotRequest
	gotPlatform registry.Platform
	gotNative   string
	gotLanguage string
	gotTask     string
	gotLimit    int
	gotToken    string
	gotConn     string
	gotBadURL   string
}

func (f *fakeBotService) RequestBot(_ context.Context, ownerID string, req supervisor.BotRequest) (*registry.Meeting, error) {
	f.calls++
	f.gotOwner, f.gotRequest = ownerID, req
	return f.meeting, f.err
}

func (f *fakeBotService) StopBot(_ context.Context, ownerID string, platform registry.Platform, nativeID string) (*registry.Meeting, error) {
	f.calls++
	f.gotOwner, f.gotPlatform, f.gotNative = ownerID, platform, nativeID
	return f.meeting, f.err
}

func (f *fakeBotService) UpdateBotConfig(_ context.Context, ownerID string, platform registry.Platform, nativeID, language, task string) (*registry.Meeting, error) {
	f.calls++
	f.gotOwner, f.gotPlatform, f.gotNative = ownerID, platform, nativeID
	f.gotLanguage, f.gotTask = language, task
	return f.meeting, f.err
}

func (f *fakeBotService) RunningBots(_ context.Context, ownerID string) ([]*registry.Meeting, error) {
	f.calls++
	f.gotOwner = ownerID
	if f.err != nil {
		return nil, f.err
	}
	if f.meeting == nil {
		return nil, nil
	}
	return []*registry.Meeting{f.meeting}, nil
}

func (f *fakeBotService) MeetingHistory(_ context.Context, ownerID string, limit int) ([]*registry.Meeting, error) {
	f.calls++
	f.gotOwner, f.gotLimit = ownerID, limit
	if f.err != nil {
		return nil, f.err
	}
	if f.meeting == nil {
		return nil, nil
	}
	return []*registry.Meeting{f.meeting}, nil
}

func (f *fakeBotService) HandleStatusChange(_ context.Context, botToken string, cb supervisor.StatusChange) (*supervisor.Ack, error) {
	f.calls++
	f.gotToken, f.gotConn = botToken, cb.ConnectionID
	return f.ack, f.err
}

func (f *fakeBotService) AllocateWorker(_ context.Context, botToken, connectionID string) (string, error) {
	f.calls++
	f.gotToken, f.gotConn = botToken, connectionID
	return f.worker, f.err
}

func (f *fakeBotService) FailoverWorker(_ context.Context, botToken, connectionID, badURL string) (string, error) {
	f.calls++
	f.gotToken, f.gotConn, f.gotBadURL = botToken, connectionID, badURL
	return f.worker, f.err
}

type fakeWorkers struct {
	workers []allocator.Worker
	err     error
}

func (f *fakeWorkers) Snapshot(context.Context) ([]allocator.Worker, error) {
	return f.workers, f.err
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func sampleMeeting() *registry.Meeting {
	return &registry.Meeting{
		ID:       11,
		OwnerID:  "owner-1",
		Platform: registry.PlatformGoogleMeet,
		NativeID: "abc-defg-hij",
		Status:   registry.StatusRequested,
	}
}

func newTestServer(t *testing.T, bots *fakeBotService) *httptest.Server {
	t.Helper()
	s := NewServer(Deps{
		Bots:    bots,
		Workers: &fakeWorkers{},
		DB:      pinger{},
		Cache:   pinger{},
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func asOwner(owner string) map[string]string {
	return map[string]string{"X-Owner-ID": owner, "Content-Type": "application/json"}
}

func TestCreateBot(t *testing.T) {
	fake := &fakeBotService{meeting: sampleMeeting()}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodPost, srv.URL+"/bots",
		`{"platform":"google_meet","native_meeting_id":"abc-defg-hij","language":"en"}`,
		asOwner("owner-1"))

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var got meetingResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, int64(11), got.MeetingID)
	assert.Equal(t, registry.StatusRequested, got.Status)
	assert.Equal(t, "owner-1", fake.gotOwner)
	assert.Equal(t, registry.PlatformGoogleMeet, fake.gotRequest.Platform)
	assert.Equal(t, "en", fake.gotRequest.Language)
}

func TestCreateBotErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"validation", &supervisor.ValidationError{Field: "platform", Reason: "bad"}, http.StatusBadRequest, "bad_request"},
		{"duplicate", registry.ErrDuplicate, http.StatusConflict, "duplicate"},
		{"limit", registry.ErrLimitReached, http.StatusTooManyRequests, "limit_reached"},
		{"no workers", allocator.ErrNoWorkers, http.StatusServiceUnavailable, "unavailable"},
		{"internal", errors.New("pq: connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeBotService{err: tc.err})
			resp, body := do(t, http.MethodPost, srv.URL+"/bots",
				`{"platform":"google_meet","native_meeting_id":"abc-defg-hij"}`, asOwner("owner-1"))

			assert.Equal(t, tc.wantCode, resp.StatusCode)
			var eb errorBody
			require.NoError(t, json.Unmarshal(body, &eb))
			assert.Equal(t, tc.wantKind, eb.Kind)
			if tc.wantCode == http.StatusInternalServerError {
				// Cause stays in the log; the client gets a correlation id.
				assert.Equal(t, "internal error", eb.Error)
				assert.NotEmpty(t, eb.CorrelationID)
			}
		})
	}
}

func TestCreateBotRejectsUnknownFields(t *testing.T) {
	fake := &fakeBotService{meeting: sampleMeeting()}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodPost, srv.URL+"/bots",
		`{"platform":"google_meet","native_meeting_id":"abc-defg-hij","bogus":true}`,
		asOwner("owner-1"))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "bad_request", eb.Kind)
	assert.Equal(t, 0, fake.calls)
}

func TestOwnerHeaderRequired(t *testing.T) {
	fake := &fakeBotService{}
	srv := newTestServer(t, fake)

	resp, _ := do(t, http.MethodPost, srv.URL+"/bots",
		`{"platform":"google_meet","native_meeting_id":"abc-defg-hij"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/bots/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, fake.calls)
}

func TestStopBot(t *testing.T) {
	m := sampleMeeting()
	m.Status = registry.StatusCompleted
	fake := &fakeBotService{meeting: m}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodDelete, srv.URL+"/bots/google_meet/abc-defg-hij", "", asOwner("owner-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var got meetingResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, int64(11), got.MeetingID)
	assert.Equal(t, registry.PlatformGoogleMeet, fake.gotPlatform)
	assert.Equal(t, "abc-defg-hij", fake.gotNative)
}

func TestStopBotNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeBotService{err: registry.ErrNotFound})

	resp, body := do(t, http.MethodDelete, srv.URL+"/bots/google_meet/abc-defg-hij", "", asOwner("owner-1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "not_found", eb.Kind)
}

func TestUpdateBotConfig(t *testing.T) {
	m := sampleMeeting()
	m.Status = registry.StatusActive
	fake := &fakeBotService{meeting: m}
	srv := newTestServer(t, fake)

	resp, _ := do(t, http.MethodPut, srv.URL+"/bots/google_meet/abc-defg-hij/config",
		`{"language":"fr","task":"translate"}`, asOwner("owner-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "fr", fake.gotLanguage)
	assert.Equal(t, "translate", fake.gotTask)
}

func TestUpdateBotConfigPreconditionFailed(t *testing.T) {
	srv := newTestServer(t, &fakeBotService{err: supervisor.ErrPreconditionFailed})

	resp, body := do(t, http.MethodPut, srv.URL+"/bots/google_meet/abc-defg-hij/config",
		`{"language":"fr"}`, asOwner("owner-1"))
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "precondition_failed", eb.Kind)
}

func TestRunningBots(t *testing.T) {
	fake := &fakeBotService{meeting: sampleMeeting()}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodGet, srv.URL+"/bots/status", "", asOwner("owner-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Running []*registry.Meeting `json:"running"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Running, 1)
	assert.Equal(t, int64(11), got.Running[0].ID)
}

func TestMeetingHistoryLimit(t *testing.T) {
	fake := &fakeBotService{meeting: sampleMeeting()}
	srv := newTestServer(t, fake)

	resp, _ := do(t, http.MethodGet, srv.URL+"/meetings", "", asOwner("owner-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultHistoryLimit, fake.gotLimit)

	resp, _ = do(t, http.MethodGet, srv.URL+"/meetings?limit=5", "", asOwner("owner-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, fake.gotLimit)

	resp, _ = do(t, http.MethodGet, srv.URL+"/meetings?limit=nope", "", asOwner("owner-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusChangeCallback(t *testing.T) {
	fake := &fakeBotService{ack: &supervisor.Ack{Status: "ok", MeetingID: 11, MeetingStatus: registry.StatusActive}}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/status_change",
		`{"connection_id":"conn-1","status":"active"}`,
		map[string]string{"Authorization": "Bearer tok-1"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack supervisor.Ack
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "tok-1", fake.gotToken)
	assert.Equal(t, "conn-1", fake.gotConn)
}

func TestStatusChangeAuthFailure(t *testing.T) {
	srv := newTestServer(t, &fakeBotService{err: supervisor.ErrUnauthorized})

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/status_change",
		`{"connection_id":"conn-1","status":"active"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "unauthorized", eb.Kind)
}

func TestAllocateWorker(t *testing.T) {
	fake := &fakeBotService{worker: "ws://worker-1:9090"}
	srv := newTestServer(t, fake)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/allocate",
		`{"connection_id":"conn-1"}`, map[string]string{"Authorization": "Bearer tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ws://worker-1:9090", got["worker_url"])
	assert.Empty(t, fake.gotBadURL)

	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/allocate",
		`{"connection_id":"conn-1","bad_worker_url":"ws://dead:9090"}`,
		map[string]string{"Authorization": "Bearer tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ws://dead:9090", fake.gotBadURL)
}

func TestAllocateWorkerUnavailable(t *testing.T) {
	srv := newTestServer(t, &fakeBotService{err: allocator.ErrNoWorkers})

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/allocate",
		`{"connection_id":"conn-1"}`, map[string]string{"Authorization": "Bearer tok-1"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "unavailable", eb.Kind)
}

func TestListWorkers(t *testing.T) {
	s := NewServer(Deps{
		Bots:    &fakeBotService{},
		Workers: &fakeWorkers{workers: []allocator.Worker{{URL: "ws://worker-1:9090", Load: 3, Alive: true}}},
		DB:      pinger{},
		Cache:   pinger{},
	})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/internal/workers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Workers []allocator.Worker `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Workers, 1)
	assert.Equal(t, 3, got.Workers[0].Load)
	assert.True(t, got.Workers[0].Alive)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeBotService{})
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got["status"])

	down := NewServer(Deps{Bots: &fakeBotService{}, DB: pinger{err: errors.New("refused")}, Cache: pinger{}})
	dsrv := httptest.NewServer(down.Router())
	defer dsrv.Close()
	resp, body = do(t, http.MethodGet, dsrv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "down", got["database"])
	assert.Equal(t, "up", got["redis"])
}

func TestTranscriptProxy(t *testing.T) {
	var gotOwner string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner = r.Header.Get("X-Owner-ID")
		assert.Equal(t, "/transcripts/google_meet/abc-defg-hij", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"segments":[{"start":0,"end_time":1.5,"text":"hello"}]}`))
	}))
	defer upstream.Close()

	s := NewServer(Deps{
		Bots:        &fakeBotService{},
		DB:          pinger{},
		Cache:       pinger{},
		Transcripts: config.TranscriptsConfig{BaseURL: upstream.URL},
	})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/transcripts/google_meet/abc-defg-hij", "", asOwner("owner-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "owner-1", gotOwner)
	assert.Contains(t, string(body), `"text":"hello"`)
}

func TestTranscriptProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := upstream.URL
	upstream.Close()

	s := NewServer(Deps{
		Bots:        &fakeBotService{},
		DB:          pinger{},
		Cache:       pinger{},
		Transcripts: config.TranscriptsConfig{BaseURL: base},
	})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/transcripts/google_meet/abc-defg-hij", "", asOwner("owner-1"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "bad_gateway", eb.Kind)
}

// refusingTransport counts round trips and fails every one of them.
type refusingTransport struct{ calls int }

func (f *refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestTranscriptProxyBreakerFailsFast(t *testing.T) {
	s := NewServer(Deps{
		Bots:        &fakeBotService{},
		DB:          pinger{},
		Cache:       pinger{},
		Transcripts: config.TranscriptsConfig{BaseURL: "http://transcripts.internal"},
	})
	ft := &refusingTransport{}
	s.upstream.Transport = ft
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for i := 0; i < 5; i++ {
		resp, _ := do(t, http.MethodGet, srv.URL+"/transcripts/google_meet/abc-defg-hij", "", asOwner("owner-1"))
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	require.Equal(t, 5, ft.calls)

	// Circuit is open now: clients still see 502, but no dial happens.
	resp, _ := do(t, http.MethodGet, srv.URL+"/transcripts/google_meet/abc-defg-hij", "", asOwner("owner-1"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 5, ft.calls)
}
