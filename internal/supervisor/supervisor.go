// Package supervisor owns the bot fleet: admission of new meeting requests,
// container launches with retry, user-initiated stops, bot callbacks, worker
// allocation hand-off, and the watchdog that fails meetings whose container
// vanished. Every status write goes through the lifecycle engine; the
// supervisor decides when and with which source.
package supervisor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/events"
	"github.com/vexa-ai/controlplane/internal/launcher"
	"github.com/vexa-ai/controlplane/internal/lifecycle"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
)

var (
	// ErrPreconditionFailed means the meeting exists but is not in a state
	// that allows the operation (e.g. reconfiguring a non-ACTIVE meeting).
	ErrPreconditionFailed = errors.New("meeting state does not allow this operation")

	// ErrUnauthorized means the presented bot token does not match the
	// meeting the connection id belongs to.
	ErrUnauthorized = errors.New("bot token mismatch")
)

// ValidationError reports a rejected request field before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store is the registry surface the supervisor needs.
type Store interface {
	CreateRequested(ctx context.Context, m *registry.Meeting, limit int) error
	Get(ctx context.Context, id int64) (*registry.Meeting, error)
	FindLatestByNative(ctx context.Context, ownerID string, platform registry.Platform, nativeID string) (*registry.Meeting, error)
	FindByConnectionID(ctx context.Context, connectionID string) (*registry.Meeting, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*registry.Meeting, error)
	ListNonTerminalByOwner(ctx context.Context, ownerID string) ([]*registry.Meeting, error)
	ListNonTerminal(ctx context.Context) ([]*registry.Meeting, error)
	SetContainerID(ctx context.Context, id int64, containerID string) error
	SetWorkerURL(ctx context.Context, id int64, workerURL string) error
	SetStopRequested(ctx context.Context, id int64) error
	UpdateConfigIfActive(ctx context.Context, id int64, language, task string) error
}

// Engine applies validated status transitions and publishes the result.
type Engine interface {
	Transition(ctx context.Context, meetingID int64, to registry.Status, source registry.Source, detail lifecycle.Detail) (*registry.Meeting, error)
}

// Allocator hands out transcription workers.
type Allocator interface {
	Allocate(ctx context.Context) (string, error)
	Failover(ctx context.Context, badURL string) (string, error)
	Release(ctx context.Context, workerURL string) error
}

// Bus publishes status snapshots and per-bot commands.
type Bus interface {
	PublishMeetingStatus(ctx context.Context, m *registry.Meeting) error
	PublishCommand(ctx context.Context, connectionID string, cmd events.Command) error
}

// SessionMap stores the (platform, native id) -> connection id mapping the
// transcription collector uses to correlate audio sessions.
type SessionMap interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Webhooks queues the post-meeting delivery for finalized meetings.
type Webhooks interface {
	Enqueue(m *registry.Meeting)
}

// BotRequest is the decoded body of POST /bots.
type BotRequest struct {
	Platform   registry.Platform
	NativeID   string
	Passcode   string
	Language   string
	Task       string
	BotName    string
	WebhookURL string
}

// Deps wires the supervisor's collaborators.
type Deps struct {
	Store     Store
	Engine    Engine
	Allocator Allocator
	Launcher  launcher.Launcher
	Bus       Bus
	Sessions  SessionMap
	Webhooks  Webhooks
	Limits    *config.Limits
	Metrics   *monitoring.Metrics
}

// Supervisor coordinates meeting lifecycles end to end.
type Supervisor struct {
	store    Store
	engine   Engine
	alloc    Allocator
	launcher launcher.Launcher
	bus      Bus
	sessions SessionMap
	hooks    Webhooks
	limits   *config.Limits
	cfg      config.SupervisorConfig
	metrics  *monitoring.Metrics
	now      func() time.Time

	// baseCtx outlives request contexts; launches, delayed container
	// stops, and terminal bookkeeping run under it until Close.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	launches map[int64]context.CancelFunc
	missing  map[int64]time.Time
}

func New(cfg config.SupervisorConfig, d Deps) *Supervisor {
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:    d.Store,
		engine:   d.Engine,
		alloc:    d.Allocator,
		launcher: d.Launcher,
		bus:      d.Bus,
		sessions: d.Sessions,
		hooks:    d.Webhooks,
		limits:   d.Limits,
		cfg:      cfg,
		metrics:  d.Metrics,
		now:      time.Now,
		baseCtx:  base,
		stop:     cancel,
		launches: make(map[int64]context.CancelFunc),
		missing:  make(map[int64]time.Time),
	}
}

// Close cancels in-flight launches and pending container stops.
func (s *Supervisor) Close() { s.stop() }

const sessionTTL = 24 * time.Hour

// sessionKey is wire contract with the transcription collector.
func sessionKey(p registry.Platform, nativeID string) string {
	return fmt.Sprintf("bm:meeting:%s:%s:current_uid", p, nativeID)
}

// RequestBot admits a new meeting, returns the REQUESTED record immediately,
// and launches the bot container in the background. Duplicate and over-limit
// requests are rejected by the registry before any container work starts.
func (s *Supervisor) RequestBot(ctx context.Context, ownerID string, req BotRequest) (*registry.Meeting, error) {
	if timeout := s.cfg.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	applyDefaults(&req)

	m := &registry.Meeting{
		OwnerID:      ownerID,
		Platform:     req.Platform,
		NativeID:     req.NativeID,
		Passcode:     req.Passcode,
		Language:     req.Language,
		Task:         req.Task,
		BotName:      req.BotName,
		WebhookURL:   req.WebhookURL,
		ConnectionID: uuid.NewString(),
		BotToken:     uuid.NewString(),
	}

	if err := s.store.CreateRequested(ctx, m, s.limits.Concurrency(ownerID)); err != nil {
		return nil, err
	}
	s.metrics.RecordBotRequested(string(req.Platform))
	slog.Info("bot requested",
		"meeting_id", m.ID, "owner_id", ownerID,
		"platform", req.Platform, "native_id", req.NativeID)

	if err := s.sessions.Set(ctx, sessionKey(m.Platform, m.NativeID), []byte(m.ConnectionID), sessionTTL); err != nil {
		slog.Warn("store session mapping", "meeting_id", m.ID, "error", err)
	}

	// Subscribers see REQUESTED now; later states arrive via callbacks.
	if err := s.bus.PublishMeetingStatus(ctx, m); err != nil {
		slog.Warn("publish initial status", "meeting_id", m.ID, "error", err)
	}

	s.startLaunch(m)
	return m, nil
}

// StopBot finalizes a meeting on user intent and returns the terminal record;
// container teardown continues in the background. Stopping a meeting that
// already ended acknowledges with the existing terminal state.
func (s *Supervisor) StopBot(ctx context.Context, ownerID string, platform registry.Platform, nativeID string) (*registry.Meeting, error) {
	m, err := s.store.FindLatestByNative(ctx, ownerID, platform, nativeID)
	if err != nil {
		return nil, err
	}
	if m.Status.IsTerminal() {
		return m, nil
	}

	// Flag intent before the transition so a startup callback racing this
	// stop is answered with leave_now.
	if err := s.store.SetStopRequested(ctx, m.ID); err != nil {
		slog.Warn("set stop_requested", "meeting_id", m.ID, "error", err)
	}
	s.cancelLaunch(m.ID)

	final, err := s.engine.Transition(ctx, m.ID, registry.StatusCompleted, registry.SourceAPI,
		lifecycle.Detail{CompletionReason: reasonStopped})
	if errors.Is(err, lifecycle.ErrTerminal) {
		// The exit callback won the race; the meeting is already over.
		return final, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.bus.PublishCommand(ctx, final.ConnectionID, events.Command{Action: events.ActionLeave}); err != nil {
		slog.Warn("publish leave command", "meeting_id", m.ID, "error", err)
	}
	if final.ContainerID != "" {
		s.stopContainerAfter(s.cfg.ShutdownGrace(), final.ContainerID)
	}
	s.finalize(final)

	slog.Info("bot stopped by user", "meeting_id", m.ID, "owner_id", ownerID)
	return final, nil
}

// UpdateBotConfig rewrites language/task for an ACTIVE meeting and tells the
// bot to reconfigure its transcription session. Empty fields keep the current
// value.
func (s *Supervisor) UpdateBotConfig(ctx context.Context, ownerID string, platform registry.Platform, nativeID, language, task string) (*registry.Meeting, error) {
	if err := validateConfig(language, task); err != nil {
		return nil, err
	}

	m, err := s.store.FindLatestByNative(ctx, ownerID, platform, nativeID)
	if err != nil {
		return nil, err
	}
	if m.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: meeting is %s", ErrPreconditionFailed, m.Status)
	}

	if language == "" {
		language = m.Language
	}
	if task == "" {
		task = m.Task
	}
	if err := s.store.UpdateConfigIfActive(ctx, m.ID, language, task); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return nil, fmt.Errorf("%w: meeting left ACTIVE during update", ErrPreconditionFailed)
		}
		return nil, err
	}
	m.Language, m.Task = language, task

	cmd := events.Command{Action: events.ActionReconfigure, Language: language, Task: task}
	if err := s.bus.PublishCommand(ctx, m.ConnectionID, cmd); err != nil {
		return nil, fmt.Errorf("publish reconfigure command: %w", err)
	}
	slog.Info("bot reconfigured", "meeting_id", m.ID, "language", language, "task", task)
	return m, nil
}

// RunningBots lists the owner's non-terminal meetings.
func (s *Supervisor) RunningBots(ctx context.Context, ownerID string) ([]*registry.Meeting, error) {
	return s.store.ListNonTerminalByOwner(ctx, ownerID)
}

// MeetingHistory lists the owner's meetings, newest first.
func (s *Supervisor) MeetingHistory(ctx context.Context, ownerID string, limit int) ([]*registry.Meeting, error) {
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// finalize releases the worker allocation and queues the outbound webhook.
// Only the writer that won the terminal transition reaches here, so both run
// at most once per meeting.
func (s *Supervisor) finalize(m *registry.Meeting) {
	if m.WorkerURL != "" {
		ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
		defer cancel()
		if err := s.alloc.Release(ctx, m.WorkerURL); err != nil {
			slog.Warn("release worker", "meeting_id", m.ID, "worker_url", m.WorkerURL, "error", err)
		}
	}
	s.hooks.Enqueue(m)
}

const stopKillGrace = 5 * time.Second

// stopContainerAfter gives the bot time to leave the meeting cleanly, then
// force-stops the container. AutoRemove cleans up whatever remains.
func (s *Supervisor) stopContainerAfter(delay time.Duration, containerID string) {
	go func() {
		select {
		case <-s.baseCtx.Done():
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
		defer cancel()
		if err := s.launcher.Stop(ctx, containerID, stopKillGrace); err != nil {
			slog.Warn("stop bot container", "container_id", containerID, "error", err)
			if err := s.launcher.Remove(ctx, containerID); err != nil {
				slog.Warn("remove bot container", "container_id", containerID, "error", err)
			}
		}
	}()
}

func (s *Supervisor) authBot(ctx context.Context, botToken, connectionID string) (*registry.Meeting, error) {
	if connectionID == "" {
		return nil, &ValidationError{Field: "connection_id", Reason: "required"}
	}
	m, err := s.store.FindByConnectionID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(botToken), []byte(m.BotToken)) != 1 {
		return nil, ErrUnauthorized
	}
	return m, nil
}

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

var languageRe = regexp.MustCompile(`^[a-z]{2}$`)

func validateRequest(req *BotRequest) error {
	if !req.Platform.Valid() {
		return &ValidationError{
			Field:  "platform",
			Reason: fmt.Sprintf("must be %q or %q", registry.PlatformGoogleMeet, registry.PlatformTeams),
		}
	}
	if err := registry.ValidateNativeID(req.Platform, req.NativeID); err != nil {
		return &ValidationError{Field: "native_meeting_id", Reason: err.Error()}
	}
	if err := validateConfig(req.Language, req.Task); err != nil {
		return err
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "webhook_url", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

func validateConfig(language, task string) error {
	if language != "" && language != "auto" && !languageRe.MatchString(language) {
		return &ValidationError{Field: "language", Reason: `must be a two-letter ISO 639-1 code or "auto"`}
	}
	switch task {
	case "", TaskTranscribe, TaskTranslate:
		return nil
	default:
		return &ValidationError{Field: "task", Reason: `must be "transcribe" or "translate"`}
	}
}

func applyDefaults(req *BotRequest) {
	if req.BotName == "" {
		req.BotName = "Vexa"
	}
	if req.Task == "" {
		req.Task = TaskTranscribe
	}
}
