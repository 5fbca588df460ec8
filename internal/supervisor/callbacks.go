package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vexa-ai/controlplane/internal/lifecycle"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// Callback statuses bots report on POST /internal/status_change. The startup
// family moves the meeting forward; exited finalizes it.
const (
	CallbackJoining           = "joining"
	CallbackAwaitingAdmission = "awaiting_admission"
	CallbackActive            = "active"
	CallbackExited            = "exited"
)

// ActionLeaveNow tells a bot its meeting is already over; the only directive
// a callback acknowledgement carries.
const ActionLeaveNow = "leave_now"

// StatusChange is the body of POST /internal/status_change.
type StatusChange struct {
	ConnectionID     string    `json:"connection_id"`
	ContainerID      string    `json:"container_id,omitempty"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	ErrorDetails     string    `json:"error_details,omitempty"`
	CompletionReason string    `json:"completion_reason,omitempty"`
	FailureStage     string    `json:"failure_stage,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

// Ack answers a bot callback.
type Ack struct {
	Status        string          `json:"status"`
	Action        string          `json:"action,omitempty"`
	MeetingID     int64           `json:"meeting_id"`
	MeetingStatus registry.Status `json:"meeting_status"`
}

// HandleStatusChange authenticates the reporting bot by connection id plus
// bearer token, then applies the reported state. Callbacks are idempotent:
// repeats and reports that lost a race are acknowledged, never failed.
func (s *Supervisor) HandleStatusChange(ctx context.Context, botToken string, cb StatusChange) (*Ack, error) {
	m, err := s.authBot(ctx, botToken, cb.ConnectionID)
	if err != nil {
		return nil, err
	}

	switch cb.Status {
	case CallbackJoining:
		return s.handleStartup(ctx, m, cb, registry.StatusJoining)
	case CallbackAwaitingAdmission:
		return s.handleStartup(ctx, m, cb, registry.StatusAwaitingAdmission)
	case CallbackActive:
		return s.handleStartup(ctx, m, cb, registry.StatusActive)
	case CallbackExited:
		return s.handleExit(ctx, m, cb)
	default:
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown callback status %q", cb.Status)}
	}
}

func (s *Supervisor) handleStartup(ctx context.Context, m *registry.Meeting, cb StatusChange, to registry.Status) (*Ack, error) {
	if m.Status.IsTerminal() || m.Data.StopRequested {
		// The user already stopped this meeting; tell the late bot to go.
		return &Ack{Status: "ignored", Action: ActionLeaveNow, MeetingID: m.ID, MeetingStatus: m.Status}, nil
	}

	if cb.ContainerID != "" && cb.ContainerID != m.ContainerID {
		if err := s.store.SetContainerID(ctx, m.ID, cb.ContainerID); err != nil {
			slog.Warn("record container id from callback", "meeting_id", m.ID, "error", err)
		}
	}

	if m.Status == to {
		// Restarted bots re-announce their current state; nothing to move.
		return &Ack{Status: "ok", MeetingID: m.ID, MeetingStatus: m.Status}, nil
	}

	next, err := s.engine.Transition(ctx, m.ID, to, registry.SourceBotCallback, lifecycle.Detail{})
	if errors.Is(err, lifecycle.ErrTerminal) {
		return &Ack{Status: "ignored", Action: ActionLeaveNow, MeetingID: m.ID, MeetingStatus: next.Status}, nil
	}
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// e.g. an ACTIVE meeting whose bot re-reports joining after a
		// container restart. The graph holds; acknowledge and move on.
		slog.Warn("out-of-order startup callback ignored",
			"meeting_id", m.ID, "current", m.Status, "reported", to)
		return &Ack{Status: "ignored", MeetingID: m.ID, MeetingStatus: m.Status}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Ack{Status: "ok", MeetingID: next.ID, MeetingStatus: next.Status}, nil
}

func (s *Supervisor) handleExit(ctx context.Context, m *registry.Meeting, cb StatusChange) (*Ack, error) {
	exitCode := 0
	if cb.ExitCode != nil {
		exitCode = *cb.ExitCode
	}
	outcome := MapExitReason(cb.Reason, exitCode)
	// Explicit fields from newer bots override the reason mapping.
	if cb.CompletionReason != "" {
		outcome.CompletionReason = cb.CompletionReason
	}
	if cb.FailureStage != "" {
		outcome.FailureStage = cb.FailureStage
	}

	detail := lifecycle.Detail{
		CompletionReason: outcome.CompletionReason,
		FailureStage:     outcome.FailureStage,
		ErrorDetails:     cb.ErrorDetails,
	}
	if outcome.Status == registry.StatusFailed && detail.ErrorDetails == "" {
		detail.ErrorDetails = fmt.Sprintf("bot exited with code %d (reason %q)", exitCode, cb.Reason)
	}

	final, err := s.engine.Transition(ctx, m.ID, outcome.Status, registry.SourceBotCallback, detail)
	if errors.Is(err, lifecycle.ErrTerminal) {
		// A concurrent user stop won; its record stands.
		return &Ack{Status: "ok", MeetingID: m.ID, MeetingStatus: final.Status}, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Info("bot exited",
		"meeting_id", m.ID, "exit_code", exitCode, "reason", cb.Reason, "final", final.Status)

	if outcome.Status == registry.StatusFailed && final.ContainerID != "" {
		// Failed bots may not clean up after themselves.
		s.stopContainerAfter(s.cfg.FailedStopDelay(), final.ContainerID)
	}
	s.finalize(final)
	return &Ack{Status: "ok", MeetingID: final.ID, MeetingStatus: final.Status}, nil
}
