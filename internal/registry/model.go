package registry

import (
	"fmt"
	"regexp"
	"time"
)

// Platform identifies the conferencing system a bot joins.
type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
)

func (p Platform) Valid() bool {
	return p == PlatformGoogleMeet || p == PlatformTeams
}

// Google Meet codes look like "abc-defg-hij".
var meetCodeRe = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

// ValidateNativeID checks the user-supplied meeting identifier for a platform.
func ValidateNativeID(p Platform, nativeID string) error {
	switch p {
	case PlatformGoogleMeet:
		if !meetCodeRe.MatchString(nativeID) {
			return fmt.Errorf("google_meet id must match xxx-xxxx-xxx: %q", nativeID)
		}
	case PlatformTeams:
		if nativeID == "" {
			return fmt.Errorf("teams meeting id must not be empty")
		}
	default:
		return fmt.Errorf("unknown platform %q", p)
	}
	return nil
}

// MeetingURL builds the join URL handed to the bot container.
func MeetingURL(p Platform, nativeID, passcode string) string {
	switch p {
	case PlatformGoogleMeet:
		return "https://meet.google.com/" + nativeID
	case PlatformTeams:
		if passcode != "" {
			return fmt.Sprintf("https://teams.live.com/meet/%s?p=%s", nativeID, passcode)
		}
		return "https://teams.live.com/meet/" + nativeID
	}
	return ""
}

// Status is the meeting lifecycle state. COMPLETED and FAILED are terminal
// and immutable once written.
type Status string

const (
	StatusRequested         Status = "REQUESTED"
	StatusJoining           Status = "JOINING"
	StatusAwaitingAdmission Status = "AWAITING_ADMISSION"
	StatusActive            Status = "ACTIVE"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusJoining, StatusAwaitingAdmission,
		StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NonTerminalStatuses is the set counted against the concurrency limit and
// guarded by the single-active index.
func NonTerminalStatuses() []Status {
	return []Status{StatusRequested, StatusJoining, StatusAwaitingAdmission, StatusActive}
}

// normalizeStatus maps the legacy "stopping" value, still present in old
// rows, onto REQUESTED; the terminal-only model is canonical.
func normalizeStatus(raw string) Status {
	if raw == "stopping" {
		return StatusRequested
	}
	return Status(raw)
}

// Source records which authority requested a transition. API intent outranks
// bot callbacks, which outrank the watchdog.
type Source string

const (
	SourceAPI         Source = "api"
	SourceBotCallback Source = "bot_callback"
	SourceWatchdog    Source = "watchdog"
)

// StatusTransition is one entry of the data envelope's transition history.
type StatusTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// MeetingData is the semi-structured envelope accumulated over a meeting's
// life. Terminal outcomes land here alongside the transition history.
type MeetingData struct {
	CompletionReason string             `json:"completion_reason,omitempty"`
	FailureStage     string             `json:"failure_stage,omitempty"`
	ErrorDetails     string             `json:"error_details,omitempty"`
	StopRequested    bool               `json:"stop_requested,omitempty"`
	Transitions      []StatusTransition `json:"status_transition,omitempty"`
}

// Meeting is one request to attend a conference. Exactly one non-terminal row
// may exist per (owner, platform, native id).
type Meeting struct {
	ID           int64       `json:"id"`
	OwnerID      string      `json:"owner_id"`
	Platform     Platform    `json:"platform"`
	NativeID     string      `json:"native_meeting_id"`
	Passcode     string      `json:"-"`
	Status       Status      `json:"status"`
	Language     string      `json:"language,omitempty"`
	Task         string      `json:"task,omitempty"`
	BotName      string      `json:"bot_name,omitempty"`
	WebhookURL   string      `json:"webhook_url,omitempty"`
	ConnectionID string      `json:"connection_id"`
	BotToken     string      `json:"-"`
	ContainerID  string      `json:"container_id,omitempty"`
	WorkerURL    string      `json:"worker_url,omitempty"`
	Data         MeetingData `json:"data"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate envelopes without aliasing
// store-cached values.
func (m *Meeting) Clone() *Meeting {
	if m == nil {
		return nil
	}
	cp := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		cp.StartedAt = &t
	}
	if m.EndedAt != nil {
		t := *m.EndedAt
		cp.EndedAt = &t
	}
	cp.Data.Transitions = make([]StatusTransition, len(m.Data.Transitions))
	copy(cp.Data.Transitions, m.Data.Transitions)
	return &cp
}
