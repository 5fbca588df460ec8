package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Meeting platforms accepted by the control plane.
const (
	PlatformGoogleMeet = "google_meet"
	PlatformTeams      = "teams"
)

// Transcription tasks accepted by the control plane.
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// BotRequest asks the control plane to place a bot into a meeting.
type BotRequest struct {
	// Platform is the meeting platform ("google_meet" or "teams").
	Platform string `json:"platform"`

	// NativeMeetingID is the platform's meeting identifier, e.g. the
	// "abc-defg-hij" code of a Google Meet URL.
	NativeMeetingID string `json:"native_meeting_id"`

	// Passcode unlocks passcode-protected Teams meetings (optional).
	Passcode string `json:"passcode,omitempty"`

	// Language is an ISO 639-1 code or "auto" (optional).
	Language string `json:"language,omitempty"`

	// Task selects transcription or translation (optional).
	Task string `json:"task,omitempty"`

	// BotName is the display name the bot joins with (optional).
	BotName string `json:"bot_name,omitempty"`

	// WebhookURL receives a POST with the final meeting record when the
	// meeting completes or fails (optional).
	WebhookURL string `json:"webhook_url,omitempty"`
}

// MeetingAck acknowledges a bot mutation. The full record arrives on the
// event stream; the ack carries just enough to correlate.
type MeetingAck struct {
	MeetingID       int64  `json:"meeting_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	Status          string `json:"status"`
}

// Meeting is the control plane's meeting record as returned by the listing
// endpoints. Credentials never appear here.
type Meeting struct {
	ID              int64           `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Platform        string          `json:"platform"`
	NativeMeetingID string          `json:"native_meeting_id"`
	Status          string          `json:"status"`
	Language        string          `json:"language,omitempty"`
	Task            string          `json:"task,omitempty"`
	BotName         string          `json:"bot_name,omitempty"`
	WebhookURL      string          `json:"webhook_url,omitempty"`
	ConnectionID    string          `json:"connection_id"`
	ContainerID     string          `json:"container_id,omitempty"`
	WorkerURL       string          `json:"worker_url,omitempty"`
	Data            json.RawMessage `json:"data"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Kind is the stable machine-readable error class, e.g. "duplicate".
	Kind string `json:"kind"`

	// Message is the human-readable cause.
	Message string `json:"error"`

	// CorrelationID links an internal error to the server's log line.
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot-manager: %s (%d %s)", e.Message, e.StatusCode, e.Kind)
}

// IsNotFound reports whether the meeting does not exist or belongs to a
// different owner.
func (e *APIError) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsDuplicate reports whether a bot already covers the meeting.
func (e *APIError) IsDuplicate() bool { return e.StatusCode == http.StatusConflict }

// IsLimitReached reports whether the owner's concurrent-bot cap is hit.
func (e *APIError) IsLimitReached() bool { return e.StatusCode == http.StatusTooManyRequests }
