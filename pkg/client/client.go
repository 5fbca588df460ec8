// Package client provides a Go client for the bot-manager HTTP API.
//
// The control plane sits behind an API gateway that resolves API keys to
// owner identities; this client speaks the bot-manager dialect directly
// and is meant for that gateway, operator tooling, and integration tests.
//
// Quick Start:
//
//	bm := client.New(client.Config{
//	    BaseURL: "http://bot-manager:8080",
//	    OwnerID: "owner-123",
//	})
//
//	ack, err := bm.RequestBot(ctx, client.BotRequest{
//	    Platform:        client.PlatformGoogleMeet,
//	    NativeMeetingID: "abc-defg-hij",
//	})
//	if err != nil {
//	    var apiErr *client.APIError
//	    if errors.As(err, &apiErr) && apiErr.IsDuplicate() {
//	        // A bot is already covering this meeting.
//	    }
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the bot-manager endpoint (required).
	// Examples: "http://bot-manager:8080", "http://localhost:8080"
	BaseURL string

	// OwnerID is the identity sent as X-Owner-ID on every request
	// (required). The control plane scopes all reads and writes to it.
	OwnerID string

	// Timeout bounds each request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client, e.g. to add tracing.
	HTTPClient *http.Client
}

// Client is the bot-manager API client. Safe for concurrent use.
type Client struct {
	base       string
	ownerID    string
	httpClient *http.Client
}

// New creates a client.
//
//	bm := client.New(client.Config{
//	    BaseURL: "http://bot-manager:8080",
//	    OwnerID: os.Getenv("OWNER_ID"),
//	})
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		ownerID:    cfg.OwnerID,
		httpClient: hc,
	}
}

// RequestBot asks for a bot in the given meeting. The returned ack holds the
// meeting id; progress arrives on the event stream and in the webhook.
func (c *Client) RequestBot(ctx context.Context, req BotRequest) (*MeetingAck, error) {
	var ack MeetingAck
	if err := c.do(ctx, http.MethodPost, "/bots", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// StopBot tells the bot to leave the meeting. Teardown continues after the
// ack: the leave command, the status flip, and the container stop all run
// server-side.
func (c *Client) StopBot(ctx context.Context, platform, nativeMeetingID string) (*MeetingAck, error) {
	p := fmt.Sprintf("/bots/%s/%s", url.PathEscape(platform), url.PathEscape(nativeMeetingID))
	var ack MeetingAck
	if err := c.do(ctx, http.MethodDelete, p, nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// UpdateBotConfig changes language or task mid-meeting. Only active meetings
// accept it; others fail with a precondition error.
func (c *Client) UpdateBotConfig(ctx context.Context, platform, nativeMeetingID, language, task string) (*MeetingAck, error) {
	p := fmt.Sprintf("/bots/%s/%s/config", url.PathEscape(platform), url.PathEscape(nativeMeetingID))
	body := struct {
		Language string `json:"language"`
		Task     string `json:"task"`
	}{language, task}
	var ack MeetingAck
	if err := c.do(ctx, http.MethodPut, p, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// RunningBots lists the owner's meetings that still have a live bot.
func (c *Client) RunningBots(ctx context.Context) ([]Meeting, error) {
	var out struct {
		Running []Meeting `json:"running"`
	}
	if err := c.do(ctx, http.MethodGet, "/bots/status", nil, &out); err != nil {
		return nil, err
	}
	return out.Running, nil
}

// Meetings lists the owner's meeting history, newest first. limit <= 0 uses
// the server default.
func (c *Client) Meetings(ctx context.Context, limit int) ([]Meeting, error) {
	p := "/meetings"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Meetings []Meeting `json:"meetings"`
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Meetings, nil
}

// Transcript fetches the meeting transcript through the control plane's
// authenticated proxy. The payload shape is owned by the transcript store.
func (c *Client) Transcript(ctx context.Context, platform, nativeMeetingID string) (json.RawMessage, error) {
	p := fmt.Sprintf("/transcripts/%s/%s", url.PathEscape(platform), url.PathEscape(nativeMeetingID))
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, p, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Health pings the control plane and its backends.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do sends one request and decodes the response into out (when non-nil).
// Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bot-manager: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("bot-manager: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Owner-ID", c.ownerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot-manager: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bot-manager: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bot-manager: parse response: %w", err)
	}
	return nil
}
