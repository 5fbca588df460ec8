// Package webhooks delivers the post-meeting notification to the owner's
// endpoint. Callers fire and forget: a bounded queue feeds a worker pool,
// transient failures retry with attempt-squared backoff, and a full queue
// drops the delivery rather than block a status update.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// EventTypeFinalized is the only event type emitted today.
const EventTypeFinalized = "meeting.finalized"

// Event is the delivery body. Meeting marshals through its JSON tags, so
// credentials (passcode, bot token) never leave the process.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Meeting   *registry.Meeting `json:"meeting"`
}

type delivery struct {
	url     string
	event   Event
	attempt int
}

// Dispatcher posts finalized-meeting events from a background worker pool.
type Dispatcher struct {
	cfg     config.WebhooksConfig
	client  *http.Client
	metrics *monitoring.Metrics
	backoff func(attempt int) time.Duration

	queue chan delivery
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts the worker pool with the standard attempt-squared backoff.
func New(cfg config.WebhooksConfig, metrics *monitoring.Metrics) *Dispatcher {
	return newDispatcher(cfg, metrics, func(attempt int) time.Duration {
		return time.Duration(attempt*attempt) * time.Second
	})
}

func newDispatcher(cfg config.WebhooksConfig, metrics *monitoring.Metrics, backoff func(int) time.Duration) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.Queue
	if depth <= 0 {
		depth = 1000
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		backoff: backoff,
		queue:   make(chan delivery, depth),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues the notification for a finalized meeting. Meetings without
// a webhook URL are skipped.
func (d *Dispatcher) Enqueue(m *registry.Meeting) {
	if m.WebhookURL == "" {
		return
	}
	d.push(delivery{
		url:     m.WebhookURL,
		event:   Event{ID: uuid.NewString(), Type: EventTypeFinalized, Timestamp: time.Now().UTC(), Meeting: m},
		attempt: 1,
	})
}

func (d *Dispatcher) push(job delivery) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		slog.Warn("webhook queue full, dropping delivery",
			"meeting_id", job.event.Meeting.ID, "event_id", job.event.ID)
		d.metrics.RecordWebhookDelivery("dropped")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		slog.Error("marshal webhook event", "meeting_id", job.event.Meeting.ID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.url, bytes.NewReader(payload))
	if err != nil {
		slog.Warn("build webhook request", "meeting_id", job.event.Meeting.ID, "error", err)
		d.metrics.RecordWebhookDelivery("failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vexa-Event-Type", job.event.Type)
	req.Header.Set("X-Vexa-Event-ID", job.event.ID)
	req.Header.Set("X-Vexa-Delivery-Attempt", strconv.Itoa(job.attempt))
	if d.cfg.Secret != "" {
		req.Header.Set("X-Vexa-Signature", "sha256="+SignPayload(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			d.metrics.RecordWebhookDelivery("ok")
			slog.Info("webhook delivered",
				"meeting_id", job.event.Meeting.ID, "event_id", job.event.ID, "attempt", job.attempt)
			return
		}
		if resp.StatusCode < 500 {
			// The receiver rejected the event; retrying cannot help.
			d.metrics.RecordWebhookDelivery("failed")
			slog.Warn("webhook rejected",
				"meeting_id", job.event.Meeting.ID, "code", resp.StatusCode)
			return
		}
		err = fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	attempts := d.cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	if job.attempt >= attempts {
		d.metrics.RecordWebhookDelivery("failed")
		slog.Warn("webhook delivery exhausted retries",
			"meeting_id", job.event.Meeting.ID, "attempts", attempts, "error", err)
		return
	}

	slog.Warn("webhook delivery failed, retrying",
		"meeting_id", job.event.Meeting.ID, "attempt", job.attempt, "error", err)
	time.Sleep(d.backoff(job.attempt))
	job.attempt++
	d.push(job)
}

// Shutdown drains queued deliveries and stops the workers. Retries that fail
// past this point are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// SignPayload computes the hex HMAC-SHA256 receivers use to verify origin.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
