package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
)

var (
	// ErrInvalidTransition means the requested edge is not in the legal
	// graph for the caller's source.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal means the meeting already reached COMPLETED or FAILED.
	// Callers usually treat this as an idempotent acknowledgement.
	ErrTerminal = errors.New("meeting is in a terminal status")
)

// Store is the slice of the registry the engine needs.
type Store interface {
	Get(ctx context.Context, id int64) (*registry.Meeting, error)
	UpdateCAS(ctx context.Context, m *registry.Meeting, expect registry.Status) error
}

// Publisher pushes the updated record onto the event bus after a transition
// is persisted.
type Publisher interface {
	PublishMeetingStatus(ctx context.Context, m *registry.Meeting) error
}

// Detail carries the optional outcome metadata merged into the data envelope.
type Detail struct {
	CompletionReason string
	FailureStage     string
	ErrorDetails     string
}

// Engine applies validated transitions to the registry. Writers are
// serialized per meeting by compare-and-set on the status column; the engine
// reloads and revalidates after a lost race.
type Engine struct {
	store   Store
	bus     Publisher
	metrics *monitoring.Metrics
	now     func() time.Time
}

const casAttempts = 3

func NewEngine(store Store, bus Publisher, metrics *monitoring.Metrics) *Engine {
	return &Engine{store: store, bus: bus, metrics: metrics, now: time.Now}
}

// Transition moves a meeting to a new status per the legal graph, stamps
// timestamps, merges detail into the envelope, appends the transition record,
// persists, and publishes a meeting.status event.
//
// Priority rule: source=api requesting a terminal state bypasses the graph
// check against any non-terminal state. Terminal rows are immutable for every
// source; the current record is returned with ErrTerminal so callers can
// acknowledge idempotently.
func (e *Engine) Transition(ctx context.Context, meetingID int64, to registry.Status, source registry.Source, detail Detail) (*registry.Meeting, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		m, err := e.store.Get(ctx, meetingID)
		if err != nil {
			return nil, err
		}
		from := m.Status

		if from.IsTerminal() {
			return m, ErrTerminal
		}
		if source == registry.SourceWatchdog && to != registry.StatusFailed {
			return m, fmt.Errorf("%w: watchdog may only fail meetings", ErrInvalidTransition)
		}

		apiWins := source == registry.SourceAPI && to.IsTerminal()
		if !apiWins && !Allowed(from, to) {
			return m, fmt.Errorf("%w: %s -> %s (source %s)", ErrInvalidTransition, from, to, source)
		}

		now := e.now().UTC()
		next := m.Clone()
		next.Status = to
		if to == registry.StatusActive && next.StartedAt == nil {
			next.StartedAt = &now
		}
		if to.IsTerminal() && next.EndedAt == nil {
			next.EndedAt = &now
		}
		if detail.CompletionReason != "" {
			next.Data.CompletionReason = detail.CompletionReason
		}
		if detail.FailureStage != "" {
			next.Data.FailureStage = detail.FailureStage
		}
		if detail.ErrorDetails != "" {
			next.Data.ErrorDetails = detail.ErrorDetails
		}
		next.Data.Transitions = append(next.Data.Transitions, registry.StatusTransition{
			From:      from,
			To:        to,
			Timestamp: now,
			Source:    source,
		})

		err = e.store.UpdateCAS(ctx, next, from)
		if errors.Is(err, registry.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist transition: %w", err)
		}

		slog.Info("meeting status transition",
			"meeting_id", meetingID, "from", from, "to", to, "source", source)
		e.metrics.RecordTransition(string(from), string(to), string(source))

		if err := e.bus.PublishMeetingStatus(ctx, next); err != nil {
			// The store already committed; subscribers catch up on the
			// next event. Log and move on.
			slog.Warn("publish meeting.status failed",
				"meeting_id", meetingID, "to", to, "error", err)
		}
		return next, nil
	}

	return nil, fmt.Errorf("transition to %s: %w", to, registry.ErrConflict)
}
