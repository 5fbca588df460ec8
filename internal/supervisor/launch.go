package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vexa-ai/controlplane/internal/events"
	"github.com/vexa-ai/controlplane/internal/launcher"
	"github.com/vexa-ai/controlplane/internal/lifecycle"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// startLaunch runs the container launch in the background so the API can
// answer as soon as the row is committed. The cancel handle lets a racing
// stop abandon the remaining attempts.
func (s *Supervisor) startLaunch(m *registry.Meeting) {
	var ctx context.Context
	var cancel context.CancelFunc
	if total := s.cfg.LaunchTotal(); total > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, total)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}

	s.mu.Lock()
	s.launches[m.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.launches, m.ID)
			s.mu.Unlock()
		}()
		s.runLaunch(ctx, m)
	}()
}

func (s *Supervisor) cancelLaunch(meetingID int64) {
	s.mu.Lock()
	cancel, ok := s.launches[meetingID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) launchPending(meetingID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.launches[meetingID]
	return ok
}

func (s *Supervisor) runLaunch(ctx context.Context, m *registry.Meeting) {
	spec := launcher.Spec{
		MeetingID:    m.ID,
		ConnectionID: m.ConnectionID,
		Platform:     string(m.Platform),
		NativeID:     m.NativeID,
		MeetingURL:   registry.MeetingURL(m.Platform, m.NativeID, m.Passcode),
		Passcode:     m.Passcode,
		BotName:      m.BotName,
		Language:     m.Language,
		Task:         m.Task,
		Token:        m.BotToken,
	}

	attempts := s.cfg.LaunchAttempts
	if attempts <= 0 {
		attempts = 1
	}

	started := s.now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.metrics.RecordLaunchRetry()
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(launchBackoff(s.cfg.LaunchBackoff(), attempt-1)):
			}
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			break
		}

		containerID, err := s.launcher.Launch(ctx, spec)
		if err == nil {
			s.finishLaunch(ctx, m, containerID, started)
			return
		}
		lastErr = err
		slog.Warn("bot launch attempt failed",
			"meeting_id", m.ID, "attempt", attempt, "backend", s.launcher.Name(), "error", err)
	}

	// A cancelled context usually means a stop already finalized the row;
	// the terminal guard turns this transition into a no-op then.
	fctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	final, err := s.engine.Transition(fctx, m.ID, registry.StatusFailed, registry.SourceWatchdog,
		lifecycle.Detail{
			FailureStage: stageRequested,
			ErrorDetails: fmt.Sprintf("container launch failed: %v", lastErr),
		})
	if errors.Is(err, lifecycle.ErrTerminal) {
		return
	}
	if err != nil {
		slog.Error("record launch failure", "meeting_id", m.ID, "error", err)
		return
	}
	slog.Error("bot launch exhausted retries", "meeting_id", m.ID, "error", lastErr)
	s.finalize(final)
}

// finishLaunch records the container and re-checks for a stop that landed
// while the container was starting; a late container must still leave.
func (s *Supervisor) finishLaunch(ctx context.Context, m *registry.Meeting, containerID string, started time.Time) {
	if err := s.store.SetContainerID(ctx, m.ID, containerID); err != nil {
		// Callbacks carry the container id too, so the row heals itself.
		slog.Warn("record container id", "meeting_id", m.ID, "error", err)
	}
	s.metrics.ObserveLaunch(s.now().Sub(started).Seconds())
	slog.Info("bot container launched", "meeting_id", m.ID, "container_id", containerID)

	cur, err := s.store.Get(ctx, m.ID)
	if err != nil {
		return
	}
	if cur.Status.IsTerminal() || cur.Data.StopRequested {
		if err := s.bus.PublishCommand(ctx, m.ConnectionID, events.Command{Action: events.ActionLeave}); err != nil {
			slog.Warn("publish leave to late container", "meeting_id", m.ID, "error", err)
		}
		s.stopContainerAfter(0, containerID)
	}
}

// launchBackoff doubles per retry with up to 25% jitter.
func launchBackoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base * (1 << (retry - 1))
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
