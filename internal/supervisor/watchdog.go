package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vexa-ai/controlplane/internal/lifecycle"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// RunWatchdog periodically fails meetings whose container disappeared
// without an exit callback. A container must stay gone for a full grace
// window before the meeting is failed, so slow exit callbacks win the race.
func (s *Supervisor) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	meetings, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		slog.Warn("watchdog list meetings", "error", err)
		return
	}
	s.metrics.SetActiveMeetings(len(meetings))

	for _, m := range meetings {
		gone, details := s.containerGone(ctx, m)
		if !gone {
			s.clearMissing(m.ID)
			continue
		}
		since := s.markMissing(m.ID)
		if s.now().Sub(since) < s.cfg.CallbackGrace() {
			continue
		}
		s.reap(ctx, m, details)
	}
}

// containerGone decides whether the meeting's container is dead for good.
// Rows that never got a container are owned by their launch loop; once no
// loop exists and the launch window passed, the process must have restarted
// mid-launch and the row leaked.
func (s *Supervisor) containerGone(ctx context.Context, m *registry.Meeting) (bool, string) {
	if m.ContainerID == "" {
		if s.launchPending(m.ID) {
			return false, ""
		}
		if s.now().Sub(m.CreatedAt) < s.cfg.LaunchTotal() {
			return false, ""
		}
		return true, "container_never_started"
	}

	running, err := s.launcher.Running(ctx, m.ContainerID)
	if err != nil {
		// A runtime hiccup is not container death.
		slog.Warn("watchdog inspect", "meeting_id", m.ID, "container_id", m.ContainerID, "error", err)
		return false, ""
	}
	return !running, "container_vanished"
}

func (s *Supervisor) reap(ctx context.Context, m *registry.Meeting, details string) {
	final, err := s.engine.Transition(ctx, m.ID, registry.StatusFailed, registry.SourceWatchdog,
		lifecycle.Detail{FailureStage: stageFor(m.Status), ErrorDetails: details})
	s.clearMissing(m.ID)
	if errors.Is(err, lifecycle.ErrTerminal) {
		// An exit callback landed inside the grace window.
		return
	}
	if err != nil {
		slog.Error("watchdog transition", "meeting_id", m.ID, "error", err)
		return
	}

	s.metrics.RecordWatchdogReap()
	slog.Warn("watchdog failed meeting",
		"meeting_id", m.ID, "was", m.Status, "details", details)
	s.finalize(final)
}

// markMissing records when the container was first seen missing and returns
// that time on later sweeps.
func (s *Supervisor) markMissing(id int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.missing[id]; ok {
		return t
	}
	t := s.now()
	s.missing[id] = t
	return t
}

func (s *Supervisor) clearMissing(id int64) {
	s.mu.Lock()
	delete(s.missing, id)
	s.mu.Unlock()
}
