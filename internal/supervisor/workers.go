package supervisor

import (
	"context"
	"fmt"
	"log/slog"
)

// AllocateWorker assigns a transcription worker to the calling bot and
// records it on the meeting row so every terminal path can release it.
func (s *Supervisor) AllocateWorker(ctx context.Context, botToken, connectionID string) (string, error) {
	m, err := s.authBot(ctx, botToken, connectionID)
	if err != nil {
		return "", err
	}
	if m.Status.IsTerminal() {
		return "", fmt.Errorf("%w: meeting is %s", ErrPreconditionFailed, m.Status)
	}

	workerURL, err := s.alloc.Allocate(ctx)
	if err != nil {
		return "", err
	}
	if err := s.store.SetWorkerURL(ctx, m.ID, workerURL); err != nil {
		slog.Warn("record worker url", "meeting_id", m.ID, "error", err)
	}
	slog.Info("worker allocated", "meeting_id", m.ID, "worker_url", workerURL)
	return workerURL, nil
}

// FailoverWorker swaps a reported-unhealthy worker for the next candidate.
// The reported worker is dropped from the pool for everyone; its health key
// has to reappear via heartbeat before it serves again.
func (s *Supervisor) FailoverWorker(ctx context.Context, botToken, connectionID, badURL string) (string, error) {
	if badURL == "" {
		return "", &ValidationError{Field: "bad_worker_url", Reason: "required"}
	}
	m, err := s.authBot(ctx, botToken, connectionID)
	if err != nil {
		return "", err
	}

	workerURL, err := s.alloc.Failover(ctx, badURL)
	if err != nil {
		return "", err
	}
	if err := s.store.SetWorkerURL(ctx, m.ID, workerURL); err != nil {
		slog.Warn("record worker url", "meeting_id", m.ID, "error", err)
	}
	slog.Info("worker failover", "meeting_id", m.ID, "from", badURL, "to", workerURL)
	return workerURL, nil
}
