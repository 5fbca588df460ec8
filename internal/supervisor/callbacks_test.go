package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexa-ai/controlplane/internal/registry"
)

func intp(v int) *int { return &v }

func TestCallbackLifecycleWalk(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusRequested)

	steps := []struct {
		callback string
		want     registry.Status
	}{
		{CallbackJoining, registry.StatusJoining},
		{CallbackAwaitingAdmission, registry.StatusAwaitingAdmission},
		{CallbackActive, registry.StatusActive},
	}
	for _, step := range steps {
		ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
			ConnectionID: m.ConnectionID,
			ContainerID:  "cntr-cb",
			Status:       step.callback,
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", ack.Status)
		assert.Empty(t, ack.Action)
		assert.Equal(t, step.want, ack.MeetingStatus)
	}

	cur := w.store.get(m.ID)
	assert.Equal(t, "cntr-cb", cur.ContainerID)
	require.NotNil(t, cur.StartedAt)
	assert.Len(t, cur.Data.Transitions, 3)

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "left_alone",
		ExitCode:     intp(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, registry.StatusCompleted, ack.MeetingStatus)

	cur = w.store.get(m.ID)
	assert.Equal(t, reasonLeftAlone, cur.Data.CompletionReason)
	assert.NotNil(t, cur.EndedAt)
}

func TestCallbackSkipStraightToActive(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusRequested)

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, registry.StatusActive, ack.MeetingStatus)
}

func TestCallbackAuth(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusJoining)

	_, err := w.sup.HandleStatusChange(context.Background(), "wrong-token", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackActive,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: "no-such-connection",
		Status:       CallbackActive,
	})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		Status: CallbackActive,
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCallbackUnknownStatus(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusJoining)

	_, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       "rebooting",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestStartupAfterStopRequestedAnswersLeaveNow(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusJoining, func(m *registry.Meeting) {
		m.Data.StopRequested = true
	})

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "ignored", ack.Status)
	assert.Equal(t, ActionLeaveNow, ack.Action)
	assert.Equal(t, registry.StatusJoining, w.store.get(m.ID).Status)
}

func TestStartupOnTerminalAnswersLeaveNow(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusCompleted)

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackJoining,
	})
	require.NoError(t, err)
	assert.Equal(t, "ignored", ack.Status)
	assert.Equal(t, ActionLeaveNow, ack.Action)
}

func TestStartupDuplicateIsNoOp(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive)

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Empty(t, ack.Action)
	assert.Empty(t, w.store.get(m.ID).Data.Transitions)
}

func TestStartupOutOfOrderIsIgnored(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive)

	// A restarted container re-reporting joining must not regress the row.
	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackJoining,
	})
	require.NoError(t, err)
	assert.Equal(t, "ignored", ack.Status)
	assert.Empty(t, ack.Action)
	assert.Equal(t, registry.StatusActive, w.store.get(m.ID).Status)
}

func TestMapExitReason(t *testing.T) {
	cases := []struct {
		reason string
		code   int
		want   ExitOutcome
	}{
		{"self_initiated_leave", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "stopped"}},
		{"stopped", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "stopped"}},
		{"admission_failed", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "awaiting_admission_timeout"}},
		{"left_alone", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "left_alone"}},
		{"evicted", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "evicted"}},
		{"removed_by_admin", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "removed_by_admin"}},
		{"admission_rejected_by_admin", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "admission_rejected_by_admin"}},
		{"", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "stopped"}},
		{"something_new", 0, ExitOutcome{Status: registry.StatusCompleted, CompletionReason: "stopped"}},

		{"teams_error", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "joining"}},
		{"google_meet_error", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "joining"}},
		{"post_join_setup_error", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "joining"}},
		{"joining_timeout", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "joining"}},
		{"joining_captcha", 2, ExitOutcome{Status: registry.StatusFailed, FailureStage: "joining"}},
		{"missing_meeting_url", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "requested"}},
		{"validation_error", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "requested"}},
		{"", 137, ExitOutcome{Status: registry.StatusFailed, FailureStage: "active"}},
		{"crash", 1, ExitOutcome{Status: registry.StatusFailed, FailureStage: "active"}},
	}
	for _, tc := range cases {
		got := MapExitReason(tc.reason, tc.code)
		assert.Equalf(t, tc.want, got, "reason=%q code=%d", tc.reason, tc.code)
	}
}

func TestExitCompletesAndReleasesWorker(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive, func(m *registry.Meeting) {
		m.ContainerID = "cntr-5"
		m.WorkerURL = "ws://worker-1:9090"
	})

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "left_alone",
		ExitCode:     intp(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, registry.StatusCompleted, ack.MeetingStatus)

	assert.Equal(t, []string{"ws://worker-1:9090"}, w.pool.releasedURLs())
	assert.Equal(t, 1, w.hooks.count())
	// AutoRemove reaps a cleanly exited container; no stop is scheduled.
	assert.Empty(t, w.launcher.stopped())
}

func TestExitFailureSchedulesContainerStop(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusAwaitingAdmission, func(m *registry.Meeting) {
		m.ContainerID = "cntr-6"
	})

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "teams_error",
		ExitCode:     intp(1),
		ErrorDetails: "selector timeout waiting for join button",
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, ack.MeetingStatus)

	cur := w.store.get(m.ID)
	assert.Equal(t, stageJoining, cur.Data.FailureStage)
	assert.Equal(t, "selector timeout waiting for join button", cur.Data.ErrorDetails)

	require.Eventually(t, func() bool {
		return len(w.launcher.stopped()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cntr-6", w.launcher.stopped()[0])
	assert.Equal(t, 1, w.hooks.count())
}

func TestExitFailureDefaultErrorDetails(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive)

	_, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "crash",
		ExitCode:     intp(2),
	})
	require.NoError(t, err)

	cur := w.store.get(m.ID)
	assert.Equal(t, registry.StatusFailed, cur.Status)
	assert.Equal(t, stageActive, cur.Data.FailureStage)
	assert.Contains(t, cur.Data.ErrorDetails, "exited with code 2")
	assert.Contains(t, cur.Data.ErrorDetails, `"crash"`)
}

func TestExitExplicitFieldsOverrideMapping(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive)

	_, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "crash",
		ExitCode:     intp(1),
		FailureStage: "post_join_setup",
	})
	require.NoError(t, err)
	assert.Equal(t, "post_join_setup", w.store.get(m.ID).Data.FailureStage)
}

func TestUserStopWinsOverExitRace(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive, func(m *registry.Meeting) {
		m.WorkerURL = "ws://worker-1:9090"
	})

	_, err := w.sup.StopBot(context.Background(), "owner-1", m.Platform, m.NativeID)
	require.NoError(t, err)

	ack, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "crash",
		ExitCode:     intp(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, registry.StatusCompleted, ack.MeetingStatus)

	cur := w.store.get(m.ID)
	assert.Equal(t, registry.StatusCompleted, cur.Status)
	assert.Equal(t, reasonStopped, cur.Data.CompletionReason)
	assert.Equal(t, 1, w.hooks.count())
	assert.Len(t, w.pool.releasedURLs(), 1)
}
