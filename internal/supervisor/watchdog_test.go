package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexa-ai/controlplane/internal/registry"
)

func TestWatchdogReapsVanishedContainer(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive, func(m *registry.Meeting) {
		m.ContainerID = "cntr-gone"
		m.WorkerURL = "ws://worker-1:9090"
	})
	w.launcher.setRunning("cntr-gone", false)

	// First sweep only starts the grace clock.
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusActive, w.store.get(m.ID).Status)

	w.clock.Advance(46 * time.Second)
	w.sup.sweep(context.Background())

	cur := w.store.get(m.ID)
	assert.Equal(t, registry.StatusFailed, cur.Status)
	assert.Equal(t, stageActive, cur.Data.FailureStage)
	assert.Equal(t, "container_vanished", cur.Data.ErrorDetails)
	last := cur.Data.Transitions[len(cur.Data.Transitions)-1]
	assert.Equal(t, registry.SourceWatchdog, last.Source)

	assert.Equal(t, []string{"ws://worker-1:9090"}, w.pool.releasedURLs())
	assert.Equal(t, 1, w.hooks.count())
}

func TestWatchdogGraceLetsExitCallbackWin(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive, func(m *registry.Meeting) {
		m.ContainerID = "cntr-slow"
	})
	w.launcher.setRunning("cntr-slow", false)

	w.sup.sweep(context.Background())

	// The exit report lands inside the grace window.
	_, err := w.sup.HandleStatusChange(context.Background(), "token-1", StatusChange{
		ConnectionID: m.ConnectionID,
		Status:       CallbackExited,
		Reason:       "left_alone",
		ExitCode:     intp(0),
	})
	require.NoError(t, err)

	w.clock.Advance(46 * time.Second)
	w.sup.sweep(context.Background())

	cur := w.store.get(m.ID)
	assert.Equal(t, registry.StatusCompleted, cur.Status)
	assert.Equal(t, reasonLeftAlone, cur.Data.CompletionReason)
	assert.Equal(t, 1, w.hooks.count())
}

func TestWatchdogComebackResetsGrace(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusJoining, func(m *registry.Meeting) {
		m.ContainerID = "cntr-flap"
	})
	w.launcher.setRunning("cntr-flap", false)

	w.sup.sweep(context.Background())
	w.launcher.setRunning("cntr-flap", true)
	w.clock.Advance(46 * time.Second)
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusJoining, w.store.get(m.ID).Status)

	// Gone again: the grace window starts over from this sweep.
	w.launcher.setRunning("cntr-flap", false)
	w.sup.sweep(context.Background())
	w.clock.Advance(30 * time.Second)
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusJoining, w.store.get(m.ID).Status)

	w.clock.Advance(16 * time.Second)
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusFailed, w.store.get(m.ID).Status)
}

func TestWatchdogReapsLeakedRequestedRow(t *testing.T) {
	w := newWorld(t)
	// A REQUESTED row with no container and no launch loop: the process
	// restarted mid-launch before this watchdog came up.
	m := w.seed(registry.StatusRequested, func(m *registry.Meeting) {
		m.CreatedAt = w.clock.Now().Add(-2 * time.Minute)
	})

	w.sup.sweep(context.Background())
	w.clock.Advance(46 * time.Second)
	w.sup.sweep(context.Background())

	cur := w.store.get(m.ID)
	assert.Equal(t, registry.StatusFailed, cur.Status)
	assert.Equal(t, stageRequested, cur.Data.FailureStage)
	assert.Equal(t, "container_never_started", cur.Data.ErrorDetails)
	assert.Equal(t, 1, w.hooks.count())
}

func TestWatchdogSkipsPendingLaunch(t *testing.T) {
	w := newWorld(t)
	w.launcher.block = true

	m, err := w.sup.RequestBot(context.Background(), "owner-1", BotRequest{
		Platform: registry.PlatformGoogleMeet,
		NativeID: "abc-defg-hij",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.sup.launchPending(m.ID) }, time.Second, time.Millisecond)

	w.clock.Advance(2 * time.Minute)
	w.sup.sweep(context.Background())
	w.clock.Advance(time.Minute)
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusRequested, w.store.get(m.ID).Status)
}

func TestWatchdogToleratesInspectErrors(t *testing.T) {
	w := newWorld(t)
	m := w.seed(registry.StatusActive, func(m *registry.Meeting) {
		m.ContainerID = "cntr-hiccup"
	})
	w.launcher.runErr = errors.New("daemon timeout")

	w.sup.sweep(context.Background())
	w.clock.Advance(time.Minute)
	w.sup.sweep(context.Background())
	assert.Equal(t, registry.StatusActive, w.store.get(m.ID).Status)
	assert.Equal(t, 0, w.hooks.count())
}
