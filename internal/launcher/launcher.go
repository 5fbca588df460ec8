// Package launcher starts and stops bot containers. The Launcher interface
// keeps the supervisor independent of the container runtime; DockerBackend
// drives the local Docker daemon for single-host deployments.
package launcher

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Spec carries everything a bot container needs to join its meeting and call
// back into the control plane.
type Spec struct {
	MeetingID    int64
	ConnectionID string
	Platform     string
	NativeID     string
	MeetingURL   string
	Passcode     string
	BotName      string
	Language     string
	Task         string
	Token        string
}

// Launcher abstracts the container runtime for bot workers.
type Launcher interface {
	// Launch provisions and starts one bot container, returning its id.
	Launch(ctx context.Context, spec Spec) (containerID string, err error)

	// Stop asks the container to exit, force-killing after grace.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove force-removes a container and its resources.
	Remove(ctx context.Context, containerID string) error

	// Running reports whether the container still exists and runs. A
	// missing container is (false, nil), not an error.
	Running(ctx context.Context, containerID string) (bool, error)

	// Name identifies the backend for logging.
	Name() string
}

// containerEnv renders the launch metadata as container environment. The
// variable names are wire contract with the bot image.
func containerEnv(spec Spec, callbackURL, redisURL string) []string {
	return []string{
		"MEETING_ID=" + strconv.FormatInt(spec.MeetingID, 10),
		"CONNECTION_ID=" + spec.ConnectionID,
		"PLATFORM=" + spec.Platform,
		"NATIVE_MEETING_ID=" + spec.NativeID,
		"MEETING_URL=" + spec.MeetingURL,
		"PASSCODE=" + spec.Passcode,
		"BOT_NAME=" + spec.BotName,
		"LANGUAGE=" + spec.Language,
		"TASK=" + spec.Task,
		"BOT_TOKEN=" + spec.Token,
		"CALLBACK_URL=" + callbackURL,
		"REDIS_URL=" + redisURL,
	}
}

// containerLabels tags the container so operators can trace it back to the
// meeting with plain docker ps filters.
func containerLabels(spec Spec) map[string]string {
	return map[string]string{
		"vexa.meeting-id":    strconv.FormatInt(spec.MeetingID, 10),
		"vexa.connection-id": spec.ConnectionID,
		"vexa.platform":      spec.Platform,
	}
}

// containerName builds a stable, human-scannable container name.
func containerName(spec Spec) string {
	conn := spec.ConnectionID
	if len(conn) > 8 {
		conn = conn[:8]
	}
	return fmt.Sprintf("vexa-bot-%d-%s", spec.MeetingID, conn)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
