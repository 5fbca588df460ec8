// Package events carries meeting lifecycle events and bot commands over
// Redis Pub/Sub. Channel names encode the meeting id so relays can route
// without parsing payloads.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// Event types carried on the bus and relayed to stream clients. Transcript
// events are produced by the transcription collector; the control plane
// publishes meeting.status itself and relays all three.
const (
	TypeMeetingStatus       = "meeting.status"
	TypeTranscriptMutable   = "transcript.mutable"
	TypeTranscriptFinalized = "transcript.finalized"
)

// Envelope is the wire form of every event published to Redis. Payload stays
// raw so relays never re-encode producer data.
type Envelope struct {
	Type      string          `json:"type"`
	MeetingID int64           `json:"meeting_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
	ID        string          `json:"id"`
}

// Command actions understood by running bots.
const (
	ActionLeave       = "leave"
	ActionReconfigure = "reconfigure"
)

// Command is sent to a running bot over its per-connection command channel.
type Command struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

// CommandChannel names the channel a bot listens on. The bot subscribes with
// its connection id at startup, so the name is fixed wire contract.
func CommandChannel(connectionID string) string {
	return "bot_commands:" + connectionID
}

// PubSub is the transport surface the bus needs. GoRedisAdapter satisfies it
// in production; InProc satisfies it in tests.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error)
}

// Bus publishes meeting status snapshots and bot commands, and fans inbound
// event families into a single subscriber callback.
type Bus struct {
	ps      PubSub
	prefix  string
	metrics *monitoring.Metrics
}

func NewBus(ps PubSub, prefix string, metrics *monitoring.Metrics) *Bus {
	return &Bus{ps: ps, prefix: prefix, metrics: metrics}
}

func (b *Bus) channel(family string, meetingID int64) string {
	return fmt.Sprintf("%s%s.%d", b.prefix, family, meetingID)
}

// PublishMeetingStatus wraps the meeting snapshot in an Envelope and
// publishes it on the meeting's status channel.
func (b *Bus) PublishMeetingStatus(ctx context.Context, m *registry.Meeting) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meeting %d: %w", m.ID, err)
	}
	env := Envelope{
		Type:      TypeMeetingStatus,
		MeetingID: m.ID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.ps.Publish(ctx, b.channel(TypeMeetingStatus, m.ID), data); err != nil {
		return fmt.Errorf("publish meeting.status %d: %w", m.ID, err)
	}
	b.metrics.RecordEventPublished(TypeMeetingStatus)
	return nil
}

// PublishCommand sends a bare command object to the bot's channel. Bots
// expect the command itself, not an Envelope.
func (b *Bus) PublishCommand(ctx context.Context, connectionID string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := b.ps.Publish(ctx, CommandChannel(connectionID), data); err != nil {
		return fmt.Errorf("publish %s command to %s: %w", cmd.Action, connectionID, err)
	}
	b.metrics.RecordEventPublished("bot_command")
	return nil
}

// SubscribeStream delivers every event from the three stream families to
// handler, with the meeting id parsed off the channel name. Returns an
// unsubscribe function covering all families.
func (b *Bus) SubscribeStream(ctx context.Context, handler func(eventType string, meetingID int64, payload json.RawMessage)) (func(), error) {
	var unsubs []func()
	for _, family := range []string{TypeMeetingStatus, TypeTranscriptMutable, TypeTranscriptFinalized} {
		family := family
		pattern := fmt.Sprintf("%s%s.*", b.prefix, family)
		unsub, err := b.ps.PSubscribe(ctx, pattern, func(channel string, message []byte) {
			id, ok := b.meetingID(family, channel)
			if !ok {
				return
			}
			handler(family, id, unwrap(message))
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

func (b *Bus) meetingID(family, channel string) (int64, bool) {
	suffix := strings.TrimPrefix(channel, b.prefix+family+".")
	id, err := strconv.ParseInt(suffix, 10, 64)
	return id, err == nil
}

// unwrap returns the inner payload when the message carries an Envelope,
// otherwise the raw message. The transcription collector publishes bare
// segment payloads.
func unwrap(message []byte) json.RawMessage {
	var env Envelope
	if err := json.Unmarshal(message, &env); err == nil && env.Type != "" && len(env.Payload) > 0 {
		return env.Payload
	}
	return json.RawMessage(message)
}
