// Package stream fans live meeting events out to WebSocket subscribers at
// /ws. The hub consumes the event bus once and routes frames to per-meeting
// subscriber sets; each connection owns a bounded outbound queue so one slow
// reader never stalls the rest.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
)

// ErrForbidden rejects a subscribe for a meeting the client does not own.
// Unknown meeting ids map here too, so probing cannot reveal which ids exist.
var ErrForbidden = errors.New("meeting does not belong to this client")

// OwnerStore resolves meeting ownership for subscribe authorization.
type OwnerStore interface {
	Get(ctx context.Context, id int64) (*registry.Meeting, error)
}

// Subscriber is the bus surface the hub consumes.
type Subscriber interface {
	SubscribeStream(ctx context.Context, handler func(eventType string, meetingID int64, payload json.RawMessage)) (func(), error)
}

// Hub tracks connections and their per-meeting subscriptions.
type Hub struct {
	store    OwnerStore
	cfg      config.StreamConfig
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	subs  map[int64]map[*Conn]struct{}
}

func NewHub(store OwnerStore, cfg config.StreamConfig, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API gateway terminates origin policy before /ws.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
		subs:  make(map[int64]map[*Conn]struct{}),
	}
}

// Run consumes the event bus until ctx ends, then drops every connection.
func (h *Hub) Run(ctx context.Context, bus Subscriber) error {
	unsub, err := bus.SubscribeStream(ctx, h.route)
	if err != nil {
		return err
	}
	defer unsub()
	<-ctx.Done()
	h.closeAll()
	return nil
}

// route encodes the frame once and enqueues it to every subscriber of the
// meeting. Enqueue never blocks, so holding the read lock here is safe.
func (h *Hub) route(eventType string, meetingID int64, payload json.RawMessage) {
	frame, err := json.Marshal(serverFrame{Type: eventType, MeetingID: meetingID, Payload: payload})
	if err != nil {
		slog.Warn("encode stream frame", "type", eventType, "meeting_id", meetingID, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[meetingID] {
		c.enqueue(frame)
	}
}

// ServeHTTP upgrades the client connection. The gateway authenticates callers
// and forwards the owner identity; without it the socket is refused before
// the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		http.Error(w, "missing owner identity", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(h, ws, ownerID)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddWSConnections(1)
	slog.Info("stream client connected", "conn_id", c.id, "owner_id", ownerID)

	go c.writePump()
	go c.readPump()
}

const subscribeTimeout = 3 * time.Second

// subscribe joins the connection to a meeting's fan-out set after checking
// the meeting belongs to the connection's owner.
func (h *Hub) subscribe(c *Conn, meetingID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	m, err := h.store.Get(ctx, meetingID)
	if errors.Is(err, registry.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if m.OwnerID != c.ownerID {
		return ErrForbidden
	}

	h.mu.Lock()
	set, ok := h.subs[meetingID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.subs[meetingID] = set
	}
	_, already := set[c]
	set[c] = struct{}{}
	h.mu.Unlock()

	if !already {
		h.metrics.AddWSSubscriptions(1)
	}
	return nil
}

func (h *Hub) unsubscribe(c *Conn, meetingID int64) {
	h.mu.Lock()
	set := h.subs[meetingID]
	_, had := set[c]
	if had {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, meetingID)
		}
	}
	h.mu.Unlock()

	if had {
		h.metrics.AddWSSubscriptions(-1)
	}
}

// remove forgets the connection and every subscription it held.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	dropped := 0
	for id, set := range h.subs {
		if _, ok := set[c]; ok {
			delete(set, c)
			dropped++
			if len(set) == 0 {
				delete(h.subs, id)
			}
		}
	}
	h.mu.Unlock()

	h.metrics.AddWSConnections(-1)
	if dropped > 0 {
		h.metrics.AddWSSubscriptions(-dropped)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// counts reports connections and subscriptions, for tests and debug logs.
func (h *Hub) counts() (conns, subs int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.subs {
		subs += len(set)
	}
	return len(h.conns), subs
}
