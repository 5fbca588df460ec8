package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	maxMsgSize = 4096             // Client messages are subscribe/unsubscribe only
)

// serverFrame is every message the hub sends: event relays carry type,
// meeting_id and payload; error and warning frames carry code and message.
type serverFrame struct {
	Type      string          `json:"type"`
	MeetingID int64           `json:"meeting_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// clientMessage is what subscribers send.
type clientMessage struct {
	Type      string `json:"type"`
	MeetingID int64  `json:"meeting_id"`
}

// Conn is one subscriber socket. readPump owns all reads, writePump owns all
// writes; everything outbound goes through the bounded send queue.
type Conn struct {
	id      string
	ownerID string
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	// slow coalesces overflow warnings: set on the first drop, cleared
	// once the queue fully drains.
	slow atomic.Bool
}

func newConn(h *Hub, ws *websocket.Conn, ownerID string) *Conn {
	depth := h.cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &Conn{
		id:      uuid.NewString(),
		ownerID: ownerID,
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, depth),
		done:    make(chan struct{}),
	}
}

// enqueue never blocks. On a full queue the oldest frame is dropped to make
// room, and the first drop of a backlog also queues a slow-client warning.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}

	c.hub.metrics.RecordWSDropped()
	if c.slow.CompareAndSwap(false, true) {
		if warning, err := json.Marshal(serverFrame{
			Type:    "warning",
			Code:    "slow",
			Message: "client reading too slowly; oldest events dropped",
		}); err == nil {
			c.dropOldest()
			select {
			case c.send <- warning:
			default:
			}
		}
	}

	c.dropOldest()
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Conn) dropOldest() {
	select {
	case <-c.send:
	default:
	}
}

// sendFrame queues a frame built by the read side (error frames); overflow
// handling matches event frames.
func (c *Conn) sendFrame(f serverFrame) {
	if data, err := json.Marshal(f); err == nil {
		c.enqueue(data)
	}
}

// close tears the connection down exactly once.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		c.ws.Close()
		slog.Info("stream client disconnected", "conn_id", c.id, "owner_id", c.ownerID)
	})
}

// writePump is the only goroutine writing to the socket: queued frames plus
// the keepalive pings.
func (c *Conn) writePump() {
	writeWait := c.hub.cfg.WriteTimeout()
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("stream write failed", "conn_id", c.id, "error", err)
				return
			}
			if len(c.send) == 0 {
				c.slow.Store(false)
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine reading from the socket; it handles the
// subscribe and unsubscribe messages.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("stream read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendFrame(serverFrame{Type: "error", Code: "bad_message", Message: "malformed JSON"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if err := c.hub.subscribe(c, msg.MeetingID); err != nil {
				code := "subscribe_failed"
				if err == ErrForbidden {
					code = "forbidden"
				}
				c.sendFrame(serverFrame{Type: "error", Code: code, Message: err.Error(), MeetingID: msg.MeetingID})
			}
		case "unsubscribe":
			c.hub.unsubscribe(c, msg.MeetingID)
		default:
			c.sendFrame(serverFrame{Type: "error", Code: "bad_message", Message: "unknown message type"})
		}
	}
}
