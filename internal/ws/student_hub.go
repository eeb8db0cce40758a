package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/monitor"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

// maxTelemetryMessage fits a downscaled RGB frame plus a batch of input events.
const maxTelemetryMessage = 1 << 20

// studentLeave asks the hub to drop a client; current reports whether it still owned the session.
type studentLeave struct {
	client  *studentClient
	current chan bool
}

type studentNotification struct {
	sessionID string
	payload   []byte
}

// StudentHub holds one telemetry connection per exam session and pushes monitor output
// and session status back over it.
type StudentHub struct {
	register   chan *studentClient
	unregister chan studentLeave
	notify     chan studentNotification
	clients    map[string]*studentClient
	done       chan struct{}
	log        *zap.Logger
}

func NewStudentHub(log *zap.Logger) *StudentHub {
	return &StudentHub{
		register:   make(chan *studentClient),
		unregister: make(chan studentLeave),
		notify:     make(chan studentNotification, sendBufferSize),
		clients:    make(map[string]*studentClient),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *StudentHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			if existing, ok := h.clients[client.sessionID]; ok {
				h.drop(existing)
			}
			h.clients[client.sessionID] = client
			metrics.WebSocketConnections.WithLabelValues("student").Inc()
		case l := <-h.unregister:
			stored, ok := h.clients[l.client.sessionID]
			current := ok && stored == l.client
			if current {
				h.drop(l.client)
			}
			l.current <- current
		case msg := <-h.notify:
			if client, ok := h.clients[msg.sessionID]; ok {
				select {
				case client.send <- msg.payload:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *StudentHub) drop(client *studentClient) {
	delete(h.clients, client.sessionID)
	close(client.send)
	client.conn.Close()
	metrics.WebSocketConnections.WithLabelValues("student").Dec()
}

func (h *StudentHub) add(c *studentClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave unregisters c and reports whether it was still the session's connection.
func (h *StudentHub) leave(c *studentClient) bool {
	l := studentLeave{client: c, current: make(chan bool, 1)}
	select {
	case h.unregister <- l:
	case <-h.done:
		return false
	}
	return <-l.current
}

// Send queues a typed message for the session's connection without blocking.
func (h *StudentHub) Send(sessionID, msgType string, payload interface{}) {
	if h == nil {
		return
	}
	data, err := telemetry.Encode(msgType, payload)
	if err != nil {
		h.log.Error("ws: failed to encode student message", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case h.notify <- studentNotification{sessionID: sessionID, payload: data}:
	default:
		h.log.Warn("ws: student hub saturated, dropping message",
			zap.String("session_id", sessionID),
			zap.String("type", msgType),
		)
	}
}

type studentClient struct {
	hub       *StudentHub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	// onLeave runs after the connection drops if no newer connection replaced it.
	onLeave   func()
}

// readPump decodes telemetry frames and hands them to deliver until the connection
// drops or the session's monitor is gone.
func (c *studentClient) readPump(deliver func(telemetry.Message) error) {
	defer func() {
		if c.hub.leave(c) && c.onLeave != nil {
			c.onLeave()
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxTelemetryMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := telemetry.Decode(data)
		if err != nil {
			c.hub.log.Debug("ws: dropping undecodable telemetry", zap.String("session_id", c.sessionID), zap.Error(err))
			continue
		}
		switch err := deliver(msg); {
		case err == nil:
		case errors.Is(err, monitor.ErrBusy):
			c.hub.log.Warn("ws: monitor busy, telemetry dropped", zap.String("session_id", c.sessionID))
		default:
			return
		}
	}
}
