package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/metrics"
	"github.com/zaqqye/seb_integrity/internal/models"
)

type proctorMessage struct {
	examID  string
	payload []byte
}

// ProctorHub streams audit events to pengawas/admin dashboards.
type ProctorHub struct {
	register   chan *proctorClient
	unregister chan *proctorClient
	broadcast  chan proctorMessage
	clients    map[*proctorClient]struct{}
	done       chan struct{}
	log        *zap.Logger
}

func NewProctorHub(log *zap.Logger) *ProctorHub {
	return &ProctorHub{
		register:   make(chan *proctorClient),
		unregister: make(chan *proctorClient),
		broadcast:  make(chan proctorMessage, sendBufferSize),
		clients:    make(map[*proctorClient]struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *ProctorHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			metrics.WebSocketConnections.WithLabelValues("proctor").Inc()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.examID != "" && client.examID != msg.examID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *ProctorHub) drop(client *proctorClient) {
	delete(h.clients, client)
	close(client.send)
	client.conn.Close()
	metrics.WebSocketConnections.WithLabelValues("proctor").Dec()
}

// Publish queues an audit event for every proctor watching its exam. It never blocks;
// events are dropped when the hub is saturated.
func (h *ProctorHub) Publish(ev models.AuditEvent) {
	if h == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("ws: failed to marshal audit event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- proctorMessage{examID: ev.ExamID, payload: data}:
	default:
		h.log.Warn("ws: proctor hub saturated, dropping event",
			zap.String("session_id", ev.SessionID),
			zap.String("kind", ev.Kind),
		)
	}
}

func (h *ProctorHub) add(c *proctorClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

type proctorClient struct {
	hub    *ProctorHub
	conn   *websocket.Conn
	send   chan []byte
	examID string // empty watches every exam
}

func (c *proctorClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
