// Package ws streams engine events to websocket clients.
//
// Every connected client receives every event: migration progress, script
// lines of a rollback, and final results. Slow clients drop events rather
// than stall the engine.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local control surface
	},
}

// Event is one message sent to clients.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Event types.
const (
	TypeSystem   = "system"
	TypeProgress = "progress"
	TypeLine     = "line"
	TypeResult   = "result"
	TypePong     = "pong"
	TypeError    = "error"
)

// Metrics receives connection and message counts.
type Metrics interface {
	RecordWSMessage(msgType string)
	IncWSConnections()
	DecWSConnections()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	metrics Metrics
	logger  *zap.Logger
}

// NewHub creates a hub. metrics may be nil.
func NewHub(metrics Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		metrics: metrics,
		logger:  logger.Named("ws"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends an event to every client without blocking.
func (h *Hub) Publish(typ, jobID string, data any) {
	payload, err := encode(Event{Type: typ, JobID: jobID, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		h.logger.Warn("Failed to encode event", zap.String("type", typ), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
			h.record(typ)
		default:
			h.logger.Debug("Dropped event for slow client", zap.String("type", typ))
		}
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(cl)
	defer h.remove(cl)

	go h.writeLoop(cl)

	if hello, err := encode(Event{Type: TypeSystem, Data: "connected", Timestamp: time.Now().Unix()}); err == nil {
		cl.send <- hello
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		reply := Event{Type: TypePong, Timestamp: time.Now().Unix()}
		if err := sonic.Unmarshal(data, &msg); err != nil || msg.Type != "ping" {
			reply = Event{Type: TypeError, Data: "unknown message type", Timestamp: time.Now().Unix()}
		}
		if payload, err := encode(reply); err == nil {
			select {
			case cl.send <- payload:
			default:
			}
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
}

func (h *Hub) record(typ string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(typ)
	}
}

func encode(ev Event) ([]byte, error) {
	return sonic.Marshal(ev)
}
