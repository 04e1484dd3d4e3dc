package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/pkg/constants"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

// MaxWatchedUsers caps the ids a single connection may watch
const MaxWatchedUsers = 500

// Message types
const (
	MessageTypeWatch    = "watch"
	MessageTypeUnwatch  = "unwatch"
	MessageTypePresence = "presence"
	MessageTypeError    = "error"
)

// PresenceTracker is the presence API the gateway drives
type PresenceTracker interface {
	InitializePresence(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
	SubscribeToMultiplePresences(ctx context.Context, userIDs []string, cb func(map[string]domain.PresenceRecord)) (domain.Unsubscribe, error)
}

// ClientMessage is sent by the client
type ClientMessage struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// ServerMessage is sent to the client
type ServerMessage struct {
	Type      string                           `json:"type"`
	Presences map[string]domain.PresenceRecord `json:"presences,omitempty"`
	Error     string                           `json:"error,omitempty"`
}

// PresenceHub keeps one presence session per connected user and streams the
// presence of the users each connection watches.
type PresenceHub struct {
	tracker        PresenceTracker
	metrics        *metrics.Metrics
	upgrader       websocket.Upgrader
	maxConnections int
	semaphore      chan struct{}
}

// NewPresenceHub creates a hub admitting at most maxConnections sockets
func NewPresenceHub(tracker PresenceTracker, m *metrics.Metrics, maxConnections int, allowedOrigins map[string]bool) *PresenceHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &PresenceHub{
		tracker: tracker,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Native clients send no Origin.
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigins[origin]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

type presenceClient struct {
	hub    *PresenceHub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu     sync.Mutex
	closed bool
	unsub  domain.Unsubscribe
}

// ServeWS upgrades the request and starts the user's presence session
func (h *PresenceHub) ServeWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	initCtx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	err = h.tracker.InitializePresence(initCtx, userID)
	cancel()
	if err != nil {
		logger.Error("Failed to start presence session",
			zap.String("user_id", userID),
			zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"),
			time.Now().Add(constants.WebSocketWriteWait))
		conn.Close()
		<-h.semaphore
		return
	}

	h.metrics.IncWebSocketConnections()
	client := &presenceClient{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}

	go client.writePump()
	go client.readPump()
}

// enqueue hands msg to the write pump. A client that cannot keep up is closed.
func (c *presenceClient) enqueue(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal presence message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		c.hub.metrics.RecordWebSocketMessage(msg.Type, "out")
	default:
		logger.Warn("Presence client too slow, closing",
			zap.String("user_id", c.userID))
		c.conn.Close()
	}
}

// watch replaces the set of users this connection watches
func (c *presenceClient) watch(userIDs []string) {
	if len(userIDs) > MaxWatchedUsers {
		c.enqueue(ServerMessage{Type: MessageTypeError, Error: "too many users"})
		return
	}

	c.unwatch()
	if len(userIDs) == 0 {
		return
	}

	unsub, err := c.hub.tracker.SubscribeToMultiplePresences(context.Background(), userIDs, func(snap map[string]domain.PresenceRecord) {
		c.enqueue(ServerMessage{Type: MessageTypePresence, Presences: snap})
	})
	if err != nil {
		logger.Warn("Presence watch failed",
			zap.String("user_id", c.userID),
			zap.Error(err))
		c.enqueue(ServerMessage{Type: MessageTypeError, Error: "watch failed"})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsub = unsub
	c.mu.Unlock()
}

func (c *presenceClient) unwatch() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// shutdown ends the watch, releases the presence session and stops the writer
func (c *presenceClient) shutdown() {
	c.unwatch()

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()
	if err := c.hub.tracker.Release(ctx, c.userID); err != nil {
		logger.Warn("Failed to release presence session",
			zap.String("user_id", c.userID),
			zap.Error(err))
	}

	c.hub.metrics.DecWebSocketConnections()
	<-c.hub.semaphore
}

func (c *presenceClient) readPump() {
	defer func() {
		c.conn.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(ServerMessage{Type: MessageTypeError, Error: "invalid message"})
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(msg.Type, "in")

		switch msg.Type {
		case MessageTypeWatch:
			c.watch(msg.UserIDs)
		case MessageTypeUnwatch:
			c.unwatch()
		default:
			c.enqueue(ServerMessage{Type: MessageTypeError, Error: "unknown message type"})
		}
	}
}

func (c *presenceClient) writePump() {
	// Pings go out well inside the peer's read deadline.
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
