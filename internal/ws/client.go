package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClientClosed = errors.New("client closed")
	errClientSlow   = errors.New("client send buffer full")
)

// Client is one websocket connection. A connection speaks for a single
// participant once it has sent a handshake or join_session.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	mu       sync.Mutex
	identity *Identity
	sessions map[string]struct{}
	lastSeen time.Time
	closed   bool

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan []byte, h.cfg.SendBuffer),
		Hub:      h,
		ctx:      ctx,
		cancel:   cancel,
		log:      h.log.WithClientID(id),
		sessions: make(map[string]struct{}),
		lastSeen: h.now(),
	}
}

// Identity returns the participant bound to the connection
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

func (c *Client) isSupervisor() bool {
	id, ok := c.Identity()
	return ok && (id.UserType == models.ParticipantSpecialist || id.UserType == models.ParticipantSystem)
}

func (c *Client) inSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// enqueue hands a frame to the writer without blocking
func (c *Client) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.Send <- b:
		return nil
	default:
		return errClientSlow
	}
}

// closeSend closes the send queue, which makes the writer close the socket
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) send(out Outbound) {
	b, err := json.Marshal(out)
	if err != nil {
		c.log.LogError(err, "Error marshaling event", "type", string(out.Type))
		return
	}
	if err := c.enqueue(b); err != nil {
		c.log.Warn("Dropping event for client", "type", string(out.Type), "error", err.Error())
		if errors.Is(err, errClientSlow) {
			c.closeSend()
		}
	}
}

func (c *Client) sendError(err error) {
	c.send(newErrorOutbound(err, c.Hub.now()))
}

// ReadPump reads frames in receipt order and dispatches each one before
// reading the next
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.disconnect(c)
		c.log.Debug("ReadPump ended")
	}()

	c.Conn.SetReadLimit(c.Hub.cfg.MaxMessageBytes)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.touch(c.Hub.now())
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Unexpected websocket close", "error", err.Error())
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Hub.Dispatch(c.ctx, c, data)
	}
}

// WritePump drains the send queue to the socket and keeps the peer alive with
// pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Write failed", "error", err.Error())
				return
			}

			// Send any queued messages as separate frames
			n := len(c.Send)
			for i := 0; i < n; i++ {
				extra, ok := <-c.Send
				if !ok {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, extra); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and starts the connection's pumps
func ServeWs(hub *Hub, c *gin.Context) {
	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.LogError(err, "Error upgrading connection")
		return
	}

	client := newClient(hub, conn)
	hub.register(client)
	client.log.Info("WebSocket connection established", "remote_addr", c.Request.RemoteAddr)

	go client.WritePump()
	go client.ReadPump()
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
