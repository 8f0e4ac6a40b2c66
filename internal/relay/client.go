package relay

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the relay waits for any frame, pong included,
	// before giving up on the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound intent frame.
	maxMessageSize = 64 << 10

	// sendBufferSize is the capacity of the per-client outbound queue. A
	// client that lets it fill up is disconnected.
	sendBufferSize = 64
)

// upgrader accepts any origin; in deployments the reverse proxy checks it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected socket. readPump feeds inbound frames to the
// relay and writePump is the only goroutine writing to conn.
type Client struct {
	id     string
	userID string
	relay  *Relay
	conn   *websocket.Conn
	send   chan []byte

	// limiter caps inbound frames; excess frames are dropped.
	limiter *rate.Limiter

	// topics and closed are guarded by the hub lock.
	topics map[string]struct{}
	closed bool

	logger *zap.Logger
}

func newClient(r *Relay, conn *websocket.Conn, userID, remoteAddr string) *Client {
	id := uuid.NewString()
	c := &Client{
		id:      id,
		userID:  userID,
		relay:   r,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst),
		topics:  map[string]struct{}{TopicUser + userID: {}},
		logger: r.logger.With(
			zap.String("client_id", id),
			zap.String("user_id", userID),
			zap.String("remote_addr", remoteAddr),
		),
	}
	return c
}

// ID returns the relay-assigned client id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user of the socket.
func (c *Client) UserID() string { return c.userID }

// enqueue queues frame for this client only. It reports false when the
// buffer is full or the client has been removed.
func (c *Client) enqueue(frame []byte) bool {
	h := c.relay.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// run starts the write pump and blocks in the read pump until the
// connection closes.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.relay.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
		// Any frame proves the peer is alive.
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.relay.metrics.rateLimited.Inc()
			continue
		}
		c.relay.handleFrame(c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping error", zap.Error(err))
				return
			}
		}
	}
}
