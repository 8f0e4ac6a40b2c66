package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseNormalClosure is the close code of an intentional disconnect.
	// It is the only code that suppresses automatic reconnection.
	CloseNormalClosure = websocket.CloseNormalClosure

	// CloseAbnormalClosure is reported when the transport dies without a
	// close frame, and for dial failures.
	CloseAbnormalClosure = websocket.CloseAbnormalClosure
)

// Socket is one open WebSocket. Read is called from a single goroutine;
// Write and Close may be called from any goroutine.
type Socket interface {
	// Read blocks until the next text frame arrives. A close handshake is
	// reported as *CloseError.
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets. It is an interface so tests can drive the
// connection state machine without a network.
type Dialer interface {
	Dial(ctx context.Context, target string) (Socket, error)
}

// CloseError reports the close code and reason received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("realtime: socket closed (code %d): %s", e.Code, e.Reason)
}

// closeStatus extracts the close code and reason from a read error.
// Anything that is not a close handshake counts as an abnormal closure.
func closeStatus(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormalClosure, err.Error()
}

// WebSocketDialer dials real sockets with gorilla/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
}

// NewWebSocketDialer returns a dialer whose sockets give up on a single
// write after writeTimeout.
func NewWebSocketDialer(writeTimeout time.Duration) *WebSocketDialer {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultDialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		header:       http.Header{},
		writeTimeout: writeTimeout,
	}
}

// Dial performs the WebSocket handshake against target.
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, target, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: %w (http %d)", RedactTarget(target), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", RedactTarget(target), err)
	}
	return &wsSocket{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// wsSocket adapts *websocket.Conn to Socket. gorilla connections support
// one concurrent writer, so writes and the close handshake share writeMu.
type wsSocket struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (s *wsSocket) Read() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		// The peer may already be gone; the close frame is best effort.
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(s.writeTimeout),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RedactTarget hides the token query parameter so socket URLs can be logged.
func RedactTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
