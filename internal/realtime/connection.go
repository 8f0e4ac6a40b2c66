// Package realtime is the client side of the civic platform's WebSocket
// channel. A Connection owns one socket at a time and handles:
//   - Connecting with the session token in the query string
//   - Automatic reconnection with exponential backoff after unexpected closes
//   - A heartbeat frame every HeartbeatInterval while connected
//   - Fanning inbound frames out to handlers registered per event type
//   - Domain intents (rooms, presence, typing, entity subscriptions)
//
// Only a close with code 1000 stops the reconnect loop. Dial failures and
// transport errors count as code 1006. Each socket is tagged with a
// generation number; callbacks from a superseded socket or a cancelled
// reconnect timer are ignored.
//
// The connection state lives behind a single mutex. Handlers are never
// called with it held, so they may call Send, Connect or Disconnect.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const manualDisconnectReason = "Manual disconnect"

// Session supplies the credentials the connection presents.
type Session interface {
	Token() string
	UserID() string
	IsAuthenticated() bool
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a Connection.
type Option func(*Connection)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithClock replaces the wall clock used for reconnect timers, heartbeats
// and frame timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Connection) { c.clock = clock }
}

// WithMetrics makes the connection report to m instead of an unregistered
// set of collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// Connection maintains the WebSocket to the realtime server.
type Connection struct {
	cfg        Config
	session    Session
	dialer     Dialer
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *Metrics
	dispatcher *dispatcher

	// mu protects everything below. The socket is replaced, never reused,
	// on every connect attempt.
	mu             sync.Mutex
	state          State
	socket         Socket
	generation     uint64
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer clockwork.Timer
	heartbeat      clockwork.Ticker
	heartbeatStop  chan struct{}
	dialCancel     context.CancelFunc
	lastErr        error
	lastMessage    *Message
}

// New validates cfg and returns a disconnected Connection.
func New(cfg Config, session Session, logger *zap.Logger, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session is required", ErrInvalidConfig)
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		cfg:     cfg,
		session: session,
		logger:  logger.Named("realtime"),
		backoff: newBackoff(cfg),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(cfg.WriteTimeout)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.dispatcher = newDispatcher(c.logger, c.metrics)
	c.metrics.setState(StateDisconnected)
	return c, nil
}

// newBackoff builds the reconnect schedule: ReconnectDelay doubled on every
// attempt, without jitter, capped only when MaxReconnectDelay is set.
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	maxInterval := cfg.MaxReconnectDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ReconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Connect starts dialing in the background. It does nothing when a socket
// is already open or being opened. Completion is reported through the
// connected and disconnected events.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("connect ignored", zap.Stringer("state", state))
		return
	}

	target, err := c.cfg.Target(c.session.Token())
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Error("cannot build socket url", zap.Error(err))
		c.emit(EventError, ErrorInfo{Error: err.Error()})
		return
	}

	c.generation++
	gen := c.generation
	c.lastErr = nil
	c.stopReconnectLocked()
	c.setStateLocked(StateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.dialCancel = cancel
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("connecting",
		zap.String("target", RedactTarget(target)),
		zap.Int("attempt", attempt),
	)
	go c.dial(ctx, cancel, gen, target)
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	sock, err := c.dialer.Dial(ctx, target)
	cancel()
	if err != nil {
		c.fail(gen, err)
		return
	}
	c.open(gen, sock)
}

// fail handles a dial error: record it, report it, then treat it as an
// abnormal close so the reconnect schedule applies.
func (c *Connection) fail(gen uint64, err error) {
	if !c.reportError(gen, "connection failed", err) {
		return
	}
	c.handleClose(gen, CloseAbnormalClosure, err.Error())
}

// reportError records err as the last error and emits it, unless gen is
// stale or the connection is already down. It reports whether it did.
func (c *Connection) reportError(gen uint64, msg string, err error) bool {
	c.mu.Lock()
	if gen != c.generation || c.state == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Warn(msg, zap.Error(err))
	c.emit(EventError, ErrorInfo{Error: err.Error()})
	return true
}

func (c *Connection) open(gen uint64, sock Socket) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		// Disconnect or a newer Connect won the race.
		_ = sock.Close(CloseNormalClosure, "superseded")
		return
	}
	c.socket = sock
	c.dialCancel = nil
	c.lastErr = nil
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnected)
	c.startHeartbeatLocked()
	c.mu.Unlock()

	c.metrics.connects.Inc()
	c.logger.Info("connected")
	c.emit(EventConnected, nil)

	c.readLoop(gen, sock)
}

// readLoop delivers frames until the socket fails. It runs on the dial
// goroutine, so frames are dispatched in the order they arrived.
func (c *Connection) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.Read()
		if err != nil {
			code, reason := closeStatus(err)
			if code != CloseNormalClosure {
				c.reportError(gen, "connection lost", err)
			}
			c.handleClose(gen, code, reason)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Connection) handleFrame(gen uint64, data []byte) {
	msg, err := DecodeMessage(data)
	if err == nil && msg.Type == "" {
		err = errors.New("realtime: frame has no type")
	}
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		c.metrics.dropped("malformed")
		return
	}

	c.metrics.framesReceived.WithLabelValues(metricType(msg.Type)).Inc()
	if msg.Type == EventHeartbeat {
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.metrics.dropped("stale")
		return
	}
	last := msg
	c.lastMessage = &last
	c.mu.Unlock()

	c.dispatcher.dispatch(msg)
}

// handleClose moves a live socket to Disconnected and, unless the close was
// normal or the attempts are used up, schedules the next connect.
func (c *Connection) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.socket = nil
	c.dialCancel = nil
	c.stopHeartbeatLocked()
	c.setStateLocked(StateDisconnected)

	var next *ReconnectInfo
	exhausted := false
	if code != CloseNormalClosure {
		if c.attempts < c.cfg.ReconnectAttempts {
			next = c.scheduleReconnectLocked(gen)
		} else {
			exhausted = true
		}
	}
	attempts := c.attempts
	c.mu.Unlock()

	if sock != nil {
		// The transport is already gone; this only releases it.
		_ = sock.Close(CloseNormalClosure, "")
	}

	c.metrics.disconnected(code)
	c.logger.Info("disconnected", zap.Int("code", code), zap.String("reason", reason))
	c.emit(EventDisconnected, DisconnectInfo{Code: code, Reason: reason})

	switch {
	case next != nil:
		c.metrics.reconnects.Inc()
		c.logger.Info("reconnect scheduled",
			zap.Int("attempt", next.Attempt),
			zap.Int("max_attempts", next.MaxAttempts),
			zap.Duration("delay", time.Duration(next.DelayMillis)*time.Millisecond),
		)
		c.emit(EventReconnecting, *next)
	case exhausted:
		c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
	}
}

func (c *Connection) scheduleReconnectLocked(gen uint64) *ReconnectInfo {
	c.attempts++
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		return nil
	}
	c.stopReconnectLocked()
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.fireReconnect(gen) })
	return &ReconnectInfo{
		Attempt:     c.attempts,
		MaxAttempts: c.cfg.ReconnectAttempts,
		DelayMillis: delay.Milliseconds(),
	}
}

func (c *Connection) fireReconnect(gen uint64) {
	c.mu.Lock()
	ok := gen == c.generation &&
		c.state == StateDisconnected &&
		c.attempts <= c.cfg.ReconnectAttempts
	if ok {
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	if ok {
		c.Connect()
	}
}

// Disconnect closes the socket with code 1000, which suppresses automatic
// reconnection. A pending reconnect and an in-flight dial are cancelled.
// The attempt counter is left alone; only a successful open resets it.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	sock := c.socket
	c.socket = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if sock == nil {
		return
	}
	if err := sock.Close(CloseNormalClosure, manualDisconnectReason); err != nil {
		c.logger.Debug("closing socket", zap.Error(err))
	}
	c.metrics.disconnected(CloseNormalClosure)
	c.logger.Info("disconnected", zap.Int("code", CloseNormalClosure), zap.String("reason", manualDisconnectReason))
	c.emit(EventDisconnected, DisconnectInfo{Code: CloseNormalClosure, Reason: manualDisconnectReason})
}

// Send writes one frame. It reports false, without buffering, when the
// connection is not open or the write fails.
func (c *Connection) Send(t EventType, payload any) bool {
	c.mu.Lock()
	sock := c.socket
	open := c.state == StateConnected && sock != nil
	c.mu.Unlock()

	if !open {
		c.logger.Debug("not connected, dropping outbound frame", zap.String("type", string(t)))
		return false
	}

	msg, err := NewMessage(t, payload, c.clock.Now(), c.session.UserID())
	if err != nil {
		c.logger.Warn("encoding payload", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		c.logger.Warn("encoding frame", zap.String("type", string(t)), zap.Error(err))
		return false
	}

	if err := sock.Write(frame); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("write failed", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	c.metrics.framesSent.WithLabelValues(metricType(t)).Inc()
	return true
}

// On registers h for events of type t.
func (c *Connection) On(t EventType, h Handler) HandlerID {
	return c.dispatcher.on(t, h)
}

// Off removes the handlers with the given ids, or all handlers of t when
// no ids are passed.
func (c *Connection) Off(t EventType, ids ...HandlerID) {
	c.dispatcher.off(t, ids...)
}

// ClearHandlers removes every registered handler.
func (c *Connection) ClearHandlers() {
	c.dispatcher.clear()
}

// Emit delivers payload to the local handlers of t without touching the
// socket.
func (c *Connection) Emit(t EventType, payload any) {
	c.emit(t, payload)
}

func (c *Connection) emit(t EventType, payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		c.logger.Warn("encoding local event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	c.dispatcher.dispatch(Message{
		Type:      t,
		Data:      data,
		Timestamp: c.clock.Now().UTC().Format(timestampLayout),
	})
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a socket is open.
func (c *Connection) Connected() bool { return c.State() == StateConnected }

// Connecting reports whether a dial is in flight.
func (c *Connection) Connecting() bool { return c.State() == StateConnecting }

// Attempts returns the number of reconnects scheduled since the last
// successful open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the most recent connection or write error. It is
// cleared when a new attempt starts and when a socket opens.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastMessage returns the most recent non-heartbeat frame received.
func (c *Connection) LastMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMessage == nil {
		return Message{}, false
	}
	return *c.lastMessage, true
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.metrics.setState(s)
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) startHeartbeatLocked() {
	stop := make(chan struct{})
	c.heartbeatStop = stop
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	c.heartbeat = ticker

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				select {
				case <-stop:
					return
				default:
				}
				if c.Send(EventHeartbeat, HeartbeatPayload{Timestamp: c.clock.Now().UnixMilli()}) {
					c.logger.Debug("heartbeat sent")
				}
			}
		}
	}()
}

func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// metricType bounds label cardinality: server-defined types the client
// does not know share one label.
func metricType(t EventType) string {
	if t.Known() {
		return string(t)
	}
	return "other"
}
