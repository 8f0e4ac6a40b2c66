package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errSocketClosed = errors.New("fake socket closed")

type fakeSession struct {
	mu       sync.Mutex
	token    string
	userID   string
	authed   bool
	watchers map[int]func(bool)
	nextID   int
}

func newFakeSession(authed bool) *fakeSession {
	return &fakeSession{token: "tok", userID: "u-1", authed: authed, watchers: map[int]func(bool){}}
}

func (s *fakeSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *fakeSession) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

func (s *fakeSession) Watch(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) setAuthenticated(authed bool) {
	s.mu.Lock()
	s.authed = authed
	fns := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(authed)
	}
}

func (s *fakeSession) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

type fakeSocket struct {
	inbound chan []byte
	remote  chan *CloseError
	closed  chan struct{}
	once    sync.Once

	mu          sync.Mutex
	writes      [][]byte
	closeCode   int
	closeReason string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		remote:  make(chan *CloseError, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) Read() ([]byte, error) {
	select {
	case b := <-s.inbound:
		return b, nil
	case ce := <-s.remote:
		return nil, ce
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) Write(data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// push delivers a frame from the server.
func (s *fakeSocket) push(frame string) {
	s.inbound <- []byte(frame)
}

// serverClose simulates the server ending the connection.
func (s *fakeSocket) serverClose(code int, reason string) {
	s.remote <- &CloseError{Code: code, Reason: reason}
}

func (s *fakeSocket) written() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.writes))
	for _, w := range s.writes {
		m, err := DecodeMessage(w)
		if err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSocket) rawWrites() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *fakeSocket) closedWith() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    error
	targets []string
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(_ context.Context, target string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.fail != nil {
		return nil, d.fail
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) lastSocket() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// recorder captures events in the order they were emitted.
type recorder struct {
	ch chan Message

	mu     sync.Mutex
	events []Message
}

func record(c *Connection, types ...EventType) *recorder {
	r := &recorder{ch: make(chan Message, 256)}
	for _, t := range types {
		c.On(t, func(m Message) {
			r.mu.Lock()
			r.events = append(r.events, m)
			r.mu.Unlock()
			r.ch <- m
		})
	}
	return r
}

// next waits for the next event of type t, skipping others.
func (r *recorder) next(t *testing.T, typ EventType) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.ch:
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
			return Message{}
		}
	}
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.events {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	conn    *Connection
	dialer  *fakeDialer
	clock   *clockwork.FakeClock
	session *fakeSession
}

var testEpoch = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Host = "api.test"
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		dialer:  &fakeDialer{},
		clock:   clockwork.NewFakeClockAt(testEpoch),
		session: newFakeSession(true),
	}
	conn, err := New(cfg, h.session, zap.NewNop(),
		WithDialer(h.dialer),
		WithClock(h.clock),
	)
	require.NoError(t, err)
	h.conn = conn
	t.Cleanup(conn.Disconnect)
	return h
}

// connect opens a socket and waits for the connected event.
func (h *harness) connect(t *testing.T, rec *recorder) *fakeSocket {
	t.Helper()
	h.conn.Connect()
	rec.next(t, EventConnected)
	sock := h.dialer.lastSocket()
	require.NotNil(t, sock)
	return sock
}
