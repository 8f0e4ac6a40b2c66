package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
	"github.com/civicpulse/realtime/internal/session"
)

const (
	testSecret = "relay-test-secret-0123"
	testIssuer = "civic-test"
	adminToken = "admin-secret"
)

type testRelay struct {
	relay  *Relay
	srv    *httptest.Server
	tokens *session.TokenManager
}

func newTestRelay(t *testing.T, mutate ...func(*Config)) *testRelay {
	t.Helper()
	tokens, err := session.NewTokenManager(testSecret, testIssuer)
	require.NoError(t, err)

	cfg := Config{
		AdminToken: adminToken,
		Tokens:     tokens,
		Logger:     zap.NewNop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = r.Stop() })
	return &testRelay{relay: r, srv: srv, tokens: tokens}
}

func (tr *testRelay) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := tr.tokens.Issue(session.User{ID: userID, Username: "name-" + userID}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (tr *testRelay) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws?token=" + token
}

// peer is a bare WebSocket client speaking the wire format.
type peer struct {
	conn *websocket.Conn
}

func (tr *testRelay) dial(t *testing.T, userID string) *peer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(tr.wsURL(tr.token(t, userID)), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{conn: conn}
}

func (p *peer) send(t *testing.T, typ realtime.EventType, data any) {
	t.Helper()
	msg, err := realtime.NewMessage(typ, data, time.Now(), "")
	require.NoError(t, err)
	frame, err := realtime.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

func (p *peer) sendRaw(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// until reads frames until match returns true and returns everything read,
// the matching frame last.
func (p *peer) until(t *testing.T, match func(realtime.Message) bool) []realtime.Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var seen []realtime.Message
	for {
		_, data, err := p.conn.ReadMessage()
		require.NoError(t, err, "frames seen so far: %v", seen)
		msg, err := realtime.DecodeMessage(data)
		require.NoError(t, err)
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

func (p *peer) next(t *testing.T, typ realtime.EventType) realtime.Message {
	t.Helper()
	seen := p.until(t, func(m realtime.Message) bool { return m.Type == typ })
	return seen[len(seen)-1]
}

// sync sends a heartbeat and waits for its echo, so every frame sent
// before it has been applied.
func (p *peer) sync(t *testing.T) []realtime.Message {
	t.Helper()
	p.send(t, realtime.EventHeartbeat, realtime.HeartbeatPayload{Timestamp: 1})
	return p.until(t, func(m realtime.Message) bool { return m.Type == realtime.EventHeartbeat })
}

func statusIs(userID string, status realtime.PresenceStatus) func(realtime.Message) bool {
	return func(m realtime.Message) bool {
		if m.Type != realtime.EventUserStatusChanged {
			return false
		}
		var p realtime.UserStatusPayload
		return m.Decode(&p) == nil && p.UserID == userID && p.Status == status
	}
}

func types(msgs []realtime.Message) []realtime.EventType {
	out := make([]realtime.EventType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func (tr *testRelay) post(t *testing.T, bearer, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tr.srv.URL+"/api/v1/publish", strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (tr *testRelay) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(tr.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestNew_RequiresDependencies(t *testing.T) {
	tokens, err := session.NewTokenManager(testSecret, testIssuer)
	require.NoError(t, err)

	_, err = New(Config{Logger: zap.NewNop()})
	assert.ErrorContains(t, err, "token manager")
	_, err = New(Config{Tokens: tokens})
	assert.ErrorContains(t, err, "logger")
}

func TestServeWS_RejectsBadTokens(t *testing.T) {
	tr := newTestRelay(t)
	other, err := session.NewTokenManager("another-secret-0123456", testIssuer)
	require.NoError(t, err)
	forged, err := other.Issue(session.User{ID: "u-1"}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
		"forged":  forged,
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL(token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestRelay_HeartbeatEcho(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")

	a.sendRaw(t, `{"type":"heartbeat","data":{"timestamp":42},"timestamp":"2025-01-01T10:00:00.000Z","userId":"u-1"}`)
	echo := a.next(t, realtime.EventHeartbeat)

	assert.JSONEq(t, `{"timestamp":42}`, string(echo.Data))
	assert.Equal(t, "2025-01-01T10:00:00.000Z", echo.Timestamp)
}

func TestRelay_RoomSubscriptionAndPublish(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")

	a.send(t, realtime.EventJoinRoom, realtime.RoomPayload{RoomID: "r1"})
	a.sync(t)

	status, body := tr.post(t, adminToken, `{"topic":"room:r1","type":"comment_added","data":{"comment":{"id":"c-1"}},"userId":"u-9"}`)
	require.Equal(t, http.StatusAccepted, status, body)

	got := a.next(t, realtime.EventCommentAdded)
	assert.JSONEq(t, `{"comment":{"id":"c-1"}}`, string(got.Data))
	assert.Equal(t, "u-9", got.UserID)
	assert.NotEmpty(t, got.Timestamp)

	a.send(t, realtime.EventLeaveRoom, realtime.RoomPayload{RoomID: "r1"})
	a.sync(t)

	status, _ = tr.post(t, adminToken, `{"topic":"room:r1","type":"comment_added","data":{}}`)
	require.Equal(t, http.StatusAccepted, status)
	status, _ = tr.post(t, adminToken, `{"topic":"user:u-1","type":"notification_received","data":{"notification":{"id":"n-1"}}}`)
	require.Equal(t, http.StatusAccepted, status)

	seen := a.until(t, func(m realtime.Message) bool { return m.Type == realtime.EventNotificationReceived })
	assert.NotContains(t, types(seen), realtime.EventCommentAdded)
}

func TestRelay_OpinionAndLocationSubscriptions(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")

	a.send(t, realtime.EventSubscribeOpinion, realtime.OpinionRef{OpinionID: "o1"})
	a.send(t, realtime.EventSubscribeLocation, realtime.LocationRef{LocationID: "l1"})
	a.sync(t)

	assert.Equal(t, []TopicCount{
		{Topic: "location:l1", Subscribers: 1},
		{Topic: "opinion:o1", Subscribers: 1},
		{Topic: "user:u-1", Subscribers: 1},
	}, tr.relay.Hub().TopicCounts())

	require.NoError(t, tr.relay.Publish(context.Background(), "opinion:o1", realtime.EventOpinionLiked,
		realtime.OpinionLikedPayload{OpinionID: "o1", LikesCount: 4}, "", ""))
	var liked realtime.OpinionLikedPayload
	require.NoError(t, a.next(t, realtime.EventOpinionLiked).Decode(&liked))
	assert.Equal(t, 4, liked.LikesCount)

	a.send(t, realtime.EventUnsubscribeOpinion, realtime.OpinionRef{OpinionID: "o1"})
	a.send(t, realtime.EventUnsubscribeLocation, realtime.LocationRef{LocationID: "l1"})
	a.sync(t)
	assert.Equal(t, []TopicCount{{Topic: "user:u-1", Subscribers: 1}}, tr.relay.Hub().TopicCounts())
}

func TestRelay_TypingReachesOthersOnly(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")
	b := tr.dial(t, "u-2")
	for _, p := range []*peer{a, b} {
		p.send(t, realtime.EventSubscribeOpinion, realtime.OpinionRef{OpinionID: "o1"})
		p.sync(t)
	}

	a.send(t, realtime.EventTypingStart, realtime.TypingPayload{TargetType: realtime.TargetOpinion, TargetID: "o1"})

	got := b.next(t, realtime.EventTypingStart)
	var typing realtime.TypingPayload
	require.NoError(t, got.Decode(&typing))
	assert.Equal(t, realtime.TypingPayload{TargetType: "opinion", TargetID: "o1", UserID: "u-1"}, typing)
	assert.Equal(t, "u-1", got.UserID)

	assert.NotContains(t, types(a.sync(t)), realtime.EventTypingStart)
}

func TestRelay_PresenceUpdateBroadcast(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")
	b := tr.dial(t, "u-2")

	a.until(t, statusIs("u-2", realtime.PresenceOnline))

	b.send(t, realtime.EventPresenceUpdate, realtime.PresencePayload{Status: realtime.PresenceBusy})
	a.until(t, statusIs("u-2", realtime.PresenceBusy))
	b.until(t, statusIs("u-2", realtime.PresenceBusy))
	assert.Equal(t, realtime.PresenceBusy, tr.relay.Presence().Status("u-2"))

	b.send(t, realtime.EventPresenceUpdate, realtime.PresencePayload{Status: "sleeping"})
	b.sync(t)
	assert.Equal(t, realtime.PresenceBusy, tr.relay.Presence().Status("u-2"))

	// Later traffic from a user who chose offline does not bring them back.
	b.send(t, realtime.EventPresenceUpdate, realtime.PresencePayload{Status: realtime.PresenceOffline})
	a.until(t, statusIs("u-2", realtime.PresenceOffline))
	b.sync(t)
	for _, m := range a.sync(t) {
		assert.False(t, statusIs("u-2", realtime.PresenceOnline)(m), "unexpected revival broadcast")
	}
	assert.Equal(t, realtime.PresenceOffline, tr.relay.Presence().Status("u-2"))
}

func TestRelay_LastSocketClosingMarksOffline(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")
	b1 := tr.dial(t, "u-2")
	b2 := tr.dial(t, "u-2")
	b2.sync(t)

	require.NoError(t, b1.conn.Close())
	require.Eventually(t, func() bool { return tr.relay.Hub().ConnectedCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, realtime.PresenceOnline, tr.relay.Presence().Status("u-2"))

	require.NoError(t, b2.conn.Close())
	a.until(t, statusIs("u-2", realtime.PresenceOffline))
	assert.Equal(t, realtime.PresenceOffline, tr.relay.Presence().Status("u-2"))
}

func TestRelay_PresenceSweep(t *testing.T) {
	tr := newTestRelay(t, func(c *Config) {
		c.PresenceTTL = 50 * time.Millisecond
		c.SweepInterval = 20 * time.Millisecond
	})
	a := tr.dial(t, "u-1")
	tr.dial(t, "u-2")

	a.until(t, statusIs("u-2", realtime.PresenceOffline))
}

func TestRelay_IgnoresUnknownAndMalformedFrames(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")

	a.sendRaw(t, `not json`)
	a.sendRaw(t, `{"data":{}}`)
	a.sendRaw(t, `{"type":"mystery","data":{}}`)
	a.sendRaw(t, `{"type":"join_room","data":"r1"}`)
	a.sendRaw(t, `{"type":"join_room","data":{"roomId":""}}`)
	a.sendRaw(t, `{"type":"typing_start","data":{"targetType":"planet","targetId":"x"}}`)
	a.sync(t)

	assert.Equal(t, []TopicCount{{Topic: "user:u-1", Subscribers: 1}}, tr.relay.Hub().TopicCounts())
	assert.Equal(t, 1, tr.relay.Hub().ConnectedCount())
}

func TestRelay_RateLimit(t *testing.T) {
	tr := newTestRelay(t, func(c *Config) {
		c.RateLimit = 0.5
		c.RateBurst = 2
	})
	a := tr.dial(t, "u-1")

	for i := 0; i < 5; i++ {
		a.send(t, realtime.EventHeartbeat, realtime.HeartbeatPayload{Timestamp: int64(i)})
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tr.relay.metrics.rateLimited) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	echoes := 0
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			break
		}
		if msg, err := realtime.DecodeMessage(data); err == nil && msg.Type == realtime.EventHeartbeat {
			echoes++
		}
	}
	assert.Equal(t, 2, echoes)
}

func TestPublishAPI(t *testing.T) {
	tr := newTestRelay(t)

	tests := []struct {
		name   string
		bearer string
		body   string
		want   int
	}{
		{"no token", "", `{"type":"opinion_liked"}`, http.StatusUnauthorized},
		{"wrong token", "nope", `{"type":"opinion_liked"}`, http.StatusUnauthorized},
		{"missing type", adminToken, `{"topic":"room:r1"}`, http.StatusBadRequest},
		{"unknown field", adminToken, `{"type":"x","extra":1}`, http.StatusBadRequest},
		{"broadcast", adminToken, `{"type":"opinion_liked","data":{"opinionId":"o1"}}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := tr.post(t, tt.bearer, tt.body)
			assert.Equal(t, tt.want, status, body)
		})
	}
}

func TestPublishAPI_DisabledWithoutAdminToken(t *testing.T) {
	tr := newTestRelay(t, func(c *Config) { c.AdminToken = "" })
	status, _ := tr.post(t, "", `{"type":"opinion_liked"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTopicsHealthAndMetrics(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "u-1")
	a.send(t, realtime.EventJoinRoom, realtime.RoomPayload{RoomID: "r1"})
	a.sync(t)

	status, body := tr.get(t, "/api/v1/topics")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":[{"topic":"room:r1","subscribers":1},{"topic":"user:u-1","subscribers":1}]}`, body)

	status, body = tr.get(t, "/healthz")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":{"status":"ok","clients":1,"online":1}}`, body)

	status, body = tr.get(t, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "civic_relay_connected_clients 1")
	assert.Contains(t, body, `civic_relay_frames_received_total{type="join_room"} 1`)
}

func TestRelay_WithRealtimeClient(t *testing.T) {
	tr := newTestRelay(t)

	store := session.NewStore(zap.NewNop())
	require.NoError(t, store.Login(tr.token(t, "u-7"), nil))

	conn, err := realtime.New(realtime.Config{
		Host:              tr.srv.URL,
		Path:              "/ws",
		ReconnectAttempts: 0,
		ReconnectDelay:    time.Second,
		HeartbeatInterval: time.Hour,
	}, store, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(conn.Disconnect)

	events := make(chan realtime.Message, 16)
	for _, typ := range []realtime.EventType{realtime.EventOpinionLiked, realtime.EventDisconnected} {
		conn.On(typ, func(m realtime.Message) { events <- m })
	}
	conn.On(realtime.EventConnected, func(realtime.Message) { conn.JoinRoom("r1") })

	conn.Connect()
	require.Eventually(t, func() bool {
		for _, tc := range tr.relay.Hub().TopicCounts() {
			if tc.Topic == "room:r1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.relay.Publish(context.Background(), "room:r1", realtime.EventOpinionLiked,
		realtime.OpinionLikedPayload{OpinionID: "o1", LikesCount: 9}, "", ""))

	select {
	case m := <-events:
		require.Equal(t, realtime.EventOpinionLiked, m.Type)
		var p realtime.OpinionLikedPayload
		require.NoError(t, m.Decode(&p))
		assert.Equal(t, 9, p.LikesCount)
	case <-time.After(2 * time.Second):
		t.Fatal("opinion_liked not delivered")
	}

	require.NoError(t, tr.relay.Stop())
	select {
	case m := <-events:
		require.Equal(t, realtime.EventDisconnected, m.Type)
		var info realtime.DisconnectInfo
		require.NoError(t, m.Decode(&info))
		assert.Equal(t, websocket.CloseGoingAway, info.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	assert.Equal(t, realtime.StateDisconnected, conn.State())
}

func TestLocalBroker_NotStarted(t *testing.T) {
	b := NewLocalBroker()
	err := b.Publish(context.Background(), Envelope{Frame: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrBrokerNotStarted)

	var got []Envelope
	require.NoError(t, b.Start(context.Background(), func(e Envelope) { got = append(got, e) }))
	require.NoError(t, b.Publish(context.Background(), Envelope{Topic: "room:r1", Frame: []byte(`{}`)}))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), Envelope{}), ErrBrokerNotStarted)
	assert.Len(t, got, 1)
}
