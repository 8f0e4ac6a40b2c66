package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
	"github.com/civicpulse/realtime/internal/session"
)

// Handler builds the relay router:
//
//	GET  <path>?token=<jwt>  WebSocket endpoint
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/topics      subscriber count per topic
//	POST /api/v1/publish     admin bearer token required
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(r.logger.Named("http")))
	router.Use(middleware.Recoverer)

	router.Get(r.cfg.Path, r.serveWS)
	router.Get("/healthz", r.healthz)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.cfg.Registry, promhttp.HandlerOpts{}))

	router.Route("/api/v1", func(api chi.Router) {
		api.Get("/topics", r.listTopics)
		api.With(requireAdmin(r.cfg.AdminToken)).Post("/publish", r.publish)
	})
	return router
}

// serveWS authenticates the token query parameter, upgrades the connection
// and blocks until the socket closes. Browsers cannot set headers on a
// WebSocket handshake, hence the query parameter.
func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		errUnauthorized(w)
		return
	}
	claims, err := r.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, session.ErrTokenExpired) {
			errJSON(w, http.StatusUnauthorized, "token expired", "token_expired")
			return
		}
		errUnauthorized(w)
		return
	}
	user := claims.User()
	if user.ID == "" {
		errUnauthorized(w)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already written the error response.
		r.logger.Warn("upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	c := newClient(r, conn, user.ID, req.RemoteAddr)
	if !r.hub.Register(c) {
		_ = conn.Close()
		return
	}
	r.connected(c)
	c.logger.Info("client connected")

	c.run()

	r.disconnected(c)
	c.logger.Info("client disconnected")
}

func (r *Relay) healthz(w http.ResponseWriter, _ *http.Request) {
	okJSON(w, map[string]any{
		"status":  "ok",
		"clients": r.hub.ConnectedCount(),
		"online":  r.presence.Online(),
	})
}

func (r *Relay) listTopics(w http.ResponseWriter, _ *http.Request) {
	okJSON(w, r.hub.TopicCounts())
}

// PublishRequest is the body of POST /api/v1/publish. An empty topic
// reaches every client.
type PublishRequest struct {
	Topic string             `json:"topic"`
	Type  realtime.EventType `json:"type"`
	Data  any                `json:"data"`
	// UserID is stamped on the frame as its sender.
	UserID string `json:"userId,omitempty"`
}

func (r *Relay) publish(w http.ResponseWriter, req *http.Request) {
	var body PublishRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	body.Topic = strings.TrimSpace(body.Topic)
	if body.Type == "" {
		errBadRequest(w, "type is required")
		return
	}

	if err := r.Publish(req.Context(), body.Topic, body.Type, body.Data, body.UserID, ""); err != nil {
		if errors.Is(err, ErrBrokerNotStarted) {
			errUnavailable(w, "relay is not running")
			return
		}
		r.logger.Error("admin publish failed", zap.String("topic", body.Topic), zap.Error(err))
		errInternal(w)
		return
	}
	acceptedJSON(w, map[string]string{"topic": body.Topic, "type": string(body.Type)})
}
