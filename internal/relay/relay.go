package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
	"github.com/civicpulse/realtime/internal/session"
)

// publishTimeout bounds a broker publish triggered by an inbound frame.
const publishTimeout = 5 * time.Second

// Config holds everything New needs. Zero-valued settings take the
// defaults below; Tokens and Logger are required.
type Config struct {
	// Path is where the WebSocket endpoint is mounted. Defaults to "/ws".
	Path string
	// AdminToken guards POST /api/v1/publish. Empty disables the endpoint.
	AdminToken string

	PresenceTTL   time.Duration
	SweepInterval time.Duration
	// RateLimit is the sustained inbound frames per second per client and
	// RateBurst the bucket size.
	RateLimit float64
	RateBurst int

	Tokens *session.TokenManager
	// Broker defaults to a LocalBroker.
	Broker Broker
	// Registry receives the relay collectors and backs /metrics. Defaults
	// to a fresh registry.
	Registry *prometheus.Registry
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	if c.Broker == nil {
		c.Broker = NewLocalBroker()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Relay ties the hub, the broker and the presence registry together.
// Create it with New, then Start it before serving Handler.
type Relay struct {
	cfg      Config
	hub      *Hub
	broker   Broker
	presence *Presence
	tokens   *session.TokenManager
	metrics  *Metrics
	cron     gocron.Scheduler
	clock    clockwork.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func New(cfg Config) (*Relay, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("relay: token manager is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("relay: logger is required")
	}
	cfg.applyDefaults()

	cron, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("relay: creating scheduler: %w", err)
	}

	r := &Relay{
		cfg:      cfg,
		hub:      NewHub(),
		broker:   cfg.Broker,
		presence: NewPresence(cfg.Clock, cfg.PresenceTTL),
		tokens:   cfg.Tokens,
		metrics:  NewMetrics(cfg.Registry),
		cron:     cron,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("relay"),
	}
	r.hub.evicted = func(c *Client) {
		r.metrics.slowEvictions.Inc()
		c.logger.Warn("send buffer full, disconnecting client")
	}

	_, err = cron.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(r.sweepPresence),
		gocron.WithName("presence-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: scheduling presence sweep: %w", err)
	}
	return r, nil
}

// Start runs the hub, subscribes to the broker and starts the presence
// sweep. Stop undoes all three.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("relay: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	go r.hub.Run(runCtx)

	if err := r.broker.Start(runCtx, r.deliver); err != nil {
		cancel()
		return fmt.Errorf("relay: starting broker: %w", err)
	}
	r.cron.Start()

	r.cancel = cancel
	r.running = true
	r.logger.Info("relay started",
		zap.Duration("presence_ttl", r.cfg.PresenceTTL),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
	)
	return nil
}

// Stop closes every client socket and waits for the background work to
// finish.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false

	r.cancel()
	<-r.hub.stopped

	var errs []error
	if err := r.cron.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := r.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}
	r.logger.Info("relay stopped")
	return errors.Join(errs...)
}

// Hub exposes the subscription registry, mostly for inspection.
func (r *Relay) Hub() *Hub { return r.hub }

// Presence exposes the presence registry.
func (r *Relay) Presence() *Presence { return r.presence }

// Publish sends one frame of type t to topic, or to every client when topic
// is empty. sender becomes the frame's userId; exclude is a client id that
// will not receive it.
func (r *Relay) Publish(ctx context.Context, topic string, t realtime.EventType, payload any, sender, exclude string) error {
	msg, err := realtime.NewMessage(t, payload, r.clock.Now(), sender)
	if err != nil {
		return err
	}
	frame, err := realtime.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("relay: encoding %s frame: %w", t, err)
	}
	if err := r.broker.Publish(ctx, Envelope{Topic: topic, Exclude: exclude, Frame: frame}); err != nil {
		return err
	}
	r.metrics.published.WithLabelValues(typeLabel(t)).Inc()
	return nil
}

func (r *Relay) deliver(env Envelope) {
	n := r.hub.Deliver(env.Topic, env.Frame, env.Exclude)
	r.metrics.deliveries.Add(float64(n))
}

// publishAsync publishes on behalf of an inbound frame; failures are only
// logged.
func (r *Relay) publishAsync(topic string, t realtime.EventType, payload any, sender, exclude string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.Publish(ctx, topic, t, payload, sender, exclude); err != nil {
		r.logger.Warn("publish failed",
			zap.String("topic", topic),
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

func (r *Relay) broadcastStatus(userID string, status realtime.PresenceStatus) {
	r.publishAsync("", realtime.EventUserStatusChanged,
		realtime.UserStatusPayload{UserID: userID, Status: status}, userID, "")
	r.metrics.usersOnline.Set(float64(r.presence.Online()))
}

func (r *Relay) connected(c *Client) {
	r.metrics.clients.Inc()
	if r.presence.Connect(c.userID) {
		r.broadcastStatus(c.userID, realtime.PresenceOnline)
	}
}

func (r *Relay) disconnected(c *Client) {
	r.metrics.clients.Dec()
	if r.presence.Disconnect(c.userID) {
		r.broadcastStatus(c.userID, realtime.PresenceOffline)
	}
}

func (r *Relay) sweepPresence() {
	expired := r.presence.Sweep()
	for _, id := range expired {
		r.broadcastStatus(id, realtime.PresenceOffline)
	}
	if len(expired) > 0 {
		r.logger.Info("presence expired", zap.Strings("users", expired))
	}
}
