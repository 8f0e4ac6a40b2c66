package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrBrokerNotStarted is returned by Publish before Start.
var ErrBrokerNotStarted = errors.New("relay: broker not started")

// Envelope is one frame in flight between relay instances.
type Envelope struct {
	// Topic is the destination; empty means every client.
	Topic string `json:"topic"`
	// Exclude is the id of a client that must not receive the frame.
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Broker carries published frames to every relay instance, this one
// included. deliver is called once per envelope.
type Broker interface {
	Start(ctx context.Context, deliver func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// LocalBroker delivers in-process. It is the default for a single relay.
type LocalBroker struct {
	mu      sync.RWMutex
	deliver func(Envelope)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Start(_ context.Context, deliver func(Envelope)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil {
		return ErrBrokerNotStarted
	}
	deliver(env)
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

// RedisBroker fans frames out through a Redis pub/sub channel so several
// relay instances share traffic.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBroker connects to addr and verifies the server answers.
func NewRedisBroker(ctx context.Context, addr, channel string, logger *zap.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("relay: connecting to redis at %s: %w", addr, err)
	}
	return &RedisBroker{
		client:  client,
		channel: channel,
		logger:  logger.Named("redis_broker"),
	}, nil
}

// Start subscribes to the channel and delivers envelopes until Close or
// until ctx is cancelled.
func (b *RedisBroker) Start(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so nothing published after
	// Start returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("relay: subscribing to %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.pubsub = pubsub
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := codec.UnmarshalFromString(msg.Payload, &env); err != nil {
					b.logger.Warn("dropping undecodable envelope", zap.Error(err))
					continue
				}
				deliver(env)
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Info("subscribed", zap.String("channel", b.channel))
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	started := b.pubsub != nil
	b.mu.Unlock()
	if !started {
		return ErrBrokerNotStarted
	}

	payload, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encoding envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publishing to %s: %w", b.channel, err)
	}
	return nil
}

// Close stops the subscription and closes the Redis client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	return b.client.Close()
}
