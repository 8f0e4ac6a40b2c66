// Package relay is a development server that speaks the realtime wire
// vocabulary. Clients authenticate with a JWT, subscribe to topics with
// intent frames and receive whatever is published on those topics.
//
// Topic naming convention:
//
//	user:<id>      all sockets of one user, joined automatically
//	room:<id>      join_room / leave_room
//	opinion:<id>   subscribe_opinion / unsubscribe_opinion, opinion typing
//	location:<id>  subscribe_location / unsubscribe_location
//	message:<id>   message typing
package relay

import (
	"context"
	"sort"
	"sync"
)

// Topic prefixes.
const (
	TopicUser     = "user:"
	TopicRoom     = "room:"
	TopicOpinion  = "opinion:"
	TopicLocation = "location:"
)

// Hub tracks connected clients and their topic subscriptions. Removal goes
// through Run so Deliver never has to upgrade its read lock; everything
// else takes the lock directly.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
	mu      sync.RWMutex
	// shutdown is set under mu once Run has released every client.
	shutdown bool

	unregister chan *Client
	stopped    chan struct{}

	// evicted is called outside the lock for every client dropped because
	// its send buffer was full.
	evicted func(*Client)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run processes removals until ctx is cancelled, then closes every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.shutdown = true
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) addLocked(c *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) removeLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	for topic := range c.topics {
		delete(h.topics[topic], c)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
}

// Register adds c and its initial topics. It returns false once the hub
// has shut down.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown || c.closed {
		return false
	}
	h.clients[c] = struct{}{}
	for topic := range c.topics {
		h.addLocked(c, topic)
	}
	return true
}

// Unregister queues c for removal. Removing a client twice is harmless.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Subscribe adds c to topic. It returns false when c has already been
// removed from the hub.
func (h *Hub) Subscribe(c *Client, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	h.addLocked(c, topic)
	return true
}

// Unsubscribe removes c from topic.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Deliver hands frame to every subscriber of topic, or to every client when
// topic is empty, skipping the client whose id equals exclude. Clients whose
// buffer is full are disconnected. It returns the number of clients the
// frame was queued for.
func (h *Hub) Deliver(topic string, frame []byte, exclude string) int {
	var slow []*Client
	delivered := 0

	// Sends happen under the read lock so a concurrent removal cannot close
	// a channel mid-send.
	h.mu.RLock()
	targets := h.clients
	if topic != "" {
		targets = h.topics[topic]
	}
	for c := range targets {
		if exclude != "" && c.id == exclude {
			continue
		}
		select {
		case c.send <- frame:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.Unregister(c)
		if h.evicted != nil {
			h.evicted(c)
		}
	}
	return delivered
}

// ConnectedCount returns the number of registered clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount is one row of TopicCounts.
type TopicCount struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// TopicCounts returns the subscriber count of every topic, sorted by topic.
func (h *Hub) TopicCounts() []TopicCount {
	h.mu.RLock()
	out := make([]TopicCount, 0, len(h.topics))
	for topic, subs := range h.topics {
		out = append(out, TopicCount{Topic: topic, Subscribers: len(subs)})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
