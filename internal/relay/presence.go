package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/civicpulse/realtime/internal/realtime"
)

type presenceEntry struct {
	status   realtime.PresenceStatus
	lastSeen time.Time
	sockets  int
	// expired is set when the sweep, not the user, made the entry offline.
	expired bool
}

// Presence records the status of every connected user. Users stay in the
// registry while at least one of their sockets is open.
type Presence struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu    sync.Mutex
	users map[string]*presenceEntry
}

func NewPresence(clock clockwork.Clock, ttl time.Duration) *Presence {
	return &Presence{
		clock: clock,
		ttl:   ttl,
		users: make(map[string]*presenceEntry),
	}
}

// Connect records a new socket for userID. It reports whether the user
// came online: a first socket, or one that revives an expired user. A user
// who chose offline stays offline.
func (p *Presence) Connect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		p.users[userID] = &presenceEntry{
			status:   realtime.PresenceOnline,
			lastSeen: p.clock.Now(),
			sockets:  1,
		}
		return true
	}
	e.sockets++
	return p.reviveLocked(e)
}

// Disconnect releases one socket of userID. It reports whether that was the
// user's last socket; the user is then forgotten.
func (p *Presence) Disconnect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		return false
	}
	e.sockets--
	if e.sockets > 0 {
		return false
	}
	delete(p.users, userID)
	return true
}

// Touch refreshes the activity time of userID. It reports whether the
// user had been swept offline and is now back online.
func (p *Presence) Touch(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		return false
	}
	return p.reviveLocked(e)
}

func (p *Presence) reviveLocked(e *presenceEntry) bool {
	e.lastSeen = p.clock.Now()
	if !e.expired {
		return false
	}
	e.expired = false
	e.status = realtime.PresenceOnline
	return true
}

// Set records an explicit status for userID. It reports whether the status
// changed.
func (p *Presence) Set(userID string, status realtime.PresenceStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		return false
	}
	e.lastSeen = p.clock.Now()
	e.expired = false
	if e.status == status {
		return false
	}
	e.status = status
	return true
}

// Sweep marks offline every user idle for longer than the TTL and returns
// their ids, sorted.
func (p *Presence) Sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.clock.Now().Add(-p.ttl)
	var expired []string
	for id, e := range p.users {
		if e.status != realtime.PresenceOffline && e.lastSeen.Before(cutoff) {
			e.status = realtime.PresenceOffline
			e.expired = true
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Status returns the recorded status of userID, offline when unknown.
func (p *Presence) Status(userID string) realtime.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.users[userID]; ok {
		return e.status
	}
	return realtime.PresenceOffline
}

// Online returns how many users are not offline.
func (p *Presence) Online() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.users {
		if e.status != realtime.PresenceOffline {
			n++
		}
	}
	return n
}
