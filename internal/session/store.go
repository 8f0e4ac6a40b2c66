// Package session holds the signed-in user's credentials and the JWT
// helpers around them. A Store is what the realtime connection asks for
// its token and user id, and it announces login and logout so the
// connection can follow them.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
)

// User is the signed-in platform user.
type User struct {
	ID       string                  `json:"id"`
	Username string                  `json:"username"`
	Email    string                  `json:"email"`
	Role     string                  `json:"role"`
	Status   realtime.PresenceStatus `json:"status,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	token    string
	user     *User
	nextID   uint64
	watchers map[uint64]func(bool)
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:   logger.Named("session"),
		watchers: make(map[uint64]func(bool)),
	}
}

// Login stores the token and user. When user is nil it is derived from the
// token's claims, which fails for malformed or expired tokens. Logging in
// with a different token or user while signed in is announced to watchers
// as a sign-out followed by a sign-in, so connections reopen with the new
// credentials.
func (s *Store) Login(token string, user *User) error {
	if token == "" {
		return ErrTokenInvalid
	}
	if user == nil {
		claims, err := ParseClaims(token)
		if err != nil {
			return err
		}
		user = claims.User()
	}
	u := *user

	s.mu.Lock()
	was := s.authenticatedLocked()
	switched := was && (s.token != token || s.user.ID != u.ID)
	s.token = token
	s.user = &u
	s.mu.Unlock()

	s.logger.Info("signed in", zap.String("user_id", u.ID), zap.Bool("switched", switched))
	switch {
	case switched:
		s.notify(false)
		s.notify(true)
	case !was:
		s.notify(true)
	}
	return nil
}

// Logout clears the credentials.
func (s *Store) Logout() {
	s.mu.Lock()
	was := s.authenticatedLocked()
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	if was {
		s.logger.Info("signed out")
		s.notify(false)
	}
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the signed-in user's id, or "" when signed out.
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// User returns a copy of the signed-in user.
func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// IsAuthenticated reports whether both a token and a user are present.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedLocked()
}

func (s *Store) authenticatedLocked() bool {
	return s.token != "" && s.user != nil
}

// UpdateUserStatus records the user's presence as pushed by the server.
func (s *Store) UpdateUserStatus(status realtime.PresenceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		s.user.Status = status
	}
}

// Watch registers fn to be called with the new authenticated flag each
// time it changes.
func (s *Store) Watch(fn func(authenticated bool)) (unwatch func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(authenticated bool) {
	s.mu.RLock()
	fns := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(authenticated)
	}
}

var (
	_ realtime.Session    = (*Store)(nil)
	_ realtime.Watcher    = (*Store)(nil)
	_ realtime.StatusSink = (*Store)(nil)
)
