package session

import "errors"

// Sentinel errors returned by the session store and token helpers.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("session: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("session: token invalid")
)
