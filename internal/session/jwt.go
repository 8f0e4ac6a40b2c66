package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long tokens minted by TokenManager stay valid.
const DefaultTokenTTL = 12 * time.Hour

// Claims holds the custom claims carried by platform access tokens.
// Standard claims (exp, iat, iss, sub) come from jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the platform user id. Older tokens only carry it as sub.
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// User builds the session user described by the claims.
func (c *Claims) User() *User {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return &User{
		ID:       id,
		Username: c.Username,
		Email:    c.Email,
		Role:     c.Role,
	}
}

// ParseClaims decodes a token without checking its signature. The client
// does not hold the signing key; the server verifies the token on the
// socket handshake. Expired tokens are still rejected.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(time.Now()) {
		return nil, ErrTokenExpired
	}
	if claims.UserID == "" && claims.Subject == "" {
		return nil, fmt.Errorf("%w: no user id", ErrTokenInvalid)
	}
	return claims, nil
}

// TokenManager signs and verifies HS256 tokens with a shared secret. The
// relay uses it to authenticate socket handshakes and the CLI uses it to
// mint development tokens.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager returns a manager for the given secret and issuer.
func NewTokenManager(secret, issuer string) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("session: token secret must be at least 16 bytes")
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer}, nil
}

// Issue signs a token for u that expires after ttl.
func (m *TokenManager) Issue(u User, ttl time.Duration) (string, error) {
	if u.ID == "" {
		return "", errors.New("session: user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("session: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token. Use errors.Is(err, ErrTokenExpired)
// to tell expired tokens apart from forged or malformed ones.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("session: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
