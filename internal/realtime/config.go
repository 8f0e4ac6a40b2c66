package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by New when the configuration cannot produce
// a usable connection.
var ErrInvalidConfig = errors.New("realtime: invalid config")

const (
	defaultPath              = "/ws"
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// Config holds the connection parameters.
type Config struct {
	// Host is the API host the socket connects to, e.g. "api.civic.local:3001".
	// A full URL ("https://api.civic.local/api/v1") is also accepted; its
	// scheme then overrides Secure and its path is used as a prefix.
	Host string

	// Secure selects wss:// over ws://. It mirrors the scheme of the page
	// (or API base URL) the client was served from.
	Secure bool

	// Path is appended to the host. Defaults to "/ws".
	Path string

	// AutoConnect makes Run connect as soon as the session is authenticated.
	AutoConnect bool

	// ReconnectAttempts is the number of automatic reconnects scheduled
	// after unexpected closes before giving up. Zero disables them.
	ReconnectAttempts int

	// ReconnectDelay is the base delay; attempt n waits ReconnectDelay*2^(n-1).
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps a single delay. Zero means no cap.
	MaxReconnectDelay time.Duration

	// HeartbeatInterval is the keepalive period while connected.
	HeartbeatInterval time.Duration

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the defaults used by the web client: five attempts,
// 3s base backoff, 30s heartbeat.
func DefaultConfig() Config {
	return Config{
		Path:              defaultPath,
		AutoConnect:       true,
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
		HeartbeatInterval: defaultHeartbeatInterval,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
}

// Validate checks the fields New depends on.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("%w: reconnect attempts must not be negative", ErrInvalidConfig)
	case c.ReconnectDelay <= 0:
		return fmt.Errorf("%w: reconnect delay must be positive", ErrInvalidConfig)
	case c.MaxReconnectDelay < 0:
		return fmt.Errorf("%w: max reconnect delay must not be negative", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if _, err := c.Target(""); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Target builds the socket URL. The token, when present, is attached as the
// "token" query parameter because browsers cannot set headers on a
// WebSocket handshake and the server expects the same contract from us.
func (c Config) Target(token string) (string, error) {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	host := strings.TrimSpace(c.Host)
	prefix := ""

	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("parsing host %q: %w", host, err)
		}
		switch u.Scheme {
		case "https", "wss":
			scheme = "wss"
		case "http", "ws":
			scheme = "ws"
		default:
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		host = u.Host
		prefix = u.Path
	}
	if host == "" {
		return "", errors.New("empty host")
	}

	p := c.Path
	if p == "" {
		p = defaultPath
	}

	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path.Join("/", prefix, p),
	}
	if token != "" {
		q := url.Values{}
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
