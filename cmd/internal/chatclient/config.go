package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = time.Second
	defaultRefreshLead       = 5 * time.Minute
	defaultRefreshInterval   = 55 * time.Minute
	defaultRefreshTimeout    = 15 * time.Second
	defaultTypingTimeout     = time.Second
	defaultDedupSize         = 512
	defaultDedupTTL          = 5 * time.Second
)

// TokenSource obtains a fresh access token from the hosting application.
// A zero expiresAt means the expiry is unknown.
type TokenSource interface {
	Refresh(ctx context.Context) (token string, expiresAt time.Time, err error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, time.Time, error)

// Refresh implements TokenSource.
func (f TokenSourceFunc) Refresh(ctx context.Context) (string, time.Time, error) { return f(ctx) }

// Config configures a Manager. Zero values take the defaults.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://chat.example.com/ws.
	// Ignored when Dialer is set.
	URL string
	// Origin is sent on the handshake; servers with an origin allowlist require it.
	Origin string
	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client
	// Dialer overrides the websocket transport.
	Dialer Dialer

	// Tokens enables proactive and server-requested credential refresh.
	Tokens TokenSource
	// Notifier receives user-visible notices. Defaults to a logging notifier.
	Notifier Notifier
	Logger   *slog.Logger
	Clock    clockwork.Clock

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ReconnectAttempts bounds automatic reconnection after a lost connection;
	// a negative value disables it. Attempts are spaced by ReconnectDelay.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// RefreshLead is how long before token expiry the refresh fires.
	// RefreshInterval applies when the expiry is unknown.
	RefreshLead     time.Duration
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	// TypingTimeout is the inactivity after which a local typing indicator is withdrawn.
	TypingTimeout time.Duration

	DedupSize int
	DedupTTL  time.Duration
}

func (c Config) normalized() (Config, error) {
	if c.Dialer == nil {
		if c.URL == "" {
			return c, errors.New("chatclient: URL or Dialer is required")
		}
		c.Dialer = &WSDialer{URL: c.URL, Origin: c.Origin, HTTPClient: c.HTTPClient}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = logNotifier{log: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = defaultRefreshLead
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	if c.DedupSize <= 0 {
		c.DedupSize = defaultDedupSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaultDedupTTL
	}
	return c, nil
}
