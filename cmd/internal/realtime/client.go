package realtime

import (
	"sync"
	"time"

	"talentchat/cmd/internal/auth/session"
	v1 "talentchat/shared/contracts/realtime/v1"
)

// Client represents one authenticated websocket connection.
//
// Design notes:
// - Send is never closed by the server so concurrent broadcasters cannot panic.
// - done is used to signal goroutines to stop.
// - Claims are swapped in place on refreshToken; refreshed wakes the expiry watcher.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	refreshed chan struct{}

	mu     sync.Mutex
	claims session.AccessClaims
	typing bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, claims session.AccessClaims, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    claims.UserID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		refreshed: make(chan struct{}, 1),
		claims:    claims,
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Claims returns the credential currently attached to the connection.
func (c *Client) Claims() session.AccessClaims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

// ExpiresAt returns the expiry of the current credential.
func (c *Client) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims.ExpiresAt
}

// TokenExpired reports whether the current credential has expired at now.
func (c *Client) TokenExpired(now time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// SetClaims replaces the credential and wakes the expiry watcher.
func (c *Client) SetClaims(claims session.AccessClaims) {
	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()

	select {
	case c.refreshed <- struct{}{}:
	default:
	}
}

// SetTyping records the typing state and returns the previous one.
func (c *Client) SetTyping(typing bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.typing
	c.typing = typing
	return prev
}
