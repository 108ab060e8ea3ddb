package chatclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"
)

type countingTokens struct {
	mu    sync.Mutex
	calls int
	err   error
	ttl   time.Duration
	now   func() time.Time
}

func (s *countingTokens) Refresh(context.Context) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	var exp time.Time
	if s.ttl > 0 {
		exp = s.now().Add(s.ttl)
	}
	return "refreshed-token", exp, nil
}

func (s *countingTokens) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRefresh_OneTimerPerConnection(t *testing.T) {
	tokens := &countingTokens{}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })

	h.connect(t, "tok-a")
	if n := h.clock.outstanding(); n != 1 {
		t.Fatalf("timers after first connect=%d want 1", n)
	}

	h.m.Disconnect()
	if n := h.clock.outstanding(); n != 0 {
		t.Fatalf("timers after disconnect=%d want 0", n)
	}

	tr := h.connect(t, "tok-a")
	if n := h.clock.outstanding(); n != 1 {
		t.Fatalf("timers after second connect=%d want 1", n)
	}

	// Switching tokens replaces the timer as well.
	tr = h.connect(t, "tok-b")
	if n := h.clock.outstanding(); n != 1 {
		t.Fatalf("timers after token switch=%d want 1", n)
	}

	h.clock.Advance(defaultRefreshInterval)
	var p v1.RefreshTokenPayload
	if err := tr.expect(t, v1.TypeRefreshToken).Decode(&p); err != nil || p.Token != "refreshed-token" {
		t.Fatalf("refresh payload=%+v err=%v", p, err)
	}
	if got := tokens.count(); got != 1 {
		t.Fatalf("refresh calls=%d want 1", got)
	}
	// Success reschedules exactly one timer.
	waitFor(t, "rescheduled timer", func() bool { return h.clock.outstanding() == 1 })
}

func TestRefresh_FiresBeforeKnownExpiry(t *testing.T) {
	tokens := &countingTokens{}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })
	h.dialer.expiresAt = testEpoch.Add(time.Hour)

	tr := h.connect(t, "tok-a")

	h.clock.Advance(time.Hour - defaultRefreshLead - time.Second)
	tr.expectNone(t, v1.TypeRefreshToken, 50*time.Millisecond)

	h.clock.Advance(time.Second)
	tr.expect(t, v1.TypeRefreshToken)
}

func TestRefresh_TokenExpiredTriggersImmediateRefresh(t *testing.T) {
	tokens := &countingTokens{ttl: time.Hour}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })
	tokens.now = h.clock.Now

	tr := h.connect(t, "tok-a")

	expired := make(chan struct{}, 1)
	h.m.OnTokenExpired(func() { expired <- struct{}{} })

	tr.push(t, v1.TypeTokenExpired, v1.TokenExpiredPayload{})
	tr.expect(t, v1.TypeRefreshToken)

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatalf("token expired listener not called")
	}
	if got := tokens.count(); got != 1 {
		t.Fatalf("refresh calls=%d", got)
	}
	waitFor(t, "single timer", func() bool { return h.clock.outstanding() == 1 })

	// The refreshed token is now current: connecting with it is a no-op.
	if err := h.m.Connect(context.Background(), "refreshed-token"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("dials=%d want 1", got)
	}
}

func TestRefresh_FailureNotifiesAndKeepsConnection(t *testing.T) {
	tokens := &countingTokens{err: errors.New("session gone")}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })

	tr := h.connect(t, "tok-a")
	tr.push(t, v1.TypeTokenExpired, v1.TokenExpiredPayload{})

	waitFor(t, "session notice", func() bool { return h.notices.count(NoticeSessionExpired) == 1 })
	tr.expectNone(t, v1.TypeRefreshToken, 50*time.Millisecond)
	if h.m.State() != StateConnected || tr.isClosed() {
		t.Fatalf("connection torn down after failed refresh")
	}
	if n := h.clock.outstanding(); n != 0 {
		t.Fatalf("timers=%d want 0", n)
	}
}

func TestRefresh_ServerRejectionNotifiesSessionExpired(t *testing.T) {
	tokens := &countingTokens{ttl: time.Hour}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })
	tokens.now = h.clock.Now

	tr := h.connect(t, "tok-a")
	tr.push(t, v1.TypeTokenExpired, v1.TokenExpiredPayload{})
	tr.expect(t, v1.TypeRefreshToken)

	tr.push(t, v1.TypeError, v1.ErrorPayload{Code: v1.CodeInvalidToken, Message: "token refresh rejected"})

	waitFor(t, "session notice", func() bool { return h.notices.count(NoticeSessionExpired) == 1 })
	if n := h.clock.outstanding(); n != 0 {
		t.Fatalf("timers=%d want 0", n)
	}
}

func TestRefresh_AcceptedRefreshIgnoresLaterTokenErrors(t *testing.T) {
	tokens := &countingTokens{ttl: time.Hour}
	h := newHarness(t, func(c *Config) { c.Tokens = tokens })
	tokens.now = h.clock.Now

	tr := h.connect(t, "tok-a")
	tr.push(t, v1.TypeTokenExpired, v1.TokenExpiredPayload{})
	tr.expect(t, v1.TypeRefreshToken)

	tr.push(t, v1.TypeTokenRefreshed, v1.TokenRefreshedPayload{ExpiresAt: testEpoch.Add(time.Hour)})

	got := make(chan v1.ErrorPayload, 1)
	h.m.OnServerError(func(p v1.ErrorPayload) { got <- p })
	tr.push(t, v1.TypeError, v1.ErrorPayload{Code: v1.CodeInvalidToken, Message: "other"})

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatalf("error not dispatched")
	}
	if n := h.notices.count(NoticeSessionExpired); n != 0 {
		t.Fatalf("session notices=%d want 0", n)
	}
}
