package chatclient

import (
	"context"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"
)

// scheduleRefreshLocked arms the single refresh timer for generation gen,
// replacing any previous one. Caller holds m.mu.
func (m *Manager) scheduleRefreshLocked(gen uint64, expiresAt time.Time) {
	m.stopRefreshLocked()
	if m.cfg.Tokens == nil {
		return
	}
	d := m.cfg.RefreshInterval
	if !expiresAt.IsZero() {
		d = expiresAt.Sub(m.clock.Now()) - m.cfg.RefreshLead
		if d < 0 {
			d = 0
		}
	}
	m.refreshTimer = m.clock.AfterFunc(d, func() { m.refresh(gen, "timer") })
}

func (m *Manager) stopRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// refresh obtains a new token and hands it to the live connection. A failure
// leaves the connection as is; the server ends it once the old token lapses.
func (m *Manager) refresh(gen uint64, trigger string) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected || m.refreshing || m.cfg.Tokens == nil {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.stopRefreshLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	token, expiresAt, err := m.cfg.Tokens.Refresh(ctx)
	cancel()

	m.mu.Lock()
	m.refreshing = false
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err != nil || token == "" {
		m.mu.Unlock()
		m.log.Warn("chat.token.refresh.fail", "trigger", trigger, "err", err)
		m.cfg.Notifier.Notify(Notice{Kind: NoticeSessionExpired, Message: MsgSessionExpired, Err: err})
		return
	}
	m.token = token
	if !expiresAt.IsZero() {
		m.expiresAt = expiresAt
	}
	m.scheduleRefreshLocked(gen, expiresAt)
	m.refreshSent = true
	m.mu.Unlock()

	m.log.Info("chat.token.refresh", "trigger", trigger, "expires_at", expiresAt)
	if err := m.emit(context.Background(), v1.TypeRefreshToken, v1.RefreshTokenPayload{Token: token}); err != nil {
		m.log.Warn("chat.token.refresh.send", "err", err)
	}
}

// refreshRejected treats a credential error arriving while a refreshToken is
// unanswered as the server refusing the new token.
func (m *Manager) refreshRejected(gen uint64, p v1.ErrorPayload) bool {
	if p.Code != v1.CodeInvalidToken && p.Code != v1.CodeTokenExpired {
		return false
	}
	m.mu.Lock()
	if gen != m.gen || !m.refreshSent {
		m.mu.Unlock()
		return false
	}
	m.refreshSent = false
	m.stopRefreshLocked()
	m.mu.Unlock()

	err := &ServerError{Code: p.Code, Message: p.Message}
	m.log.Warn("chat.token.refresh.rejected", "code", p.Code, "message", p.Message)
	m.cfg.Notifier.Notify(Notice{Kind: NoticeSessionExpired, Message: MsgSessionExpired, Err: err})
	return true
}
