package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TypingEvent reports a remote typing indicator change.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// attempt is an in-flight connection attempt that Connect callers can wait on.
type attempt struct {
	done chan struct{}
	err  error
}

type sendResult struct {
	msg v1.Message
	err error
}

type pendingSend struct {
	ch    chan sendResult
	onAck func(v1.Message)
}

// Manager owns the process-wide realtime connection.
//
// Every connection generation gets its own context; tearing a generation down
// cancels it, which stops its read loop, its dial and its reconnect loop.
// Events of one connection are dispatched to listeners serially from a single
// goroutine.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	clock  clockwork.Clock
	dialer Dialer

	mu           sync.Mutex
	state        State
	gen          uint64
	token        string
	tr           Transport
	cancelConn   context.CancelFunc
	attempt      *attempt
	socketID     string
	userID       string
	expiresAt    time.Time
	active       string
	refreshTimer clockwork.Timer
	refreshing   bool
	refreshSent  bool // refreshToken written, tokenRefreshed not yet seen

	// roomMu orders room writes (join, leave, re-join after connect) so the
	// last join on the wire is always for m.active. Acquired before mu.
	roomMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingSend

	onState        listeners[State]
	onDisconnect   listeners[string]
	onConnectError listeners[error]
	onNewMessage   listeners[v1.Message]
	onMessageRead  listeners[v1.MessageReadPayload]
	onTyping       listeners[TypingEvent]
	onServerError  listeners[v1.ErrorPayload]
	onTokenExpired listeners[struct{}]
	onJoined       listeners[string]
}

// New builds a disconnected Manager.
func New(cfg Config) (*Manager, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "chatclient"),
		clock:   cfg.Clock,
		dialer:  cfg.Dialer,
		pending: make(map[string]*pendingSend),
	}, nil
}

// ---- connection lifecycle ----

// Connect establishes the connection with token and blocks until the server
// confirms it. Connecting again with the same token while connected (or
// connecting) does nothing; a different token replaces the connection.
func (m *Manager) Connect(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}

	m.mu.Lock()
	if token == m.token {
		switch m.state {
		case StateConnected:
			m.mu.Unlock()
			return nil
		case StateConnecting:
			att := m.attempt
			m.mu.Unlock()
			if att == nil {
				return nil
			}
			select {
			case <-att.done:
				return att.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	wasConnected := m.state == StateConnected
	old := m.resetLocked(ErrSuperseded)
	gen, connCtx := m.beginLocked(token)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close("token changed")
		m.failPending(ErrDisconnected)
	}
	if wasConnected {
		m.onDisconnect.emit("token changed")
	}
	m.onState.emit(StateConnecting)

	tr, hello, err := m.handshake(ctx, connCtx, token)
	if err != nil {
		return m.connectFailed(gen, err)
	}
	return m.adopt(gen, connCtx, tr, hello)
}

// Disconnect closes the connection and stops reconnection and refresh.
// Conversation state (message logs, typing) is left untouched.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.tr == nil && m.attempt == nil {
		m.mu.Unlock()
		return
	}
	tr := m.resetLocked(ErrDisconnected)
	m.token = ""
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close("client disconnect")
	}
	m.failPending(ErrDisconnected)
	m.log.Info("chat.disconnect", "reason", "client disconnect")
	m.onDisconnect.emit("client disconnect")
	m.onState.emit(StateDisconnected)
}

// resetLocked tears the current generation down and returns its transport.
func (m *Manager) resetLocked(cause error) Transport {
	m.gen++
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	tr := m.tr
	m.tr = nil
	m.stopRefreshLocked()
	m.refreshSent = false
	m.state = StateDisconnected
	m.socketID = ""
	m.finishAttemptLocked(cause)
	return tr
}

// beginLocked starts a new connecting generation for token.
func (m *Manager) beginLocked(token string) (uint64, context.Context) {
	m.gen++
	if m.cancelConn != nil {
		m.cancelConn()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelConn = cancel
	m.token = token
	m.refreshSent = false
	m.state = StateConnecting
	m.finishAttemptLocked(ErrSuperseded)
	m.attempt = &attempt{done: make(chan struct{})}
	return m.gen, ctx
}

func (m *Manager) finishAttemptLocked(err error) {
	if m.attempt == nil {
		return
	}
	m.attempt.err = err
	close(m.attempt.done)
	m.attempt = nil
}

// handshake dials and waits for the connected envelope. It aborts when
// either ctx or the generation context ends.
func (m *Manager) handshake(ctx, connCtx context.Context, token string) (Transport, v1.ConnectedPayload, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	tr, err := m.dialer.Dial(hctx, token)
	if err != nil {
		return nil, v1.ConnectedPayload{}, err
	}
	env, err := tr.Read(hctx)
	if err != nil {
		_ = tr.Close("handshake failed")
		return nil, v1.ConnectedPayload{}, errors.Join(ErrHandshake, err)
	}
	var hello v1.ConnectedPayload
	if env.Type != v1.TypeConnected {
		_ = tr.Close("handshake failed")
		return nil, hello, errors.Join(ErrHandshake, errors.New("unexpected first event "+env.Type))
	}
	if err := env.Decode(&hello); err != nil {
		_ = tr.Close("handshake failed")
		return nil, hello, errors.Join(ErrHandshake, err)
	}
	return tr, hello, nil
}

// adopt installs an established transport if gen is still current.
func (m *Manager) adopt(gen uint64, connCtx context.Context, tr Transport, hello v1.ConnectedPayload) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = tr.Close("superseded")
		return ErrSuperseded
	}
	m.tr = tr
	m.state = StateConnected
	m.socketID = hello.SocketID
	m.userID = hello.UserID
	m.expiresAt = hello.ExpiresAt
	m.scheduleRefreshLocked(gen, hello.ExpiresAt)
	m.finishAttemptLocked(nil)
	m.mu.Unlock()

	m.log.Info("chat.connect.ok", "socket_id", hello.SocketID, "user_id", hello.UserID, "expires_at", hello.ExpiresAt)
	go m.readLoop(connCtx, gen, tr)

	m.rejoin(connCtx, gen)
	m.onState.emit(StateConnected)
	return nil
}

// rejoin joins the active conversation on a fresh connection of generation gen.
// The active id is read under roomMu so a concurrent switch cannot be overtaken.
func (m *Manager) rejoin(ctx context.Context, gen uint64) {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	m.mu.Lock()
	active := m.active
	current := gen == m.gen && m.state == StateConnected
	m.mu.Unlock()
	if !current || active == "" {
		return
	}
	if err := m.emit(ctx, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: active}); err != nil {
		m.log.Warn("chat.join.fail", "conversation_id", active, "err", err)
	}
}

func (m *Manager) connectFailed(gen uint64, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.state = StateDisconnected
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	m.finishAttemptLocked(err)
	m.mu.Unlock()

	m.log.Warn("chat.connect.fail", "err", err)
	m.cfg.Notifier.Notify(Notice{Kind: NoticeConnectFailed, Message: MsgConnectFailed, Err: err})
	m.onConnectError.emit(err)
	m.onState.emit(StateDisconnected)
	return err
}

// transportLost handles an unexpected end of the read loop of generation gen.
func (m *Manager) transportLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	reason := closeReason(cause)
	if m.cfg.ReconnectAttempts == 0 {
		tr := m.resetLocked(ErrDisconnected)
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close("transport lost")
		}
		m.failPending(ErrDisconnected)
		m.log.Warn("chat.disconnect", "reason", reason)
		m.onDisconnect.emit(reason)
		m.onState.emit(StateDisconnected)
		return
	}

	tr := m.tr
	m.tr = nil
	m.socketID = ""
	m.stopRefreshLocked()
	token := m.token
	newGen, connCtx := m.beginLocked(token)
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close("transport lost")
	}
	m.failPending(ErrDisconnected)

	m.log.Warn("chat.disconnect", "reason", reason)
	m.onDisconnect.emit(reason)
	m.onState.emit(StateConnecting)

	go m.reconnect(newGen, connCtx, token)
}

// reconnect retries the handshake a bounded number of times with a fixed delay.
func (m *Manager) reconnect(gen uint64, connCtx context.Context, token string) {
	var (
		tr    Transport
		hello v1.ConnectedPayload
		tries int
	)
	op := func() error {
		tries++
		t, h, err := m.handshake(connCtx, connCtx, token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		tr, hello = t, h
		return nil
	}
	retries := uint64(0)
	if m.cfg.ReconnectAttempts > 1 {
		retries = uint64(m.cfg.ReconnectAttempts - 1)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), retries), connCtx)
	notify := func(err error, next time.Duration) {
		m.log.Info("chat.reconnect.retry", "attempt", tries, "next", next, "err", err)
	}

	if err := backoff.RetryNotifyWithTimer(op, b, notify, &backoffTimer{clock: m.clock}); err != nil {
		_ = m.connectFailed(gen, err)
		return
	}
	_ = m.adopt(gen, connCtx, tr, hello)
}

// ---- accessors ----

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID returns the server-assigned id of the live connection, or "".
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// UserID returns the user the server authenticated, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// ActiveConversation returns the conversation the manager keeps joined.
func (m *Manager) ActiveConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ---- listeners ----

// OnState subscribes to connection state changes.
func (m *Manager) OnState(fn func(State)) (unsubscribe func()) { return m.onState.add(fn) }

// OnDisconnect subscribes to connection loss; fn receives the reason.
func (m *Manager) OnDisconnect(fn func(reason string)) (unsubscribe func()) {
	return m.onDisconnect.add(fn)
}

// OnConnectError subscribes to failed connection attempts.
func (m *Manager) OnConnectError(fn func(error)) (unsubscribe func()) {
	return m.onConnectError.add(fn)
}

// OnNewMessage subscribes to messages broadcast to the joined room.
func (m *Manager) OnNewMessage(fn func(v1.Message)) (unsubscribe func()) {
	return m.onNewMessage.add(fn)
}

// OnMessageRead subscribes to read receipts.
func (m *Manager) OnMessageRead(fn func(v1.MessageReadPayload)) (unsubscribe func()) {
	return m.onMessageRead.add(fn)
}

// OnTyping subscribes to remote typing indicators.
func (m *Manager) OnTyping(fn func(TypingEvent)) (unsubscribe func()) { return m.onTyping.add(fn) }

// OnServerError subscribes to error envelopes not tied to a pending send.
func (m *Manager) OnServerError(fn func(v1.ErrorPayload)) (unsubscribe func()) {
	return m.onServerError.add(fn)
}

// OnTokenExpired subscribes to server-side credential expiry notices.
func (m *Manager) OnTokenExpired(fn func()) (unsubscribe func()) {
	return m.onTokenExpired.add(func(struct{}) { fn() })
}

// OnJoined subscribes to the server's confirmation of a room join.
func (m *Manager) OnJoined(fn func(conversationID string)) (unsubscribe func()) {
	return m.onJoined.add(fn)
}

// ---- rooms ----

// JoinConversation makes id the active conversation, leaving the previous
// one. The join is replayed after every reconnect. Without a live connection
// the join is deferred until the next connect.
func (m *Manager) JoinConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("chatclient: empty conversation id")
	}
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	m.mu.Lock()
	prev := m.active
	m.active = id
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if prev != "" && prev != id {
		if err := m.emit(ctx, v1.TypeLeaveConversation, v1.ConversationPayload{ConversationID: prev}); err != nil {
			m.log.Debug("chat.leave.fail", "conversation_id", prev, "err", err)
		}
	}
	return m.emit(ctx, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: id})
}

// LeaveConversation leaves id if it is the active conversation.
func (m *Manager) LeaveConversation(ctx context.Context, id string) error {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	m.mu.Lock()
	if m.active != id {
		m.mu.Unlock()
		return nil
	}
	m.active = ""
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.emit(ctx, v1.TypeLeaveConversation, v1.ConversationPayload{ConversationID: id})
}

// ---- emit ----

func (m *Manager) emit(ctx context.Context, typ string, payload any) error {
	m.mu.Lock()
	tr := m.tr
	connected := m.state == StateConnected
	m.mu.Unlock()
	if tr == nil || !connected {
		return ErrNotConnected
	}

	now := m.clock.Now().UTC()
	env, err := v1.NewEnvelope(typ, newEnvelopeID(now), now, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return tr.Write(wctx, env)
}

// emitBestEffort sends an event whose loss is tolerable.
func (m *Manager) emitBestEffort(typ string, payload any) {
	if err := m.emit(context.Background(), typ, payload); err != nil {
		m.log.Debug("chat.emit.skip", "type", typ, "err", err)
	}
}

// ---- pending sends ----

func (m *Manager) addPending(requestID string, onAck func(v1.Message)) <-chan sendResult {
	p := &pendingSend{ch: make(chan sendResult, 1), onAck: onAck}
	m.pendingMu.Lock()
	m.pending[requestID] = p
	m.pendingMu.Unlock()
	return p.ch
}

func (m *Manager) takePending(requestID string) *pendingSend {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p := m.pending[requestID]
	delete(m.pending, requestID)
	return p
}

func (m *Manager) dropPending(requestID string) { m.takePending(requestID) }

func (m *Manager) pendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) failPending(err error) {
	m.pendingMu.Lock()
	all := m.pending
	m.pending = make(map[string]*pendingSend)
	m.pendingMu.Unlock()
	for _, p := range all {
		p.ch <- sendResult{err: err}
	}
}

// ---- read loop ----

func (m *Manager) readLoop(ctx context.Context, gen uint64, tr Transport) {
	for {
		env, err := tr.Read(ctx)
		if err != nil {
			m.transportLost(gen, err)
			return
		}
		m.dispatch(gen, env)
	}
}

func (m *Manager) dispatch(gen uint64, env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if m.decode(env, &p) {
			m.resolveAck(p)
		}

	case v1.TypeNewMessage:
		var msg v1.Message
		if m.decode(env, &msg) {
			m.onNewMessage.emit(msg)
		}

	case v1.TypeMessageRead:
		var p v1.MessageReadPayload
		if m.decode(env, &p) {
			m.onMessageRead.emit(p)
		}

	case v1.TypeTyping, v1.TypeStopTyping:
		var p v1.TypingPayload
		if m.decode(env, &p) {
			m.onTyping.emit(TypingEvent{ConversationID: p.ConversationID, UserID: p.UserID, Typing: env.Type == v1.TypeTyping})
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if m.decode(env, &p) {
			if p.RequestID == "" {
				m.refreshRejected(gen, p)
			}
			m.resolveError(p)
		}

	case v1.TypeTokenExpired:
		m.log.Info("chat.token.expired")
		m.onTokenExpired.emit(struct{}{})
		go m.refresh(gen, "server")

	case v1.TypeTokenRefreshed:
		var p v1.TokenRefreshedPayload
		if m.decode(env, &p) {
			m.mu.Lock()
			if gen == m.gen {
				m.expiresAt = p.ExpiresAt
				m.refreshSent = false
			}
			m.mu.Unlock()
			m.log.Info("chat.token.refreshed", "expires_at", p.ExpiresAt)
		}

	case v1.TypeConversationJoined:
		var p v1.ConversationPayload
		if m.decode(env, &p) {
			m.log.Debug("chat.joined", "conversation_id", p.ConversationID)
			m.onJoined.emit(p.ConversationID)
		}

	default:
		m.log.Debug("chat.event.ignored", "type", env.Type)
	}
}

func (m *Manager) decode(env v1.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		m.log.Warn("chat.event.decode", "type", env.Type, "err", err)
		return false
	}
	return true
}

// resolveAck merges the acknowledged message before waking the sender so the
// log order matches the order events arrived in.
func (m *Manager) resolveAck(p v1.MessageAckPayload) {
	pd := m.takePending(p.RequestID)
	if pd == nil {
		m.log.Debug("chat.ack.orphan", "request_id", p.RequestID, "message_id", p.Message.ID)
		return
	}
	if pd.onAck != nil {
		pd.onAck(p.Message)
	}
	pd.ch <- sendResult{msg: p.Message}
}

func (m *Manager) resolveError(p v1.ErrorPayload) {
	if p.RequestID != "" {
		if pd := m.takePending(p.RequestID); pd != nil {
			pd.ch <- sendResult{err: &ServerError{Code: p.Code, Message: p.Message}}
			return
		}
	}
	m.log.Warn("chat.server.error", "code", p.Code, "message", p.Message)
	m.onServerError.emit(p)
}
