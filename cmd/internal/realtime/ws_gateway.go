package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"talentchat/cmd/internal/auth/session"
	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// TokenValidator verifies bearer tokens at handshake and on refreshToken.
// *session.Service satisfies it.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string, now time.Time) (session.AccessClaims, error)
	ValidateRefresh(ctx context.Context, current session.AccessClaims, token string, now time.Time) (session.AccessClaims, error)
}

// WSGateway is the WebSocket entrypoint for talentchat realtime.
//
// It authenticates the handshake, enforces origin policy, subprotocol
// selection, rate limits, heartbeats and token expiry, and routes validated
// envelopes to the Hub and MessageStore.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	store   MessageStore
	auth    TokenValidator
	members MembershipStore
	metrics *Metrics

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// GatewayOption customizes a WSGateway.
type GatewayOption func(*WSGateway)

// WithGatewayConfig replaces the env-derived configuration.
func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *WSGateway) { g.cfg = cfg.normalized() }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
// A nil members store admits any authenticated user to any conversation.
func NewWSGateway(log *slog.Logger, hub *Hub, store MessageStore, auth TokenValidator, members MembershipStore, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{
		log:     log,
		hub:     hub,
		store:   store,
		auth:    auth,
		members: members,
		cfg:     GatewayConfigFromEnv(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.metrics == nil {
		// Private registry keeps tests and multiple gateways from colliding.
		g.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if hub.onDrop == nil {
		hub.onDrop = g.metrics.BroadcastDropped.Inc
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// Patterns are derived from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.Handshakes.WithLabelValues("forbidden").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	claims, err := g.authenticate(r, now)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		g.metrics.Handshakes.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		g.metrics.Handshakes.WithLabelValues("accept_failed").Inc()
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.Handshakes.WithLabelValues("bad_subprotocol").Inc()
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.metrics.Handshakes.WithLabelValues("ok").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{
		g:      g,
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		client: NewClient(NewSocketID(now), claims, g.cfg.SendQueueSize),
	}
	s.log = g.log.With("session_id", s.client.SessionID, "user_id", s.client.UserID)
	s.run(now)
}

func (g *WSGateway) authenticate(r *http.Request, now time.Time) (session.AccessClaims, error) {
	if g.auth == nil {
		return session.AccessClaims{}, errors.New("auth not configured")
	}
	token := bearerToken(r)
	if token == "" {
		return session.AccessClaims{}, session.ErrInvalidToken
	}
	return g.auth.ValidateAccessToken(r.Context(), token, now)
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// wsSession is the per-connection state. joined is guarded by mu because
// shutdown can be triggered from the writer and heartbeat goroutines.
type wsSession struct {
	g      *WSGateway
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	client *Client

	closeOnce sync.Once

	mu     sync.Mutex
	joined *Conversation
}

func (s *wsSession) run(now time.Time) {
	g := s.g
	client := s.client

	g.metrics.Connections.Inc()
	s.log.Info("ws.connect", "expires_at", client.ExpiresAt())

	// First envelope on the wire.
	s.enqueue(newEnvelope(v1.TypeConnected, v1.ConnectedPayload{
		SocketID:  client.SessionID,
		UserID:    client.UserID,
		ExpiresAt: client.ExpiresAt(),
	}, now))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	expiryDone := make(chan struct{})
	go func() {
		defer close(expiryDone)
		s.watchExpiry()
	}()

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-expiryDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// shutdown is idempotent. It does NOT close client.Send.
// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.joined != nil {
			s.leaveLocked()
		}
		s.mu.Unlock()

		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()

		s.g.metrics.Connections.Dec()
		s.log.Info("ws.disconnect", "code", code.String(), "reason", reason)
	})
}

// fail writes the final envelopes synchronously, bypassing the queue, then closes.
func (s *wsSession) fail(code websocket.StatusCode, reason string, final ...v1.Envelope) {
	for _, env := range final {
		if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
			break
		}
	}
	s.shutdown(code, reason)
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// watchExpiry pushes tokenExpired once per credential when it lapses.
// A refreshToken swap re-arms the watcher through client.refreshed.
func (s *wsSession) watchExpiry() {
	for {
		exp := s.client.ExpiresAt()
		if exp.IsZero() {
			select {
			case <-s.ctx.Done():
				return
			case <-s.client.Done():
				return
			case <-s.client.refreshed:
				continue
			}
		}

		t := time.NewTimer(time.Until(exp))
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-s.client.Done():
			t.Stop()
			return
		case <-s.client.refreshed:
			t.Stop()
			continue
		case <-t.C:
		}

		s.log.Info("ws.token.expired", "expired_at", exp)
		s.g.metrics.TokenExpired.Inc()
		s.enqueue(newEnvelope(v1.TypeTokenExpired, v1.TokenExpiredPayload{}, time.Now().UTC()))

		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-s.client.refreshed:
		}
	}
}

func (s *wsSession) readLoop() {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, s.g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			s.g.metrics.Errors.WithLabelValues(v1.CodeRateLimited).Inc()
			s.fail(websocket.StatusPolicyViolation, "rate limited",
				errorEnvelope(v1.CodeRateLimited, "too many events", "", now))
			return
		}

		env, err := v1.Unmarshal(data)
		if err != nil {
			s.sendError(v1.CodeBadJSON, "invalid JSON", "")
			continue
		}
		if err := env.Validate(); err != nil {
			s.sendError(v1.CodeBadEnvelope, err.Error(), "")
			continue
		}

		s.g.metrics.Events.WithLabelValues(env.Type).Inc()

		err = s.dispatch(env, now)
		if err == nil {
			continue
		}
		if errors.Is(err, errSessionExpired) {
			s.fail(websocket.StatusPolicyViolation, "token expired",
				newEnvelope(v1.TypeTokenExpired, v1.TokenExpiredPayload{}, now),
				errorEnvelope(v1.CodeTokenExpired, "token expired", requestIDOf(err), now),
			)
			return
		}
		var ee *eventError
		if errors.As(err, &ee) {
			s.sendError(ee.code, ee.msg, ee.requestID)
			continue
		}
		s.log.Error("ws.event.fail", "type", env.Type, "err", err)
		s.sendError(v1.CodeUnsupported, "internal error", "")
	}
}

func (s *wsSession) dispatch(env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypeJoinConversation:
		return s.onJoin(env, now)
	case v1.TypeLeaveConversation:
		return s.onLeave(env)
	case v1.TypeSendMessage:
		return s.onSendMessage(env, now)
	case v1.TypeTyping, v1.TypeStopTyping:
		return s.onTyping(env, now)
	case v1.TypeMarkMessageRead:
		return s.onMarkRead(env, now)
	case v1.TypeRefreshToken:
		return s.onRefreshToken(env, now)
	default:
		return &eventError{code: v1.CodeUnsupported, msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}
}

// ---- send helpers ----

func (s *wsSession) sendError(code, msg, requestID string) {
	s.g.metrics.Errors.WithLabelValues(code).Inc()
	s.enqueue(errorEnvelope(code, msg, requestID, time.Now().UTC()))
}

func (s *wsSession) enqueue(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		s.log.Warn("ws.enqueue.drop", "type", env.Type)
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(ts), ts, payload)
	if err != nil {
		// Payloads are protocol structs; marshal cannot fail for them.
		panic(err)
	}
	return env
}

func errorEnvelope(code, msg, requestID string, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID}, ts)
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
