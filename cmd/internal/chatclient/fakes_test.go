package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/jonboulle/clockwork"
)

var errTransportClosed = errors.New("fake transport closed")

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeTransport is an in-memory connection. The test plays the server:
// it pushes envelopes with push and reads what the client wrote from out.
type fakeTransport struct {
	in     chan v1.Envelope
	out    chan v1.Envelope
	closed chan struct{}
	once   sync.Once

	// When gate is set, the first write of gateType closes gated and
	// then waits for gate.
	gateType string
	gate     chan struct{}
	gated    chan struct{}
	gateOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan v1.Envelope, 64),
		out:    make(chan v1.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return v1.Envelope{}, errTransportClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, env v1.Envelope) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	if t.gate != nil && env.Type == t.gateType {
		first := false
		t.gateOnce.Do(func() { first = true })
		if first {
			close(t.gated)
			select {
			case <-t.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	select {
	case t.out <- env:
		return nil
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(string) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(tb testing.TB, typ string, payload any) {
	tb.Helper()
	env, err := v1.NewEnvelope(typ, "", testEpoch, payload)
	if err != nil {
		tb.Fatalf("NewEnvelope: %v", err)
	}
	t.in <- env
}

// expect returns the next written envelope of type typ, skipping others.
func (t *fakeTransport) expect(tb testing.TB, typ string) v1.Envelope {
	tb.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-t.out:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			tb.Fatalf("client did not write %q", typ)
			return v1.Envelope{}
		}
	}
}

// expectNone fails if an envelope of type typ is written within wait.
func (t *fakeTransport) expectNone(tb testing.TB, typ string, wait time.Duration) {
	tb.Helper()
	deadline := time.After(wait)
	for {
		select {
		case env := <-t.out:
			if env.Type == typ {
				tb.Fatalf("unexpected %q written", typ)
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	tokens    []string
	fail      func(n int) error
	block     chan struct{}
	expiresAt time.Time
	prepare   func(*fakeTransport)
	conns     chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	fail, block, exp, prepare := d.fail, d.block, d.expiresAt, d.prepare
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	tr := newFakeTransport()
	if prepare != nil {
		prepare(tr)
	}
	env, err := v1.NewEnvelope(v1.TypeConnected, "", testEpoch, v1.ConnectedPayload{
		SocketID:  fmt.Sprintf("sock-%d", n),
		UserID:    "u1",
		ExpiresAt: exp,
	})
	if err != nil {
		return nil, err
	}
	tr.in <- env
	d.conns <- tr
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFail(fn func(n int) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(3 * time.Second):
		tb.Fatalf("no connection dialed")
		return nil
	}
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) count(kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// timerProbe counts AfterFunc timers that are neither stopped nor fired.
type timerProbe struct {
	*clockwork.FakeClock
	mu   sync.Mutex
	live map[*probeTimer]struct{}
}

type probeTimer struct {
	clockwork.Timer
	p *timerProbe
}

func newTimerProbe() *timerProbe {
	return &timerProbe{FakeClock: clockwork.NewFakeClockAt(testEpoch), live: make(map[*probeTimer]struct{})}
}

func (p *timerProbe) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	pt := &probeTimer{p: p}
	p.mu.Lock()
	p.live[pt] = struct{}{}
	p.mu.Unlock()
	pt.Timer = p.FakeClock.AfterFunc(d, func() {
		p.forget(pt)
		f()
	})
	return pt
}

func (p *timerProbe) forget(pt *probeTimer) {
	p.mu.Lock()
	delete(p.live, pt)
	p.mu.Unlock()
}

func (p *timerProbe) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (t *probeTimer) Stop() bool {
	ok := t.Timer.Stop()
	if ok {
		t.p.forget(t)
	}
	return ok
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	clock   *timerProbe
	notices *noticeRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), clock: newTimerProbe(), notices: &noticeRecorder{}}
	cfg := Config{
		Dialer:   h.dialer,
		Clock:    h.clock,
		Notifier: h.notices,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	t.Cleanup(m.Disconnect)
	return h
}

// connect connects with token and returns the server side of the new connection.
func (h *harness) connect(t *testing.T, token string) *fakeTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.m.Connect(ctx, token); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.dialer.next(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wireMessage(id, conversationID string, seq int64, createdAt time.Time) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u2",
		Content:        "content " + id,
		CreatedAt:      createdAt,
		Seq:            seq,
		ReadStatuses:   []v1.ReadStatus{},
	}
}
