package realtime

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"talentchat/cmd/internal/auth/session"
	v1 "talentchat/shared/contracts/realtime/v1"
)

func newHubTestClient(id, user string, queue int) *Client {
	return NewClient(id, session.AccessClaims{UserID: user, ExpiresAt: time.Now().Add(time.Hour)}, queue)
}

func TestHub_JoinLeave_DropsEmptyRoom(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a := newHubTestClient("s1", "alice", 4)
	b := newHubTestClient("s2", "bob", 4)

	room := h.Join("c1", a)
	if again := h.Join("c1", b); again != room {
		t.Fatalf("expected the same room handle")
	}
	h.Join("c1", a) // idempotent
	if room.Len() != 2 {
		t.Fatalf("expected 2 members, got %d", room.Len())
	}

	if !h.Leave(room, "s1") {
		t.Fatalf("expected s1 to leave")
	}
	if h.Leave(room, "s1") {
		t.Fatalf("second leave must report false")
	}
	if _, ok := h.Lookup("c1"); !ok {
		t.Fatalf("room with members must stay")
	}

	h.Leave(room, "s2")
	if _, ok := h.Lookup("c1"); ok || h.Rooms() != 0 {
		t.Fatalf("empty room must be dropped")
	}

	select {
	case <-a.Done():
		t.Fatalf("leaving a room must not close the client")
	default:
	}
}

func TestConversation_BroadcastExcept(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a := newHubTestClient("s1", "alice", 4)
	b := newHubTestClient("s2", "bob", 4)
	room := h.Join("c1", a)
	h.Join("c1", b)

	room.BroadcastExcept("s1", v1.Envelope{V: v1.Version, Type: v1.TypeTyping})

	if len(a.Send) != 0 {
		t.Fatalf("skipped member received the envelope")
	}
	if len(b.Send) != 1 {
		t.Fatalf("expected bob to receive 1 envelope, got %d", len(b.Send))
	}
}

func TestConversation_Broadcast_DropsOnFullQueue(t *testing.T) {
	t.Parallel()

	var drops atomic.Int64
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.onDrop = func() { drops.Add(1) }

	slow := newHubTestClient("s1", "alice", 1)
	closed := newHubTestClient("s2", "bob", 4)
	closed.Close()

	room := h.Join("c1", slow)
	h.Join("c1", closed)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeNewMessage}
	room.Broadcast(env)
	room.Broadcast(env)

	if len(slow.Send) != 1 {
		t.Fatalf("expected 1 queued envelope, got %d", len(slow.Send))
	}
	if got := drops.Load(); got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if len(closed.Send) != 0 {
		t.Fatalf("closed client must be skipped")
	}
}

func TestClient_TokenExpiryAndRefresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := NewClient("s1", session.AccessClaims{UserID: "alice", ExpiresAt: now.Add(time.Minute)}, 4)
	if c.TokenExpired(now) {
		t.Fatalf("token should be fresh")
	}
	if !c.TokenExpired(now.Add(time.Minute)) {
		t.Fatalf("token should be expired at its expiry")
	}

	c.SetClaims(session.AccessClaims{UserID: "alice", ExpiresAt: now.Add(time.Hour)})
	if c.TokenExpired(now.Add(time.Minute)) {
		t.Fatalf("refreshed token should be fresh")
	}
	select {
	case <-c.refreshed:
	default:
		t.Fatalf("expected refresh signal")
	}

	if c.SetTyping(true) {
		t.Fatalf("initial typing state must be false")
	}
	if !c.SetTyping(false) {
		t.Fatalf("expected previous typing state true")
	}
}
