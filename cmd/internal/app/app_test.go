package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"talentchat/cmd/internal/auth/session"
	"talentchat/cmd/internal/chatclient"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	t.Setenv("CHAT_AUTH_JWT_SECRET", testSecret)
	t.Setenv("CHAT_WS_ALLOWED_ORIGINS", "http://localhost")

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRoutes_Health(t *testing.T) {
	h := newTestApp(t, nil).Handler()

	rr := get(t, h, "/healthz", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing on healthz")
	}

	rr = get(t, h, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz without db: %d", rr.Code)
	}
}

func TestRoutes_ReadyzRequiresDB(t *testing.T) {
	h := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true }).Handler()

	if rr := get(t, h, "/readyz", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d want 503", rr.Code)
	}
}

func TestRoutes_Metrics(t *testing.T) {
	h := newTestApp(t, nil).Handler()

	rr := get(t, h, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"talentchat_ws_connections", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output lacks %q", want)
		}
	}

	off := newTestApp(t, func(c *Config) { c.MetricsEnabled = false }).Handler()
	if rr := get(t, off, "/metrics", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("disabled metrics: %d want 404", rr.Code)
	}
}

func TestRoutes_RejectUnauthenticated(t *testing.T) {
	h := newTestApp(t, nil).Handler()

	rr := get(t, h, "/ws", http.Header{"Origin": {"http://localhost"}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ws without token: %d want 401", rr.Code)
	}

	rr = get(t, h, "/v1/conversations/conv-1/messages", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("history without token: %d want 401", rr.Code)
	}
}

func TestRoutes_ClientRoundTrip(t *testing.T) {
	a := newTestApp(t, nil)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	svc, err := session.NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("session service: %v", err)
	}
	tok, _, err := svc.IssueAccessToken("alice", "s-alice", time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	m, err := chatclient.New(chatclient.Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin: "http://localhost",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("chatclient.New: %v", err)
	}
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, tok); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	joined := make(chan struct{}, 1)
	m.OnJoined(func(string) { joined <- struct{}{} })
	c := m.Open("conv-1", "alice")
	defer c.Close()
	select {
	case <-joined:
	case <-ctx.Done():
		t.Fatalf("join not confirmed")
	}

	msg, err := c.SendMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	hc := &chatclient.HistoryClient{BaseURL: srv.URL}
	page, err := hc.Fetch(ctx, tok, "conv-1", chatclient.HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID {
		t.Fatalf("history page=%+v", page)
	}
}
