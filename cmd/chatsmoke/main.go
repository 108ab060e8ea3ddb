// Command chatsmoke drives two chat clients against a running server.
//
// It mints access tokens with the server's signing secret (CHAT_AUTH_JWT_SECRET),
// then checks:
//   - connect and room join for both users
//   - send with ack, and fanout to the other member
//   - read receipt propagation
//   - typing indicator propagation
//   - REST history
//
// It exits non-zero on the first failed step.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"talentchat/cmd/internal/auth/session"
	"talentchat/cmd/internal/chatclient"

	"github.com/joho/godotenv"
)

type member struct {
	name string
	m    *chatclient.Manager
	c    *chatclient.Conversation
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID to join")
		text    = flag.String("text", "hello from chatsmoke", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	envFile := os.Getenv("CHAT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(log, *wsURL, *origin, *convID, *text, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "chatsmoke: FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("chatsmoke: OK")
}

func run(log *slog.Logger, wsURL, origin, convID, text string, timeout time.Duration) error {
	httpBase, err := historyBase(wsURL)
	if err != nil {
		return fmt.Errorf("invalid -url: %w", err)
	}

	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	svc, err := session.NewServiceFromConfig(cfg)
	if err != nil {
		return err
	}

	a, err := join(log, svc, "smoke-a", wsURL, origin, convID, timeout)
	if err != nil {
		return err
	}
	defer a.close()
	b, err := join(log, svc, "smoke-b", wsURL, origin, convID, timeout)
	if err != nil {
		return err
	}
	defer b.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sent, err := a.c.SendMessage(ctx, text)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	log.Info("smoke.sent", "message_id", sent.ID, "seq", sent.Seq)

	if err := waitUntil(ctx, "fanout to B", func() bool {
		for _, m := range b.c.Messages() {
			if m.ID == sent.ID {
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}

	if err := b.c.MarkMessageAsRead(ctx, sent.ID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := waitUntil(ctx, "read receipt at A", func() bool {
		for _, m := range a.c.Messages() {
			if m.ID != sent.ID {
				continue
			}
			for _, rs := range m.ReadStatuses {
				if rs.UserID == b.name {
					return true
				}
			}
		}
		return false
	}); err != nil {
		return err
	}

	b.c.SendTyping()
	if err := waitUntil(ctx, "typing at A", a.c.RemoteTyping); err != nil {
		return err
	}
	b.c.StopTyping()

	tok, _, err := svc.IssueAccessToken(a.name, "smoke-"+a.name, time.Now().UTC())
	if err != nil {
		return err
	}
	hc := &chatclient.HistoryClient{BaseURL: httpBase}
	page, err := hc.Fetch(ctx, tok, convID, chatclient.HistoryQuery{Limit: 50})
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	for _, m := range page.Messages {
		if m.ID == sent.ID {
			return nil
		}
	}
	return errors.New("history does not contain the sent message")
}

func join(log *slog.Logger, svc *session.Service, userID, wsURL, origin, convID string, timeout time.Duration) (*member, error) {
	tok, _, err := svc.IssueAccessToken(userID, "smoke-"+userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m, err := chatclient.New(chatclient.Config{
		URL:    wsURL,
		Origin: origin,
		Logger: log.With("user_id", userID),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	joined := make(chan struct{}, 1)
	unsub := m.OnJoined(func(id string) {
		if id == convID {
			select {
			case joined <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if err := m.Connect(ctx, tok); err != nil {
		return nil, fmt.Errorf("%s connect: %w", userID, err)
	}
	c := m.Open(convID, userID)

	select {
	case <-joined:
	case <-ctx.Done():
		c.Close()
		m.Disconnect()
		return nil, fmt.Errorf("%s join %s: %w", userID, convID, ctx.Err())
	}
	return &member{name: userID, m: m, c: c}, nil
}

func (p *member) close() {
	p.c.Close()
	p.m.Disconnect()
}

func waitUntil(ctx context.Context, what string, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// historyBase derives the HTTP origin serving the REST API from the websocket URL.
func historyBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.Scheme + "://" + u.Host, nil
}
