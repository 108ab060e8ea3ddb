package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxFrameBytes = 64 << 10

// Transport is one established realtime connection.
// Read is called from a single goroutine; Write may be called concurrently.
type Transport interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Close(reason string) error
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// WSDialer dials the gateway over websocket with the bearer token in the
// Authorization header.
type WSDialer struct {
	URL        string
	Origin     string
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, token string) (Transport, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if o := strings.TrimSpace(d.Origin); o != "" {
		h.Set("Origin", o)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrHandshake, sp)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Read returns the next decodable envelope. Frames that fail to decode are skipped.
func (t *wsTransport) Read(ctx context.Context) (v1.Envelope, error) {
	for {
		mt, b, err := t.conn.Read(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		if mt != websocket.MessageText {
			continue
		}
		env, err := v1.Unmarshal(b)
		if err != nil || env.Validate() != nil {
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, env v1.Envelope) error {
	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// closeReason describes why a read loop ended.
func closeReason(err error) string {
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			return fmt.Sprintf("%s: %s", code, ce.Reason)
		}
		return code.String()
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnect"
	}
	return "transport error: " + err.Error()
}
