package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which keeps logs and ids ordered.
func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms; fall back to a zero-entropy ULID.
		return ulid.MustNew(ulid.Timestamp(now), nil).String()
	}
	return id.String()
}

// NewSocketID returns the id assigned to a websocket connection at handshake.
func NewSocketID(now time.Time) string { return newULID(now) }

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string { return newULID(now) }

// NewMessageID returns the server-assigned, stable message id.
func NewMessageID(now time.Time) string { return newULID(now) }
