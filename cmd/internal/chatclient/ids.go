package chatclient

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

func newEnvelopeID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// newRequestID correlates a send with its ack: socket id, millisecond
// timestamp and a random suffix.
func newRequestID(socketID string, now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return socketID + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b[:])
}
