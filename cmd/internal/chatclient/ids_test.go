package chatclient

import (
	"strings"
	"testing"
)

func TestNewRequestID(t *testing.T) {
	a := newRequestID("sock-1", testEpoch)
	b := newRequestID("sock-1", testEpoch)

	if a == b {
		t.Fatalf("request ids collide: %s", a)
	}
	if !strings.HasPrefix(a, "sock-1-") {
		t.Fatalf("request id %q lacks socket prefix", a)
	}
}
