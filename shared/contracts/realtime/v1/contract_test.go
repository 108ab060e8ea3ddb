package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeTyping}},
		{name: "missing version", env: Envelope{Type: TypeTyping}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeTyping}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "shout"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v want substring %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestEnvelopeDecode_CamelCasePayload(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(TypeSendMessage, "e1", time.Now().UTC(), SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "hi",
		RequestID:      "req-1",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if !strings.Contains(string(env.Payload), `"requestId":"req-1"`) {
		t.Fatalf("payload not camelCase: %s", env.Payload)
	}

	b, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var p SendMessagePayload
	if err := back.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.ConversationID != "conv-1" || p.RequestID != "req-1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestEnvelopeDecode_EmptyPayload(t *testing.T) {
	t.Parallel()

	env := Envelope{V: Version, Type: TypeMarkMessageRead}
	var p MarkMessageReadPayload
	if err := env.Decode(&p); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
