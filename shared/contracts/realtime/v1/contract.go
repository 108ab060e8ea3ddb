// Package v1 defines the talentchat realtime protocol v1 contract.
//
// This package is shared between the gateway and the client core to keep the
// wire protocol authoritative. Payload structs carry validation tags that the
// gateway enforces on inbound events.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake.
const Subprotocol = "talentchat.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeConnected confirms an authenticated connection (server -> client).
	TypeConnected = "connected"

	// TypeJoinConversation joins the room of a conversation (client -> server).
	TypeJoinConversation = "joinConversation"
	// TypeConversationJoined echoes a successful join (server -> client).
	TypeConversationJoined = "conversationJoined"
	// TypeLeaveConversation leaves the current room (client -> server).
	TypeLeaveConversation = "leaveConversation"

	// TypeSendMessage requests persisting and broadcasting a message (client -> server).
	TypeSendMessage = "sendMessage"
	// TypeMessageAck answers a sendMessage with the persisted message (server -> client).
	TypeMessageAck = "messageAck"
	// TypeNewMessage delivers a message to room members (server -> client).
	TypeNewMessage = "newMessage"

	// TypeTyping and TypeStopTyping flow in both directions.
	TypeTyping     = "typing"
	TypeStopTyping = "stopTyping"

	// TypeMarkMessageRead marks a message read (client -> server).
	TypeMarkMessageRead = "markMessageRead"
	// TypeMessageRead broadcasts a read receipt (server -> client).
	TypeMessageRead = "messageRead"

	// TypeRefreshToken swaps the credential of a live connection (client -> server).
	TypeRefreshToken = "refreshToken"
	// TypeTokenRefreshed confirms a credential swap (server -> client).
	TypeTokenRefreshed = "tokenRefreshed"
	// TypeTokenExpired tells the client its credential is no longer valid (server -> client).
	TypeTokenExpired = "tokenExpired"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var knownTypes = map[string]struct{}{
	TypeConnected:          {},
	TypeJoinConversation:   {},
	TypeConversationJoined: {},
	TypeLeaveConversation:  {},
	TypeSendMessage:        {},
	TypeMessageAck:         {},
	TypeNewMessage:         {},
	TypeTyping:             {},
	TypeStopTyping:         {},
	TypeMarkMessageRead:    {},
	TypeMessageRead:        {},
	TypeRefreshToken:       {},
	TypeTokenRefreshed:     {},
	TypeTokenExpired:       {},
	TypeError:              {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope for a websocket text frame.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a websocket frame into an envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
