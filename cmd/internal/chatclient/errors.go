package chatclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an event is emitted without a live connection.
	ErrNotConnected = errors.New("chatclient: not connected")
	// ErrDisconnected fails in-flight work when the connection goes away.
	ErrDisconnected = errors.New("chatclient: disconnected")
	// ErrSuperseded is returned to a Connect call whose attempt was replaced by a newer one.
	ErrSuperseded = errors.New("chatclient: connection attempt superseded")
	// ErrUnauthorized is returned when the server rejects the handshake token.
	ErrUnauthorized = errors.New("chatclient: unauthorized")
	// ErrHandshake is returned when the server does not confirm the connection.
	ErrHandshake = errors.New("chatclient: handshake failed")
	// ErrEmptyToken is returned by Connect for a blank token.
	ErrEmptyToken = errors.New("chatclient: empty token")
	// ErrEmptyContent is returned when a message is blank after trimming.
	ErrEmptyContent = errors.New("chatclient: empty message content")
	// ErrNotJoined is returned when sending into a conversation that is not the active one.
	ErrNotJoined = errors.New("chatclient: conversation not joined")
	// ErrClosed is returned by a closed Conversation.
	ErrClosed = errors.New("chatclient: conversation closed")
)

// ServerError is an error envelope reported by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("chatclient: server error %s: %s", e.Code, e.Message)
}
