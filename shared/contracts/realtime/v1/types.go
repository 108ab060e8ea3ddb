package v1

import "time"

// ---- Domain ----

// ReadStatus records that a user has read a message.
type ReadStatus struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is the wire representation of a persisted chat message.
// ID is assigned once by the server and never changes.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	Seq            int64        `json:"seq"`
	ReadStatuses   []ReadStatus `json:"readStatuses"`
}

// ---- Payloads ----

// ConnectedPayload is sent once the handshake token has been accepted.
type ConnectedPayload struct {
	SocketID  string    `json:"socketId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConversationPayload names a conversation (join, joined, leave).
type ConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	Content        string `json:"content" validate:"required"`
	RequestID      string `json:"requestId" validate:"required,max=128"`
}

// MessageAckPayload answers a send request with the persisted message.
type MessageAckPayload struct {
	RequestID string  `json:"requestId"`
	Message   Message `json:"message"`
}

// TypingPayload carries typing state. UserID is set by the server only.
type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	UserID         string `json:"userId,omitempty"`
}

// MarkMessageReadPayload marks a message as read by the sender of the event.
type MarkMessageReadPayload struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
}

// MessageReadPayload broadcasts a read receipt to room members.
type MessageReadPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// RefreshTokenPayload carries a fresh bearer token for the live connection.
type RefreshTokenPayload struct {
	Token string `json:"token" validate:"required,max=8192"`
}

// TokenRefreshedPayload confirms a credential swap.
type TokenRefreshedPayload struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenExpiredPayload is intentionally empty.
type TokenExpiredPayload struct{}

// ErrorPayload is a generic error response payload.
// RequestID is set when the error answers a sendMessage.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Error codes (wire-stable).
const (
	CodeBadJSON          = "bad_json"
	CodeBadEnvelope      = "bad_envelope"
	CodeBadPayload       = "bad_payload"
	CodeUnsupported      = "unsupported"
	CodeRateLimited      = "rate_limited"
	CodeNotJoined        = "not_joined"
	CodeForbidden        = "forbidden"
	CodeSendFailed       = "send_failed"
	CodeReadFailed       = "read_failed"
	CodeNotFound         = "not_found"
	CodeTokenExpired     = "token_expired"
	CodeInvalidToken     = "invalid_token"
	CodeStoreUnavailable = "store_unavailable"
)

// HistoryResponse is the body of GET /v1/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
}
