package realtime

import (
	"context"
	"errors"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"
)

var (
	// ErrInvalidInput is returned for missing ids or content.
	ErrInvalidInput = errors.New("realtime: invalid input")
	// ErrMessageNotFound is returned when a message does not exist in the conversation.
	ErrMessageNotFound = errors.New("realtime: message not found")
	// ErrStoreUnavailable is returned when the store refuses calls (open breaker).
	ErrStoreUnavailable = errors.New("realtime: store unavailable")
)

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	RequestID      string
	SenderID       string
	Content        string
	Seq            int64
	CreatedAt      time.Time
	Reads          []ReadReceipt
}

// Wire converts the stored form to the protocol representation.
func (m StoredMessage) Wire() v1.Message {
	reads := make([]v1.ReadStatus, 0, len(m.Reads))
	for _, r := range m.Reads {
		reads = append(reads, v1.ReadStatus{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Seq:            m.Seq,
		ReadStatuses:   reads,
	}
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (conversation_id, sender_id, request_id)
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - One read receipt per (message_id, user_id); the first read wins
//   - History query ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	RequestID      string
	SenderID       string
	Content        string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// MarkReadInput describes a read receipt. The message must belong to ConversationID.
type MarkReadInput struct {
	ConversationID string
	MessageID      string
	UserID         string
	Now            time.Time
}

// MarkReadResult carries the effective receipt; Created is false when it already existed.
type MarkReadResult struct {
	Receipt ReadReceipt
	Created bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
