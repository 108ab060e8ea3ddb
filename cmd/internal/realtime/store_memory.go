package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It supports:
//   - AppendMessage: idempotent + seq allocation
//   - MarkRead: first read wins
//   - FetchHistory: paging by after_seq (for CI/smoke determinism)
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	byID  map[string]*memRef
}

type memConv struct {
	seq    int64
	dedupe map[string]string // sender_id + request_id -> message id
	msgs   []*StoredMessage  // ordered by seq
}

type memRef struct {
	conv string
	msg  *StoredMessage
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		byID:  make(map[string]*memRef),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ConversationID == "" || in.RequestID == "" || in.SenderID == "" || in.Content == "" {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]string),
			msgs:   make([]*StoredMessage, 0, 256),
		}
		s.convs[in.ConversationID] = c
	}

	key := in.SenderID + "\x00" + in.RequestID
	if id, ok := c.dedupe[key]; ok {
		if ref := s.byID[id]; ref != nil {
			return AppendMessageResult{Stored: cloneStored(ref.msg), Duplicated: true}, nil
		}
	}

	c.seq++
	msg := &StoredMessage{
		ID:             NewMessageID(now),
		ConversationID: in.ConversationID,
		RequestID:      in.RequestID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Seq:            c.seq,
		CreatedAt:      now,
	}
	c.dedupe[key] = msg.ID
	c.msgs = append(c.msgs, msg)
	s.byID[msg.ID] = &memRef{conv: in.ConversationID, msg: msg}

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		evict := c.msgs[:len(c.msgs)-memMaxMessagesPerConversation]
		for _, m := range evict {
			delete(s.byID, m.ID)
			delete(c.dedupe, m.SenderID+"\x00"+m.RequestID)
		}
		c.msgs = append([]*StoredMessage(nil), c.msgs[len(evict):]...)
	}

	return AppendMessageResult{Stored: cloneStored(msg), Duplicated: false}, nil
}

// MarkRead records a read receipt; repeated calls return the original receipt.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if in.ConversationID == "" || in.MessageID == "" || in.UserID == "" {
		return MarkReadResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.byID[in.MessageID]
	if ref == nil || ref.conv != in.ConversationID {
		return MarkReadResult{}, ErrMessageNotFound
	}
	for _, r := range ref.msg.Reads {
		if r.UserID == in.UserID {
			return MarkReadResult{Receipt: r, Created: false}, nil
		}
	}
	rc := ReadReceipt{UserID: in.UserID, ReadAt: now}
	ref.msg.Reads = append(ref.msg.Reads, rc)
	return MarkReadResult{Receipt: rc, Created: true}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []StoredMessage
	if c != nil {
		snap = make([]StoredMessage, 0, len(c.msgs))
		for _, m := range c.msgs {
			snap = append(snap, cloneStored(m))
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

func cloneStored(m *StoredMessage) StoredMessage {
	out := *m
	out.Reads = append([]ReadReceipt(nil), m.Reads...)
	return out
}
