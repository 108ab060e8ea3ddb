package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStore_Append_IdempotentPerSender(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "alice", Content: "hi", Now: now})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 || first.Stored.ID == "" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	dup, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "alice", Content: "hi", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("append dup: %v", err)
	}
	if !dup.Duplicated || dup.Stored.ID != first.Stored.ID || !dup.Stored.CreatedAt.Equal(now) {
		t.Fatalf("duplicate must return the original message: %+v", dup)
	}

	// Same request id from another sender is a different message.
	other, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "bob", Content: "yo", Now: now})
	if err != nil {
		t.Fatalf("append other: %v", err)
	}
	if other.Duplicated || other.Stored.Seq != 2 {
		t.Fatalf("expected a new message with seq=2, got %+v", other)
	}
}

func TestInMemoryStore_Append_InvalidInput(t *testing.T) {
	t.Parallel()

	_, err := NewInMemoryStore().AppendMessage(context.Background(), AppendMessageInput{ConversationID: "c1", SenderID: "a", Content: "x"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInMemoryStore_MarkRead_FirstReadWins(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "alice", Content: "hi", Now: now})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id := res.Stored.ID

	first, err := st.MarkRead(ctx, MarkReadInput{ConversationID: "c1", MessageID: id, UserID: "bob", Now: now.Add(time.Second)})
	if err != nil || !first.Created {
		t.Fatalf("first mark: res=%+v err=%v", first, err)
	}
	again, err := st.MarkRead(ctx, MarkReadInput{ConversationID: "c1", MessageID: id, UserID: "bob", Now: now.Add(time.Minute)})
	if err != nil || again.Created {
		t.Fatalf("repeat mark: res=%+v err=%v", again, err)
	}
	if !again.Receipt.ReadAt.Equal(first.Receipt.ReadAt) {
		t.Fatalf("readAt changed: %s -> %s", first.Receipt.ReadAt, again.Receipt.ReadAt)
	}

	if _, err := st.MarkRead(ctx, MarkReadInput{ConversationID: "c2", MessageID: id, UserID: "bob"}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for foreign conversation, got %v", err)
	}

	hist, err := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Messages) != 1 || len(hist.Messages[0].Reads) != 1 || hist.Messages[0].Reads[0].UserID != "bob" {
		t.Fatalf("history must carry the read receipt: %+v", hist.Messages)
	}

	// Returned snapshots are copies.
	hist.Messages[0].Reads[0].UserID = "mutated"
	hist2, _ := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "c1"})
	if hist2.Messages[0].Reads[0].UserID != "bob" {
		t.Fatalf("history snapshot aliases store state")
	}
}

func TestInMemoryStore_History_Order_AfterSeq_HasMore(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "c1",
			RequestID:      fmt.Sprintf("r%d", i),
			SenderID:       "alice",
			Content:        fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	out1, err := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "c1", Limit: 2})
	if err != nil {
		t.Fatalf("fetch 1: %v", err)
	}
	if len(out1.Messages) != 2 || !out1.HasMore || out1.Messages[0].Seq != 1 || out1.Messages[1].Seq != 2 {
		t.Fatalf("unexpected page 1: %+v", out1)
	}

	after := out1.Messages[1].Seq
	out2, err := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "c1", AfterSeq: &after, Limit: 50})
	if err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	if len(out2.Messages) != 1 || out2.HasMore || out2.Messages[0].Seq != 3 {
		t.Fatalf("unexpected page 2: %+v", out2)
	}

	empty, err := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "unknown"})
	if err != nil || len(empty.Messages) != 0 {
		t.Fatalf("unknown conversation: %+v err=%v", empty, err)
	}
}

func TestStoredMessage_Wire(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	m := StoredMessage{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Seq: 7, CreatedAt: now,
		Reads: []ReadReceipt{{UserID: "bob", ReadAt: now}},
	}
	w := m.Wire()
	if w.ID != "m1" || w.Seq != 7 || len(w.ReadStatuses) != 1 || w.ReadStatuses[0].UserID != "bob" {
		t.Fatalf("unexpected wire message: %+v", w)
	}
	if (StoredMessage{}).Wire().ReadStatuses == nil {
		t.Fatalf("read statuses must encode as an empty list")
	}
}
