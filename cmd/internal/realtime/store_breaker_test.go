package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestBreakerStore_TripsOnInfrastructureErrors(t *testing.T) {
	t.Parallel()

	inner := failingStore{err: errors.New("connection refused")}
	st := NewBreakerStore(inner, nil, BreakerOptions{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()
	in := AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "a", Content: "x"}

	for i := 0; i < 2; i++ {
		if _, err := st.AppendMessage(ctx, in); err == nil || errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("call %d: expected raw store error, got %v", i, err)
		}
	}
	if st.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", st.State())
	}

	_, err := st.AppendMessage(ctx, in)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrStoreUnavailable while open, got %v", err)
	}
}

func TestBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	st := NewBreakerStore(failingStore{err: ErrMessageNotFound}, nil, BreakerOptions{ConsecutiveFailures: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.MarkRead(ctx, MarkReadInput{ConversationID: "c", MessageID: "m", UserID: "u"}); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
	}
	if st.State() != gobreaker.StateClosed {
		t.Fatalf("domain errors must not open the breaker, got %s", st.State())
	}
}

func TestBreakerStore_PassesThroughResults(t *testing.T) {
	t.Parallel()

	st := NewBreakerStore(NewInMemoryStore(), nil, BreakerOptions{})
	ctx := context.Background()

	res, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: "c1", RequestID: "r1", SenderID: "a", Content: "x"})
	if err != nil || res.Stored.Seq != 1 {
		t.Fatalf("append: res=%+v err=%v", res, err)
	}
	hist, err := st.FetchHistory(ctx, FetchHistoryInput{ConversationID: "c1"})
	if err != nil || len(hist.Messages) != 1 {
		t.Fatalf("history: %+v err=%v", hist, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
