package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerOptions tunes the circuit breaker wrapped around a MessageStore.
type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing (default 10s).
	OpenTimeout time.Duration
	// Interval resets closed-state counts (default 60s).
	Interval time.Duration
}

// BreakerStore wraps a MessageStore with a circuit breaker so a failing
// database is reported as ErrStoreUnavailable instead of piling up slow calls.
type BreakerStore struct {
	inner MessageStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner. Domain errors (invalid input, unknown message,
// caller cancellation) do not count as failures.
func NewBreakerStore(inner MessageStore, log *slog.Logger, opts BreakerOptions) *BreakerStore {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Interval:    opts.Interval,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInvalidInput) ||
				errors.Is(err, ErrMessageNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("store.breaker.state", "name", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

// State returns the current breaker state.
func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }

// AppendMessage implements MessageStore.
func (s *BreakerStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.AppendMessage(ctx, in)
	})
	if err != nil {
		return AppendMessageResult{}, breakerErr(err)
	}
	return v.(AppendMessageResult), nil
}

// MarkRead implements MessageStore.
func (s *BreakerStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.MarkRead(ctx, in)
	})
	if err != nil {
		return MarkReadResult{}, breakerErr(err)
	}
	return v.(MarkReadResult), nil
}

// FetchHistory implements MessageStore.
func (s *BreakerStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.FetchHistory(ctx, in)
	})
	if err != nil {
		return FetchHistoryResult{}, breakerErr(err)
	}
	return v.(FetchHistoryResult), nil
}

// Close closes the wrapped store.
func (s *BreakerStore) Close() error { return s.inner.Close() }

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return err
}
