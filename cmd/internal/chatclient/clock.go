package chatclient

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// backoffTimer drives backoff retries from the manager clock.
type backoffTimer struct {
	clock clockwork.Clock
	t     clockwork.Timer
}

func (b *backoffTimer) Start(d time.Duration) {
	if b.t == nil {
		b.t = b.clock.NewTimer(d)
		return
	}
	b.t.Reset(d)
}

func (b *backoffTimer) Stop() {
	if b.t != nil {
		b.t.Stop()
	}
}

func (b *backoffTimer) C() <-chan time.Time {
	return b.t.Chan()
}
