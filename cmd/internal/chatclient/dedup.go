package chatclient

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupWindow remembers recently delivered message ids. It is bounded both
// in size and in time and does not guarantee exactly-once delivery on its own.
type dedupWindow struct {
	ttl  time.Duration
	seen *lru.Cache[string, time.Time]
}

func newDedupWindow(size int, ttl time.Duration) *dedupWindow {
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		// size is normalized positive by Config.
		panic(err)
	}
	return &dedupWindow{ttl: ttl, seen: c}
}

// observe records id at now and reports whether it was already seen within the window.
func (d *dedupWindow) observe(id string, now time.Time) (duplicate bool) {
	if at, ok := d.seen.Get(id); ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen.Add(id, now)
	return false
}
