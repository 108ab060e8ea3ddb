package chatclient

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupWindow(t *testing.T) {
	d := newDedupWindow(2, 5*time.Second)
	now := testEpoch

	if d.observe("a", now) {
		t.Fatalf("first sighting reported as duplicate")
	}
	if !d.observe("a", now.Add(time.Second)) {
		t.Fatalf("repeat within window not detected")
	}
	if d.observe("a", now.Add(6*time.Second)) {
		t.Fatalf("expired entry still detected")
	}
}

func TestDedupWindow_BoundedSize(t *testing.T) {
	d := newDedupWindow(8, time.Minute)
	for i := 0; i < 100; i++ {
		d.observe(fmt.Sprintf("m-%d", i), testEpoch)
	}
	if n := d.seen.Len(); n != 8 {
		t.Fatalf("entries=%d want 8", n)
	}
	// Oldest ids were evicted.
	if d.observe("m-0", testEpoch) {
		t.Fatalf("evicted id still detected")
	}
}
