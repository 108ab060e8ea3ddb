package chatclient

import "testing"

func TestListeners_UnsubscribeStopsDelivery(t *testing.T) {
	var l listeners[int]
	var a, b []int

	unsubA := l.add(func(v int) { a = append(a, v) })
	l.add(func(v int) { b = append(b, v) })

	l.emit(1)
	unsubA()
	unsubA()
	l.emit(2)

	if len(a) != 1 || a[0] != 1 {
		t.Fatalf("a=%v", a)
	}
	if len(b) != 2 {
		t.Fatalf("b=%v", b)
	}
	if l.len() != 1 {
		t.Fatalf("len=%d", l.len())
	}
}

func TestListeners_UnsubscribeDuringEmit(t *testing.T) {
	var l listeners[string]
	calls := 0
	var unsub func()
	unsub = l.add(func(string) {
		calls++
		unsub()
	})

	l.emit("x")
	l.emit("y")
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}
