package socket

import "testing"

// The drop-oldest policy is exercised directly: without a running writer the
// queue fills and every further enqueue must evict the oldest entry.
func TestEnqueue_DropOldest(t *testing.T) {
	t.Parallel()
	a := New("ws://unused")

	for i := 0; i < sendQueueSize; i++ {
		a.enqueue([]byte{byte(i)})
	}
	if got := a.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d before overflow; want 0", got)
	}

	a.enqueue([]byte{0xfe})
	a.enqueue([]byte{0xff})

	if got := a.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d; want 2", got)
	}
	if got := len(a.sendQ); got != sendQueueSize {
		t.Errorf("queue length = %d; want %d", got, sendQueueSize)
	}

	// Oldest entries were evicted: the head is now frame 2.
	head := <-a.sendQ
	if head[0] != 2 {
		t.Errorf("queue head = %d; want 2", head[0])
	}
}
