package macdengine

import "sync"

// replayEntry is one broadcast envelope kept for gap backfill.
type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer is a fixed-size ring of the most recent envelopes of one
// channel, ordered by channel sequence. Safe for concurrent use.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	size int
	next int // next write position
	n    int
}

// NewReplayBuffer creates a buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity), size: capacity}
}

// Push stores a copy of data under seq, evicting the oldest entry when full.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.next] = replayEntry{Seq: seq, Data: cp}
	rb.next = (rb.next + 1) % rb.size
	if rb.n < rb.size {
		rb.n++
	}
}

// Range returns the envelopes with fromSeq <= seq <= toSeq, oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	for i := 0; i < rb.n; i++ {
		e := rb.buf[rb.physical(i)]
		if e.Seq > toSeq {
			break
		}
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out
}

// Oldest returns the lowest sequence still buffered, or 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return 0
	}
	return rb.buf[rb.physical(0)].Seq
}

// Len returns the number of buffered envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

// physical maps logical index i (0 = oldest) onto buf.
func (rb *ReplayBuffer) physical(i int) int {
	if rb.n < rb.size {
		return i
	}
	return (rb.next + i) % rb.size
}
