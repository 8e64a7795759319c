package gateway

import "sync"

type entry struct {
	seq  int64
	data []byte
}

// Replay is a fixed-size ring of recently published envelopes for one
// channel. Clients that detect a sequence gap backfill from it over REST;
// the recent-signals endpoint reads the tail directly.
type Replay struct {
	mu   sync.RWMutex
	buf  []entry
	next int
	full bool
}

func NewReplay(capacity int) *Replay {
	if capacity <= 0 {
		capacity = 512
	}
	return &Replay{buf: make([]entry, capacity)}
}

// Push appends an envelope, evicting the oldest once full. The data is
// copied so callers may reuse their slice.
func (r *Replay) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	r.mu.Lock()
	r.buf[r.next] = entry{seq: seq, data: cp}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Range returns the envelopes with sequence in [from, to], oldest first.
func (r *Replay) Range(from, to int64) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out [][]byte
	n := r.size()
	for i := 0; i < n; i++ {
		e := r.buf[r.at(i)]
		if e.seq >= from && e.seq <= to {
			out = append(out, e.data)
		}
	}
	return out
}

// Last returns up to n most recent envelopes, oldest first.
func (r *Replay) Last(n int) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.size()
	if n > size {
		n = size
	}
	out := make([][]byte, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.buf[r.at(i)].data)
	}
	return out
}

func (r *Replay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size()
}

func (r *Replay) size() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// at maps a logical index (0 = oldest) onto the ring.
func (r *Replay) at(logical int) int {
	if r.full {
		return (r.next + logical) % len(r.buf)
	}
	return logical
}
