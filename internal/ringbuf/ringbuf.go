// Package ringbuf is the lock-free single-producer single-consumer
// queue between the feed pump and the tick demux. Capacity is a power
// of two so index masking replaces modulo; producer and consumer each
// keep a cached copy of the other side's index and reload it only when
// the ring looks full or empty, which keeps the hot path free of
// cross-core loads.
package ringbuf

import (
	"sync/atomic"

	"algoengine/internal/model"
)

// cacheLine separates producer and consumer state to avoid false sharing.
const cacheLine = 64

// Ring is an SPSC tick queue. One goroutine may Push, one may Pop or
// PopBatch; mixing roles across goroutines is not safe.
type Ring struct {
	buf  []model.Tick
	mask uint64

	_pad0     [cacheLine]byte
	head      atomic.Uint64 // producer writes
	tailCache uint64        // producer-local snapshot of tail
	_pad1     [cacheLine]byte
	tail      atomic.Uint64 // consumer writes
	headCache uint64        // consumer-local snapshot of head
	_pad2     [cacheLine]byte

	dropped atomic.Uint64
}

// New sizes the ring to the next power of two, minimum 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Tick, n),
		mask: uint64(n - 1),
	}
}

// Push appends one tick without blocking. A full ring drops the tick,
// counts it, and returns false.
func (r *Ring) Push(tk model.Tick) bool {
	head := r.head.Load()
	if head-r.tailCache >= uint64(len(r.buf)) {
		r.tailCache = r.tail.Load()
		if head-r.tailCache >= uint64(len(r.buf)) {
			r.dropped.Add(1)
			return false
		}
	}
	r.buf[head&r.mask] = tk
	r.head.Store(head + 1)
	return true
}

// Pop removes the oldest tick without blocking; ok is false when the
// ring is empty.
func (r *Ring) Pop() (model.Tick, bool) {
	tail := r.tail.Load()
	if tail >= r.headCache {
		r.headCache = r.head.Load()
		if tail >= r.headCache {
			return model.Tick{}, false
		}
	}
	tk := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return tk, true
}

// PopBatch drains up to len(dst) ticks in one pass and returns how many
// were copied. It touches the shared indices once per call rather than
// once per tick.
func (r *Ring) PopBatch(dst []model.Tick) int {
	if len(dst) == 0 {
		return 0
	}
	tail := r.tail.Load()
	if tail >= r.headCache {
		r.headCache = r.head.Load()
		if tail >= r.headCache {
			return 0
		}
	}
	n := r.headCache - tail
	if m := uint64(len(dst)); n > m {
		n = m
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(tail+i)&r.mask]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// Len is the number of queued ticks.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap is the ring capacity after rounding.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Dropped is the running count of pushes refused by a full ring.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
