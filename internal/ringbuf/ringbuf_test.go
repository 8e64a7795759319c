package ringbuf

import (
	"sync"
	"testing"
	"time"

	"algoengine/internal/model"
)

func tick(price float64) model.Tick {
	return model.Tick{Symbol: "RELIANCE", Price: price}
}

func TestRingFIFO(t *testing.T) {
	r := New(4)

	if !r.Push(model.Tick{Symbol: "RELIANCE", Price: 100}) {
		t.Fatal("first push refused")
	}
	if !r.Push(model.Tick{Symbol: "INFY", Price: 200}) {
		t.Fatal("second push refused")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.Symbol != "RELIANCE" {
		t.Fatalf("first pop = %q ok=%v, want RELIANCE", got.Symbol, ok)
	}
	got, ok = r.Pop()
	if !ok || got.Symbol != "INFY" {
		t.Fatalf("second pop = %q ok=%v, want INFY", got.Symbol, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop from empty ring should report false")
	}
}

func TestRingFullDrops(t *testing.T) {
	r := New(2)

	r.Push(tick(1))
	r.Push(tick(2))
	if r.Push(tick(3)) {
		t.Fatal("push into a full ring should refuse")
	}
	if r.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", r.Dropped())
	}

	// Freeing one slot admits the next push. This also forces the
	// producer to refresh its stale tail snapshot.
	if _, ok := r.Pop(); !ok {
		t.Fatal("pop failed")
	}
	if !r.Push(tick(4)) {
		t.Fatal("push after pop should succeed")
	}
}

func TestRingWraparound(t *testing.T) {
	r := New(4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(tick(float64(round*10 + i))) {
				t.Fatalf("round %d push %d refused", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			tk, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d empty", round, i)
			}
			if tk.Price != float64(round*10+i) {
				t.Fatalf("round %d pop %d = %v, want %d", round, i, tk.Price, round*10+i)
			}
		}
	}
}

func TestRingPopBatch(t *testing.T) {
	r := New(8)
	for i := 0; i < 6; i++ {
		r.Push(tick(float64(i)))
	}

	dst := make([]model.Tick, 4)
	if n := r.PopBatch(dst); n != 4 {
		t.Fatalf("first batch = %d, want 4", n)
	}
	for i := 0; i < 4; i++ {
		if dst[i].Price != float64(i) {
			t.Fatalf("batch[%d] = %v, want %d", i, dst[i].Price, i)
		}
	}

	// Remainder is smaller than dst.
	if n := r.PopBatch(dst); n != 2 {
		t.Fatalf("second batch = %d, want 2", n)
	}
	if dst[0].Price != 4 || dst[1].Price != 5 {
		t.Fatalf("second batch = %v, %v, want 4, 5", dst[0].Price, dst[1].Price)
	}

	if n := r.PopBatch(dst); n != 0 {
		t.Fatalf("empty batch = %d, want 0", n)
	}
	if n := r.PopBatch(nil); n != 0 {
		t.Fatalf("nil dst batch = %d, want 0", n)
	}
}

func TestRingPopBatchAcrossWrap(t *testing.T) {
	r := New(4)

	// Advance the indices so the next fill straddles the array end.
	r.Push(tick(0))
	r.Push(tick(1))
	r.Pop()
	r.Pop()

	for i := 0; i < 4; i++ {
		r.Push(tick(float64(10 + i)))
	}
	dst := make([]model.Tick, 4)
	if n := r.PopBatch(dst); n != 4 {
		t.Fatalf("batch = %d, want 4", n)
	}
	for i := 0; i < 4; i++ {
		if dst[i].Price != float64(10+i) {
			t.Fatalf("batch[%d] = %v, want %d", i, dst[i].Price, 10+i)
		}
	}
}

func TestRingSPSCOrdering(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			for !r.Push(tick(float64(i))) {
			}
		}
	}()

	var out []float64
	go func() {
		defer wg.Done()
		batch := make([]model.Tick, 64)
		for len(out) < count {
			n := r.PopBatch(batch)
			for _, tk := range batch[:n] {
				out = append(out, tk.Price)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("producer/consumer pair timed out")
	}

	for i, v := range out {
		if v != float64(i) {
			t.Fatalf("out[%d] = %v, want %d", i, v, i)
		}
	}
}

func TestRingCapacityRounding(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {5, 8}, {8, 8}, {9, 16}, {1000, 1024},
	}
	for _, tc := range cases {
		if got := New(tc.in).Cap(); got != tc.want {
			t.Errorf("New(%d).Cap() = %d, want %d", tc.in, got, tc.want)
		}
	}
}
