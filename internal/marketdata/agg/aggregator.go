// Package agg builds OHLCV bars from a stream of ticks across multiple
// timeframes. State is maintained per (symbol, timeframe) pair and updated
// in O(1) per tick per timeframe. A bar closes when a tick arrives in a
// later bucket; ticks from older buckets fold into the currently open bar
// so a late feed never stalls bar production.
package agg

import (
	"sync"
	"time"

	"algoengine/internal/model"
)

// barState holds the open bar for one (symbol, timeframe) pair.
type barState struct {
	bucket time.Time
	bar    model.Bar
}

// Aggregator accumulates ticks into bars for a fixed set of timeframes.
// Push is called from a single worker goroutine; the mutex exists so that
// Snapshot and FlushAll may be called concurrently from control surfaces.
type Aggregator struct {
	mu     sync.Mutex
	tfs    []model.Timeframe
	states map[string]*barState // key = "symbol:timeframe"

	// OnFoldedTick is called when an out-of-order tick is folded into the
	// open bucket instead of opening a new one (optional, for metrics).
	OnFoldedTick func()
}

// New creates an aggregator for the given timeframes.
func New(tfs ...model.Timeframe) *Aggregator {
	return &Aggregator{
		tfs:    tfs,
		states: make(map[string]*barState, 2*len(tfs)),
	}
}

// Timeframes returns the configured timeframes in order.
func (a *Aggregator) Timeframes() []model.Timeframe {
	out := make([]model.Timeframe, len(a.tfs))
	copy(out, a.tfs)
	return out
}

// Push incorporates one tick into every configured timeframe and returns
// the bars that closed as a result, in timeframe order. The returned slice
// is nil when no bucket rolled over.
func (a *Aggregator) Push(tk model.Tick) []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []model.Bar
	for _, tf := range a.tfs {
		bucket := tf.FloorBucket(tk.TS)
		key := tk.Symbol + ":" + string(tf)

		st, ok := a.states[key]
		if !ok {
			a.states[key] = &barState{bucket: bucket, bar: newBar(tk, tf, bucket)}
			continue
		}

		if bucket.After(st.bucket) {
			// New bucket: the open bar is complete.
			closed = append(closed, st.bar)
			st.bucket = bucket
			st.bar = newBar(tk, tf, bucket)
			continue
		}

		if bucket.Before(st.bucket) && a.OnFoldedTick != nil {
			a.OnFoldedTick()
		}

		// Same bucket, or a late tick folded forward: merge OHLCV.
		b := &st.bar
		if tk.Price > b.High {
			b.High = tk.Price
		}
		if tk.Price < b.Low {
			b.Low = tk.Price
		}
		b.Close = tk.Price
		b.Volume += tk.Volume
	}
	return closed
}

// Snapshot returns a copy of the open bar for a (symbol, timeframe) pair.
// The second return is false when no tick has arrived for that pair yet.
func (a *Aggregator) Snapshot(symbol string, tf model.Timeframe) (model.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[symbol+":"+string(tf)]
	if !ok {
		return model.Bar{}, false
	}
	return st.bar, true
}

// FlushAll closes every open bar and clears all state. Used on shutdown so
// partial bars are not lost.
func (a *Aggregator) FlushAll() []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Bar, 0, len(a.states))
	for key, st := range a.states {
		out = append(out, st.bar)
		delete(a.states, key)
	}
	return out
}

// OpenCount returns the number of open bars across all pairs.
func (a *Aggregator) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

func newBar(tk model.Tick, tf model.Timeframe, bucket time.Time) model.Bar {
	return model.Bar{
		Symbol:    tk.Symbol,
		Timeframe: tf,
		TS:        bucket,
		Open:      tk.Price,
		High:      tk.Price,
		Low:       tk.Price,
		Close:     tk.Price,
		Volume:    tk.Volume,
	}
}
