package agg

import (
	"testing"
	"time"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

func tick(sym string, price float64, vol int64, ts time.Time) model.Tick {
	return model.Tick{Symbol: sym, Price: price, Volume: vol, TS: ts}
}

func TestPush_ClosesBarOnBucketRollover(t *testing.T) {
	a := New(model.TF1m)
	base := time.Date(2026, 2, 3, 9, 15, 0, 0, markethours.IST)

	// Three ticks inside the 09:15 bucket must not close anything.
	if got := a.Push(tick("RELIANCE", 100, 10, base)); got != nil {
		t.Fatalf("first tick closed %d bars", len(got))
	}
	if got := a.Push(tick("RELIANCE", 105, 20, base.Add(20*time.Second))); got != nil {
		t.Fatalf("same-bucket tick closed %d bars", len(got))
	}
	if got := a.Push(tick("RELIANCE", 98, 5, base.Add(40*time.Second))); got != nil {
		t.Fatalf("same-bucket tick closed %d bars", len(got))
	}

	// First tick of 09:16 closes exactly one bar.
	closed := a.Push(tick("RELIANCE", 101, 15, base.Add(time.Minute)))
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed bar, got %d", len(closed))
	}

	b := closed[0]
	if b.Open != 100 || b.High != 105 || b.Low != 98 || b.Close != 98 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 100/105/98/98", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 35 {
		t.Errorf("volume = %d, want 35", b.Volume)
	}
	if !b.TS.Equal(base) {
		t.Errorf("bar TS = %v, want bucket start %v", b.TS, base)
	}
	if b.Timeframe != model.TF1m {
		t.Errorf("timeframe = %s, want 1m", b.Timeframe)
	}
}

func TestPush_OlderTickFoldsIntoOpenBucket(t *testing.T) {
	a := New(model.TF1m)
	folds := 0
	a.OnFoldedTick = func() { folds++ }

	base := time.Date(2026, 2, 3, 9, 20, 0, 0, markethours.IST)
	a.Push(tick("INFY", 1500, 10, base))
	if got := a.Push(tick("INFY", 1520, 5, base.Add(time.Minute))); len(got) != 1 {
		t.Fatalf("expected rollover, got %d bars", len(got))
	}

	// A tick stamped before the open bucket folds into it rather than
	// opening a new bar or being dropped.
	if got := a.Push(tick("INFY", 1490, 7, base.Add(30*time.Second))); got != nil {
		t.Fatalf("late tick closed %d bars", len(got))
	}
	if folds != 1 {
		t.Errorf("fold count = %d, want 1", folds)
	}

	snap, ok := a.Snapshot("INFY", model.TF1m)
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Low != 1490 || snap.Close != 1490 {
		t.Errorf("fold did not update open bar: low=%v close=%v", snap.Low, snap.Close)
	}
	if snap.Volume != 12 {
		t.Errorf("fold volume = %d, want 12", snap.Volume)
	}
}

func TestPush_MultipleTimeframes(t *testing.T) {
	a := New(model.TF1m, model.TF5m)
	base := time.Date(2026, 2, 3, 9, 15, 0, 0, markethours.IST)

	// Five minutes of ticks, one per minute.
	var closed []model.Bar
	for i := 0; i < 5; i++ {
		closed = append(closed, a.Push(tick("NIFTY", 22000+float64(i), 1, base.Add(time.Duration(i)*time.Minute)))...)
	}
	// Minutes 1..4 each closed one 1m bar; the 5m bucket is still open.
	if len(closed) != 4 {
		t.Fatalf("expected 4 closed 1m bars, got %d", len(closed))
	}
	for _, b := range closed {
		if b.Timeframe != model.TF1m {
			t.Errorf("premature close of %s bar", b.Timeframe)
		}
	}

	// 09:20 closes both the last 1m bar and the 5m bar.
	closed = a.Push(tick("NIFTY", 22010, 1, base.Add(5*time.Minute)))
	if len(closed) != 2 {
		t.Fatalf("expected 2 closed bars at 5m boundary, got %d", len(closed))
	}
	var fiveMin *model.Bar
	for i := range closed {
		if closed[i].Timeframe == model.TF5m {
			fiveMin = &closed[i]
		}
	}
	if fiveMin == nil {
		t.Fatal("no 5m bar closed at boundary")
	}
	if fiveMin.Open != 22000 || fiveMin.Close != 22004 || fiveMin.Volume != 5 {
		t.Errorf("5m bar = open %v close %v vol %d, want 22000/22004/5", fiveMin.Open, fiveMin.Close, fiveMin.Volume)
	}
	if !fiveMin.TS.Equal(base) {
		t.Errorf("5m bar TS = %v, want %v", fiveMin.TS, base)
	}
}

func TestPush_SymbolsIsolated(t *testing.T) {
	a := New(model.TF1m)
	base := time.Date(2026, 2, 3, 10, 0, 0, 0, markethours.IST)

	a.Push(tick("RELIANCE", 100, 1, base))
	a.Push(tick("INFY", 1500, 1, base))

	// Rolling RELIANCE over must not close the INFY bar.
	closed := a.Push(tick("RELIANCE", 101, 1, base.Add(time.Minute)))
	if len(closed) != 1 || closed[0].Symbol != "RELIANCE" {
		t.Fatalf("expected only RELIANCE to close, got %+v", closed)
	}

	if _, ok := a.Snapshot("INFY", model.TF1m); !ok {
		t.Error("INFY open bar lost")
	}
}

func TestFlushAll(t *testing.T) {
	a := New(model.TF1m, model.TF5m)
	base := time.Date(2026, 2, 3, 11, 0, 0, 0, markethours.IST)

	a.Push(tick("RELIANCE", 100, 1, base))
	a.Push(tick("INFY", 1500, 2, base))

	out := a.FlushAll()
	if len(out) != 4 {
		t.Fatalf("expected 4 flushed bars (2 symbols x 2 TFs), got %d", len(out))
	}
	if a.OpenCount() != 0 {
		t.Errorf("state not cleared, %d open bars remain", a.OpenCount())
	}
	if _, ok := a.Snapshot("RELIANCE", model.TF1m); ok {
		t.Error("snapshot should be empty after flush")
	}
}
