package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"algoengine/internal/indicator"
	"algoengine/internal/logger"
	"algoengine/internal/model"
)

const scalpTol = 1e-9

func scalpDeps(exec *fakeExecutor, notif *fakeNotifier) Deps {
	return Deps{Executor: exec, Notifier: notif, Log: logger.Nop()}
}

func barAtClose(close float64, tf model.Timeframe) model.Bar {
	return model.Bar{Symbol: "NIFTY", Timeframe: tf, Close: close, TS: istTime(9, 30)}
}

// Feeding 110, 100, 108, 107 through an EMA(2,3) produces a downward
// crossover on the second close and an upward one on the fourth, so a bar
// stream over that tape yields exactly one SELL and one BUY.
func TestScalpStrategy_CrossoverTape(t *testing.T) {
	exec := &fakeExecutor{}
	notif := &fakeNotifier{}
	s := NewScalpStrategy(model.TF5m, model.TF5m, false, scalpDeps(exec, notif))

	ema := indicator.NewEMAState("NIFTY", model.TF5m, 2, 3)
	ts := istTime(9, 30)
	for _, close := range []float64{110, 100, 108, 107} {
		ema.UpdateWithClose(close, ts)
		s.OnBarClose(context.Background(), "NIFTY", "NSE_FO|1", model.TF5m, barAtClose(close, model.TF5m), ema, nil)
		ts = ts.Add(5 * time.Minute)
	}

	if len(exec.signals) != 2 {
		t.Fatalf("got %d signals, want 2: %+v", len(exec.signals), exec.signals)
	}

	sell := exec.signals[0]
	if sell.Side != model.SideSell || sell.Price != 100 {
		t.Errorf("first signal = %+v, want SELL at 100", sell)
	}
	if math.Abs(sell.StopLoss-100.2) > scalpTol || math.Abs(sell.Target-99.7) > scalpTol {
		t.Errorf("SELL bracket = sl %v tgt %v, want 100.2/99.7", sell.StopLoss, sell.Target)
	}

	buy := exec.signals[1]
	if buy.Side != model.SideBuy || buy.Price != 107 || buy.Size != 1 {
		t.Errorf("second signal = %+v, want BUY at 107 size 1", buy)
	}
	if math.Abs(buy.StopLoss-106.786) > scalpTol {
		t.Errorf("BUY stop = %v, want 106.786", buy.StopLoss)
	}
	if math.Abs(buy.Target-107.321) > scalpTol {
		t.Errorf("BUY target = %v, want 107.321", buy.Target)
	}

	if len(notif.signals) != 2 {
		t.Errorf("notifier saw %d signals, want 2", len(notif.signals))
	}
}

func TestScalpStrategy_FlatTapeStaysQuiet(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewScalpStrategy(model.TF5m, model.TF5m, false, scalpDeps(exec, &fakeNotifier{}))

	ema := indicator.NewEMAState("NIFTY", model.TF5m, 2, 3)
	for i := 0; i < 5; i++ {
		ema.UpdateWithClose(100, istTime(9, 30+5*i))
		s.OnBarClose(context.Background(), "NIFTY", "NSE_FO|1", model.TF5m, barAtClose(100, model.TF5m), ema, nil)
	}

	if len(exec.signals) != 0 {
		t.Errorf("flat tape should not signal, got %+v", exec.signals)
	}
}

func TestScalpStrategy_IgnoresOtherTimeframes(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewScalpStrategy(model.TF5m, model.TF15m, false, scalpDeps(exec, &fakeNotifier{}))

	ema := indicator.NewEMAState("NIFTY", model.TF1m, 2, 3)
	for _, close := range []float64{110, 100, 108, 107} {
		ema.UpdateWithClose(close, istTime(9, 30))
		s.OnBarClose(context.Background(), "NIFTY", "NSE_FO|1", model.TF1m, barAtClose(close, model.TF1m), ema, nil)
	}

	if len(exec.signals) != 0 {
		t.Errorf("non-primary timeframe should be ignored, got %+v", exec.signals)
	}
}

func TestScalpStrategy_TrendFilter(t *testing.T) {
	runTape := func(emaConfirm *indicator.EMAState) []model.Signal {
		exec := &fakeExecutor{}
		s := NewScalpStrategy(model.TF5m, model.TF15m, true, scalpDeps(exec, &fakeNotifier{}))
		ema := indicator.NewEMAState("NIFTY", model.TF5m, 2, 3)
		for _, close := range []float64{110, 100, 108, 107} {
			ema.UpdateWithClose(close, istTime(9, 30))
			s.OnBarClose(context.Background(), "NIFTY", "NSE_FO|1", model.TF5m, barAtClose(close, model.TF5m), ema, emaConfirm)
		}
		return exec.signals
	}

	above := 115.0
	blockedBuy := indicator.NewEMAState("NIFTY", model.TF15m, 9, 15)
	blockedBuy.Long = &above

	// Long EMA above price blocks the BUY but lets the SELL through.
	got := runTape(blockedBuy)
	if len(got) != 1 || got[0].Side != model.SideSell {
		t.Errorf("with trend EMA above price want only the SELL, got %+v", got)
	}

	below := 90.0
	blockedSell := indicator.NewEMAState("NIFTY", model.TF15m, 9, 15)
	blockedSell.Long = &below
	got = runTape(blockedSell)
	if len(got) != 1 || got[0].Side != model.SideBuy {
		t.Errorf("with trend EMA below price want only the BUY, got %+v", got)
	}

	// Unseeded confirm EMA passes everything through.
	got = runTape(indicator.NewEMAState("NIFTY", model.TF15m, 9, 15))
	if len(got) != 2 {
		t.Errorf("unseeded trend EMA should not block, got %+v", got)
	}

	got = runTape(nil)
	if len(got) != 2 {
		t.Errorf("nil trend EMA should not block, got %+v", got)
	}
}

func TestHigherTimeframeTrendOK(t *testing.T) {
	long := 105.0
	ema := indicator.NewEMAState("NIFTY", model.TF15m, 9, 15)
	ema.Long = &long

	if !higherTimeframeTrendOK(model.SideBuy, 110, model.TF5m, model.TF5m, ema) {
		t.Error("same confirm and primary timeframe disables the filter")
	}
	if !higherTimeframeTrendOK(model.SideBuy, 110, model.TF5m, model.TF15m, ema) {
		t.Error("price above long EMA should pass a BUY")
	}
	if higherTimeframeTrendOK(model.SideBuy, 100, model.TF5m, model.TF15m, ema) {
		t.Error("price below long EMA should block a BUY")
	}
	if !higherTimeframeTrendOK(model.SideSell, 100, model.TF5m, model.TF15m, ema) {
		t.Error("price below long EMA should pass a SELL")
	}
	if higherTimeframeTrendOK(model.SideSell, 110, model.TF5m, model.TF15m, ema) {
		t.Error("price above long EMA should block a SELL")
	}
	if !higherTimeframeTrendOK(model.SideBuy, 100, model.TF5m, model.TF15m, nil) {
		t.Error("missing confirm EMA should pass")
	}
}
