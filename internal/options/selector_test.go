package options

import (
	"context"
	"errors"
	"testing"
	"time"

	"algoengine/internal/logger"
	"algoengine/internal/model"
)

type fakeChainProvider struct {
	chain      []model.OptionContract
	instrument string
	fetches    int
}

func (f *fakeChainProvider) SetInstrument(symbol string) { f.instrument = symbol }
func (f *fakeChainProvider) Instrument() string          { return f.instrument }

func (f *fakeChainProvider) FetchOptionChain(ctx context.Context) []model.OptionContract {
	f.fetches++
	return f.chain
}

func (f *fakeChainProvider) UnderlyingPrice(ctx context.Context) float64 { return 0 }

type fakeOptionExecutor struct {
	signals []model.OptionSignal
	err     error
}

func (f *fakeOptionExecutor) HandleSignal(ctx context.Context, sig model.Signal) error { return nil }

func (f *fakeOptionExecutor) HandleOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	f.signals = append(f.signals, sig)
	return f.err
}

type fakeOptionNotifier struct {
	signals []model.OptionSignal
	err     error
}

func (f *fakeOptionNotifier) NotifySignal(ctx context.Context, sig model.Signal) error { return nil }

func (f *fakeOptionNotifier) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	f.signals = append(f.signals, sig)
	return f.err
}

func selectorConfig() Config {
	return Config{
		Enabled:              true,
		LotSize:              75,
		RiskCapPerTrade:      2500,
		MinOIPercentile:      60,
		SpreadMaxPctScalper:  0.015,
		SpreadMaxPctIntraday: 0.025,
		DebounceSec:          30,
		DebounceIntradaySec:  60,
		CooldownSec:          300,
		CooldownIntradaySec:  600,
	}
}

// viableChain carries one rankable call and one rankable put at the ATM
// strike for a 22040 spot.
func viableChain() []model.OptionContract {
	c := call(22050, 3000, 14, 100, 99.5, 100.5)
	c.TradingSymbol = "NIFTY26AUG22050CE"
	c.Delta = f64(0.6)
	p := put(22050, 2400, 15, 90, 89.5, 90.5)
	return []model.OptionContract{c, p}
}

type selectorHarness struct {
	sel   *Selector
	prov  *fakeChainProvider
	exec  *fakeOptionExecutor
	notif *fakeOptionNotifier
	clock time.Time
}

func newSelectorHarness(cfg Config, chain []model.OptionContract) *selectorHarness {
	h := &selectorHarness{
		prov:  &fakeChainProvider{chain: chain},
		exec:  &fakeOptionExecutor{},
		notif: &fakeOptionNotifier{},
		clock: time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
	}
	h.sel = NewSelector(cfg, Deps{
		Provider: h.prov,
		Executor: h.exec,
		Notifier: h.notif,
		Log:      logger.Nop(),
	})
	h.sel.now = func() time.Time { return h.clock }
	return h
}

func (h *selectorHarness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *selectorHarness) publish(side, origin string) {
	h.sel.PublishUnderlyingSignal(context.Background(), "NIFTY", side, 22040, model.TF5m, origin)
}

func TestSelectorPublishesTopStrike(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())

	h.publish(model.SideBuy, "intraday")

	if len(h.exec.signals) != 1 {
		t.Fatalf("executed %d option signals, want 1", len(h.exec.signals))
	}
	sig := h.exec.signals[0]
	if sig.UnderlyingSymbol != "NIFTY" || sig.UnderlyingSide != model.SideBuy {
		t.Errorf("underlying = %s/%s, want NIFTY/BUY", sig.UnderlyingSymbol, sig.UnderlyingSide)
	}
	if sig.ContractSymbol != "NIFTY-22050-CE" || sig.TradingSymbol != "NIFTY26AUG22050CE" {
		t.Errorf("contract = %s/%s, want NIFTY-22050-CE/NIFTY26AUG22050CE",
			sig.ContractSymbol, sig.TradingSymbol)
	}
	if sig.Strike != 22050 || sig.Kind != model.KindCall {
		t.Errorf("strike/kind = %d/%s, want 22050/CALL", sig.Strike, sig.Kind)
	}
	if !almostEqual(sig.PremiumLTP, 100) {
		t.Errorf("premium = %v, want 100", sig.PremiumLTP)
	}
	if sig.SuggestedLots != 1 {
		t.Errorf("lots = %d, want 1", sig.SuggestedLots)
	}
	if !almostEqual(sig.StopLossPremium, 80) || !almostEqual(sig.TargetPremium, 135) {
		t.Errorf("brackets = %v/%v, want 80/135", sig.StopLossPremium, sig.TargetPremium)
	}
	if !sig.Timestamp.Equal(h.clock) {
		t.Errorf("timestamp = %v, want %v", sig.Timestamp, h.clock)
	}
	if !almostEqual(sig.Metrics["pcr"], 0.8) {
		t.Errorf("pcr snapshot = %v, want 0.8", sig.Metrics["pcr"])
	}

	wantReasoning := []string{
		"OI_rank=1.00",
		"IV_quality=1.00",
		"Spread_pct=0.0100",
		"Distance=0",
		"OI_change=0.50",
		"PCR=0.80",
	}
	if len(sig.Reasoning) != len(wantReasoning) {
		t.Fatalf("reasoning = %v, want %v", sig.Reasoning, wantReasoning)
	}
	for i, want := range wantReasoning {
		if sig.Reasoning[i] != want {
			t.Errorf("reasoning[%d] = %q, want %q", i, sig.Reasoning[i], want)
		}
	}

	if len(h.notif.signals) != 1 {
		t.Errorf("notified %d option signals, want 1", len(h.notif.signals))
	}
	if h.prov.fetches != 1 {
		t.Errorf("chain fetches = %d, want 1", h.prov.fetches)
	}
}

func TestSelectorDisabled(t *testing.T) {
	cfg := selectorConfig()
	cfg.Enabled = false
	h := newSelectorHarness(cfg, viableChain())

	h.publish(model.SideBuy, "intraday")

	if h.prov.fetches != 0 || len(h.exec.signals) != 0 || len(h.notif.signals) != 0 {
		t.Errorf("disabled selector did work: fetches=%d exec=%d notif=%d",
			h.prov.fetches, len(h.exec.signals), len(h.notif.signals))
	}
}

func TestSelectorSameSideCooldown(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())

	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("executed %d signals, want 1", len(h.exec.signals))
	}

	h.advance(599 * time.Second)
	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("same side inside window emitted, want blocked")
	}
	if h.prov.fetches != 1 {
		t.Errorf("blocked publish fetched the chain (fetches=%d)", h.prov.fetches)
	}

	h.advance(1 * time.Second)
	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 2 {
		t.Fatalf("executed %d signals after window elapsed, want 2", len(h.exec.signals))
	}
}

func TestSelectorOppositeSideNeverBlocked(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())

	h.publish(model.SideBuy, "intraday")
	h.advance(1 * time.Second)
	h.publish(model.SideSell, "intraday")
	h.advance(1 * time.Second)
	h.publish(model.SideBuy, "intraday")

	if len(h.exec.signals) != 3 {
		t.Fatalf("executed %d signals, want 3 (alternating sides reset the register)", len(h.exec.signals))
	}
	sides := []string{h.exec.signals[0].UnderlyingSide, h.exec.signals[1].UnderlyingSide, h.exec.signals[2].UnderlyingSide}
	if sides[0] != model.SideBuy || sides[1] != model.SideSell || sides[2] != model.SideBuy {
		t.Errorf("sides = %v, want [BUY SELL BUY]", sides)
	}
	if h.exec.signals[1].Kind != model.KindPut {
		t.Errorf("sell signal kind = %s, want PUT", h.exec.signals[1].Kind)
	}
}

func TestSelectorScalperWindow(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())

	h.publish(model.SideBuy, "scalper")
	if len(h.exec.signals) != 1 {
		t.Fatalf("executed %d signals, want 1", len(h.exec.signals))
	}
	sig := h.exec.signals[0]
	if sig.SuggestedLots != 2 {
		t.Errorf("scalper lots = %d, want 2", sig.SuggestedLots)
	}
	if !almostEqual(sig.StopLossPremium, 88) || !almostEqual(sig.TargetPremium, 120) {
		t.Errorf("scalper brackets = %v/%v, want 88/120", sig.StopLossPremium, sig.TargetPremium)
	}

	h.advance(299 * time.Second)
	h.publish(model.SideBuy, "scalper")
	if len(h.exec.signals) != 1 {
		t.Fatalf("scalper same side inside window emitted, want blocked")
	}

	h.advance(1 * time.Second)
	h.publish(model.SideBuy, "scalper")
	if len(h.exec.signals) != 2 {
		t.Fatalf("executed %d signals after scalper window elapsed, want 2", len(h.exec.signals))
	}
}

func TestSelectorCooldownUsesCurrentOrigin(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())

	h.publish(model.SideBuy, "scalper")
	h.advance(400 * time.Second)

	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("intraday publish at 400s emitted, want blocked by 600s window")
	}

	h.publish(model.SideBuy, "scalper")
	if len(h.exec.signals) != 2 {
		t.Fatalf("scalper publish at 400s blocked, want emitted past 300s window")
	}
}

func TestSelectorNoRankedStrikes(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), []model.OptionContract{
		put(22050, 2400, 15, 90, 89.5, 90.5),
	})

	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 0 || len(h.notif.signals) != 0 {
		t.Fatalf("emitted without a rankable strike")
	}
	if h.prov.fetches != 1 {
		t.Errorf("chain fetches = %d, want 1", h.prov.fetches)
	}

	// A failed selection must not arm the cooldown.
	h.prov.chain = viableChain()
	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("executed %d signals after chain recovered, want 1", len(h.exec.signals))
	}
}

func TestSelectorZeroLotsSkips(t *testing.T) {
	expensive := call(22050, 3000, 14, 2000, 1990, 2010)
	h := newSelectorHarness(selectorConfig(), []model.OptionContract{expensive})

	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 0 || len(h.notif.signals) != 0 {
		t.Fatalf("emitted an unaffordable contract")
	}

	h.prov.chain = viableChain()
	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("executed %d signals after chain recovered, want 1", len(h.exec.signals))
	}
}

func TestSelectorEmitFailureStillCoolsDown(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), viableChain())
	h.exec.err = errors.New("order rejected")
	h.notif.err = errors.New("webhook down")

	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 || len(h.notif.signals) != 1 {
		t.Fatalf("emit attempts = exec %d / notif %d, want 1/1", len(h.exec.signals), len(h.notif.signals))
	}

	h.advance(1 * time.Second)
	h.publish(model.SideBuy, "intraday")
	if len(h.exec.signals) != 1 {
		t.Fatalf("cooldown not armed after failed emit")
	}
}

func TestSelectorEmptyChain(t *testing.T) {
	h := newSelectorHarness(selectorConfig(), nil)

	h.publish(model.SideBuy, "intraday")

	if h.prov.fetches != 1 {
		t.Errorf("chain fetches = %d, want 1", h.prov.fetches)
	}
	if len(h.exec.signals) != 0 || len(h.notif.signals) != 0 {
		t.Errorf("emitted from an empty chain")
	}
}
