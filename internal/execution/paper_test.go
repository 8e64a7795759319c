package execution

import (
	"context"
	"testing"
	"time"

	"algoengine/internal/model"
)

type fakeJournal struct {
	trades       []string
	optionTrades []string
	err          error
}

func (f *fakeJournal) RecordTrade(_ context.Context, id string, _ model.Signal, status string, _ time.Time) error {
	f.trades = append(f.trades, id+":"+status)
	return f.err
}

func (f *fakeJournal) RecordOptionTrade(_ context.Context, id string, _ model.OptionSignal, status string, _ time.Time) error {
	f.optionTrades = append(f.optionTrades, id+":"+status)
	return f.err
}

func TestPaperFillSlippageDirection(t *testing.T) {
	p := NewPaperExecutor(10, nil) // 10 bps
	ctx := context.Background()

	buy := model.Signal{Symbol: "NIFTY", Side: model.SideBuy, Price: 100, Size: 1}
	if err := p.HandleSignal(ctx, buy); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := model.Signal{Symbol: "NIFTY", Side: model.SideSell, Price: 100, Size: 1}
	if err := p.HandleSignal(ctx, sell); err != nil {
		t.Fatalf("sell: %v", err)
	}

	fills := p.Fills()
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].FillPrice != 100.1 {
		t.Errorf("buy fill = %v, want 100.1 (slippage against the buyer)", fills[0].FillPrice)
	}
	if fills[1].FillPrice != 99.9 {
		t.Errorf("sell fill = %v, want 99.9 (slippage against the seller)", fills[1].FillPrice)
	}
	if fills[0].OrderID == "" || fills[0].OrderID == fills[1].OrderID {
		t.Error("order ids must be unique and non-empty")
	}
}

func TestPaperRejectsInvalidSignals(t *testing.T) {
	p := NewPaperExecutor(0, nil)
	ctx := context.Background()

	if err := p.HandleSignal(ctx, model.Signal{Symbol: "X", Side: model.SideBuy, Price: 100, Size: 0}); err == nil {
		t.Error("zero size should be rejected")
	}
	if err := p.HandleSignal(ctx, model.Signal{Symbol: "X", Side: model.SideBuy, Price: 0, Size: 1}); err == nil {
		t.Error("zero price should be rejected")
	}
	if err := p.HandleOptionSignal(ctx, model.OptionSignal{ContractSymbol: "X-100-CE", PremiumLTP: 50, SuggestedLots: 0}); err == nil {
		t.Error("zero lots should be rejected")
	}
	if len(p.Fills()) != 0 {
		t.Errorf("rejected signals produced %d fills", len(p.Fills()))
	}
}

func TestPaperJournalsFills(t *testing.T) {
	j := &fakeJournal{}
	p := NewPaperExecutor(5, j)
	ctx := context.Background()

	sig := model.Signal{Symbol: "NIFTY", Timeframe: model.TF5m, Side: model.SideBuy, Price: 200, Size: 2}
	if err := p.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("handle: %v", err)
	}
	opt := model.OptionSignal{
		ContractSymbol: "NIFTY-22050-CE",
		UnderlyingSide: model.SideBuy,
		Kind:           model.KindCall,
		PremiumLTP:     150,
		SuggestedLots:  1,
	}
	if err := p.HandleOptionSignal(ctx, opt); err != nil {
		t.Fatalf("handle option: %v", err)
	}

	if len(j.trades) != 1 || len(j.optionTrades) != 1 {
		t.Fatalf("journal got %d trades, %d option trades, want 1 each", len(j.trades), len(j.optionTrades))
	}
}

func TestPaperOptionPremiumSlippageAlwaysUp(t *testing.T) {
	p := NewPaperExecutor(20, nil) // 20 bps
	ctx := context.Background()

	// Long premium pays up whether the underlying view is BUY or SELL.
	for _, side := range []string{model.SideBuy, model.SideSell} {
		opt := model.OptionSignal{
			ContractSymbol: "NIFTY-22000-PE",
			UnderlyingSide: side,
			Kind:           model.KindPut,
			PremiumLTP:     100,
			SuggestedLots:  2,
		}
		if err := p.HandleOptionSignal(ctx, opt); err != nil {
			t.Fatalf("side %s: %v", side, err)
		}
	}
	for _, f := range p.Fills() {
		if f.FillPrice != 100.2 {
			t.Errorf("option fill = %v, want 100.2", f.FillPrice)
		}
		if !f.Option {
			t.Error("fill should be marked as option")
		}
	}
}

func TestPaperOnFillHook(t *testing.T) {
	p := NewPaperExecutor(0, nil)
	var seen []Fill
	p.OnFill = func(f Fill) { seen = append(seen, f) }

	ctx := context.Background()
	if err := p.HandleSignal(ctx, model.Signal{Symbol: "NIFTY", Side: model.SideBuy, Price: 100, Size: 3}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	opt := model.OptionSignal{ContractSymbol: "NIFTY-22000-CE", UnderlyingSide: model.SideBuy, Kind: model.KindCall, PremiumLTP: 80, SuggestedLots: 1}
	if err := p.HandleOptionSignal(ctx, opt); err != nil {
		t.Fatalf("handle option: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("hook saw %d fills, want 2", len(seen))
	}
	if seen[0].Symbol != "NIFTY" || seen[0].Qty != 3 {
		t.Errorf("first hook fill = %+v", seen[0])
	}
	if !seen[1].Option {
		t.Error("second hook fill should be the option")
	}
}

func TestPaperJournalFailureDoesNotFailFill(t *testing.T) {
	j := &fakeJournal{err: context.DeadlineExceeded}
	p := NewPaperExecutor(0, j)

	sig := model.Signal{Symbol: "NIFTY", Side: model.SideBuy, Price: 100, Size: 1}
	if err := p.HandleSignal(context.Background(), sig); err != nil {
		t.Fatalf("journal failure must not unwind the fill: %v", err)
	}
	if len(p.Fills()) != 1 {
		t.Fatalf("fills = %d, want 1", len(p.Fills()))
	}
}
