// Package strategy implements the signal-generating strategies that run on
// closed bars: an EMA crossover scalper, an intraday variant gated by the
// adaptive confirmation stack, and an opening range breakout that emits
// option signals only. Strategy instances are not goroutine-safe; each
// symbol worker owns its own set.
package strategy

import (
	"context"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/model"
)

// Strategy reacts to closed bars for one symbol. emaPrimary carries the
// primary-timeframe EMA state, emaConfirm the higher-timeframe state (nil
// when the strategy runs without one).
type Strategy interface {
	Name() string
	OnBarClose(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, bar model.Bar, emaPrimary, emaConfirm *indicator.EMAState)
}

// OptionsPublisher receives confirmed underlying signals for option
// contract selection. origin tags the producing strategy and controls
// cooldown and ranking behavior downstream.
type OptionsPublisher interface {
	PublishUnderlyingSignal(ctx context.Context, symbol, side string, price float64, tf model.Timeframe, origin string)
}

// ConfirmationSource supplies recent bars and the previous session's
// reference levels for the confirmation stack.
type ConfirmationSource interface {
	ConfirmationContext(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, *model.DailyRef)
}

// DailyRefSource exposes the previous session's OHLC reference.
type DailyRefSource interface {
	DailyRef(symbol string) *model.DailyRef
}

// TradeBudget enforces the monthly per-window trade caps.
type TradeBudget interface {
	CanTrade(window string) bool
	IncrementTradeCount(window string)
}

// Deps bundles the collaborators strategies draw on. Nil fields disable the
// corresponding behavior rather than failing.
type Deps struct {
	Executor model.OrderExecutor
	Notifier model.NotificationSink
	Options  OptionsPublisher
	Chain    model.ChainProvider
	History  model.HistoryProvider
	Confirm  ConfirmationSource
	Daily    DailyRefSource
	Budget   TradeBudget
	Sizer    model.RiskSizer
	Log      zerolog.Logger

	// Rejects records a gate rejection for observability. Nil is a no-op.
	Rejects func(strategy, reason string)
}

// warmupGate counts bars per (symbol, timeframe) stream so strategies can
// sit out the first bars after a restart.
type warmupGate struct {
	counts map[string]int
}

func newWarmupGate() warmupGate {
	return warmupGate{counts: make(map[string]int)}
}

// skip increments the stream counter and reports true while it is within
// warmupBars.
func (g warmupGate) skip(symbol string, tf model.Timeframe, warmupBars int) bool {
	key := symbol + "_" + string(tf)
	g.counts[key]++
	return g.counts[key] <= warmupBars
}

// scaleForTimeframe is the stop distance as a fraction of price for the
// given primary timeframe.
func scaleForTimeframe(tf model.Timeframe) float64 {
	switch tf {
	case "5m", "10m":
		return 0.004
	case "15m":
		return 0.008
	default:
		return 0.006
	}
}

// crossoverThreshold is 0.01% of the close, a dead-band candidate for
// crossover detection.
func crossoverThreshold(barClose float64) float64 {
	return barClose * 0.0001
}

// riskSize asks the sizer for a quantity and falls back to one share when
// no sizer is wired or it returns zero.
func riskSize(sizer model.RiskSizer, log zerolog.Logger, barClose, stopLoss float64) int {
	size := 1
	if sizer != nil {
		calc := sizer.CalcSize(barClose, stopLoss)
		log.Debug().Int("size", calc).Float64("price", barClose).Float64("sl", stopLoss).Msg("risk manager sized trade")
		if calc > 0 {
			size = calc
		}
	}
	return size
}
