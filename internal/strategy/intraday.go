package strategy

import (
	"context"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// IntradayStrategy trades EMA crossovers on the primary timeframe, gated
// by session window, monthly trade budget, higher-timeframe trend, and the
// full confirmation stack. Index and high-volatility underlyings route to
// the options selector instead of (or in addition to) the underlying.
type IntradayStrategy struct {
	primaryTF                model.Timeframe
	confirmTF                model.Timeframe
	enableTrendConfirmation  bool
	enableSignalConfirmation bool
	rrRatio                  float64

	warmup   warmupGate
	executor model.OrderExecutor
	notifier model.NotificationSink
	options  OptionsPublisher
	confirm  ConfirmationSource
	budget   TradeBudget
	sizer    model.RiskSizer
	rejects  func(strategy, reason string)
	log      zerolog.Logger
}

// NewIntradayStrategy builds the confirmed intraday variant.
func NewIntradayStrategy(primaryTF, confirmTF model.Timeframe, enableTrend, enableConfirmation bool, rrRatio float64, deps Deps) *IntradayStrategy {
	return &IntradayStrategy{
		primaryTF:                primaryTF,
		confirmTF:                confirmTF,
		enableTrendConfirmation:  enableTrend,
		enableSignalConfirmation: enableConfirmation,
		rrRatio:                  rrRatio,
		warmup:                   newWarmupGate(),
		executor:                 deps.Executor,
		notifier:                 deps.Notifier,
		options:                  deps.Options,
		confirm:                  deps.Confirm,
		budget:                   deps.Budget,
		sizer:                    deps.Sizer,
		rejects:                  deps.Rejects,
		log:                      deps.Log,
	}
}

func (s *IntradayStrategy) Name() string { return "intraday" }

func (s *IntradayStrategy) reject(reason string) {
	if s.rejects != nil {
		s.rejects(s.Name(), reason)
	}
}

// OnBarClose runs the full intraday gate sequence on a closed bar.
func (s *IntradayStrategy) OnBarClose(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, bar model.Bar, emaPrimary, emaConfirm *indicator.EMAState) {
	s.log.Debug().Str("symbol", symbol).Str("tf", string(tf)).Float64("close", bar.Close).Msg("intraday bar close")

	// The first bar after a restart closes partial state; skip it.
	if s.warmup.skip(symbol, tf, 1) {
		s.log.Debug().Str("symbol", symbol).Msg("skipping signal generation during warmup")
		return
	}
	if tf != s.primaryTF {
		return
	}

	window := markethours.Window(bar.TS)
	if window == markethours.WindowMidday {
		s.log.Debug().Str("symbol", symbol).Msg("skipping mid-day signal")
		s.reject("midday")
		return
	}

	if s.budget != nil && !s.budget.CanTrade(window) {
		s.log.Debug().Str("symbol", symbol).Str("window", window).Msg("monthly trade limit reached")
		s.reject("budget")
		return
	}

	if !emaPrimary.Ready() {
		s.log.Debug().Str("symbol", symbol).Msg("EMA values not ready")
		return
	}
	prevShort, prevLong := *emaPrimary.PrevShort, *emaPrimary.PrevLong
	currShort, currLong := *emaPrimary.Short, *emaPrimary.Long
	threshold := 0.0

	switch {
	case prevShort <= prevLong-threshold && currShort > currLong+threshold:
		s.handleCrossover(ctx, model.SideBuy, symbol, instrumentKey, tf, bar, emaPrimary, emaConfirm, window)
	case prevShort >= prevLong+threshold && currShort < currLong-threshold:
		s.handleCrossover(ctx, model.SideSell, symbol, instrumentKey, tf, bar, emaPrimary, emaConfirm, window)
	}
}

func (s *IntradayStrategy) handleCrossover(ctx context.Context, side string, symbol, instrumentKey string, tf model.Timeframe, bar model.Bar, emaPrimary, emaConfirm *indicator.EMAState, window string) {
	s.log.Debug().
		Str("symbol", symbol).
		Str("side", side).
		Time("ts", bar.TS).
		Float64("prev_short", *emaPrimary.PrevShort).
		Float64("prev_long", *emaPrimary.PrevLong).
		Float64("curr_short", *emaPrimary.Short).
		Float64("curr_long", *emaPrimary.Long).
		Msg("EMA crossover detected")

	scale := scaleForTimeframe(s.primaryTF)
	var sl, tgt float64
	if side == model.SideBuy {
		sl = bar.Close - scale*bar.Close
		tgt = bar.Close + scale*s.rrRatio*bar.Close
	} else {
		sl = bar.Close + scale*bar.Close
		tgt = bar.Close - scale*s.rrRatio*bar.Close
	}
	size := riskSize(s.sizer, s.log, bar.Close, sl)

	isIdx := IsIndex(instrumentKey)
	highVol := HighVolatility(emaPrimary, bar.Close, isIdx)
	tradeUnder := TradeUnderlying(isIdx, highVol)

	if !s.trendOK(side, bar.Close, emaConfirm) {
		s.reject("trend")
		return
	}

	if s.enableSignalConfirmation {
		s.log.Debug().Str("symbol", symbol).Str("side", side).Msg("checking signal confirmation")
		var recentBars []model.Bar
		var dailyRef *model.DailyRef
		if s.confirm != nil {
			recentBars, dailyRef = s.confirm.ConfirmationContext(ctx, symbol, tf)
		}
		if len(recentBars) == 0 {
			s.log.Warn().Str("symbol", symbol).Str("side", side).Msg("no recent bars for signal confirmation")
			s.reject("no_recent_bars")
			return
		}
		result := ConfirmSignal(side, recentBars, dailyRef, symbol, window, s.log)
		if !result.Confirmed {
			s.log.Info().Str("symbol", symbol).Str("side", side).Strs("reasons", result.Reasons).Msg("intraday signal rejected")
			s.reject("confirmation")
			return
		}
		s.log.Debug().Str("symbol", symbol).Str("side", side).Msg("signal confirmed")
	}

	s.log.Info().
		Str("symbol", symbol).
		Str("side", side).
		Time("ts", bar.TS).
		Float64("price", bar.Close).
		Float64("sl", sl).
		Float64("tgt", tgt).
		Int("size", size).
		Msg("intraday signal generated")

	sig := model.Signal{Symbol: symbol, Timeframe: tf, Side: side, Price: bar.Close, Size: size, StopLoss: sl, Target: tgt}
	if tradeUnder {
		s.log.Debug().Str("symbol", symbol).Str("side", side).Msg("executing underlying order")
		if s.executor != nil {
			if err := s.executor.HandleSignal(ctx, sig); err != nil {
				s.log.Error().Err(err).Str("symbol", symbol).Msg("executor rejected intraday signal")
			}
		}
		if s.budget != nil {
			s.budget.IncrementTradeCount(window)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifySignal(ctx, sig); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("intraday signal notification failed")
		}
	}
	if highVol || isIdx {
		s.log.Debug().Str("symbol", symbol).Str("side", side).Msg("publishing signal to options selector")
		if s.options != nil {
			s.options.PublishUnderlyingSignal(ctx, symbol, side, bar.Close, tf, "intraday")
		}
	}
}

func (s *IntradayStrategy) trendOK(side string, price float64, emaConfirm *indicator.EMAState) bool {
	if !s.enableTrendConfirmation {
		s.log.Debug().Str("side", side).Msg("trend confirmation disabled, allowing signal")
		return true
	}
	ok := higherTimeframeTrendOK(side, price, s.primaryTF, s.confirmTF, emaConfirm)
	s.log.Debug().Str("side", side).Bool("pass", ok).Msg("higher timeframe trend check")
	return ok
}
