package strategy

import (
	"context"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/model"
)

// ScalpStrategy is a minimal EMA crossover scalper on the primary
// timeframe. Every signal carries a fixed 0.2% stop and 0.3% target, one
// share, and an optional higher-timeframe trend filter.
type ScalpStrategy struct {
	primaryTF           model.Timeframe
	confirmTF           model.Timeframe
	enableConfirmFilter bool

	executor model.OrderExecutor
	notifier model.NotificationSink
	rejects  func(strategy, reason string)
	log      zerolog.Logger
}

// NewScalpStrategy builds the scalper. deps needs Executor and Notifier.
func NewScalpStrategy(primaryTF, confirmTF model.Timeframe, enableConfirmFilter bool, deps Deps) *ScalpStrategy {
	return &ScalpStrategy{
		primaryTF:           primaryTF,
		confirmTF:           confirmTF,
		enableConfirmFilter: enableConfirmFilter,
		executor:            deps.Executor,
		notifier:            deps.Notifier,
		rejects:             deps.Rejects,
		log:                 deps.Log,
	}
}

func (s *ScalpStrategy) Name() string { return "scalp" }

func (s *ScalpStrategy) reject(reason string) {
	if s.rejects != nil {
		s.rejects(s.Name(), reason)
	}
}

// OnBarClose checks for an EMA crossover on the closed primary bar and
// emits a bracketed signal when the trend filter agrees.
func (s *ScalpStrategy) OnBarClose(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, bar model.Bar, emaPrimary, emaConfirm *indicator.EMAState) {
	if tf != s.primaryTF {
		return
	}
	if emaPrimary.PrevShort == nil || emaPrimary.PrevLong == nil {
		return
	}
	prevShort, prevLong := *emaPrimary.PrevShort, *emaPrimary.PrevLong
	currShort, currLong := *emaPrimary.Short, *emaPrimary.Long

	trendOK := func(side string) bool {
		if !s.enableConfirmFilter {
			return true
		}
		return higherTimeframeTrendOK(side, bar.Close, s.primaryTF, s.confirmTF, emaConfirm)
	}

	switch {
	case prevShort <= prevLong && currShort > currLong:
		if !trendOK(model.SideBuy) {
			s.reject("trend")
			return
		}
		sl := bar.Close - 0.002*bar.Close
		tgt := bar.Close + 0.003*bar.Close
		s.emit(ctx, model.Signal{Symbol: symbol, Timeframe: tf, Side: model.SideBuy, Price: bar.Close, Size: 1, StopLoss: sl, Target: tgt})
	case prevShort >= prevLong && currShort < currLong:
		if !trendOK(model.SideSell) {
			s.reject("trend")
			return
		}
		sl := bar.Close + 0.002*bar.Close
		tgt := bar.Close - 0.003*bar.Close
		s.emit(ctx, model.Signal{Symbol: symbol, Timeframe: tf, Side: model.SideSell, Price: bar.Close, Size: 1, StopLoss: sl, Target: tgt})
	}
}

func (s *ScalpStrategy) emit(ctx context.Context, sig model.Signal) {
	s.log.Info().
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Float64("price", sig.Price).
		Float64("sl", sig.StopLoss).
		Float64("tgt", sig.Target).
		Msg("scalp signal generated")
	if s.executor != nil {
		if err := s.executor.HandleSignal(ctx, sig); err != nil {
			s.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("executor rejected scalp signal")
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifySignal(ctx, sig); err != nil {
			s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("scalp signal notification failed")
		}
	}
}
