package options

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/metrics"
	"algoengine/internal/model"
)

// Config controls option signal selection, sizing and rate limiting.
type Config struct {
	Enabled              bool
	LotSize              int
	RiskCapPerTrade      float64
	MinOIPercentile      int
	SpreadMaxPctScalper  float64
	SpreadMaxPctIntraday float64
	DebounceSec          int
	DebounceIntradaySec  int
	CooldownSec          int
	CooldownIntradaySec  int
}

// Deps are the collaborators a Selector publishes through.
type Deps struct {
	Provider model.ChainProvider
	Executor model.OrderExecutor
	Notifier model.NotificationSink
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// Selector translates confirmed underlying signals into sized option
// contract proposals. One instance is shared by every symbol worker,
// so the whole publish path runs under a single mutex and the side
// cooldown register stays consistent across workers.
type Selector struct {
	cfg      Config
	provider model.ChainProvider
	executor model.OrderExecutor
	notifier model.NotificationSink
	mtr      *metrics.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	lastSide string
	lastEmit time.Time

	now func() time.Time
}

// NewSelector builds a Selector from its config and collaborators.
func NewSelector(cfg Config, deps Deps) *Selector {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Selector{
		cfg:      cfg,
		provider: deps.Provider,
		executor: deps.Executor,
		notifier: deps.Notifier,
		mtr:      deps.Metrics,
		log:      deps.Log,
		now:      time.Now,
	}
}

// PublishUnderlyingSignal fans a confirmed underlying signal out to the
// options pipeline: fetch a fresh chain snapshot, rank the relevant side,
// size the top strike and emit. Same-side signals inside the cooldown
// window are dropped; the opposite side is never blocked.
func (s *Selector) PublishUnderlyingSignal(ctx context.Context, symbol, side string, price float64, tf model.Timeframe, origin string) {
	if !s.cfg.Enabled {
		return
	}

	mode := ModeIntraday
	if origin == "scalper" {
		mode = ModeScalper
	}
	cooldown := time.Duration(s.cfg.CooldownIntradaySec) * time.Second
	debounce := time.Duration(s.cfg.DebounceIntradaySec) * time.Second
	if mode == ModeScalper {
		cooldown = time.Duration(s.cfg.CooldownSec) * time.Second
		debounce = time.Duration(s.cfg.DebounceSec) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldownActive(side, cooldown) {
		s.log.Info().Str("side", side).Str("origin", origin).Msg("options cooldown active, skipping")
		s.mtr.OptionSkips.WithLabelValues("cooldown").Inc()
		return
	}
	s.log.Debug().
		Str("symbol", symbol).
		Str("mode", mode).
		Dur("debounce", debounce).
		Msg("option selection started")

	start := time.Now()
	chain := s.provider.FetchOptionChain(ctx)
	s.mtr.ChainFetchDur.Observe(time.Since(start).Seconds())

	chainMetrics := ChainMetrics(chain)
	ranked := RankStrikes(chain, side, price, mode,
		s.cfg.MinOIPercentile, chainMetrics["iv_median"],
		s.cfg.SpreadMaxPctScalper, s.cfg.SpreadMaxPctIntraday)
	if len(ranked) == 0 {
		s.log.Info().Str("side", side).Str("origin", origin).Msg("no ranked option strikes")
		s.mtr.OptionSkips.WithLabelValues("no_strikes").Inc()
		return
	}

	top := ranked[0]
	pos := PositionSize(top.Contract, mode, s.cfg.RiskCapPerTrade, s.cfg.LotSize)
	if pos.Lots <= 0 {
		s.log.Info().Str("contract", top.Contract.Symbol).Msg("position sizing produced 0 lots, skipping")
		s.mtr.OptionSkips.WithLabelValues("zero_lots").Inc()
		return
	}

	sig := model.OptionSignal{
		UnderlyingSymbol: symbol,
		UnderlyingSide:   side,
		ContractSymbol:   top.Contract.Symbol,
		TradingSymbol:    top.Contract.TradingSymbol,
		Strike:           top.Contract.Strike,
		Kind:             top.Contract.Kind,
		PremiumLTP:       top.Contract.LTP,
		SuggestedLots:    pos.Lots,
		StopLossPremium:  pos.Stop,
		TargetPremium:    pos.Target,
		Metrics:          chainMetrics,
		Reasoning: []string{
			fmt.Sprintf("OI_rank=%.2f", top.Components["oi_rank"]),
			fmt.Sprintf("IV_quality=%.2f", top.Components["iv_quality"]),
			fmt.Sprintf("Spread_pct=%.4f", top.EffectiveSpreadPct),
			fmt.Sprintf("Distance=%d", top.DistanceFromATM),
			fmt.Sprintf("OI_change=%.2f", top.Components["oi_change"]),
			fmt.Sprintf("PCR=%.2f", chainMetrics["pcr"]),
		},
		Timestamp: s.now(),
	}

	// Cooldown markers update before the emit.
	s.lastSide = side
	s.lastEmit = sig.Timestamp

	if err := s.executor.HandleOptionSignal(ctx, sig); err != nil {
		s.log.Error().Err(err).Str("contract", sig.ContractSymbol).Msg("option signal execution failed")
	}
	if err := s.notifier.NotifyOptionSignal(ctx, sig); err != nil {
		s.log.Warn().Err(err).Str("contract", sig.ContractSymbol).Msg("option signal notification failed")
	}
	s.mtr.OptionSignalsTotal.WithLabelValues(origin, side).Inc()

	s.log.Info().
		Str("underlying", symbol).
		Str("side", side).
		Str("contract", sig.ContractSymbol).
		Int("strike", sig.Strike).
		Float64("premium", sig.PremiumLTP).
		Int("lots", sig.SuggestedLots).
		Str("origin", origin).
		Msg("option signal published")
}

// cooldownActive reports whether the previous emission was the same side
// and still inside the window. Callers hold s.mu.
func (s *Selector) cooldownActive(side string, cooldown time.Duration) bool {
	if s.lastSide == "" || s.lastEmit.IsZero() {
		return false
	}
	if s.lastSide != side {
		return false
	}
	return s.now().Sub(s.lastEmit) < cooldown
}
