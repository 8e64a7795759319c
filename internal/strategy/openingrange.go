package strategy

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// strikeStep is the index option strike spacing used for the ATM OI window.
const strikeStep = 50

// OpeningRangeConfig carries the knobs for the opening range breakout.
type OpeningRangeConfig struct {
	PrimaryTF        model.Timeframe
	RangeMinutes     int
	RequireCPR       bool
	RequirePA        bool
	RequireRSISlope  bool
	MinOIChangePct   float64
	DebounceSec      int
	MaxSignalsPerDay int
	LastTradeTime    string // "HH:MM"
}

// OpeningRangeStrategy trades breakouts of the first N minutes, options
// only. It freezes the opening range, snapshots ATM open interest as a
// baseline, and emits at most MaxSignalsPerDay option signals when a close
// escapes the range with OI expansion on the breakout side.
type OpeningRangeStrategy struct {
	cfg OpeningRangeConfig

	options OptionsPublisher
	chain   model.ChainProvider
	history model.HistoryProvider
	daily   DailyRefSource
	rejects func(strategy, reason string)
	log     zerolog.Logger

	state map[string]*orbState
}

type orbState struct {
	day             time.Time
	bars            []model.Bar
	rangeHigh       float64
	rangeLow        float64
	rangeComplete   bool
	signalsEmitted  int
	baselineCallOI  *float64
	baselinePutOI   *float64
	lastDetectionTS time.Time
}

// NewOpeningRangeStrategy builds the breakout strategy. deps needs Options
// and Chain for the mandatory OI confirmation; History enables late-start
// range reconstruction.
func NewOpeningRangeStrategy(cfg OpeningRangeConfig, deps Deps) *OpeningRangeStrategy {
	return &OpeningRangeStrategy{
		cfg:     cfg,
		options: deps.Options,
		chain:   deps.Chain,
		history: deps.History,
		daily:   deps.Daily,
		rejects: deps.Rejects,
		log:     deps.Log,
		state:   make(map[string]*orbState),
	}
}

func (s *OpeningRangeStrategy) Name() string { return "opening_range" }

func (s *OpeningRangeStrategy) reject(reason string) {
	if s.rejects != nil {
		s.rejects(s.Name(), reason)
	}
}

// OnBarClose collects opening-range bars, then watches for confirmed
// breakouts until the cutoff time.
func (s *OpeningRangeStrategy) OnBarClose(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, bar model.Bar, emaPrimary, emaConfirm *indicator.EMAState) {
	if tf != s.cfg.PrimaryTF {
		return
	}
	st := s.symbolState(symbol, bar.TS)
	if st.signalsEmitted >= s.cfg.MaxSignalsPerDay {
		return
	}

	// Started after the opening window with nothing collected: rebuild the
	// range from same-day candles.
	if !st.rangeComplete && len(st.bars) == 0 && !markethours.WithinOpeningRange(bar.TS, s.cfg.RangeMinutes) {
		s.reconstructRange(ctx, symbol, instrumentKey, st, bar)
	}

	if !st.rangeComplete && markethours.WithinOpeningRange(bar.TS, s.cfg.RangeMinutes) {
		st.bars = append(st.bars, bar)
		collectedMinutes := len(st.bars) * s.cfg.PrimaryTF.Minutes()
		if collectedMinutes >= s.cfg.RangeMinutes {
			st.rangeHigh, st.rangeLow = rangeExtremes(st.bars)
			st.rangeComplete = true
			s.log.Info().
				Str("symbol", symbol).
				Float64("high", st.rangeHigh).
				Float64("low", st.rangeLow).
				Msg("opening range complete")
			s.snapshotBaselineOI(ctx, st, bar.Close)
		}
		// Breakout detection starts with the next bar.
		return
	}

	if !st.rangeComplete || s.afterCutoff(bar.TS) {
		return
	}

	// One detection attempt per bar timestamp.
	if !st.lastDetectionTS.IsZero() && st.lastDetectionTS.Equal(bar.TS) {
		return
	}

	var side string
	switch {
	case bar.Close > st.rangeHigh:
		side = model.SideBuy
	case bar.Close < st.rangeLow:
		side = model.SideSell
	default:
		return
	}

	if s.cfg.RequireCPR && !s.cprOK(side, symbol, bar.Close) {
		s.reject("cpr")
		return
	}

	if s.cfg.RequirePA {
		withCurrent := append(append([]model.Bar{}, st.bars...), bar)
		if !priceActionOK(side, withCurrent) {
			s.log.Debug().Str("symbol", symbol).Msg("breakout rejected: PA not confirmed")
			s.reject("price_action")
			return
		}
	}

	if !s.rsiSlopeOK(side, st.bars, bar) {
		s.log.Debug().Str("symbol", symbol).Msg("breakout rejected: RSI slope not aligned")
		s.reject("rsi_slope")
		return
	}

	// OI confirmation is mandatory: no chain, no signal.
	if s.options == nil || s.chain == nil {
		s.log.Debug().Str("symbol", symbol).Msg("breakout rejected: options selector not available")
		s.reject("selector_unavailable")
		return
	}
	chain := s.chain.FetchOptionChain(ctx)
	callOI, putOI := aggregateATMOI(chain, bar.Close)
	var pct float64
	if side == model.SideBuy {
		pct = oiChangePct(st.baselineCallOI, callOI)
	} else {
		pct = oiChangePct(st.baselinePutOI, putOI)
	}
	if pct < s.cfg.MinOIChangePct {
		s.log.Debug().
			Str("symbol", symbol).
			Float64("oi_change_pct", pct).
			Float64("min_pct", s.cfg.MinOIChangePct).
			Msg("breakout rejected: OI change below threshold")
		s.reject("oi_change")
		return
	}

	s.log.Info().
		Str("symbol", symbol).
		Str("side", side).
		Float64("price", bar.Close).
		Msg("opening range breakout confirmed")
	st.signalsEmitted++
	st.lastDetectionTS = bar.TS
	s.options.PublishUnderlyingSignal(ctx, symbol, side, bar.Close, s.cfg.PrimaryTF, "opening_range")
}

// symbolState returns the per-symbol state for the trading day that ts
// falls on, resetting range, baselines, and the signal count at rollover.
func (s *OpeningRangeStrategy) symbolState(symbol string, ts time.Time) *orbState {
	y, m, d := ts.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
	st, ok := s.state[symbol]
	if !ok || !st.day.Equal(day) {
		st = &orbState{day: day}
		s.state[symbol] = st
	}
	return st
}

// reconstructRange rebuilds the opening range from same-day candles when
// the engine started after the window closed.
func (s *OpeningRangeStrategy) reconstructRange(ctx context.Context, symbol, instrumentKey string, st *orbState, bar model.Bar) {
	if s.history == nil {
		return
	}
	perBar := s.cfg.PrimaryTF.Minutes()
	barsNeeded := s.cfg.RangeMinutes / perBar
	if barsNeeded < 1 {
		barsNeeded = 1
	}

	candles, err := s.history.FetchIntraday(ctx, instrumentKey, s.cfg.PrimaryTF)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("late start: failed reconstructing opening range")
		return
	}
	if len(candles) == 0 {
		return
	}

	var window []model.Bar
	for _, c := range candles {
		if markethours.WithinOpeningRange(c.TS, s.cfg.RangeMinutes) {
			window = append(window, c)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].TS.Before(window[j].TS) })

	if len(window) < barsNeeded {
		s.log.Warn().
			Str("symbol", symbol).
			Int("got", len(window)).
			Int("needed", barsNeeded).
			Msg("late start: insufficient candles to reconstruct opening range")
		return
	}

	st.bars = window[:barsNeeded]
	st.rangeHigh, st.rangeLow = rangeExtremes(st.bars)
	st.rangeComplete = true
	s.log.Info().
		Str("symbol", symbol).
		Float64("high", st.rangeHigh).
		Float64("low", st.rangeLow).
		Msg("late start: reconstructed opening range")
	s.snapshotBaselineOI(ctx, st, bar.Close)
}

func (s *OpeningRangeStrategy) snapshotBaselineOI(ctx context.Context, st *orbState, spot float64) {
	if s.options == nil || s.chain == nil {
		return
	}
	chain := s.chain.FetchOptionChain(ctx)
	call, put := aggregateATMOI(chain, spot)
	st.baselineCallOI = &call
	st.baselinePutOI = &put
}

func (s *OpeningRangeStrategy) cprOK(side, symbol string, barClose float64) bool {
	var ref *model.DailyRef
	if s.daily != nil {
		ref = s.daily.DailyRef(symbol)
	}
	if ref == nil {
		s.log.Debug().Str("symbol", symbol).Msg("breakout rejected: missing CPR")
		return false
	}
	cpr := indicator.ComputeCPR(ref.High, ref.Low, ref.Close)
	if side == model.SideBuy && barClose < cpr.TC {
		s.log.Debug().Str("symbol", symbol).Msg("BUY breakout rejected: close below TC")
		return false
	}
	if side == model.SideSell && barClose > cpr.BC {
		s.log.Debug().Str("symbol", symbol).Msg("SELL breakout rejected: close above BC")
		return false
	}
	return true
}

func (s *OpeningRangeStrategy) rsiSlopeOK(side string, rangeBars []model.Bar, bar model.Bar) bool {
	if !s.cfg.RequireRSISlope {
		return true
	}
	closes := make([]float64, 0, len(rangeBars)+1)
	for _, b := range rangeBars {
		closes = append(closes, b.Close)
	}
	closes = append(closes, bar.Close)
	series := indicator.RSISeries(closes, 7)
	if len(series) < 2 {
		return false
	}
	slope := series[len(series)-1] - series[len(series)-2]
	if side == model.SideBuy {
		return slope > 0
	}
	return slope < 0
}

// afterCutoff reports whether the bar falls at or past the last trade
// time. An unparsable cutoff fails safe as after.
func (s *OpeningRangeStrategy) afterCutoff(ts time.Time) bool {
	h, m, err := markethours.ParseHHMM(s.cfg.LastTradeTime)
	if err != nil {
		return true
	}
	return ts.Hour()*60+ts.Minute() >= h*60+m
}

// priceActionOK checks for a confirming pattern on the breakout bar.
func priceActionOK(side string, recentBars []model.Bar) bool {
	if len(recentBars) < 2 {
		return false
	}
	prevBar := recentBars[len(recentBars)-2]
	curBar := recentBars[len(recentBars)-1]
	if side == model.SideBuy {
		return isBullishEngulf(prevBar, curBar) ||
			isHammer(curBar) ||
			isThreeGreenCandles(recentBars)
	}
	return isBearishEngulf(prevBar, curBar) ||
		isShootingStar(curBar) ||
		isThreeRedCandles(recentBars)
}

// aggregateATMOI sums call and put open interest across the ATM strike and
// its immediate neighbors one step either side. The ATM strike is the
// contract strike closest to spot.
func aggregateATMOI(chain []model.OptionContract, spot float64) (callOI, putOI float64) {
	if len(chain) == 0 {
		return 0, 0
	}

	atm := chain[0].Strike
	best := math.Abs(float64(chain[0].Strike) - spot)
	for _, c := range chain[1:] {
		if d := math.Abs(float64(c.Strike) - spot); d < best {
			best = d
			atm = c.Strike
		}
	}

	for _, c := range chain {
		if c.Strike != atm-strikeStep && c.Strike != atm && c.Strike != atm+strikeStep {
			continue
		}
		kind := strings.ToUpper(c.Kind)
		switch kind {
		case "CALL", "CE":
			callOI += float64(c.OI)
		case "PUT", "PE":
			putOI += float64(c.OI)
		}
	}
	return callOI, putOI
}

// oiChangePct is the percentage change from baseline. A missing or
// non-positive baseline reads as no change.
func oiChangePct(baseline *float64, current float64) float64 {
	if baseline == nil || *baseline <= 0 {
		return 0.0
	}
	return (current - *baseline) / *baseline * 100.0
}

func rangeExtremes(bars []model.Bar) (high, low float64) {
	high = bars[0].High
	low = bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low
}
