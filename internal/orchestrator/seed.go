package orchestrator

import (
	"context"
	"sort"
	"time"

	"algoengine/internal/marketdata/agg"
	"algoengine/internal/model"
)

// sessionMinutes is the NSE cash session length, 09:15 through 15:30.
const sessionMinutes = 375

// seedWorker warms one symbol before its goroutine starts: EMA state and
// bar caches per timeframe, then the previous session reference. Failures
// degrade to a cold start and never abort engine startup.
func (o *Orchestrator) seedWorker(ctx context.Context, w *worker) {
	primaries := o.primaryTimeframes()
	byTF := make(map[model.Timeframe][]model.Bar, len(primaries))

	for _, tf := range primaries {
		bars := o.loadWarmup(ctx, w, tf)
		byTF[tf] = bars
		if len(bars) == 0 {
			o.log.Warn().Str("symbol", w.symbol).Str("tf", string(tf)).Msg("no warmup bars, cold start")
			continue
		}
		w.ema[tf].SeedFromBars(bars)
		w.seedCache(tf, bars)
		o.log.Info().Str("symbol", w.symbol).Str("tf", string(tf)).Int("bars", len(bars)).Msg("ema seeded from history")
	}

	// Confirmation-only timeframes are folded from a primary series rather
	// than fetched again.
	for _, tf := range o.confirmOnlyTimeframes() {
		src := resampleSource(byTF, primaries, tf)
		if len(src) == 0 {
			continue
		}
		res := agg.Resample(src, tf, o.now())
		if len(res) == 0 {
			continue
		}
		w.ema[tf].SeedFromBars(res)
		w.seedCache(tf, res)
		o.log.Info().Str("symbol", w.symbol).Str("tf", string(tf)).Int("bars", len(res)).Msg("confirm ema folded from warmup")
	}

	o.seedDailyRef(w, byTF, primaries)
}

// loadWarmup assembles warmup bars for one (symbol, timeframe): stored
// candles when present, the broker archive otherwise, topped with today's
// session so the seed ends at the live edge.
func (o *Orchestrator) loadWarmup(ctx context.Context, w *worker, tf model.Timeframe) []model.Bar {
	var bars []model.Bar

	if o.deps.Store != nil {
		stored, err := o.deps.Store.LoadCandles(ctx, w.symbol, w.instrumentKey, tf, o.cfg.WarmupBars)
		if err != nil {
			o.log.Warn().Err(err).Str("symbol", w.symbol).Str("tf", string(tf)).Msg("stored candle load failed")
		} else {
			bars = stored
		}
	}

	if len(bars) == 0 && o.deps.History != nil {
		start := time.Now()
		hist, err := o.deps.History.FetchHistorical(ctx, w.instrumentKey, tf, o.cfg.WarmupBars)
		o.mtr.WarmupFetchDur.Observe(time.Since(start).Seconds())
		if err != nil {
			o.log.Warn().Err(err).Str("symbol", w.symbol).Str("tf", string(tf)).Msg("historical fetch failed")
		} else {
			bars = normalizeBars(w.symbol, tf, hist)
			if o.deps.Store != nil && len(bars) > 0 {
				if err := o.deps.Store.PersistCandlesBulk(ctx, w.symbol, w.instrumentKey, tf, bars); err != nil {
					o.log.Warn().Err(err).Str("symbol", w.symbol).Msg("warmup bulk persist failed")
				}
			}
		}
	}

	// Today's candles fill the gap between the archive and the live feed.
	if o.deps.History != nil {
		start := time.Now()
		today, err := o.deps.History.FetchIntraday(ctx, w.instrumentKey, tf)
		o.mtr.WarmupFetchDur.Observe(time.Since(start).Seconds())
		if err != nil {
			o.log.Debug().Err(err).Str("symbol", w.symbol).Str("tf", string(tf)).Msg("intraday fetch failed")
		} else if len(today) > 0 {
			today = normalizeBars(w.symbol, tf, today)
			if o.deps.Store != nil {
				if err := o.deps.Store.PersistCandlesBulk(ctx, w.symbol, w.instrumentKey, tf, today); err != nil {
					o.log.Debug().Err(err).Str("symbol", w.symbol).Msg("intraday bulk persist failed")
				}
			}
			bars = mergeBars(bars, today)
		}
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	if o.cfg.WarmupBars > 0 && len(bars) > o.cfg.WarmupBars {
		bars = bars[len(bars)-o.cfg.WarmupBars:]
	}
	return bars
}

// seedDailyRef derives the previous session's OHLC from the densest
// warmup series that spans at least two sessions.
func (o *Orchestrator) seedDailyRef(w *worker, byTF map[model.Timeframe][]model.Bar, primaries []model.Timeframe) {
	for _, tf := range primaries {
		bars := byTF[tf]
		need := sessionMinutes / tf.Minutes() * 2
		if len(bars) <= need {
			continue
		}
		days := agg.ResampleDaily(bars)
		if len(days) < 2 {
			continue
		}
		prev := days[len(days)-2]
		w.setDaily(&model.DailyRef{High: prev.High, Low: prev.Low, Close: prev.Close})
		o.log.Debug().Str("symbol", w.symbol).Float64("prev_close", prev.Close).Msg("previous session reference seeded")
		return
	}
}

// primaryTimeframes returns the enabled strategies' primary timeframes,
// densest first, deduplicated.
func (o *Orchestrator) primaryTimeframes() []model.Timeframe {
	seen := make(map[model.Timeframe]bool, 3)
	var out []model.Timeframe
	add := func(tf model.Timeframe) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	if o.cfg.Scalp.Enabled {
		add(o.cfg.Scalp.PrimaryTF)
	}
	if o.cfg.Intraday.Enabled {
		add(o.cfg.Intraday.PrimaryTF)
	}
	if o.cfg.OpeningRange.Enabled {
		add(o.cfg.OpeningRange.PrimaryTF)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes() < out[j].Minutes() })
	return out
}

// confirmOnlyTimeframes returns timeframes used only as confirmation
// inputs, with no strategy trading them directly.
func (o *Orchestrator) confirmOnlyTimeframes() []model.Timeframe {
	primary := make(map[model.Timeframe]bool, 3)
	for _, tf := range o.primaryTimeframes() {
		primary[tf] = true
	}
	var out []model.Timeframe
	for _, tf := range o.tfs {
		if !primary[tf] {
			out = append(out, tf)
		}
	}
	return out
}

// resampleSource picks the coarsest primary series that folds evenly into
// tf. primaries is sorted densest first.
func resampleSource(byTF map[model.Timeframe][]model.Bar, primaries []model.Timeframe, tf model.Timeframe) []model.Bar {
	want := tf.Minutes()
	for i := len(primaries) - 1; i >= 0; i-- {
		p := primaries[i]
		if want%p.Minutes() == 0 && len(byTF[p]) > 0 {
			return byTF[p]
		}
	}
	return nil
}

// normalizeBars rekeys provider bars onto the engine symbol and timeframe.
func normalizeBars(symbol string, tf model.Timeframe, bars []model.Bar) []model.Bar {
	out := make([]model.Bar, len(bars))
	copy(out, bars)
	for i := range out {
		out[i].Symbol = symbol
		out[i].Timeframe = tf
	}
	return out
}

// mergeBars unions two bar sets, the later set winning on timestamp
// collisions.
func mergeBars(a, b []model.Bar) []model.Bar {
	seen := make(map[int64]int, len(a))
	out := make([]model.Bar, 0, len(a)+len(b))
	for _, bar := range a {
		seen[bar.TS.Unix()] = len(out)
		out = append(out, bar)
	}
	for _, bar := range b {
		if i, ok := seen[bar.TS.Unix()]; ok {
			out[i] = bar
			continue
		}
		seen[bar.TS.Unix()] = len(out)
		out = append(out, bar)
	}
	return out
}
