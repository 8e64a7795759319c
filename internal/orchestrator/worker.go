package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/marketdata/agg"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
	"algoengine/internal/strategy"
)

// binding pairs one strategy instance with the timeframes it reads. An
// empty confirm means the strategy takes no confirmation EMA.
type binding struct {
	strat   strategy.Strategy
	primary model.Timeframe
	confirm model.Timeframe
}

// worker owns all derived state for one symbol: the bar aggregator, EMA
// state per timeframe, the rolling bar cache and the previous session
// reference. Ticks arrive on in from the demux; closed bars go to the
// strategies and then to the fan-out channel. The mutex guards the caches
// against ConfirmationContext and shutdown snapshots; the ema map itself
// is never written after construction.
type worker struct {
	symbol        string
	instrumentKey string
	in            chan model.Tick
	agg           *agg.Aggregator
	bindings      []binding

	mu           sync.Mutex
	ema          map[model.Timeframe]*indicator.EMAState
	recent       map[model.Timeframe][]model.Bar
	daily        *model.DailyRef
	recentWindow int

	bars chan<- model.Bar
	mtr  *metrics.Metrics
	log  zerolog.Logger
}

// newWorker builds the pipeline state for one watchlist symbol.
func (o *Orchestrator) newWorker(symbol string) *worker {
	ema := make(map[model.Timeframe]*indicator.EMAState, len(o.tfs))
	for _, tf := range o.tfs {
		ema[tf] = indicator.NewEMAState(symbol, tf, o.cfg.EMAShort, o.cfg.EMALong)
	}
	w := &worker{
		symbol:        symbol,
		instrumentKey: InstrumentKeyFor(symbol),
		in:            make(chan model.Tick, o.cfg.WorkerQueueSize),
		agg:           agg.New(o.tfs...),
		ema:           ema,
		recent:        make(map[model.Timeframe][]model.Bar, len(o.tfs)),
		recentWindow:  o.cfg.RecentBarsWindow,
		bars:          o.deps.Bars,
		mtr:           o.mtr,
		log:           o.log.With().Str("symbol", symbol).Logger(),
	}
	w.bindings = o.buildBindings(w)
	return w
}

// run consumes the symbol's tick queue until ctx is done.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-w.in:
			start := time.Now()
			closed := w.agg.Push(tk)
			w.mtr.AggFoldDur.Observe(time.Since(start).Seconds())
			for _, bar := range closed {
				w.handleBar(ctx, bar)
			}
		}
	}
}

// handleBar advances indicators and caches for one closed bar, runs the
// strategies, then hands the bar to the fan-out channel without blocking.
func (w *worker) handleBar(ctx context.Context, bar model.Bar) {
	tf := bar.Timeframe
	w.mtr.BarsTotal.WithLabelValues(string(tf)).Inc()
	w.mtr.BarLag.Set(time.Since(bar.TS.Add(tf.Duration())).Seconds())

	w.mu.Lock()
	if st, ok := w.ema[tf]; ok {
		st.UpdateWithClose(bar.Close, bar.TS)
	}
	w.recent[tf] = appendBounded(w.recent[tf], bar, w.recentWindow)
	w.mu.Unlock()

	for _, b := range w.bindings {
		b.strat.OnBarClose(ctx, w.symbol, w.instrumentKey, tf, bar, w.ema[b.primary], w.emaFor(b.confirm))
	}

	if w.bars == nil {
		return
	}
	select {
	case w.bars <- bar:
	default:
		w.mtr.FanoutDropsTotal.WithLabelValues("input").Inc()
	}
}

func (w *worker) emaFor(tf model.Timeframe) *indicator.EMAState {
	if tf == "" {
		return nil
	}
	return w.ema[tf]
}

// recentBars returns a copy of the rolling cache for one timeframe.
func (w *worker) recentBars(tf model.Timeframe) []model.Bar {
	w.mu.Lock()
	defer w.mu.Unlock()
	src := w.recent[tf]
	if len(src) == 0 {
		return nil
	}
	out := make([]model.Bar, len(src))
	copy(out, src)
	return out
}

// dailyRef returns a copy of the previous session reference, nil when
// unseeded.
func (w *worker) dailyRef() *model.DailyRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.daily == nil {
		return nil
	}
	ref := *w.daily
	return &ref
}

func (w *worker) setDaily(ref *model.DailyRef) {
	w.mu.Lock()
	w.daily = ref
	w.mu.Unlock()
}

// seedCache primes the rolling bar cache for one timeframe from warmup
// history.
func (w *worker) seedCache(tf model.Timeframe, bars []model.Bar) {
	if w.recentWindow > 0 && len(bars) > w.recentWindow {
		bars = bars[len(bars)-w.recentWindow:]
	}
	cp := make([]model.Bar, len(bars))
	copy(cp, bars)
	w.mu.Lock()
	w.recent[tf] = cp
	w.mu.Unlock()
}

// emaRow is one persistable EMA value.
type emaRow struct {
	tf     model.Timeframe
	period int
	value  float64
	lastTS time.Time
}

// snapshotEMA captures the live EMA values across timeframes.
func (w *worker) snapshotEMA() []emaRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	var rows []emaRow
	for tf, st := range w.ema {
		if st.Short != nil {
			rows = append(rows, emaRow{tf: tf, period: st.ShortPeriod, value: *st.Short, lastTS: st.LastTS})
		}
		if st.Long != nil {
			rows = append(rows, emaRow{tf: tf, period: st.LongPeriod, value: *st.Long, lastTS: st.LastTS})
		}
	}
	return rows
}

func (w *worker) queueStats() (length, capacity int) {
	return len(w.in), cap(w.in)
}

// appendBounded appends and trims to the window, shifting in place so the
// backing array never grows past one extra slot.
func appendBounded(bars []model.Bar, bar model.Bar, window int) []model.Bar {
	bars = append(bars, bar)
	if window > 0 && len(bars) > window {
		copy(bars, bars[len(bars)-window:])
		bars = bars[:window]
	}
	return bars
}
