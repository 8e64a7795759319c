package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/model"
)

// minReplayPace floors the inter-tick delay at full speed so the replay
// cannot outrun the ring buffer and worker queues.
const minReplayPace = 100 * time.Microsecond

// ReplayConfig selects which stored bars to stream back.
type ReplayConfig struct {
	// TF is the bar timeframe to replay. Default 1m.
	TF model.Timeframe

	// Limit is the number of most recent bars per symbol. Default 5000.
	Limit int

	// Speed scales gaps between ticks: 1 is real time, 10 is 10x,
	// 0 replays as fast as the pipeline allows.
	Speed float64

	// InstrumentKey maps a symbol onto its stored instrument key.
	// Defaults to the identity mapping.
	InstrumentKey func(symbol string) string
}

// Replay streams stored bars back as synthesized ticks so the full
// decision pipeline can run against recorded sessions. Each bar expands
// into four ticks (open, high, low, close) inside its own bucket; the
// next bar's open then closes it, exactly as a live stream would.
type Replay struct {
	store model.CandleStore
	cfg   ReplayConfig
	log   zerolog.Logger

	mu      sync.Mutex
	symbols []string

	// OnComplete fires after the last tick is delivered.
	OnComplete func()
}

// NewReplay builds a replay feed over the candle store.
func NewReplay(store model.CandleStore, cfg ReplayConfig, log zerolog.Logger) (*Replay, error) {
	if store == nil {
		return nil, fmt.Errorf("replay feed: nil candle store")
	}
	if cfg.TF == "" {
		cfg.TF = model.TF1m
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 5000
	}
	if cfg.InstrumentKey == nil {
		cfg.InstrumentKey = func(symbol string) string { return symbol }
	}
	return &Replay{store: store, cfg: cfg, log: log}, nil
}

// Subscribe selects the symbols to replay.
func (f *Replay) Subscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append([]string(nil), symbols...)
}

// Run loads the stored bars, streams them as ticks and returns once the
// tape is exhausted or ctx is cancelled. Sends block so nothing recorded
// is ever skipped.
func (f *Replay) Run(ctx context.Context, out chan<- model.Tick) error {
	f.mu.Lock()
	symbols := append([]string(nil), f.symbols...)
	f.mu.Unlock()

	var ticks []model.Tick
	for _, sym := range symbols {
		bars, err := f.store.LoadCandles(ctx, sym, f.cfg.InstrumentKey(sym), f.cfg.TF, f.cfg.Limit)
		if err != nil {
			return fmt.Errorf("replay load %s: %w", sym, err)
		}
		if len(bars) == 0 {
			f.log.Warn().Str("symbol", sym).Msg("no stored bars to replay")
			continue
		}
		ticks = append(ticks, expandBars(bars, f.cfg.TF)...)
	}
	if len(ticks) == 0 {
		return fmt.Errorf("replay: no bars found for %v", symbols)
	}

	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].TS.Before(ticks[j].TS) })
	f.log.Info().Int("ticks", len(ticks)).Int("symbols", len(symbols)).
		Float64("speed", f.cfg.Speed).Msg("replay starting")

	var prev time.Time
	for _, tk := range ticks {
		pace := minReplayPace
		if f.cfg.Speed > 0 && !prev.IsZero() {
			if gap := tk.TS.Sub(prev); gap > 0 {
				pace = time.Duration(float64(gap) / f.cfg.Speed)
				if pace > 5*time.Second {
					pace = 5 * time.Second
				}
			}
		}
		prev = tk.TS

		if err := sleepCtx(ctx, pace); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- tk:
		}
	}

	f.log.Info().Int("ticks", len(ticks)).Msg("replay complete")
	if f.OnComplete != nil {
		f.OnComplete()
	}
	return nil
}

// expandBars turns each bar into an open, high, low, close tick quarter
// spaced inside the bar's bucket. The bar's volume rides on the close
// tick so aggregation reproduces it exactly.
func expandBars(bars []model.Bar, tf model.Timeframe) []model.Tick {
	quarter := tf.Duration() / 4
	ticks := make([]model.Tick, 0, len(bars)*4)
	for _, b := range bars {
		ticks = append(ticks,
			model.Tick{Symbol: b.Symbol, Price: b.Open, TS: b.TS},
			model.Tick{Symbol: b.Symbol, Price: b.High, TS: b.TS.Add(quarter)},
			model.Tick{Symbol: b.Symbol, Price: b.Low, TS: b.TS.Add(2 * quarter)},
			model.Tick{Symbol: b.Symbol, Price: b.Close, Volume: b.Volume, TS: b.TS.Add(3 * quarter)},
		)
	}
	return ticks
}
