package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// SimConfig tunes the synthetic tick generator.
type SimConfig struct {
	BasePrice  float64 // starting price per symbol, default 1000
	IntervalMS int     // emit interval, default 500
}

// Sim emits random-walk ticks for the subscribed symbols. Development
// only: it ignores market hours so the pipeline can be exercised at any
// time of day.
type Sim struct {
	cfg SimConfig
	log zerolog.Logger

	mu      sync.Mutex
	symbols []string

	rng *rand.Rand
}

// NewSim builds a simulator feed.
func NewSim(cfg SimConfig, log zerolog.Logger) *Sim {
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 1000
	}
	if cfg.IntervalMS <= 0 {
		cfg.IntervalMS = 500
	}
	return &Sim{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe replaces the emitted symbol set.
func (f *Sim) Subscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append([]string(nil), symbols...)
}

// Run emits one tick per symbol per interval until ctx is done.
func (f *Sim) Run(ctx context.Context, out chan<- model.Tick) error {
	f.mu.Lock()
	symbols := append([]string(nil), f.symbols...)
	f.mu.Unlock()

	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		// Spread the starting points so symbols don't move in lockstep.
		prices[s] = f.cfg.BasePrice * (0.9 + 0.2*f.rng.Float64())
	}
	f.log.Info().Int("symbols", len(symbols)).Int("interval_ms", f.cfg.IntervalMS).Msg("sim feed started")

	ticker := time.NewTicker(time.Duration(f.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().In(markethours.IST)
			for _, s := range symbols {
				prices[s] = walk(f.rng, prices[s])
				deliver(out, model.Tick{
					Symbol: s,
					Price:  prices[s],
					Volume: int64(f.rng.Intn(100) + 1),
					TS:     now,
				}, f.log)
			}
		}
	}
}

// walk applies a tiny random step (±0.1%).
func walk(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	return price * (1 + pct)
}
