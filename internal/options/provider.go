package options

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/model"
)

// Source fetches raw chain snapshots and the underlying spot from a broker
// or simulator. Implementations return contracts without OIPrev populated;
// the Provider wires previous open interest from its own prior snapshot.
type Source interface {
	Chain(ctx context.Context, instrument string) ([]model.OptionContract, error)
	Spot(ctx context.Context, instrument string) (float64, error)
}

// Provider implements model.ChainProvider on top of a Source. It remembers
// the last good snapshot so a transient fetch failure degrades to slightly
// stale data instead of an empty chain, and it carries open interest
// between consecutive snapshots of the same contract so OIChange can be
// scored by the ranker and the opening-range OI confirmation.
type Provider struct {
	source Source
	log    zerolog.Logger

	mu         sync.Mutex
	instrument string
	last       []model.OptionContract
	lastOI     map[string]int64
	lastFetch  time.Time
}

// NewProvider builds a Provider over the given source.
func NewProvider(source Source, log zerolog.Logger) *Provider {
	return &Provider{
		source: source,
		log:    log,
		lastOI: map[string]int64{},
	}
}

// SetInstrument rebinds the provider to a new underlying. Switching clears
// the cached snapshot and OI history, which belong to the old chain.
func (p *Provider) SetInstrument(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if symbol == p.instrument {
		return
	}
	p.log.Debug().Str("from", p.instrument).Str("to", symbol).Msg("chain provider instrument rebound")
	p.instrument = symbol
	p.last = nil
	p.lastOI = map[string]int64{}
	p.lastFetch = time.Time{}
}

// Instrument returns the currently bound underlying.
func (p *Provider) Instrument() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instrument
}

// FetchOptionChain returns a fresh snapshot with OIPrev wired from the
// previous one. On fetch error the last snapshot is returned unchanged.
func (p *Provider) FetchOptionChain(ctx context.Context) []model.OptionContract {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instrument == "" {
		return p.last
	}

	chain, err := p.source.Chain(ctx, p.instrument)
	if err != nil {
		p.log.Warn().Err(err).Str("instrument", p.instrument).Msg("chain fetch failed, serving last snapshot")
		return p.last
	}

	oiNow := make(map[string]int64, len(chain))
	for i := range chain {
		if prev, ok := p.lastOI[chain[i].Symbol]; ok {
			v := prev
			chain[i].OIPrev = &v
		}
		oiNow[chain[i].Symbol] = chain[i].OI
	}

	p.last = chain
	p.lastOI = oiNow
	p.lastFetch = time.Now()
	return chain
}

// UnderlyingPrice returns the current spot, or 0 when no instrument is
// bound or the source errors.
func (p *Provider) UnderlyingPrice(ctx context.Context) float64 {
	p.mu.Lock()
	instrument := p.instrument
	p.mu.Unlock()
	if instrument == "" {
		return 0
	}

	spot, err := p.source.Spot(ctx, instrument)
	if err != nil {
		p.log.Debug().Err(err).Str("instrument", instrument).Msg("spot fetch failed")
		return 0
	}
	return spot
}

// LastFetch reports when the cached snapshot was taken. Zero before the
// first successful fetch.
func (p *Provider) LastFetch() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetch
}
