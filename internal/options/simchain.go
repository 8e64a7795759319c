package options

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// SimSource generates synthetic option chains for development runs. The
// spot random-walks around a base price, open interest peaks at ATM and
// drifts upward between snapshots so OI-change confirmation has something
// to measure, and IV follows a shallow smile.
type SimSource struct {
	step   int
	spread int // strikes each side of ATM

	mu    sync.Mutex
	rng   *rand.Rand
	spots map[string]float64
	base  map[string]float64
	tick  map[string]int // snapshot counter per instrument, drives OI drift
}

// NewSimSource builds a simulator chain source. basePrice seeds the spot
// for every instrument; strikeStep spaces the strikes.
func NewSimSource(basePrice float64, strikeStep int) *SimSource {
	if basePrice <= 0 {
		basePrice = 22500
	}
	if strikeStep <= 0 {
		strikeStep = 50
	}
	return &SimSource{
		step:   strikeStep,
		spread: 6,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		spots:  map[string]float64{},
		base:   map[string]float64{},
		tick:   map[string]int{},
	}
}

// Chain returns a synthetic snapshot around the walked spot.
func (s *SimSource) Chain(_ context.Context, instrument string) ([]model.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spot := s.walk(instrument)
	s.tick[instrument]++
	n := s.tick[instrument]

	atm := int(spot/float64(s.step)+0.5) * s.step
	now := time.Now().In(markethours.IST)
	expiry := nextWeekday(now, time.Thursday)

	chain := make([]model.OptionContract, 0, (2*s.spread+1)*2)
	for i := -s.spread; i <= s.spread; i++ {
		strike := atm + i*s.step
		dist := math.Abs(float64(i))

		// OI concentrated at ATM, growing a little every snapshot.
		baseOI := 900000 * math.Exp(-dist*dist/8)
		growth := 1 + 0.004*float64(n) + 0.01*s.rng.Float64()
		iv := 12 + 0.35*dist*dist + s.rng.Float64()

		for _, kind := range []string{model.KindCall, model.KindPut} {
			intrinsic := spot - float64(strike)
			if kind == model.KindPut {
				intrinsic = float64(strike) - spot
			}
			if intrinsic < 0 {
				intrinsic = 0
			}
			timeValue := spot * 0.006 * math.Exp(-dist/3)
			ltp := intrinsic + timeValue
			if ltp < 0.05 {
				ltp = 0.05
			}
			half := ltp * 0.004

			delta := callDelta(i)
			if kind == model.KindPut {
				delta = delta - 1 // put delta is negative
			}

			c := model.OptionContract{
				Symbol:        contractSymbol("SIM"+NormalizeUnderlying(instrument), expiry, strike, optTypeFor(kind)),
				TradingSymbol: contractSymbol(NormalizeUnderlying(instrument), expiry, strike, optTypeFor(kind)),
				Strike:        strike,
				Kind:          kind,
				Expiry:        expiry,
				OI:            int64(baseOI * growth),
				IV:            iv,
				LTP:           round2(ltp),
				Bid:           round2(ltp - half),
				Ask:           round2(ltp + half),
				Delta:         &delta,
				Timestamp:     now,
			}
			chain = append(chain, c)
		}
	}
	return chain, nil
}

// Spot returns the walked underlying price.
func (s *SimSource) Spot(_ context.Context, instrument string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walk(instrument), nil
}

// walk advances the instrument's spot by up to ±0.05%. Callers hold s.mu.
func (s *SimSource) walk(instrument string) float64 {
	cur, ok := s.spots[instrument]
	if !ok {
		cur = s.baseFor(instrument)
	}
	cur *= 1 + (s.rng.Float64()-0.5)*0.001
	s.spots[instrument] = cur
	return cur
}

func (s *SimSource) baseFor(instrument string) float64 {
	if b, ok := s.base[instrument]; ok {
		return b
	}
	return 22500
}

// SeedSpot pins the starting spot for an instrument, overriding the
// default base price.
func (s *SimSource) SeedSpot(instrument string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price > 0 {
		s.base[instrument] = price
		delete(s.spots, instrument)
	}
}

// callDelta is a crude moneyness ramp: deep ITM calls approach 1, deep
// OTM approach 0.
func callDelta(strikeOffset int) float64 {
	d := 0.5 - 0.09*float64(strikeOffset)
	if d > 0.95 {
		return 0.95
	}
	if d < 0.05 {
		return 0.05
	}
	return d
}

func nextWeekday(t time.Time, wd time.Weekday) time.Time {
	d := (int(wd) - int(t.Weekday()) + 7) % 7
	day := t.AddDate(0, 0, d)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, markethours.IST)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
