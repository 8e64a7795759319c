// Package indicator provides the technical calculations behind signal
// generation: dual EMA state with ATR, snapshot RSI, the Central Pivot
// Range, and VWAP. All functions operate on chronological bar slices
// (oldest first).
package indicator

import (
	"math"
	"time"

	"algoengine/internal/model"
)

// EMAState tracks the short and long EMA for one (symbol, timeframe)
// stream. Nil values mean unseeded. PrevShort and PrevLong hold the values
// from before the most recent update so crossovers can be detected.
type EMAState struct {
	Symbol      string
	Timeframe   model.Timeframe
	ShortPeriod int
	LongPeriod  int

	Short     *float64
	Long      *float64
	PrevShort *float64
	PrevLong  *float64

	// ATR is a simple average of true ranges over the seed window.
	ATR *float64

	LastTS time.Time
}

// NewEMAState creates an unseeded EMA state.
func NewEMAState(symbol string, tf model.Timeframe, shortPeriod, longPeriod int) *EMAState {
	return &EMAState{
		Symbol:      symbol,
		Timeframe:   tf,
		ShortPeriod: shortPeriod,
		LongPeriod:  longPeriod,
	}
}

// SeedFromBars initializes both EMAs and the ATR from historical bars.
// The seed is the SMA of the trailing period closes (or the last close when
// history is shorter than the period), then a second pass smooths the seed
// over the entire series. No-op on an empty slice.
func (s *EMAState) SeedFromBars(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	if len(bars) > 1 {
		prevClose := bars[0].Close
		var sum float64
		n := 0
		for _, b := range bars[1:] {
			tr := math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
			sum += tr
			n++
			prevClose = b.Close
		}
		if n > 0 {
			atr := sum / float64(n)
			s.ATR = &atr
		}
	}

	short := seedValue(closes, s.ShortPeriod)
	long := seedValue(closes, s.LongPeriod)
	for _, price := range closes {
		short = emaStep(price, short, s.ShortPeriod)
		long = emaStep(price, long, s.LongPeriod)
	}
	s.Short = &short
	s.Long = &long
	s.LastTS = bars[len(bars)-1].TS
}

// UpdateWithClose advances both EMAs by one closed bar. The previous values
// are captured first. An unseeded EMA starts at the close itself.
func (s *EMAState) UpdateWithClose(close float64, ts time.Time) {
	s.PrevShort = s.Short
	s.PrevLong = s.Long

	if s.Short == nil {
		v := close
		s.Short = &v
	} else {
		v := emaStep(close, *s.Short, s.ShortPeriod)
		s.Short = &v
	}

	if s.Long == nil {
		v := close
		s.Long = &v
	} else {
		v := emaStep(close, *s.Long, s.LongPeriod)
		s.Long = &v
	}

	s.LastTS = ts
}

// Ready reports whether both current and previous EMA values exist, the
// minimum needed for crossover detection.
func (s *EMAState) Ready() bool {
	return s.Short != nil && s.Long != nil && s.PrevShort != nil && s.PrevLong != nil
}

func seedValue(closes []float64, period int) float64 {
	if len(closes) >= period {
		var sum float64
		for _, c := range closes[len(closes)-period:] {
			sum += c
		}
		return sum / float64(period)
	}
	return closes[len(closes)-1]
}

func emaStep(price, prev float64, period int) float64 {
	alpha := 2.0 / float64(period+1)
	return alpha*price + (1-alpha)*prev
}
