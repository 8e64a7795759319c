package strategy

import (
	"math"

	"algoengine/internal/model"
)

// candleShape describes one bar's body and wick proportions relative to its
// range. The range floor avoids division by zero on flat bars.
type candleShape struct {
	rng          float64
	bodyPct      float64
	bullish      bool
	bearish      bool
	upperWickPct float64
	lowerWickPct float64
}

func analyzeCandle(b model.Bar) candleShape {
	rng := math.Max(b.High-b.Low, 1e-9)
	body := math.Abs(b.Close - b.Open)
	upperWick := b.High - math.Max(b.Open, b.Close)
	lowerWick := math.Min(b.Open, b.Close) - b.Low
	return candleShape{
		rng:          rng,
		bodyPct:      body / rng,
		bullish:      b.Close > b.Open,
		bearish:      b.Close < b.Open,
		upperWickPct: upperWick / rng,
		lowerWickPct: lowerWick / rng,
	}
}

func isBullishEngulf(prev, cur model.Bar) bool {
	return cur.Close > cur.Open &&
		prev.Close < prev.Open &&
		cur.Close >= prev.Open &&
		cur.Open <= prev.Close
}

func isBearishEngulf(prev, cur model.Bar) bool {
	return cur.Close < cur.Open &&
		prev.Close > prev.Open &&
		cur.Open >= prev.Close &&
		cur.Close <= prev.Open
}

func isHammer(b model.Bar) bool {
	pa := analyzeCandle(b)
	return pa.bullish &&
		pa.lowerWickPct >= 1.5*pa.bodyPct &&
		pa.upperWickPct <= 0.1
}

func isShootingStar(b model.Bar) bool {
	pa := analyzeCandle(b)
	return pa.bearish &&
		pa.upperWickPct >= 1.5*pa.bodyPct &&
		pa.lowerWickPct <= 0.1
}

func isThreeGreenCandles(bars []model.Bar) bool {
	if len(bars) < 3 {
		return false
	}
	for _, b := range bars[len(bars)-3:] {
		if b.Close <= b.Open {
			return false
		}
	}
	return true
}

func isThreeRedCandles(bars []model.Bar) bool {
	if len(bars) < 3 {
		return false
	}
	for _, b := range bars[len(bars)-3:] {
		if b.Close >= b.Open {
			return false
		}
	}
	return true
}
