package indicator

import "algoengine/internal/model"

// VWAP computes a volume-weighted average of typical prices over the last
// window bars, counting only bars that traded volume. validBars is how many
// bars contributed; ok is false when no volume was seen, in which case the
// value is meaningless.
func VWAP(bars []model.Bar, window int) (vwap float64, validBars int, ok bool) {
	if len(bars) > window {
		bars = bars[len(bars)-window:]
	}
	var pvSum, volSum float64
	for _, b := range bars {
		if b.Volume > 0 {
			typical := (b.High + b.Low + b.Close) / 3.0
			pvSum += typical * float64(b.Volume)
			volSum += float64(b.Volume)
			validBars++
		}
	}
	if volSum == 0 {
		return 0, validBars, false
	}
	return pvSum / volSum, validBars, true
}
