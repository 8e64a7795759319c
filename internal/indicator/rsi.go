package indicator

// RSISnapshot computes a backward-looking RSI over the last period changes
// of closes. Gains and losses are simple averages of that window. ok is
// false when fewer than period+1 closes are available. A window with no
// losses returns 100.
func RSISnapshot(closes []float64, period int) (rsi float64, ok bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[len(closes)-i] - closes[len(closes)-i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0, true
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs)), true
}

// RSISeries returns the snapshot RSI for every prefix of closes long enough
// to produce one, oldest first. Empty when closes has fewer than period+1
// values. Two consecutive entries give the slope used by confirmation.
func RSISeries(closes []float64, period int) []float64 {
	if len(closes) < period+1 {
		return nil
	}
	out := make([]float64, 0, len(closes)-period)
	for i := period + 1; i <= len(closes); i++ {
		v, _ := RSISnapshot(closes[:i], period)
		out = append(out, v)
	}
	return out
}
