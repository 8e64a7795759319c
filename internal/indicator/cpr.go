package indicator

// CPR holds the Central Pivot Range levels derived from the previous
// session's high, low, and close.
type CPR struct {
	Pivot float64
	BC    float64
	TC    float64
}

// ComputeCPR derives the pivot, bottom central, and top central levels.
func ComputeCPR(prevHigh, prevLow, prevClose float64) CPR {
	p := (prevHigh + prevLow + prevClose) / 3.0
	bc := (prevHigh + prevLow) / 2.0
	tc := (p - bc) + p
	return CPR{Pivot: p, BC: bc, TC: tc}
}

// ClassifyCPRWidth buckets the band width relative to the pivot. Narrow
// ranges tend to precede trending sessions, wide ones choppy sessions.
func ClassifyCPRWidth(prevHigh, prevLow, prevClose float64) string {
	cpr := ComputeCPR(prevHigh, prevLow, prevClose)
	width := cpr.TC - cpr.BC
	rel := 0.0
	if cpr.Pivot != 0 {
		rel = width / cpr.Pivot
	}
	switch {
	case rel < 0.0025:
		return "narrow"
	case rel < 0.005:
		return "normal"
	default:
		return "wide"
	}
}
