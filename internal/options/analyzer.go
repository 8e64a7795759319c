package options

import (
	"math"
	"sort"

	"algoengine/internal/model"
)

// Selector modes. Origin "scalper" maps to ModeScalper, every other origin
// to ModeIntraday.
const (
	ModeScalper  = "scalper"
	ModeIntraday = "intraday"
)

// ChainMetrics summarizes a chain snapshot: put/call ratio on open
// interest, median and mean IV over quoted contracts, and the ATM IV skew
// (call minus put). An empty chain yields an empty map.
func ChainMetrics(chain []model.OptionContract) map[string]float64 {
	if len(chain) == 0 {
		return map[string]float64{}
	}

	var calls, puts []model.OptionContract
	var callOI, putOI int64
	for _, c := range chain {
		switch c.Kind {
		case model.KindCall:
			calls = append(calls, c)
			callOI += c.OI
		case model.KindPut:
			puts = append(puts, c)
			putOI += c.OI
		}
	}

	pcr := 0.0
	if callOI != 0 {
		pcr = float64(putOI) / float64(callOI)
	}

	var ivs []float64
	for _, c := range chain {
		if c.IV > 0 {
			ivs = append(ivs, c.IV)
		}
	}

	skew := 0.0
	callIV := approxATMIV(calls)
	putIV := approxATMIV(puts)
	if callIV != nil && putIV != nil {
		skew = *callIV - *putIV
	}

	return map[string]float64{
		"pcr":       pcr,
		"iv_median": median(ivs),
		"iv_mean":   mean(ivs),
		"iv_skew":   skew,
	}
}

// approxATMIV picks the contract nearest the middle of the strike ladder
// and returns its IV. Nil when there are no contracts.
func approxATMIV(contracts []model.OptionContract) *float64 {
	if len(contracts) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(contracts))
	var strikes []int
	for _, c := range contracts {
		if _, ok := seen[c.Strike]; !ok {
			seen[c.Strike] = struct{}{}
			strikes = append(strikes, c.Strike)
		}
	}
	sort.Ints(strikes)
	mid := strikes[len(strikes)/2]

	best := contracts[0]
	bestDist := abs(contracts[0].Strike - mid)
	for _, c := range contracts[1:] {
		if d := abs(c.Strike - mid); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return &best.IV
}

// RankStrikes scores the side-relevant half of the chain (calls for BUY,
// puts for SELL) and returns candidates in descending score order.
// Filters run first: strikes beyond the mode's ATM distance, below the OI
// percentile floor, or wider than the mode's spread limit never score.
func RankStrikes(chain []model.OptionContract, side string, spotPrice float64, mode string,
	minOIPercentile int, ivMedian float64, spreadLimitScalper, spreadLimitIntraday float64) []model.RankedStrike {
	if len(chain) == 0 {
		return nil
	}

	wantKind := model.KindCall
	if side == model.SideSell {
		wantKind = model.KindPut
	}
	var relevant []model.OptionContract
	for _, c := range chain {
		if c.Kind == wantKind {
			relevant = append(relevant, c)
		}
	}
	if len(relevant) == 0 {
		return nil
	}

	oiPercentile := func(val int64) float64 {
		rank := 0
		for _, c := range relevant {
			if c.OI <= val {
				rank++
			}
		}
		return float64(rank) / float64(len(relevant)) * 100.0
	}

	atmStrike := int(math.Round(spotPrice/50.0)) * 50
	maxDistance := 3
	spreadLimit := spreadLimitIntraday
	if mode == ModeScalper {
		maxDistance = 2
		spreadLimit = spreadLimitScalper
	}

	var ranked []model.RankedStrike
	for _, c := range relevant {
		distance := abs(c.Strike-atmStrike) / 50
		if distance > maxDistance {
			continue
		}
		pct := oiPercentile(c.OI)
		if pct < float64(minOIPercentile) {
			continue
		}
		spreadPct := c.SpreadPct()
		if spreadPct > spreadLimit {
			continue
		}

		comp := map[string]float64{
			"oi_rank":    pct / 100.0,
			"distance":   1.0 - float64(distance)/(float64(maxDistance)+0.001),
			"iv_quality": ivQuality(c.IV, ivMedian),
			"spread":     1.0 - math.Min(spreadPct/spreadLimit, 1.0),
		}

		comp["oi_change"] = 0.5
		if ch := c.OIChange(); ch != nil && *c.OIPrev != 0 {
			ratio := float64(*ch) / math.Max(float64(*c.OIPrev), 1)
			comp["oi_change"] = math.Max(ratio, 0.0)
		}

		// Prefer higher delta for calls on a BUY, higher |delta| for puts
		// on a SELL.
		deltaScore := 0.5
		if c.Delta != nil {
			if side == model.SideBuy && c.Kind == model.KindCall {
				deltaScore = math.Min(*c.Delta, 1.0)
			} else if side == model.SideSell && c.Kind == model.KindPut {
				deltaScore = math.Min(math.Abs(*c.Delta), 1.0)
			}
		}
		comp["delta_suitability"] = deltaScore

		score := comp["oi_rank"]*0.20 +
			comp["distance"]*0.10 +
			comp["iv_quality"]*0.20 +
			comp["spread"]*0.15 +
			comp["oi_change"]*0.15 +
			comp["delta_suitability"]*0.20

		ranked = append(ranked, model.RankedStrike{
			Contract:           c,
			Score:              score,
			Components:         comp,
			DistanceFromATM:    distance,
			EffectiveSpreadPct: spreadPct,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// ivQuality scores how close a contract's IV sits to the chain median.
func ivQuality(iv, ivMedian float64) float64 {
	if ivMedian <= 0 {
		return 0.5
	}
	deviation := math.Abs(iv-ivMedian) / ivMedian
	switch {
	case deviation < 0.05:
		return 1.0
	case deviation < 0.15:
		return 0.7
	case deviation < 0.30:
		return 0.4
	default:
		return 0.2
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
