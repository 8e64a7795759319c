package strategy

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"algoengine/internal/indicator"
	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// ConfirmationResult is the outcome of the adaptive confirmation stack.
// Reasons list every filter that spoke, pass or fail; Scores carry the
// measured values behind them.
type ConfirmationResult struct {
	Confirmed       bool               `json:"confirmed"`
	Reasons         []string           `json:"reasons"`
	Scores          map[string]float64 `json:"scores"`
	RSI             *float64           `json:"rsi"`
	CPR             *indicator.CPR     `json:"cpr"`
	ActiveFilters   int                `json:"active_filters"`
	RequiredFilters int                `json:"required_filters"`
}

// ConfirmSignal runs the progressive filter stack over recent bars for a
// raw crossover signal.
//
// Morning (09:15-10:30) requires a virgin CPR break plus price action and
// four active filters; afternoon (14:30-15:15) drops CPR and requires
// three; mid-day rejects outright. Options (symbol containing CE/PE) get a
// relaxed volume threshold and may skip volume and VWAP checks when the
// contract trades without volume data. All applicable filters run and
// accumulate reasons; there is no early return past the mid-day gate.
func ConfirmSignal(side string, recentBars []model.Bar, dailyRef *model.DailyRef, symbol, timeWindow string, log zerolog.Logger) ConfirmationResult {
	reasons := []string{}
	scores := map[string]float64{}
	confirmed := true

	if timeWindow == markethours.WindowMidday {
		return ConfirmationResult{
			Confirmed: false,
			Reasons:   []string{"Mid-day skip"},
			Scores:    scores,
		}
	}

	closes := make([]float64, len(recentBars))
	for i, b := range recentBars {
		closes[i] = b.Close
	}

	// Morning: virgin CPR break required.
	var cpr *indicator.CPR
	if timeWindow == markethours.WindowMorning {
		if dailyRef != nil {
			c := indicator.ComputeCPR(dailyRef.High, dailyRef.Low, dailyRef.Close)
			cpr = &c
			scores["P"] = c.Pivot
			scores["BC"] = c.BC
			scores["TC"] = c.TC
			log.Debug().
				Str("symbol", symbol).
				Str("width", indicator.ClassifyCPRWidth(dailyRef.High, dailyRef.Low, dailyRef.Close)).
				Msg("previous day CPR computed")

			if !virginCPRBreak(side, recentBars, c) {
				confirmed = false
				reasons = append(reasons, "CPR break not virgin (level touched recently)")
			}
		} else {
			reasons = append(reasons, "Missing previous day data for CPR")
			confirmed = false
		}
	}

	// Price action: required in both morning and afternoon windows.
	paConfirmed := false
	if len(recentBars) >= 2 {
		prevBar := recentBars[len(recentBars)-2]
		curBar := recentBars[len(recentBars)-1]
		scores["body_pct"] = analyzeCandle(curBar).bodyPct
		if side == model.SideBuy {
			engulfOK := isBullishEngulf(prevBar, curBar)
			hammerOK := isHammer(curBar)
			threeGreenOK := isThreeGreenCandles(recentBars)
			if engulfOK || hammerOK || threeGreenOK {
				paConfirmed = true
				reasons = append(reasons, "Valid LONG PA: "+pickPattern(engulfOK, "engulf", hammerOK, "hammer", "3 green"))
			} else {
				confirmed = false
				reasons = append(reasons, "No valid LONG PA pattern")
			}
		} else {
			engulfOK := isBearishEngulf(prevBar, curBar)
			shootingOK := isShootingStar(curBar)
			threeRedOK := isThreeRedCandles(recentBars)
			if engulfOK || shootingOK || threeRedOK {
				paConfirmed = true
				reasons = append(reasons, "Valid SHORT PA: "+pickPattern(engulfOK, "engulf", shootingOK, "shooting", "3 red"))
			} else {
				confirmed = false
				reasons = append(reasons, "No valid SHORT PA pattern")
			}
		}
	} else {
		confirmed = false
		reasons = append(reasons, "Insufficient bars for price action analysis")
	}

	// RSI(7) slope.
	rsiSeries := indicator.RSISeries(closes, 7)
	if len(rsiSeries) >= 2 {
		currentRSI := rsiSeries[len(rsiSeries)-1]
		prevRSI := rsiSeries[len(rsiSeries)-2]
		rsiSlope := currentRSI - prevRSI
		scores["rsi_7"] = currentRSI
		scores["rsi_slope"] = rsiSlope

		if side == model.SideBuy && rsiSlope <= 0 {
			confirmed = false
			reasons = append(reasons, fmt.Sprintf("RSI(7) not sloping up: %.2f", rsiSlope))
		} else if side == model.SideSell && rsiSlope >= 0 {
			confirmed = false
			reasons = append(reasons, fmt.Sprintf("RSI(7) not sloping down: %.2f", rsiSlope))
		}
	} else {
		confirmed = false
		reasons = append(reasons, "Insufficient data for RSI(7) slope")
	}

	// Volume: futures need real volume, options trade on tick volume and a
	// softer threshold.
	isOption := isOptionSymbol(symbol)
	if len(recentBars) >= 10 {
		window := recentBars[len(recentBars)-10:]
		var volSum int64
		for _, b := range window {
			volSum += b.Volume
		}
		avgVolume := float64(volSum) / float64(len(window))
		currentVolume := float64(recentBars[len(recentBars)-1].Volume)

		if isOption && currentVolume == 0 {
			scores["volume_ratio"] = 0.0
			reasons = append(reasons, "Volume check skipped for options (zero volume)")
		} else {
			volumeRatio := 0.0
			if avgVolume > 0 {
				volumeRatio = currentVolume / avgVolume
			}
			scores["volume_ratio"] = volumeRatio

			threshold := volumeThreshold(isOption)
			if volumeRatio < threshold {
				confirmed = false
				kind := "futures"
				if isOption {
					kind = "options"
				}
				reasons = append(reasons, fmt.Sprintf("Volume below %gx average: %.2fx (%s)", threshold, volumeRatio, kind))
			}
		}
	} else {
		confirmed = false
		reasons = append(reasons, "Insufficient bars for volume analysis")
	}

	// VWAP over the last 20 bars with volume.
	if len(recentBars) >= 5 {
		vwap, validBars, ok := indicator.VWAP(recentBars, 20)
		if validBars >= 5 {
			if ok {
				scores["vwap"] = vwap
				currentPrice := recentBars[len(recentBars)-1].Close
				if side == model.SideBuy && currentPrice <= vwap {
					confirmed = false
					reasons = append(reasons, fmt.Sprintf("Price below VWAP for LONG: %.2f <= %.2f", currentPrice, vwap))
				} else if side == model.SideSell && currentPrice >= vwap {
					confirmed = false
					reasons = append(reasons, fmt.Sprintf("Price above VWAP for SHORT: %.2f >= %.2f", currentPrice, vwap))
				}
			} else if !isOption {
				confirmed = false
				reasons = append(reasons, "Unable to calculate VWAP")
			} else {
				reasons = append(reasons, "VWAP skipped for options (insufficient volume data)")
			}
		} else if !isOption {
			confirmed = false
			reasons = append(reasons, "Insufficient bars with volume for VWAP")
		} else {
			reasons = append(reasons, "VWAP skipped for options (insufficient volume data)")
		}
	} else {
		confirmed = false
		reasons = append(reasons, "Insufficient bars for VWAP analysis")
	}

	// Adaptive filter count for the current window.
	activeFilters := countActiveFilters(side, scores, recentBars, symbol)
	requiredFilters := requiredFiltersFor(timeWindow)
	if activeFilters < requiredFilters {
		confirmed = false
		reasons = append(reasons, fmt.Sprintf("Insufficient active filters: %d/%d required for %s", activeFilters, requiredFilters, timeWindow))
	}

	res := ConfirmationResult{
		Confirmed:       confirmed && paConfirmed,
		Reasons:         reasons,
		Scores:          scores,
		ActiveFilters:   activeFilters,
		RequiredFilters: requiredFilters,
	}
	if len(rsiSeries) > 0 {
		v := rsiSeries[len(rsiSeries)-1]
		res.RSI = &v
	}
	if timeWindow == markethours.WindowMorning {
		res.CPR = cpr
	}
	log.Debug().
		Bool("confirmed", res.Confirmed).
		Strs("reasons", res.Reasons).
		Int("active", res.ActiveFilters).
		Int("required", res.RequiredFilters).
		Msg("confirmation result")
	return res
}

// virginCPRBreak reports whether the latest close breaks the CPR level for
// the given side and the level went untouched in the ten bars before the
// current one. Fewer than ten bars can never be virgin.
func virginCPRBreak(side string, recentBars []model.Bar, cpr indicator.CPR) bool {
	if len(recentBars) < 10 {
		return false
	}

	level := cpr.TC
	if side == model.SideSell {
		level = cpr.BC
	}

	start := len(recentBars) - 11
	if start < 0 {
		start = 0
	}
	touchedRecently := false
	for _, b := range recentBars[start : len(recentBars)-1] {
		if b.High >= level && level >= b.Low {
			touchedRecently = true
			break
		}
	}

	last := recentBars[len(recentBars)-1]
	currentBreak := last.Close > cpr.TC
	if side == model.SideSell {
		currentBreak = last.Close < cpr.BC
	}
	return currentBreak && !touchedRecently
}

// countActiveFilters counts the technical filters currently aligned with
// the signal side. Alignment is strict: a flat RSI slope or price exactly
// at VWAP does not count.
func countActiveFilters(side string, scores map[string]float64, recentBars []model.Bar, symbol string) int {
	count := 0

	if slope, ok := scores["rsi_slope"]; ok {
		if side == model.SideBuy && slope > 0 {
			count++
		} else if side == model.SideSell && slope < 0 {
			count++
		}
	}

	if ratio, ok := scores["volume_ratio"]; ok {
		if ratio >= volumeThreshold(isOptionSymbol(symbol)) {
			count++
		}
	}

	if vwap, ok := scores["vwap"]; ok && len(recentBars) > 0 {
		currentPrice := recentBars[len(recentBars)-1].Close
		if side == model.SideBuy && currentPrice > vwap {
			count++
		} else if side == model.SideSell && currentPrice < vwap {
			count++
		}
	}

	return count
}

// requiredFiltersFor returns the minimum active filter count per window.
func requiredFiltersFor(timeWindow string) int {
	switch timeWindow {
	case markethours.WindowMorning:
		return 4
	case markethours.WindowAfternoon:
		return 3
	default:
		return 2
	}
}

func volumeThreshold(isOption bool) float64 {
	if isOption {
		return 1.2
	}
	return 1.7
}

func isOptionSymbol(symbol string) bool {
	up := strings.ToUpper(symbol)
	return strings.Contains(up, "CE") || strings.Contains(up, "PE")
}

func pickPattern(first bool, firstName string, second bool, secondName, thirdName string) string {
	if first {
		return firstName
	}
	if second {
		return secondName
	}
	return thirdName
}
