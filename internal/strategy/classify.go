package strategy

import (
	"strings"

	"algoengine/internal/indicator"
)

// IsIndex reports whether the instrument key names an index rather than a
// tradable stock or future.
func IsIndex(instrumentKey string) bool {
	return strings.HasPrefix(instrumentKey, "NSE_INDEX")
}

// HighVolatility reports whether the seed ATR exceeds 2% of the close.
// Indexes are never flagged; they route to options on the index check
// alone.
func HighVolatility(ema *indicator.EMAState, barClose float64, isIndex bool) bool {
	if isIndex {
		return false
	}
	if ema == nil || ema.ATR == nil {
		return false
	}
	return *ema.ATR > 0.02*barClose
}

// TradeUnderlying reports whether the underlying itself should be traded.
// Indexes cannot be, and high-volatility names are routed to options
// instead.
func TradeUnderlying(isIndex, highVol bool) bool {
	return !isIndex && !highVol
}
