package strategy

import (
	"algoengine/internal/indicator"
	"algoengine/internal/model"
)

// higherTimeframeTrendOK applies the confirm-timeframe trend filter: price
// must sit on the signal side of the higher timeframe's long EMA. The
// filter passes when no higher timeframe is configured or its EMA is not
// yet seeded (warmup grace).
func higherTimeframeTrendOK(side string, price float64, primaryTF, confirmTF model.Timeframe, emaConfirm *indicator.EMAState) bool {
	if confirmTF == primaryTF {
		return true
	}
	if emaConfirm == nil || emaConfirm.Long == nil {
		return true
	}
	trendEMA := *emaConfirm.Long
	if side == model.SideBuy {
		return price > trendEMA
	}
	return price < trendEMA
}
