package options

import (
	"math"

	"algoengine/internal/model"
)

// Position is a sized option entry: lot count plus premium-level stop and
// target.
type Position struct {
	Lots   int
	Stop   float64
	Target float64
}

// PositionSize converts a contract premium into lots under a fixed risk
// cap. Stops and targets are percentage moves on the premium, tighter for
// the scalper mode. A premium at or below zero sizes to nothing.
func PositionSize(contract model.OptionContract, mode string, riskCap float64, lotSize int) Position {
	premium := contract.LTP
	if premium <= 0 {
		return Position{Lots: 0, Stop: premium, Target: premium}
	}

	targetMovePct, stopMovePct := 0.35, 0.20
	if mode == ModeScalper {
		targetMovePct, stopMovePct = 0.20, 0.12
	}
	target := premium * (1 + targetMovePct)
	stop := premium * (1 - stopMovePct)

	perLotRisk := (premium - stop) * float64(lotSize)
	if perLotRisk <= 0 {
		return Position{Lots: 0, Stop: stop, Target: target}
	}
	lots := int(math.Floor(riskCap / perLotRisk))
	if lots < 0 {
		lots = 0
	}
	return Position{Lots: lots, Stop: stop, Target: target}
}
