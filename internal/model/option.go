package model

import "time"

// Option contract kinds.
const (
	KindCall = "CALL"
	KindPut  = "PUT"
)

// OptionContract is one strike from a chain snapshot. OIPrev carries the
// open interest seen in the previous snapshot of the same contract symbol
// (nil on the first sighting) so OI change can be scored.
type OptionContract struct {
	Symbol        string    `json:"symbol"`
	TradingSymbol string    `json:"trading_symbol,omitempty"`
	Strike        int       `json:"strike"`
	Kind          string    `json:"kind"`
	Expiry        time.Time `json:"expiry"`
	OI            int64     `json:"oi"`
	OIPrev        *int64    `json:"oi_prev,omitempty"`
	IV            float64   `json:"iv"`
	LTP           float64   `json:"ltp"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Delta         *float64  `json:"delta,omitempty"`
	Gamma         *float64  `json:"gamma,omitempty"`
	Theta         *float64  `json:"theta,omitempty"`
	Vega          *float64  `json:"vega,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OIChange returns oi - oi_prev, or nil without a prior snapshot.
func (c *OptionContract) OIChange() *int64 {
	if c.OIPrev == nil {
		return nil
	}
	d := c.OI - *c.OIPrev
	return &d
}

// Spread is the quoted bid/ask width, floored at zero.
func (c *OptionContract) Spread() float64 {
	if s := c.Ask - c.Bid; s > 0 {
		return s
	}
	return 0
}

// Mid is the quote midpoint, falling back to LTP when either side is empty.
func (c *OptionContract) Mid() float64 {
	if c.Ask != 0 && c.Bid != 0 {
		return (c.Ask + c.Bid) / 2
	}
	return c.LTP
}

// SpreadPct is spread relative to mid; zero when mid is unavailable.
func (c *OptionContract) SpreadPct() float64 {
	m := c.Mid()
	if m == 0 {
		return 0
	}
	return c.Spread() / m
}

// RankedStrike is a scored chain candidate.
type RankedStrike struct {
	Contract           OptionContract     `json:"contract"`
	Score              float64            `json:"score"`
	Components         map[string]float64 `json:"components"`
	DistanceFromATM    int                `json:"distance_from_atm"`
	EffectiveSpreadPct float64            `json:"effective_spread_pct"`
}
