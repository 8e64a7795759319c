package model

import (
	"encoding/json"
	"time"
)

// Side of a trade signal.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Signal is an underlying entry proposal produced by a strategy.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe,omitempty"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      int       `json:"size"`
	StopLoss  float64   `json:"stop_loss"`
	Target    float64   `json:"target"`
}

// JSON returns the encoded signal (errors ignored for hot-path usage).
func (s *Signal) JSON() []byte {
	data, _ := json.Marshal(s)
	return data
}

// OptionSignal is a sized options-contract proposal derived from an
// underlying signal.
type OptionSignal struct {
	UnderlyingSymbol string             `json:"underlying_symbol"`
	UnderlyingSide   string             `json:"underlying_side"`
	ContractSymbol   string             `json:"contract_symbol"`
	TradingSymbol    string             `json:"trading_symbol,omitempty"`
	Strike           int                `json:"strike"`
	Kind             string             `json:"kind"`
	PremiumLTP       float64            `json:"premium_ltp"`
	SuggestedLots    int                `json:"suggested_size_lots"`
	StopLossPremium  float64            `json:"stop_loss_premium"`
	TargetPremium    float64            `json:"target_premium"`
	Metrics          map[string]float64 `json:"metrics_snapshot"`
	Reasoning        []string           `json:"reasoning"`
	Timestamp        time.Time          `json:"timestamp"`
}

// JSON returns the encoded option signal (errors ignored for hot-path usage).
func (s *OptionSignal) JSON() []byte {
	data, _ := json.Marshal(s)
	return data
}
