package model

import (
	"encoding/json"
	"time"
)

// Bar is one closed OHLCV bucket for a (symbol, timeframe) pair. TS is the
// bucket start in exchange-local time.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	TS        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Key returns "symbol:timeframe" for map indexing.
func (b *Bar) Key() string {
	return b.Symbol + ":" + string(b.Timeframe)
}

// JSON returns the encoded bar (errors ignored for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// DailyRef is the previous trading day's OHLC reference used for CPR. A nil
// *DailyRef means the reference is unavailable.
type DailyRef struct {
	High  float64 `json:"prev_high"`
	Low   float64 `json:"prev_low"`
	Close float64 `json:"prev_close"`
}
