package model

import (
	"strconv"
	"strings"
	"time"
)

// Tick is a single trade print from a market data feed. Prices stay float64:
// indicator math (EMA seeding, VWAP, RSI) must reproduce reference values
// exactly and integer paise would round them.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume int64     `json:"volume"`
	TS     time.Time `json:"ts"`
}

// ParseTimestamp decodes a feed timestamp: digits are epoch milliseconds,
// otherwise ISO-8601 (with or without offset; naive values are taken in loc).
// ok=false means the caller should substitute the current time and log it.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(strings.Trim(raw, `"`))
	if s == "" {
		return time.Time{}, false
	}
	if isDigits(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).In(loc), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
