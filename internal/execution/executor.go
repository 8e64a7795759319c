// Package execution simulates order placement for generated signals. Live
// broker order routing is deliberately absent: every accepted signal
// terminates in a paper fill that is journaled to the store.
package execution

import (
	"context"
	"time"

	"algoengine/internal/model"
)

// StatusFilled is the journal status for simulated fills.
const StatusFilled = "FILLED"

// Journal persists executed signals. The SQLite store satisfies it; a nil
// Journal disables persistence.
type Journal interface {
	RecordTrade(ctx context.Context, id string, sig model.Signal, status string, createdAt time.Time) error
	RecordOptionTrade(ctx context.Context, id string, sig model.OptionSignal, status string, createdAt time.Time) error
}

// Fill is one simulated execution.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	FillPrice float64   `json:"fill_price"`
	Qty       int       `json:"qty"`
	Slippage  float64   `json:"slippage"`
	Option    bool      `json:"option"`
	FilledAt  time.Time `json:"filled_at"`
}
