package model

import (
	"context"
	"time"
)

// ── Collaborator Port Interfaces ──
// Small interfaces decoupling the decision core from feeds, providers,
// storage, execution and notification. Implementations live under
// internal/feed, internal/store, internal/execution, internal/notification
// and pkg/smartconnect.

// TickSource streams ticks into out until ctx is cancelled. Subscribe must be
// called before Run; sources that reconnect re-subscribe on their own.
type TickSource interface {
	Subscribe(symbols []string)
	Run(ctx context.Context, out chan<- Tick) error
}

// HistoryProvider serves historical and same-day candles for warm seeding,
// confirmation context and opening-range reconstruction.
type HistoryProvider interface {
	FetchHistorical(ctx context.Context, instrument string, tf Timeframe, limit int) ([]Bar, error)
	FetchIntraday(ctx context.Context, instrument string, tf Timeframe) ([]Bar, error)
}

// ChainProvider serves option chain snapshots for one bound underlying.
type ChainProvider interface {
	SetInstrument(symbol string)
	Instrument() string
	FetchOptionChain(ctx context.Context) []OptionContract
	UnderlyingPrice(ctx context.Context) float64
}

// CandleStore persists bars and indicator state. Never required for
// in-memory decision correctness; callers degrade on error.
type CandleStore interface {
	LoadCandles(ctx context.Context, symbol, instrumentKey string, tf Timeframe, limit int) ([]Bar, error)
	PersistCandle(ctx context.Context, symbol, instrumentKey string, bar Bar) error
	PersistCandlesBulk(ctx context.Context, symbol, instrumentKey string, tf Timeframe, bars []Bar) error
	UpsertEMAState(ctx context.Context, symbol, instrumentKey string, tf Timeframe, period int, value float64, lastTS time.Time) error
	// TradeTimestamps returns created_at for all trades and option trades in
	// the given month, for the monthly per-window cap.
	TradeTimestamps(ctx context.Context, year int, month time.Month) ([]time.Time, error)
}

// OrderExecutor receives signals fire-and-forget; failures are logged by the
// implementation and never unwind the signal path.
type OrderExecutor interface {
	HandleSignal(ctx context.Context, sig Signal) error
	HandleOptionSignal(ctx context.Context, sig OptionSignal) error
}

// NotificationSink delivers signals best-effort.
type NotificationSink interface {
	NotifySignal(ctx context.Context, sig Signal) error
	NotifyOptionSignal(ctx context.Context, sig OptionSignal) error
}

// RiskSizer converts entry/stop into an underlying quantity.
type RiskSizer interface {
	CalcSize(entryPrice, stopLoss float64) int
}
