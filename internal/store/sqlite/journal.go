package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// TradeRow is a journaled underlying trade.
type TradeRow struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Size       int       `json:"size"`
	StopLoss   float64   `json:"stop_loss"`
	Target     float64   `json:"target"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// OptionTradeRow is a journaled option trade.
type OptionTradeRow struct {
	ID              string    `json:"id"`
	ContractSymbol  string    `json:"contract_symbol"`
	UnderlyingSide  string    `json:"underlying_side"`
	Strike          int       `json:"strike"`
	Kind            string    `json:"kind"`
	PremiumLTP      float64   `json:"premium_ltp"`
	SizeLots        int       `json:"size_lots"`
	StopLossPremium float64   `json:"stop_loss_premium"`
	TargetPremium   float64   `json:"target_premium"`
	Reasoning       []string  `json:"reasoning"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordTrade journals an executed underlying signal.
func (s *Store) RecordTrade(ctx context.Context, id string, sig model.Signal, status string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, timeframe, side, entry_price, size, stop_loss, target, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, sig.Symbol, string(sig.Timeframe), sig.Side, sig.Price, sig.Size, sig.StopLoss, sig.Target, status, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert trade: %w", err)
	}
	return nil
}

// RecordOptionTrade journals an executed option signal.
func (s *Store) RecordOptionTrade(ctx context.Context, id string, sig model.OptionSignal, status string, createdAt time.Time) error {
	reasoning, _ := json.Marshal(sig.Reasoning)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO option_trades (id, contract_symbol, underlying_side, strike, kind, premium_ltp, size_lots, stop_loss_premium, target_premium, reasoning, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, sig.ContractSymbol, sig.UnderlyingSide, sig.Strike, sig.Kind, sig.PremiumLTP, sig.SuggestedLots,
		sig.StopLossPremium, sig.TargetPremium, string(reasoning), status, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert option trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest limit trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, side, entry_price, size, stop_loss, target, status, created_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		var ts int64
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Timeframe, &t.Side, &t.EntryPrice, &t.Size, &t.StopLoss, &t.Target, &t.Status, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		t.CreatedAt = time.Unix(ts, 0).In(markethours.IST)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentOptionTrades returns the newest limit option trades, newest first.
func (s *Store) RecentOptionTrades(ctx context.Context, limit int) ([]OptionTradeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_symbol, underlying_side, strike, kind, premium_ltp, size_lots, stop_loss_premium, target_premium, reasoning, status, created_at
		FROM option_trades
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query option trades: %w", err)
	}
	defer rows.Close()

	var out []OptionTradeRow
	for rows.Next() {
		var t OptionTradeRow
		var ts int64
		var reasoning string
		if err := rows.Scan(&t.ID, &t.ContractSymbol, &t.UnderlyingSide, &t.Strike, &t.Kind, &t.PremiumLTP, &t.SizeLots,
			&t.StopLossPremium, &t.TargetPremium, &reasoning, &t.Status, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan option trade: %w", err)
		}
		if reasoning != "" {
			json.Unmarshal([]byte(reasoning), &t.Reasoning)
		}
		t.CreatedAt = time.Unix(ts, 0).In(markethours.IST)
		out = append(out, t)
	}
	return out, rows.Err()
}
