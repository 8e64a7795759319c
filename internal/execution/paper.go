package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/model"
)

// PaperExecutor fills signals immediately at the signal price plus simulated
// slippage. It implements model.OrderExecutor. Journal failures degrade to a
// log line; the fill itself always succeeds for a valid signal.
type PaperExecutor struct {
	slippageBps float64
	journal     Journal
	log         zerolog.Logger
	now         func() time.Time

	// OnFill, when set before the first signal, observes every fill.
	OnFill func(Fill)

	mu    sync.RWMutex
	fills []Fill
}

// NewPaperExecutor builds the paper executor. slippageBps is applied against
// the trade (buys fill higher, sells lower, option premiums higher).
func NewPaperExecutor(slippageBps float64, journal Journal) *PaperExecutor {
	return &PaperExecutor{
		slippageBps: slippageBps,
		journal:     journal,
		log:         logger.New("paper"),
		now:         time.Now,
		fills:       make([]Fill, 0, 256),
	}
}

// Fills returns a snapshot of all fills, oldest first.
func (p *PaperExecutor) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// HandleSignal simulates an underlying fill.
func (p *PaperExecutor) HandleSignal(ctx context.Context, sig model.Signal) error {
	if sig.Size <= 0 {
		return fmt.Errorf("paper: non-positive size %d for %s", sig.Size, sig.Symbol)
	}
	if sig.Price <= 0 {
		return fmt.Errorf("paper: non-positive price %.2f for %s", sig.Price, sig.Symbol)
	}

	slip := sig.Price * p.slippageBps / 10000
	fillPrice := sig.Price
	if sig.Side == model.SideBuy {
		fillPrice += slip
	} else {
		fillPrice -= slip
	}

	fill := Fill{
		OrderID:   uuid.NewString(),
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		FillPrice: fillPrice,
		Qty:       sig.Size,
		Slippage:  slip,
		FilledAt:  p.now(),
	}
	p.record(fill)

	p.log.Info().
		Str("order_id", fill.OrderID).
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Float64("fill_price", fillPrice).
		Int("qty", sig.Size).
		Msg("paper fill")

	if p.journal != nil {
		if err := p.journal.RecordTrade(ctx, fill.OrderID, sig, StatusFilled, fill.FilledAt); err != nil {
			p.log.Warn().Err(err).Str("order_id", fill.OrderID).Msg("trade journal write failed")
		}
	}
	return nil
}

// HandleOptionSignal simulates buying the selected contract. Long premium
// always pays the ask, so slippage raises the fill for both kinds.
func (p *PaperExecutor) HandleOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	if sig.SuggestedLots <= 0 {
		return fmt.Errorf("paper: non-positive lots %d for %s", sig.SuggestedLots, sig.ContractSymbol)
	}
	if sig.PremiumLTP <= 0 {
		return fmt.Errorf("paper: non-positive premium %.2f for %s", sig.PremiumLTP, sig.ContractSymbol)
	}

	slip := sig.PremiumLTP * p.slippageBps / 10000
	fill := Fill{
		OrderID:   uuid.NewString(),
		Symbol:    sig.ContractSymbol,
		Side:      model.SideBuy,
		FillPrice: sig.PremiumLTP + slip,
		Qty:       sig.SuggestedLots,
		Slippage:  slip,
		Option:    true,
		FilledAt:  p.now(),
	}
	p.record(fill)

	p.log.Info().
		Str("order_id", fill.OrderID).
		Str("contract", sig.ContractSymbol).
		Str("underlying_side", sig.UnderlyingSide).
		Float64("fill_premium", fill.FillPrice).
		Int("lots", sig.SuggestedLots).
		Msg("paper option fill")

	if p.journal != nil {
		if err := p.journal.RecordOptionTrade(ctx, fill.OrderID, sig, StatusFilled, fill.FilledAt); err != nil {
			p.log.Warn().Err(err).Str("order_id", fill.OrderID).Msg("option trade journal write failed")
		}
	}
	return nil
}

func (p *PaperExecutor) record(fill Fill) {
	p.mu.Lock()
	p.fills = append(p.fills, fill)
	p.mu.Unlock()
	if p.OnFill != nil {
		p.OnFill(fill)
	}
}
