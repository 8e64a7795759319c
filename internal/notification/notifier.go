// Package notification delivers generated signals to external channels
// (webhook endpoints, Telegram). Delivery is best-effort: a failed sink is
// reported to the caller for logging but never blocks the signal path.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/model"
)

// Notifier fans a signal out to every configured sink. With no sinks it is a
// no-op, so callers can wire it unconditionally.
type Notifier struct {
	sinks []model.NotificationSink
	log   zerolog.Logger
}

// New builds a fan-out notifier over the given sinks.
func New(sinks ...model.NotificationSink) *Notifier {
	return &Notifier{
		sinks: sinks,
		log:   logger.New("notify"),
	}
}

// NotifySignal delivers an underlying signal to all sinks.
func (n *Notifier) NotifySignal(ctx context.Context, sig model.Signal) error {
	var failed int
	var first error
	for _, s := range n.sinks {
		if err := s.NotifySignal(ctx, sig); err != nil {
			failed++
			if first == nil {
				first = err
			}
			n.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal sink failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("notification: %d of %d sinks failed: %w", failed, len(n.sinks), first)
	}
	return nil
}

// NotifyOptionSignal delivers an option signal to all sinks.
func (n *Notifier) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	var failed int
	var first error
	for _, s := range n.sinks {
		if err := s.NotifyOptionSignal(ctx, sig); err != nil {
			failed++
			if first == nil {
				first = err
			}
			n.log.Warn().Err(err).Str("contract", sig.ContractSymbol).Msg("option signal sink failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("notification: %d of %d sinks failed: %w", failed, len(n.sinks), first)
	}
	return nil
}

// formatSignal renders a compact human-readable signal summary.
func formatSignal(sig model.Signal) (title, body string) {
	title = fmt.Sprintf("%s %s @ %.2f", sig.Side, sig.Symbol, sig.Price)
	body = fmt.Sprintf("size %d | SL %.2f | target %.2f", sig.Size, sig.StopLoss, sig.Target)
	if sig.Timeframe != "" {
		body += fmt.Sprintf(" | tf %s", sig.Timeframe)
	}
	return title, body
}

// formatOptionSignal renders an option signal summary with its reasoning.
func formatOptionSignal(sig model.OptionSignal) (title, body string) {
	title = fmt.Sprintf("%s %s @ %.2f", sig.UnderlyingSide, sig.ContractSymbol, sig.PremiumLTP)
	body = fmt.Sprintf("lots %d | SL %.2f | target %.2f", sig.SuggestedLots, sig.StopLossPremium, sig.TargetPremium)
	for _, r := range sig.Reasoning {
		body += "\n" + r
	}
	return title, body
}
