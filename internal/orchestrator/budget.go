package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// tradeBudget enforces the monthly per-window trade caps against the
// journaled fills. A zero limit disables the cap; storage errors fail
// open.
type tradeBudget struct {
	store        model.CandleStore
	morningMax   int
	afternoonMax int
	log          zerolog.Logger
	now          func() time.Time
}

func (b *tradeBudget) canTrade(window string) bool {
	var limit int
	switch window {
	case markethours.WindowMorning:
		limit = b.morningMax
	case markethours.WindowAfternoon:
		limit = b.afternoonMax
	default:
		return true
	}
	if limit <= 0 || b.store == nil {
		return true
	}

	now := b.now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stamps, err := b.store.TradeTimestamps(ctx, now.Year(), now.Month())
	if err != nil {
		b.log.Warn().Err(err).Msg("trade count lookup failed, allowing trade")
		return true
	}

	count := 0
	for _, ts := range stamps {
		if markethours.Window(ts.In(markethours.IST)) == window {
			count++
		}
	}
	if count >= limit {
		b.log.Info().Str("window", window).Int("count", count).Int("limit", limit).Msg("monthly trade budget exhausted")
		return false
	}
	return true
}
