// Package feed provides the tick sources the engine can run on: a
// random-walk simulator, a plain-JSON WebSocket client, a Kafka consumer
// group and the SmartAPI binary stream. All implement model.TickSource
// and deliver into the engine channel without ever blocking their reader.
package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/model"
)

// deliver pushes a tick without blocking; a full channel drops it. Drop
// accounting for the hot path lives downstream at the worker queues, so
// here a debug line is enough.
func deliver(out chan<- model.Tick, tk model.Tick, log zerolog.Logger) {
	select {
	case out <- tk:
	default:
		log.Debug().Str("symbol", tk.Symbol).Msg("tick channel full, dropping")
	}
}

// symbolSet builds a membership filter; an empty subscription means
// accept everything.
func symbolSet(symbols []string) map[string]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func wanted(set map[string]struct{}, symbol string) bool {
	if set == nil {
		return true
	}
	_, ok := set[symbol]
	return ok
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
