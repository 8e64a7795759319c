package orchestrator

import (
	"context"
	"time"

	"algoengine/internal/markethours"
)

// watchSession tracks the IST trading session: the market gauge, open and
// close transition counters, worker queue saturation, and end-of-day
// state persistence. The engine keeps running off-hours so a simulated
// feed can drive it at any time.
func (o *Orchestrator) watchSession(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	open := markethours.IsMarketOpen(o.now())
	o.setMarketGauge(open)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := markethours.IsMarketOpen(o.now())
			if cur != open {
				if cur {
					o.mtr.SessionTransitions.WithLabelValues("open").Inc()
					o.log.Info().Msg("market session opened")
				} else {
					o.mtr.SessionTransitions.WithLabelValues("close").Inc()
					o.log.Info().Msg("market session closed, persisting state")
					o.afterClose(ctx)
				}
				open = cur
				o.setMarketGauge(cur)
			}
			o.updateSaturation()
		}
	}
}

func (o *Orchestrator) setMarketGauge(open bool) {
	if open {
		o.mtr.MarketState.Set(1)
	} else {
		o.mtr.MarketState.Set(0)
	}
}

// afterClose flushes open bars and EMA state once the session ends. The
// flush also clears the aggregator so the next session's first tick does
// not complete a stale overnight bucket.
func (o *Orchestrator) afterClose(ctx context.Context) {
	o.mu.Lock()
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	o.drain(ctx, workers)
	o.persistEMA(ctx, workers)
}

func (o *Orchestrator) updateSaturation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sym, w := range o.workers {
		qlen, qcap := w.queueStats()
		if qcap > 0 {
			o.mtr.ChannelSaturationPct.WithLabelValues(sym).Set(float64(qlen) / float64(qcap) * 100)
		}
	}
}
