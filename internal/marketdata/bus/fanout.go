// Package bus broadcasts closed bars from the pipeline to its sinks.
// Each sink subscribes under a name; a full sink channel drops the bar
// for that sink only, so a slow store writer, mirror or gateway can
// never block the trading path.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/model"
)

type sink struct {
	name    string
	ch      chan model.Bar
	dropped atomic.Uint64
}

// FanOut broadcasts bars to every subscribed sink.
type FanOut struct {
	mu      sync.RWMutex
	sinks   []*sink
	bufSize int
	log     zerolog.Logger

	// OnDrop, when set, observes every drop by sink name. Without it
	// drops are logged.
	OnDrop func(sinkName string)
}

// New creates a FanOut whose sink channels buffer outputBufferSize bars.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
		log:     logger.New("bus"),
	}
}

// Subscribe registers a named sink and returns its channel. Subscribe
// before Run; the channel closes when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.Bar {
	s := &sink{name: name, ch: make(chan model.Bar, f.bufSize)}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
	return s.ch
}

// Run fans the input channel out until ctx is cancelled or the input
// closes, then closes every sink channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.sinks {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, s := range f.sinks {
				select {
				case s.ch <- bar:
				default:
					s.dropped.Add(1)
					if f.OnDrop != nil {
						f.OnDrop(s.name)
					} else {
						f.log.Warn().Str("sink", s.name).Str("bar", bar.Key()).Msg("sink channel full, dropping bar")
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// Stat describes one sink: queue depth, capacity and drops so far.
type Stat struct {
	Name    string
	Len     int
	Cap     int
	Dropped uint64
}

// Stats snapshots every sink, in subscription order.
func (f *FanOut) Stats() []Stat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]Stat, len(f.sinks))
	for i, s := range f.sinks {
		stats[i] = Stat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch), Dropped: s.dropped.Load()}
	}
	return stats
}
