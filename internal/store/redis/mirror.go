package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
)

const (
	latestTTL = 30 * time.Minute

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second

	// Latest-value entries held back while the breaker is open. Keyed by
	// redis key, so the bound is symbols × timeframes, not write volume.
	maxPending = 1024
)

// Config configures the Redis mirror.
type Config struct {
	Addr     string
	Password string
	DB       int
	Metrics  *metrics.Metrics
}

type pendingWrite struct {
	key     string
	channel string
	payload string
}

// Mirror pushes closed bars and signals to Redis for dashboards and other
// consumers: SET latest JSON with a TTL plus PUBLISH on a pub/sub channel.
// All writes run through a circuit breaker; while the breaker is open, the
// newest value per key is held back and replayed once Redis recovers. The
// engine never depends on the mirror succeeding.
type Mirror struct {
	client *goredis.Client
	cb     *CircuitBreaker
	mtr    *metrics.Metrics
	log    zerolog.Logger

	mu      sync.Mutex // guards pending; writes come from bus and worker goroutines
	pending map[string]pendingWrite
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Mirror, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	m := &Mirror{
		client:  client,
		cb:      NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout),
		mtr:     cfg.Metrics,
		log:     logger.New("redis"),
		pending: make(map[string]pendingWrite),
	}
	m.cb.OnStateChange = func(from, to State) {
		m.mtr.RedisCircuitBreakerState.Set(float64(to))
		if to == StateOpen {
			m.mtr.RedisCircuitBreakerTrips.Inc()
		}
		m.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	}

	m.log.Info().Str("addr", cfg.Addr).Msg("redis mirror connected")
	return m, nil
}

// Client exposes the connection for liveness probes.
func (m *Mirror) Client() *goredis.Client { return m.client }

// Close closes the Redis connection.
func (m *Mirror) Close() error { return m.client.Close() }

// Run consumes closed bars from the fan-out bus. Blocks until ctx is
// cancelled or in is closed.
func (m *Mirror) Run(ctx context.Context, in <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-in:
			if !ok {
				return
			}
			key := "bar:latest:" + bar.Symbol + ":" + string(bar.Timeframe)
			channel := "pub:bar:" + bar.Symbol + ":" + string(bar.Timeframe)
			m.write(ctx, key, channel, string(bar.JSON()))
		}
	}
}

// MirrorSignal publishes an underlying signal and caches it as the symbol's
// latest.
func (m *Mirror) MirrorSignal(ctx context.Context, sig model.Signal) {
	m.write(ctx, "signal:latest:"+sig.Symbol, "pub:signals", string(sig.JSON()))
}

// MirrorOptionSignal publishes an option signal and caches it per underlying.
func (m *Mirror) MirrorOptionSignal(ctx context.Context, sig model.OptionSignal) {
	m.write(ctx, "option_signal:latest:"+sig.UnderlyingSymbol, "pub:option_signals", string(sig.JSON()))
}

// write runs SET+PUBLISH through the breaker. Failures park the newest value
// per key for replay; they never propagate.
func (m *Mirror) write(ctx context.Context, key, channel, payload string) {
	start := time.Now()
	err := m.cb.Execute(func() error {
		pipe := m.client.Pipeline()
		pipe.Set(ctx, key, payload, latestTTL)
		pipe.Publish(ctx, channel, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		m.park(key, channel, payload)
		if err != ErrCircuitOpen {
			m.log.Warn().Err(err).Str("key", key).Msg("mirror write failed")
		}
		return
	}
	m.mtr.RedisWriteDur.Observe(time.Since(start).Seconds())
	m.replayPending(ctx)
}

func (m *Mirror) park(key, channel, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; !exists && len(m.pending) >= maxPending {
		return
	}
	m.pending[key] = pendingWrite{key: key, channel: channel, payload: payload}
	m.mtr.RedisBufferedWrites.Inc()
}

// replayPending flushes parked latest-values in one pipeline after the
// breaker recovers. Stale publishes are acceptable; stale SETs are the point.
func (m *Mirror) replayPending(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]pendingWrite)
	m.mu.Unlock()

	err := m.cb.Execute(func() error {
		pipe := m.client.Pipeline()
		for _, w := range batch {
			pipe.Set(ctx, w.key, w.payload, latestTTL)
			pipe.Publish(ctx, w.channel, w.payload)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		// Re-park so nothing is lost; newer values arriving meanwhile win.
		m.mu.Lock()
		for k, w := range batch {
			if _, exists := m.pending[k]; !exists {
				m.pending[k] = w
			}
		}
		m.mu.Unlock()
		return
	}
	m.log.Info().Int("writes", len(batch)).Msg("replayed buffered mirror writes")
}
