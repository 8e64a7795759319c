package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"algoengine/internal/logger"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	TicksTotal   prometheus.Counter
	DroppedTicks prometheus.Counter

	// Bar pipeline
	BarsTotal  *prometheus.CounterVec // labels: tf
	BarLag     prometheus.Gauge
	AggFoldDur prometheus.Histogram

	// Strategy decisions
	SignalsTotal  *prometheus.CounterVec // labels: strategy, side
	SignalRejects *prometheus.CounterVec // labels: strategy, reason

	// Options pipeline
	OptionSignalsTotal *prometheus.CounterVec // labels: origin, side
	OptionSkips        *prometheus.CounterVec // labels: reason
	ChainFetchDur      prometheus.Histogram

	// Persistence
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Backpressure
	RingBufOverflow      prometheus.Counter
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Feed health
	FeedReconnects prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Warm start
	WarmupFetchDur prometheus.Histogram

	// Market session state
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close|feed_disconnect
}

func newMetrics() *Metrics {
	return &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_ticks_total",
			Help: "Total ticks received from the feed",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_dropped_ticks_total",
			Help: "Ticks dropped (unsubscribed symbol or channel full)",
		}),

		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_bars_total",
			Help: "Total bars closed (by timeframe)",
		}, []string{"tf"}),
		BarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigengine_bar_lag_seconds",
			Help: "Lag between bar close timestamp and emission time",
		}),
		AggFoldDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_agg_fold_duration_seconds",
			Help:    "Aggregator tick fold latency",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_signals_total",
			Help: "Underlying signals emitted (by strategy and side)",
		}, []string{"strategy", "side"}),
		SignalRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_signal_rejects_total",
			Help: "Signals rejected before emission (by strategy and reason)",
		}, []string{"strategy", "reason"}),

		OptionSignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_option_signals_total",
			Help: "Option signals published (by origin and side)",
		}, []string{"origin", "side"}),
		OptionSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_option_skips_total",
			Help: "Option selections abandoned (by reason)",
		}, []string{"reason"}),
		ChainFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_chain_fetch_duration_seconds",
			Help:    "Option chain fetch latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_ringbuf_overflow_total",
			Help: "Ring buffer push overflows (dropped ticks)",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_fanout_drops_total",
			Help: "Bars dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_feed_reconnects_total",
			Help: "Total feed reconnection attempts",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		WarmupFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_warmup_fetch_duration_seconds",
			Help:    "Historical candle fetch latency during warm start",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_session_transitions_total",
			Help: "Market session transitions (open, close, feed_disconnect)",
		}, []string{"type"}),
	}
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.BarsTotal,
		m.BarLag,
		m.AggFoldDur,
		m.SignalsTotal,
		m.SignalRejects,
		m.OptionSignalsTotal,
		m.OptionSkips,
		m.ChainFetchDur,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RingBufOverflow,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.FeedReconnects,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.WarmupFetchDur,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// NewNop returns unregistered metrics for tests.
func NewNop() *Metrics {
	return newMetrics()
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Workers        int       `json:"workers"`
	EnabledTFs     []string  `json:"enabled_tfs"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWorkers(n int) {
	h.mu.Lock()
	h.Workers = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetEnabledTFs(tfs []string) {
	h.mu.Lock()
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	// Tick age
	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		LastTickTime    string   `json:"last_tick_time"`
		TickAge         string   `json:"tick_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Workers         int      `json:"workers"`
		EnabledTFs      []string `json:"enabled_tfs"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Workers:         h.Workers,
		EnabledTFs:      h.EnabledTFs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    zerolog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: logger.New("metrics"),
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
