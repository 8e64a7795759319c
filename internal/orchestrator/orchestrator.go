// Package orchestrator wires the tick path end to end: feed → ring
// buffer → per-symbol workers → strategies → executor and notifier, with
// warm seeding from history and state persistence on stop. It also backs
// the control API: start, stop and status.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"algoengine/internal/markethours"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
	"algoengine/internal/ringbuf"
	"algoengine/internal/strategy"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

// feedBuffer sizes the channel between the tick source and the ring
// buffer pump.
const feedBuffer = 1024

// demuxBatch is how many ticks the demux drains from the ring per pass.
const demuxBatch = 64

// ScalpConfig enables the EMA crossover scalper.
type ScalpConfig struct {
	Enabled             bool
	PrimaryTF           model.Timeframe
	ConfirmTF           model.Timeframe
	EnableConfirmFilter bool
}

// IntradayConfig enables the confirmed intraday strategy.
type IntradayConfig struct {
	Enabled                   bool
	PrimaryTF                 model.Timeframe
	ConfirmTF                 model.Timeframe
	EnableTrendConfirmation   bool
	EnableSignalConfirmation  bool
	RRRatio                   float64
	MaxTradesMorningMonthly   int
	MaxTradesAfternoonMonthly int
}

// OpeningRangeConfig enables the opening range breakout.
type OpeningRangeConfig struct {
	Enabled bool
	strategy.OpeningRangeConfig
}

// Config carries the engine wiring knobs. Zero values take the documented
// defaults.
type Config struct {
	Symbols          []string
	EMAShort         int // default 8
	EMALong          int // default 21
	WarmupBars       int
	RecentBarsWindow int // default 30
	WorkerQueueSize  int // default 256
	RingSize         int // default 8192

	Scalp        ScalpConfig
	Intraday     IntradayConfig
	OpeningRange OpeningRangeConfig
}

// Deps bundles the engine collaborators. Nil fields degrade the
// corresponding concern instead of failing.
type Deps struct {
	Feed     model.TickSource
	History  model.HistoryProvider
	Store    model.CandleStore
	Executor model.OrderExecutor
	Notifier model.NotificationSink
	Options  strategy.OptionsPublisher
	Chain    model.ChainProvider
	Sizer    model.RiskSizer

	// Bars receives every closed bar for downstream fan-out. Sends never
	// block a worker; a full channel drops with accounting.
	Bars chan<- model.Bar

	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Log     zerolog.Logger
}

// Orchestrator runs the decision pipeline for a watchlist. It implements
// the strategies' ConfirmationSource, DailyRefSource and TradeBudget
// collaborators from the live worker caches.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	mtr    *metrics.Metrics
	budget *tradeBudget
	log    zerolog.Logger
	now    func() time.Time

	tfs []model.Timeframe

	mu      sync.Mutex
	running bool
	workers map[string]*worker
	order   []string
	ring    *ringbuf.Ring
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds an orchestrator. Start launches it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.EMAShort <= 0 {
		cfg.EMAShort = 8
	}
	if cfg.EMALong <= 0 {
		cfg.EMALong = 21
	}
	if cfg.RecentBarsWindow <= 0 {
		cfg.RecentBarsWindow = 30
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = 256
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 8192
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	o := &Orchestrator{
		cfg:  cfg,
		deps: deps,
		mtr:  deps.Metrics,
		log:  deps.Log,
		now:  func() time.Time { return time.Now().In(markethours.IST) },
	}
	o.tfs = collectTimeframes(cfg)
	o.budget = &tradeBudget{
		store:        deps.Store,
		morningMax:   cfg.Intraday.MaxTradesMorningMonthly,
		afternoonMax: cfg.Intraday.MaxTradesAfternoonMonthly,
		log:          deps.Log,
		now:          o.now,
	}
	return o
}

// Start seeds every symbol and launches the pipeline. ctx bounds the
// seeding phase only; the run loops live until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.mu.Unlock()

	symbols := dedupeSymbols(o.cfg.Symbols)
	if len(symbols) == 0 {
		return errors.New("no symbols configured")
	}
	if len(o.tfs) == 0 {
		return errors.New("no strategies enabled")
	}

	if o.deps.Chain != nil {
		o.deps.Chain.SetInstrument(InstrumentKeyFor(chainSymbol(symbols)))
	}

	workers := make(map[string]*worker, len(symbols))
	for _, sym := range symbols {
		workers[sym] = o.newWorker(sym)
	}

	g, seedCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sym := range symbols {
		w := workers[sym]
		g.Go(func() error {
			o.seedWorker(seedCtx, w)
			return nil
		})
	}
	_ = g.Wait()

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	o.running = true
	o.workers = workers
	o.order = symbols
	o.ring = ringbuf.New(o.cfg.RingSize)
	o.cancel = cancel
	o.stopped = stopped
	ring := o.ring
	o.mu.Unlock()

	if o.deps.Health != nil {
		o.deps.Health.SetWorkers(len(workers))
		tfNames := make([]string, len(o.tfs))
		for i, tf := range o.tfs {
			tfNames[i] = string(tf)
		}
		o.deps.Health.SetEnabledTFs(tfNames)
	}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		w := workers[sym]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(runCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pump(runCtx, ring)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.demux(runCtx, ring, workers)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.watchSession(runCtx)
	}()

	go func() {
		wg.Wait()
		close(stopped)
	}()

	if o.deps.Feed != nil {
		o.deps.Feed.Subscribe(symbols)
	}

	o.log.Info().Strs("symbols", symbols).Int("timeframes", len(o.tfs)).Msg("engine started")
	return nil
}

// Stop cancels the run loops, waits for them, then flushes open bars and
// EMA state. The orchestrator can be started again afterwards.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	cancel := o.cancel
	stopped := o.stopped
	workers := make([]*worker, 0, len(o.workers))
	for _, sym := range o.order {
		workers = append(workers, o.workers[sym])
	}
	o.mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		o.log.Warn().Msg("stop timed out waiting for run loops")
	}

	o.drain(ctx, workers)
	o.persistEMA(ctx, workers)
	o.log.Info().Msg("engine stopped")
	return nil
}

// Running reports whether the pipeline is live.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// WorkerStatus describes one symbol pipeline for the control API.
type WorkerStatus struct {
	Symbol   string `json:"symbol"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	OpenBars int    `json:"open_bars"`
}

// EngineStatus is the control-plane snapshot.
type EngineStatus struct {
	Running      bool           `json:"running"`
	Market       string         `json:"market"`
	Symbols      []string       `json:"symbols"`
	Timeframes   []string       `json:"timeframes"`
	Strategies   []string       `json:"strategies"`
	Workers      []WorkerStatus `json:"workers,omitempty"`
	RingLen      int            `json:"ring_len"`
	RingCap      int            `json:"ring_cap"`
	RingOverflow uint64         `json:"ring_overflow"`
}

// Status reports the engine state.
func (o *Orchestrator) Status() EngineStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := EngineStatus{
		Running:    o.running,
		Market:     markethours.StatusString(o.now()),
		Symbols:    append([]string(nil), o.order...),
		Strategies: enabledStrategies(o.cfg),
	}
	if len(st.Symbols) == 0 {
		st.Symbols = dedupeSymbols(o.cfg.Symbols)
	}
	for _, tf := range o.tfs {
		st.Timeframes = append(st.Timeframes, string(tf))
	}
	if o.running {
		for _, sym := range o.order {
			w := o.workers[sym]
			qlen, qcap := w.queueStats()
			st.Workers = append(st.Workers, WorkerStatus{
				Symbol:   sym,
				QueueLen: qlen,
				QueueCap: qcap,
				OpenBars: w.agg.OpenCount(),
			})
		}
		st.RingLen = o.ring.Len()
		st.RingCap = o.ring.Cap()
		st.RingOverflow = o.ring.Dropped()
	}
	return st
}

// pump runs the tick source and moves its output into the ring buffer.
func (o *Orchestrator) pump(ctx context.Context, ring *ringbuf.Ring) {
	if o.deps.Feed == nil {
		<-ctx.Done()
		return
	}
	feedCh := make(chan model.Tick, feedBuffer)

	go func() {
		if err := o.deps.Feed.Run(ctx, feedCh); err != nil && ctx.Err() == nil {
			o.log.Error().Err(err).Msg("tick source terminated")
			o.mtr.SessionTransitions.WithLabelValues("feed_disconnect").Inc()
			if o.deps.Health != nil {
				o.deps.Health.SetFeedConnected(false)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-feedCh:
			o.mtr.TicksTotal.Inc()
			if o.deps.Health != nil {
				o.deps.Health.SetLastTickTime(tk.TS)
				o.deps.Health.SetFeedConnected(true)
			}
			if !ring.Push(tk) {
				o.mtr.RingBufOverflow.Inc()
			}
		}
	}
}

// demux drains the ring buffer in batches and routes ticks to symbol
// workers. Ticks for unknown symbols and full worker queues are dropped
// with accounting; the drain itself never blocks. Cancellation is
// observed once the ring is empty, so queued ticks finish routing first.
func (o *Orchestrator) demux(ctx context.Context, ring *ringbuf.Ring, workers map[string]*worker) {
	batch := make([]model.Tick, demuxBatch)
	for {
		n := ring.PopBatch(batch)
		if n == 0 {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		for _, tk := range batch[:n] {
			w, ok := workers[tk.Symbol]
			if !ok {
				o.mtr.DroppedTicks.Inc()
				continue
			}
			select {
			case w.in <- tk:
			default:
				o.mtr.DroppedTicks.Inc()
			}
		}
	}
}

// drain closes every open bar and persists the partials so a restart does
// not lose the current bucket. Partial bars go to storage only, never to
// the strategies.
func (o *Orchestrator) drain(ctx context.Context, workers []*worker) {
	for _, w := range workers {
		flushed := w.agg.FlushAll()
		if o.deps.Store == nil {
			continue
		}
		for _, bar := range flushed {
			if err := o.deps.Store.PersistCandle(ctx, w.symbol, w.instrumentKey, bar); err != nil {
				o.log.Warn().Err(err).Str("symbol", w.symbol).Msg("partial bar persist failed")
			}
		}
	}
}

// persistEMA writes the live EMA values through the store for warm
// restarts.
func (o *Orchestrator) persistEMA(ctx context.Context, workers []*worker) {
	if o.deps.Store == nil {
		return
	}
	for _, w := range workers {
		for _, row := range w.snapshotEMA() {
			if err := o.deps.Store.UpsertEMAState(ctx, w.symbol, w.instrumentKey, row.tf, row.period, row.value, row.lastTS); err != nil {
				o.log.Warn().Err(err).Str("symbol", w.symbol).Msg("ema persist failed")
			}
		}
	}
}

// ConfirmationContext serves the confirmation stack from the live worker
// caches.
func (o *Orchestrator) ConfirmationContext(_ context.Context, symbol string, tf model.Timeframe) ([]model.Bar, *model.DailyRef) {
	o.mu.Lock()
	w, ok := o.workers[symbol]
	o.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return w.recentBars(tf), w.dailyRef()
}

// DailyRef returns the previous session's OHLC for a symbol.
func (o *Orchestrator) DailyRef(symbol string) *model.DailyRef {
	o.mu.Lock()
	w, ok := o.workers[symbol]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return w.dailyRef()
}

// CanTrade applies the monthly per-window cap from the journaled fills.
func (o *Orchestrator) CanTrade(window string) bool { return o.budget.canTrade(window) }

// IncrementTradeCount is a no-op: the cap recounts the journal, so
// executed trades count themselves.
func (o *Orchestrator) IncrementTradeCount(string) {}

// buildBindings instantiates the enabled strategies for one symbol. Each
// symbol gets its own instances so per-symbol strategy state never
// crosses worker goroutines.
func (o *Orchestrator) buildBindings(w *worker) []binding {
	base := strategy.Deps{
		Executor: o.deps.Executor,
		Options:  o.deps.Options,
		Chain:    o.deps.Chain,
		History:  o.deps.History,
		Confirm:  o,
		Daily:    o,
		Budget:   o,
		Sizer:    o.deps.Sizer,
		Rejects: func(strat, reason string) {
			o.mtr.SignalRejects.WithLabelValues(strat, reason).Inc()
		},
	}

	var out []binding
	if o.cfg.Scalp.Enabled {
		deps := base
		deps.Log = o.log.With().Str("strategy", "scalp").Str("symbol", w.symbol).Logger()
		deps.Notifier = &countingSink{inner: o.deps.Notifier, mtr: o.mtr, strategy: "scalp"}
		var confirm model.Timeframe
		if o.cfg.Scalp.EnableConfirmFilter {
			confirm = o.cfg.Scalp.ConfirmTF
		}
		out = append(out, binding{
			strat:   strategy.NewScalpStrategy(o.cfg.Scalp.PrimaryTF, o.cfg.Scalp.ConfirmTF, o.cfg.Scalp.EnableConfirmFilter, deps),
			primary: o.cfg.Scalp.PrimaryTF,
			confirm: confirm,
		})
	}
	if o.cfg.Intraday.Enabled {
		deps := base
		deps.Log = o.log.With().Str("strategy", "intraday").Str("symbol", w.symbol).Logger()
		deps.Notifier = &countingSink{inner: o.deps.Notifier, mtr: o.mtr, strategy: "intraday"}
		var confirm model.Timeframe
		if o.cfg.Intraday.EnableTrendConfirmation {
			confirm = o.cfg.Intraday.ConfirmTF
		}
		out = append(out, binding{
			strat: strategy.NewIntradayStrategy(
				o.cfg.Intraday.PrimaryTF,
				o.cfg.Intraday.ConfirmTF,
				o.cfg.Intraday.EnableTrendConfirmation,
				o.cfg.Intraday.EnableSignalConfirmation,
				o.cfg.Intraday.RRRatio,
				deps,
			),
			primary: o.cfg.Intraday.PrimaryTF,
			confirm: confirm,
		})
	}
	if o.cfg.OpeningRange.Enabled {
		deps := base
		deps.Log = o.log.With().Str("strategy", "opening_range").Str("symbol", w.symbol).Logger()
		deps.Notifier = &countingSink{inner: o.deps.Notifier, mtr: o.mtr, strategy: "opening_range"}
		out = append(out, binding{
			strat:   strategy.NewOpeningRangeStrategy(o.cfg.OpeningRange.OpeningRangeConfig, deps),
			primary: o.cfg.OpeningRange.PrimaryTF,
		})
	}
	return out
}

// countingSink wraps the notifier so every emitted signal lands in the
// metrics regardless of delivery outcome.
type countingSink struct {
	inner    model.NotificationSink
	mtr      *metrics.Metrics
	strategy string
}

func (c *countingSink) NotifySignal(ctx context.Context, sig model.Signal) error {
	c.mtr.SignalsTotal.WithLabelValues(c.strategy, sig.Side).Inc()
	if c.inner == nil {
		return nil
	}
	return c.inner.NotifySignal(ctx, sig)
}

func (c *countingSink) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	if c.inner == nil {
		return nil
	}
	return c.inner.NotifyOptionSignal(ctx, sig)
}

// collectTimeframes gathers every timeframe any enabled strategy needs,
// deduplicated and sorted densest first.
func collectTimeframes(cfg Config) []model.Timeframe {
	seen := make(map[model.Timeframe]bool, 4)
	var out []model.Timeframe
	add := func(tf model.Timeframe) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	if cfg.Scalp.Enabled {
		add(cfg.Scalp.PrimaryTF)
		if cfg.Scalp.EnableConfirmFilter {
			add(cfg.Scalp.ConfirmTF)
		}
	}
	if cfg.Intraday.Enabled {
		add(cfg.Intraday.PrimaryTF)
		if cfg.Intraday.EnableTrendConfirmation {
			add(cfg.Intraday.ConfirmTF)
		}
	}
	if cfg.OpeningRange.Enabled {
		add(cfg.OpeningRange.PrimaryTF)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes() < out[j].Minutes() })
	return out
}

func enabledStrategies(cfg Config) []string {
	var out []string
	if cfg.Scalp.Enabled {
		out = append(out, "scalp")
	}
	if cfg.Intraday.Enabled {
		out = append(out, "intraday")
	}
	if cfg.OpeningRange.Enabled {
		out = append(out, "opening_range")
	}
	return out
}

// InstrumentKeyFor maps a watchlist symbol onto its exchange instrument
// key. Known index aliases get the NSE_INDEX segment; everything else is
// cash equity.
func InstrumentKeyFor(symbol string) string {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), " ", ""))
	switch norm {
	case "NIFTY", "NIFTY50":
		return "NSE_INDEX|Nifty 50"
	case "BANKNIFTY", "NIFTYBANK":
		return "NSE_INDEX|Nifty Bank"
	case "FINNIFTY", "NIFTYFINSERVICE":
		return "NSE_INDEX|Nifty Fin Service"
	default:
		return "NSE_EQ|" + strings.TrimSpace(symbol)
	}
}

// chainSymbol picks the chain-bound underlying: the first index symbol on
// the watchlist, else the first symbol.
func chainSymbol(symbols []string) string {
	for _, s := range symbols {
		if strings.HasPrefix(InstrumentKeyFor(s), "NSE_INDEX|") {
			return s
		}
	}
	return symbols[0]
}

func dedupeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
