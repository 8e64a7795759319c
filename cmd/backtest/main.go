// Command backtest replays stored bars through the full decision pipeline
// so strategy changes can be evaluated against recorded sessions. Fills
// stay in memory; nothing is written back to the store.
//
// Usage:
//
//	go run ./cmd/backtest -config config.yaml -symbols RELIANCE,INFY -speed 0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"algoengine/config"
	"algoengine/internal/execution"
	"algoengine/internal/feed"
	"algoengine/internal/logger"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
	"algoengine/internal/notification"
	"algoengine/internal/options"
	"algoengine/internal/orchestrator"
	"algoengine/internal/portfolio"
	"algoengine/internal/risk"
	sqlitestore "algoengine/internal/store/sqlite"
	"algoengine/internal/strategy"
)

// drainGrace is how long the pipeline gets to work through queued ticks
// after the tape ends before the engine is stopped.
const drainGrace = time.Second

func main() {
	var (
		cfgPath    = flag.String("config", "config.yaml", "path to the YAML config file")
		symbolsArg = flag.String("symbols", "", "comma-separated symbols (default: config watchlist)")
		dbPath     = flag.String("db", "", "SQLite path override")
		tfArg      = flag.String("tf", "1m", "bar timeframe to replay")
		limit      = flag.Int("limit", 5000, "most recent bars per symbol")
		speed      = flag.Float64("speed", 0, "playback speed: 0=max, 1=realtime, 10=10x")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Setup(logger.Config{Level: cfg.Logging.Level, Format: "console"})

	symbols := cfg.Watchlist()
	if *symbolsArg != "" {
		symbols = splitList(*symbolsArg)
	}
	if *dbPath == "" {
		*dbPath = cfg.Store.SQLitePath
	}

	store, err := sqlitestore.New(sqlitestore.Config{Path: *dbPath})
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("sqlite open failed")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tape, err := feed.NewReplay(store, feed.ReplayConfig{
		TF:            model.Timeframe(*tfArg),
		Limit:         *limit,
		Speed:         *speed,
		InstrumentKey: orchestrator.InstrumentKeyFor,
	}, logger.New("replay"))
	if err != nil {
		log.Fatal().Err(err).Msg("replay feed init failed")
	}
	tape.OnComplete = func() {
		time.AfterFunc(drainGrace, cancel)
	}

	// In-memory execution only: nil journal, fills net into the book.
	executor := execution.NewPaperExecutor(float64(cfg.Execution.SlippageBps), nil)
	book := portfolio.NewBook()
	executor.OnFill = book.ApplyFill

	sink := &printSink{}
	notifier := notification.New(sink)

	chainSrc := options.NewSimSource(cfg.Feed.BasePrice, 50)
	provider := options.NewProvider(chainSrc, logger.New("chain"))
	selector := options.NewSelector(options.Config{
		Enabled:              cfg.Options.Enabled,
		LotSize:              cfg.Options.LotSize,
		RiskCapPerTrade:      cfg.Options.RiskCapPerTrade,
		MinOIPercentile:      cfg.Options.OIMinPercentile,
		SpreadMaxPctScalper:  cfg.Options.SpreadMaxPctScalper,
		SpreadMaxPctIntraday: cfg.Options.SpreadMaxPctIntraday,
		DebounceSec:          cfg.Options.DebounceSec,
		DebounceIntradaySec:  cfg.Options.DebounceIntradaySec,
		CooldownSec:          cfg.Options.CooldownSec,
		CooldownIntradaySec:  cfg.Options.CooldownIntradaySec,
	}, options.Deps{
		Provider: provider,
		Executor: executor,
		Notifier: notifier,
		Log:      logger.New("options"),
	})

	barsCh := make(chan model.Bar, 4096)
	barsDone := make(chan struct{})
	var barsReplayed int
	go func() {
		defer close(barsDone)
		for bar := range barsCh {
			barsReplayed++
			book.MarkBar(bar)
		}
	}()

	// Cold start: the tape itself warms the EMAs up, and with no store
	// bound nothing leaks into the live journal or candle tables.
	engine := orchestrator.New(orchestrator.Config{
		Symbols:          symbols,
		EMAShort:         cfg.Engine.EMAShort,
		EMALong:          cfg.Engine.EMALong,
		RecentBarsWindow: cfg.Engine.RecentBarsWindow,
		WorkerQueueSize:  cfg.Engine.WorkerQueueSize,
		Scalp: orchestrator.ScalpConfig{
			Enabled:             cfg.Scalp.Enabled,
			PrimaryTF:           model.Timeframe(cfg.Scalp.PrimaryTF),
			ConfirmTF:           model.Timeframe(cfg.Scalp.ConfirmTF),
			EnableConfirmFilter: cfg.Scalp.EnableConfirmFilter,
		},
		Intraday: orchestrator.IntradayConfig{
			Enabled:                   cfg.Intraday.Enabled,
			PrimaryTF:                 model.Timeframe(cfg.Intraday.PrimaryTF),
			ConfirmTF:                 model.Timeframe(cfg.Intraday.ConfirmTF),
			EnableTrendConfirmation:   cfg.Intraday.EnableTrendConfirmation,
			EnableSignalConfirmation:  cfg.Intraday.EnableSignalConfirmation,
			RRRatio:                   cfg.Intraday.RRRatio,
			MaxTradesMorningMonthly:   cfg.Intraday.MaxTradesMorningMonthly,
			MaxTradesAfternoonMonthly: cfg.Intraday.MaxTradesAfternoonMonthly,
		},
		OpeningRange: orchestrator.OpeningRangeConfig{
			Enabled: cfg.OpeningRange.Enabled,
			OpeningRangeConfig: strategy.OpeningRangeConfig{
				PrimaryTF:        model.Timeframe(cfg.OpeningRange.Timeframe),
				RangeMinutes:     cfg.OpeningRange.RangeMinutes,
				RequireCPR:       cfg.OpeningRange.RequireCPR,
				RequirePA:        cfg.OpeningRange.RequirePriceAction,
				RequireRSISlope:  cfg.OpeningRange.RequireRSISlope,
				MinOIChangePct:   cfg.OpeningRange.MinOIChangePct,
				DebounceSec:      cfg.OpeningRange.DebounceSec,
				MaxSignalsPerDay: cfg.OpeningRange.MaxSignalsPerDay,
				LastTradeTime:    cfg.OpeningRange.LastTradeTime,
			},
		},
	}, orchestrator.Deps{
		Feed:     tape,
		Executor: executor,
		Notifier: notifier,
		Options:  selector,
		Chain:    provider,
		Sizer:    risk.New(cfg.Risk.AccountBalance, cfg.Risk.RiskPerTrade, cfg.Risk.MaxDailyLoss, cfg.Options.LotSize),
		Bars:     barsCh,
		Metrics:  metrics.NewNop(),
		Log:      logger.New("engine"),
	})

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	<-ctx.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := engine.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("engine stop failed")
	}
	close(barsCh)
	<-barsDone

	printSummary(sink, book, executor.Fills(), barsReplayed)
}

// printSink writes each signal to stdout as the tape plays.
type printSink struct {
	mu            sync.Mutex
	signals       int
	optionSignals int
}

func (p *printSink) NotifySignal(_ context.Context, sig model.Signal) error {
	p.mu.Lock()
	p.signals++
	p.mu.Unlock()
	fmt.Printf("  %-4s %-10s %-3s @ %.2f  sl=%.2f tgt=%.2f size=%d\n",
		sig.Side, sig.Symbol, sig.Timeframe, sig.Price, sig.StopLoss, sig.Target, sig.Size)
	return nil
}

func (p *printSink) NotifyOptionSignal(_ context.Context, sig model.OptionSignal) error {
	p.mu.Lock()
	p.optionSignals++
	p.mu.Unlock()
	fmt.Printf("  OPT  %-22s %s lots=%d premium=%.2f sl=%.2f tgt=%.2f\n",
		sig.ContractSymbol, sig.Kind, sig.SuggestedLots, sig.PremiumLTP, sig.StopLossPremium, sig.TargetPremium)
	return nil
}

func (p *printSink) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signals, p.optionSignals
}

func printSummary(sink *printSink, book *portfolio.Book, fills []execution.Fill, bars int) {
	signals, optionSignals := sink.counts()
	sum := book.Snapshot()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║          BACKTEST COMPLETE           ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Bars replayed:     %-16d ║\n", bars)
	fmt.Printf("║  Signals:           %-16d ║\n", signals)
	fmt.Printf("║  Option signals:    %-16d ║\n", optionSignals)
	fmt.Printf("║  Fills:             %-16d ║\n", len(fills))
	fmt.Printf("║  Realized P&L:      %-16.2f ║\n", sum.RealizedPnL)
	fmt.Printf("║  Unrealized P&L:    %-16.2f ║\n", sum.UnrealizedPnL)
	fmt.Printf("║  Open positions:    %-16d ║\n", len(sum.Positions))
	fmt.Println("╚══════════════════════════════════════╝")

	for _, pos := range sum.Positions {
		fmt.Printf("  open %-22s qty=%-5d avg=%.2f last=%.2f pnl=%.2f\n",
			pos.Symbol, pos.Qty, pos.AvgPrice, pos.LastPrice, pos.UnrealizedPnL())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
