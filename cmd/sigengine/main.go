// Command sigengine runs the trading decision engine as a single binary:
// tick feed in, per-symbol strategy workers, option selection, SQLite
// journal with an optional Redis mirror, and the control/streaming API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"algoengine/config"
	"algoengine/internal/api"
	"algoengine/internal/execution"
	"algoengine/internal/feed"
	"algoengine/internal/gateway"
	"algoengine/internal/logger"
	"algoengine/internal/marketdata/bus"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
	"algoengine/internal/notification"
	"algoengine/internal/options"
	"algoengine/internal/orchestrator"
	"algoengine/internal/portfolio"
	"algoengine/internal/risk"
	redisstore "algoengine/internal/store/redis"
	sqlitestore "algoengine/internal/store/sqlite"
	"algoengine/internal/strategy"
	"algoengine/pkg/smartconnect"
)

const (
	shutdownTimeout  = 15 * time.Second
	replayBufferSize = 1024
	barsBufferSize   = 4096
	fanoutBufferSize = 1024
	livenessInterval = 10 * time.Second
	statusInterval   = 2 * time.Second
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info().
		Str("feed", cfg.Feed.Source).
		Str("watchlist", cfg.Engine.Watchlist).
		Msg("sigengine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health)
	metricsSrv.Start()

	// ---- Stores (off the hot path) ----
	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("create data directory")
		}
	}
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.Store.SQLitePath, Metrics: prom})
	if err != nil {
		log.Fatal().Err(err).Msg("sqlite init failed")
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	var mirror *redisstore.Mirror
	if cfg.Store.MirrorEnabled {
		mirror, err = redisstore.New(redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			Metrics:  prom,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis mirror unavailable, continuing without it")
			mirror = nil
		} else {
			defer mirror.Close()
			health.SetRedisConnected(true)
		}
	}

	// ---- Tick feed and warmup history ----
	symbols := cfg.Watchlist()
	tickFeed, history, client, err := buildFeed(ctx, cfg, symbols, log)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.Feed.Source).Msg("feed init failed")
	}

	// ---- Options chain, sizing, execution ----
	var chainSrc options.Source
	if client != nil {
		chainSrc = options.NewSmartSource(client, options.SmartSourceConfig{}, logger.New("chain"))
	} else {
		chainSrc = options.NewSimSource(cfg.Feed.BasePrice, 50)
	}
	provider := options.NewProvider(chainSrc, logger.New("chain"))

	executor := execution.NewPaperExecutor(float64(cfg.Execution.SlippageBps), store)
	book := portfolio.NewBook()
	executor.OnFill = book.ApplyFill
	sizer := risk.New(cfg.Risk.AccountBalance, cfg.Risk.RiskPerTrade, cfg.Risk.MaxDailyLoss, cfg.Options.LotSize)

	// ---- Notification fan-out ----
	hub := gateway.NewHub(replayBufferSize, prom, logger.New("gateway"))
	sinks := []model.NotificationSink{hub}
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramSink(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	if mirror != nil {
		sinks = append(sinks, mirrorSink{mirror})
	}
	notifier := notification.New(sinks...)

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
		Metrics:  prom,
		Log:      logger.New("options"),
	})

	// ---- Closed-bar fan-out: store, mirror, gateway ----
	barsCh := make(chan model.Bar, barsBufferSize)
	fanout := bus.New(fanoutBufferSize)
	fanout.OnDrop = func(sink string) {
		prom.FanoutDropsTotal.WithLabelValues(sink).Inc()
	}
	storeCh := fanout.Subscribe("store")
	var mirrorCh <-chan model.Bar
	if mirror != nil {
		mirrorCh = fanout.Subscribe("mirror")
	}
	gatewayCh := fanout.Subscribe("gateway")

	go fanout.Run(ctx, barsCh)
	go store.Run(ctx, storeCh, orchestrator.InstrumentKeyFor)
	if mirror != nil {
		go mirror.Run(ctx, mirrorCh)
	}
	go func() {
		for bar := range gatewayCh {
			book.MarkBar(bar)
			hub.PublishBar(bar)
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fanout.Stats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + s.Name).Set(pct)
					}
				}
			}
		}
	}()

	// ---- Engine ----
	engine := orchestrator.New(orchestrator.Config{
		Symbols:          symbols,
		EMAShort:         cfg.Engine.EMAShort,
		EMALong:          cfg.Engine.EMALong,
		WarmupBars:       cfg.Engine.WarmupBars,
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
		Feed:     tickFeed,
		History:  history,
		Store:    store,
		Executor: executor,
		Notifier: notifier,
		Options:  selector,
		Chain:    provider,
		Sizer:    sizer,
		Bars:     barsCh,
		Metrics:  prom,
		Health:   health,
		Log:      logger.New("engine"),
	})

	// ---- Control/streaming API ----
	apiSrv := api.New(cfg.API.Addr, engine, hub, book, health, logger.New("api"))
	apiSrv.Start()

	go hub.StartStatusBroadcast(ctx, statusInterval, func() any { return engine.Status() })
	if mirror != nil {
		health.StartLivenessChecker(ctx, mirror.Client(), store.DB(), livenessInterval)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), livenessInterval)
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}
	log.Info().Str("api", cfg.API.Addr).Str("metrics", cfg.Metrics.Addr).Msg("sigengine running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Stop(shutCtx); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
		log.Error().Err(err).Msg("engine stop failed")
	}
	if err := apiSrv.Stop(shutCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown failed")
	}
	metricsSrv.Stop(shutCtx)
	if client != nil {
		if err := client.Logout(shutCtx); err != nil {
			log.Debug().Err(err).Msg("broker logout failed")
		}
	}
	log.Info().Msg("sigengine stopped")
}

// buildFeed constructs the tick source for the configured feed mode. In
// smartapi mode it also logs in, resolves stream tokens for the watchlist
// and returns the shared broker client plus a broker-backed warmup history
// provider; the other modes warm up from SQLite alone.
func buildFeed(ctx context.Context, cfg *config.Config, symbols []string, log zerolog.Logger) (model.TickSource, model.HistoryProvider, *smartconnect.Client, error) {
	switch cfg.Feed.Source {
	case "sim":
		sim := feed.NewSim(feed.SimConfig{
			BasePrice:  cfg.Feed.BasePrice,
			IntervalMS: cfg.Feed.TickIntervalMS,
		}, logger.New("feed"))
		return sim, nil, nil, nil

	case "ws":
		ws, err := feed.NewWS(feed.WSConfig{URL: cfg.Feed.URL}, logger.New("feed"))
		if err != nil {
			return nil, nil, nil, err
		}
		return ws, nil, nil, nil

	case "kafka":
		k, err := feed.NewKafka(feed.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger.New("feed"))
		if err != nil {
			return nil, nil, nil, err
		}
		return k, nil, nil, nil

	case "smartapi":
		client := smartconnect.NewClient(smartconnect.Config{
			APIKey:     cfg.SmartAPI.APIKey,
			ClientCode: cfg.SmartAPI.ClientCode,
			Password:   cfg.SmartAPI.Password,
			TOTPSecret: cfg.SmartAPI.TOTPSecret,
		}, logger.New("smartapi"))
		loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := client.Login(loginCtx); err != nil {
			return nil, nil, nil, fmt.Errorf("broker login: %w", err)
		}
		tokens, err := streamTokens(loginCtx, client, symbols)
		if err != nil {
			return nil, nil, nil, err
		}
		sa, err := feed.NewSmartAPI(client, feed.SmartAPIConfig{Tokens: tokens}, logger.New("feed"))
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Int("tokens", len(tokens)).Msg("broker session ready")
		return sa, feed.NewSmartHistory(client, logger.New("history")), client, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

// mirrorSink adapts the Redis mirror to the notification fan-out so
// signals reach subscribers even when the engine restarts.
type mirrorSink struct{ m *redisstore.Mirror }

func (s mirrorSink) NotifySignal(ctx context.Context, sig model.Signal) error {
	s.m.MirrorSignal(ctx, sig)
	return nil
}

func (s mirrorSink) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	s.m.MirrorOptionSignal(ctx, sig)
	return nil
}

// indexStreamTokens maps index instrument keys onto their NSE stream
// tokens. Indices are not searchable through scrip search.
var indexStreamTokens = map[string]string{
	"NSE_INDEX|Nifty 50":          "99926000",
	"NSE_INDEX|Nifty Bank":        "99926009",
	"NSE_INDEX|Nifty Fin Service": "99926037",
}

// streamTokens resolves watchlist symbols into stream subscription tokens.
// Index symbols use the static table; equities go through scrip search,
// preferring the -EQ series row over derivatives matches.
func streamTokens(ctx context.Context, client *smartconnect.Client, symbols []string) (map[string]feed.TokenRef, error) {
	tokens := make(map[string]feed.TokenRef, len(symbols))
	for _, sym := range symbols {
		key := orchestrator.InstrumentKeyFor(sym)
		if tok, ok := indexStreamTokens[key]; ok {
			tokens[sym] = feed.TokenRef{ExchangeType: smartconnect.NSE_CM, Token: tok}
			continue
		}
		rows, err := client.SearchScrip(ctx, "NSE", sym)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sym, err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("resolve %s: no matching scrip", sym)
		}
		row := rows[0]
		want := strings.ToUpper(sym) + "-EQ"
		for _, r := range rows {
			if strings.EqualFold(r.TradingSymbol, want) {
				row = r
				break
			}
		}
		tokens[sym] = feed.TokenRef{ExchangeType: smartconnect.NSE_CM, Token: row.SymbolToken}
	}
	return tokens, nil
}
