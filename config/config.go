// Package config loads the engine configuration: YAML file, struct defaults,
// validation, then environment overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	} `yaml:"logging"`

	Feed struct {
		Source string `yaml:"source" default:"sim" validate:"oneof=sim ws kafka smartapi"`
		// ws source
		URL string `yaml:"url" default:"ws://localhost:8765/ticks"`
		// sim source
		TickIntervalMS int     `yaml:"tick_interval_ms" default:"250" validate:"gt=0"`
		BasePrice      float64 `yaml:"base_price" default:"22000"`
	} `yaml:"feed"`

	Kafka struct {
		Brokers []string `yaml:"brokers" default:"[\"localhost:9092\"]"`
		Topic   string   `yaml:"topic" default:"ticks"`
		GroupID string   `yaml:"group_id" default:"algoengine"`
	} `yaml:"kafka"`

	SmartAPI struct {
		APIKey     string `yaml:"api_key"`
		ClientCode string `yaml:"client_code"`
		Password   string `yaml:"password"`
		TOTPSecret string `yaml:"totp_secret"`
		Exchange   string `yaml:"exchange" default:"NSE"`
	} `yaml:"smartapi"`

	Engine struct {
		Watchlist        string `yaml:"watchlist" default:"RELIANCE,INFY,ICICIBANK"`
		WarmupBars       int    `yaml:"warmup_bars" default:"2400" validate:"gte=0"`
		EMAShort         int    `yaml:"ema_short" default:"8" validate:"gt=0"`
		EMALong          int    `yaml:"ema_long" default:"21" validate:"gt=0"`
		RecentBarsWindow int    `yaml:"recent_bars_window" default:"30" validate:"gt=0"`
		WorkerQueueSize  int    `yaml:"worker_queue_size" default:"256" validate:"gt=0"`
	} `yaml:"engine"`

	Scalp struct {
		Enabled             bool   `yaml:"enabled" default:"true"`
		PrimaryTF           string `yaml:"primary_tf" default:"1m"`
		ConfirmTF           string `yaml:"confirm_tf" default:"5m"`
		EnableConfirmFilter bool   `yaml:"enable_confirm_filter" default:"true"`
	} `yaml:"scalp"`

	Intraday struct {
		Enabled                  bool    `yaml:"enabled" default:"true"`
		PrimaryTF                string  `yaml:"primary_tf" default:"5m"`
		ConfirmTF                string  `yaml:"confirm_tf" default:"15m"`
		EnableTrendConfirmation  bool    `yaml:"enable_trend_confirmation" default:"true"`
		EnableSignalConfirmation bool    `yaml:"enable_signal_confirmation" default:"true"`
		RRRatio                  float64 `yaml:"rr_ratio" default:"1.5" validate:"gt=0"`
		MaxTradesMorningMonthly  int     `yaml:"max_trades_morning_monthly" default:"10" validate:"gte=0"`
		MaxTradesAfternoonMonthly int    `yaml:"max_trades_afternoon_monthly" default:"10" validate:"gte=0"`
	} `yaml:"intraday"`

	OpeningRange struct {
		Enabled            bool    `yaml:"enabled" default:"true"`
		Timeframe          string  `yaml:"timeframe" default:"5m"`
		RangeMinutes       int     `yaml:"range_minutes" default:"15" validate:"gt=0"`
		RequireCPR         bool    `yaml:"require_cpr" default:"false"`
		RequirePriceAction bool    `yaml:"require_price_action" default:"true"`
		RequireRSISlope    bool    `yaml:"require_rsi_slope" default:"false"`
		MinOIChangePct     float64 `yaml:"min_oi_change_pct" default:"5.0"`
		DebounceSec        int     `yaml:"debounce_sec" default:"30"`
		MaxSignalsPerDay   int     `yaml:"max_signals_per_day" default:"1" validate:"gte=0"`
		LastTradeTime      string  `yaml:"last_trade_time" default:"15:00"`
	} `yaml:"openingrange"`

	Options struct {
		Enabled              bool    `yaml:"enabled" default:"true"`
		LotSize              int     `yaml:"lot_size" default:"75" validate:"gt=0"`
		RiskCapPerTrade      float64 `yaml:"risk_cap_per_trade" default:"2500" validate:"gt=0"`
		OIMinPercentile      int     `yaml:"oi_min_percentile" default:"60" validate:"gte=0,lte=100"`
		SpreadMaxPctScalper  float64 `yaml:"spread_max_pct_scalper" default:"0.015" validate:"gt=0"`
		SpreadMaxPctIntraday float64 `yaml:"spread_max_pct_intraday" default:"0.025" validate:"gt=0"`
		DebounceSec          int     `yaml:"debounce_sec" default:"30"`
		DebounceIntradaySec  int     `yaml:"debounce_intraday_sec" default:"60"`
		CooldownSec          int     `yaml:"cooldown_sec" default:"300" validate:"gte=0"`
		CooldownIntradaySec  int     `yaml:"cooldown_intraday_sec" default:"600" validate:"gte=0"`
	} `yaml:"options"`

	Risk struct {
		AccountBalance float64 `yaml:"account_balance" default:"100000" validate:"gt=0"`
		RiskPerTrade   float64 `yaml:"risk_per_trade" default:"0.005" validate:"gt=0,lte=1"`
		MaxDailyLoss   float64 `yaml:"max_daily_loss" default:"0.02" validate:"gt=0,lte=1"`
	} `yaml:"risk"`

	Execution struct {
		SlippageBps int `yaml:"slippage_bps" default:"2" validate:"gte=0"`
	} `yaml:"execution"`

	Store struct {
		SQLitePath    string `yaml:"sqlite_path" default:"data/engine.db"`
		RedisAddr     string `yaml:"redis_addr" default:"localhost:6379"`
		RedisPassword string `yaml:"redis_password"`
		MirrorEnabled bool   `yaml:"mirror_enabled" default:"true"`
	} `yaml:"store"`

	Notify struct {
		WebhookURL       string `yaml:"webhook_url"`
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   string `yaml:"telegram_chat_id"`
	} `yaml:"notify"`

	API struct {
		Addr string `yaml:"addr" default:":8000"`
	} `yaml:"api"`

	Metrics struct {
		Addr string `yaml:"addr" default:":9090"`
	} `yaml:"metrics"`
}

var validate = validator.New()

// Load reads the YAML file at path (optional: empty path or a missing file
// yields pure defaults), fills defaults, applies env overrides, validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	c.applyEnv()

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyEnv overrides secrets and deploy knobs from the environment so images
// ship without credentials baked into YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("WATCHLIST"); v != "" {
		c.Engine.Watchlist = v
	}
	if v := os.Getenv("FEED_SOURCE"); v != "" {
		c.Feed.Source = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SMARTAPI_API_KEY"); v != "" {
		c.SmartAPI.APIKey = v
	}
	if v := os.Getenv("SMARTAPI_CLIENT_CODE"); v != "" {
		c.SmartAPI.ClientCode = v
	}
	if v := os.Getenv("SMARTAPI_PASSWORD"); v != "" {
		c.SmartAPI.Password = v
	}
	if v := os.Getenv("SMARTAPI_TOTP_SECRET"); v != "" {
		c.SmartAPI.TOTPSecret = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.RedisPassword = v
	}
	if v := os.Getenv("NOTIFIER_WEBHOOK"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.TelegramChatID = v
	}
}

// Watchlist returns the configured symbols, trimmed, empties dropped.
func (c *Config) Watchlist() []string {
	parts := strings.Split(c.Engine.Watchlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
