package feed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
	"algoengine/pkg/smartconnect"
)

// sessionMinutes is the NSE cash session length, used to size historical
// lookback windows.
const sessionMinutes = 375

// indexTokens maps index display names onto their NSE historical-data
// tokens. Indices are not searchable through scrip search.
var indexTokens = map[string]string{
	"Nifty 50":          "99926000",
	"Nifty Bank":        "99926009",
	"Nifty Fin Service": "99926037",
}

// SmartHistory serves warmup and same-day candles from the broker
// historical endpoint. Scrip tokens are resolved once per instrument key
// and cached for the life of the provider.
type SmartHistory struct {
	client *smartconnect.Client
	log    zerolog.Logger

	mu     sync.Mutex
	tokens map[string]tokenLookup
}

type tokenLookup struct {
	exchange string
	token    string
}

// NewSmartHistory builds a history provider over a shared broker client.
// The client must hold a live session before the first fetch.
func NewSmartHistory(client *smartconnect.Client, log zerolog.Logger) *SmartHistory {
	return &SmartHistory{client: client, log: log, tokens: make(map[string]tokenLookup)}
}

// intervalFor maps a bar timeframe onto the broker candle interval.
func intervalFor(tf model.Timeframe) (smartconnect.Interval, error) {
	switch tf.Minutes() {
	case 1:
		return smartconnect.IntervalOneMinute, nil
	case 3:
		return smartconnect.IntervalThreeMinute, nil
	case 5:
		return smartconnect.IntervalFiveMinute, nil
	case 10:
		return smartconnect.IntervalTenMinute, nil
	case 15:
		return smartconnect.IntervalFifteenMinute, nil
	case 30:
		return smartconnect.IntervalThirtyMinute, nil
	case 60:
		return smartconnect.IntervalOneHour, nil
	default:
		return "", fmt.Errorf("no broker interval for timeframe %s", tf)
	}
}

// FetchHistorical returns up to limit recent bars for an instrument key,
// chronological. The lookback is sized from bars-per-session with slack
// for weekends and holidays.
func (h *SmartHistory) FetchHistorical(ctx context.Context, instrument string, tf model.Timeframe, limit int) ([]model.Bar, error) {
	interval, err := intervalFor(tf)
	if err != nil {
		return nil, err
	}
	ref, err := h.resolve(ctx, instrument)
	if err != nil {
		return nil, err
	}

	perDay := sessionMinutes / tf.Minutes()
	if perDay < 1 {
		perDay = 1
	}
	days := limit/perDay + 1
	days = days*7/5 + 3

	now := time.Now().In(markethours.IST)
	from := now.AddDate(0, 0, -days)
	candles, err := h.client.CandleData(ctx, ref.exchange, ref.token, interval, from, now)
	if err != nil {
		return nil, fmt.Errorf("fetch historical %s %s: %w", instrument, tf, err)
	}

	bars := toBars(instrument, tf, candles)
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// FetchIntraday returns today's session candles so far. Before the open
// there is nothing to fetch.
func (h *SmartHistory) FetchIntraday(ctx context.Context, instrument string, tf model.Timeframe) ([]model.Bar, error) {
	interval, err := intervalFor(tf)
	if err != nil {
		return nil, err
	}
	ref, err := h.resolve(ctx, instrument)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(markethours.IST)
	open := time.Date(now.Year(), now.Month(), now.Day(), markethours.OpenHour, markethours.OpenMinute, 0, 0, markethours.IST)
	if now.Before(open) {
		return nil, nil
	}
	candles, err := h.client.CandleData(ctx, ref.exchange, ref.token, interval, open, now)
	if err != nil {
		return nil, fmt.Errorf("fetch intraday %s %s: %w", instrument, tf, err)
	}
	return toBars(instrument, tf, candles), nil
}

// resolve turns an instrument key into an exchange and scrip token.
// Index keys use the static token table; equities go through scrip
// search, preferring the -EQ series over derivatives matches.
func (h *SmartHistory) resolve(ctx context.Context, instrument string) (tokenLookup, error) {
	h.mu.Lock()
	if ref, ok := h.tokens[instrument]; ok {
		h.mu.Unlock()
		return ref, nil
	}
	h.mu.Unlock()

	name := instrument
	if i := strings.LastIndex(instrument, "|"); i >= 0 {
		name = instrument[i+1:]
	}

	var ref tokenLookup
	if strings.HasPrefix(instrument, "NSE_INDEX|") {
		token, ok := indexTokens[name]
		if !ok {
			return tokenLookup{}, fmt.Errorf("no historical token for index %q", name)
		}
		ref = tokenLookup{exchange: "NSE", token: token}
	} else {
		rows, err := h.client.SearchScrip(ctx, "NSE", name)
		if err != nil {
			return tokenLookup{}, fmt.Errorf("resolve %s: %w", instrument, err)
		}
		if len(rows) == 0 {
			return tokenLookup{}, fmt.Errorf("resolve %s: no matching scrip", instrument)
		}
		row := rows[0]
		want := strings.ToUpper(name) + "-EQ"
		for _, r := range rows {
			if strings.EqualFold(r.TradingSymbol, want) {
				row = r
				break
			}
		}
		exchange := row.Exchange
		if exchange == "" {
			exchange = "NSE"
		}
		ref = tokenLookup{exchange: exchange, token: row.SymbolToken}
	}

	h.mu.Lock()
	h.tokens[instrument] = ref
	h.mu.Unlock()
	h.log.Debug().Str("instrument", instrument).Str("token", ref.token).Msg("resolved scrip token")
	return ref, nil
}

// toBars converts broker candles into chronological bars keyed to the
// instrument's display symbol.
func toBars(instrument string, tf model.Timeframe, candles []smartconnect.Candle) []model.Bar {
	symbol := instrument
	if i := strings.LastIndex(instrument, "|"); i >= 0 {
		symbol = instrument[i+1:]
	}
	bars := make([]model.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, model.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			TS:        c.TS.In(markethours.IST),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars
}
