package options

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

// UnderlyingSpec describes how to assemble a chain for one underlying:
// where its spot trades and how far apart its strikes sit.
type UnderlyingSpec struct {
	Name         string // SmartAPI option name, e.g. NIFTY
	SpotExchange string
	SpotSymbol   string
	SpotToken    string
	StrikeStep   int
}

// defaultUnderlyings covers the index underlyings the engine trades out
// of the box. Equity underlyings need an explicit spec.
var defaultUnderlyings = map[string]UnderlyingSpec{
	"NIFTY":     {Name: "NIFTY", SpotExchange: "NSE", SpotSymbol: "Nifty 50", SpotToken: "99926000", StrikeStep: 50},
	"BANKNIFTY": {Name: "BANKNIFTY", SpotExchange: "NSE", SpotSymbol: "Nifty Bank", SpotToken: "99926009", StrikeStep: 100},
	"FINNIFTY":  {Name: "FINNIFTY", SpotExchange: "NSE", SpotSymbol: "Nifty Fin Service", SpotToken: "99926037", StrikeStep: 50},
}

// underlyingAliases folds instrument-key spellings onto canonical names.
var underlyingAliases = map[string]string{
	"NIFTY50":          "NIFTY",
	"NIFTYBANK":        "BANKNIFTY",
	"NIFTYFINSERVICE":  "FINNIFTY",
	"NIFTYFINSERVICES": "FINNIFTY",
}

// SmartSourceConfig tunes the SmartAPI chain assembly.
type SmartSourceConfig struct {
	Exchange       string       // option segment, default NFO
	StrikesPerSide int          // strikes each side of ATM, default 5
	Expiry         string       // explicit expiry like 28AUG2025; empty resolves the next weekly
	ExpiryWeekday  time.Weekday // weekly expiry day, default Thursday
	Underlyings    map[string]UnderlyingSpec
}

// SmartSource assembles chain snapshots from three SmartAPI surfaces:
// option greeks for IV and delta, symbol search for contract tokens and
// FULL quotes for premium, open interest and depth. Token lookups are
// cached per (underlying, expiry) since the universe is fixed for a day.
type SmartSource struct {
	client *smartconnect.Client
	cfg    SmartSourceConfig
	log    zerolog.Logger

	mu     sync.Mutex
	tokens map[string]map[string]string // underlying+expiry -> tradingSymbol -> token
}

// NewSmartSource builds a SmartSource over an authenticated client.
func NewSmartSource(client *smartconnect.Client, cfg SmartSourceConfig, log zerolog.Logger) *SmartSource {
	if cfg.Exchange == "" {
		cfg.Exchange = "NFO"
	}
	if cfg.StrikesPerSide <= 0 {
		cfg.StrikesPerSide = 5
	}
	if cfg.ExpiryWeekday == 0 {
		cfg.ExpiryWeekday = time.Thursday
	}
	return &SmartSource{
		client: client,
		cfg:    cfg,
		log:    log,
		tokens: map[string]map[string]string{},
	}
}

// Chain assembles a snapshot of strikes around ATM for the instrument.
func (s *SmartSource) Chain(ctx context.Context, instrument string) ([]model.OptionContract, error) {
	spec, err := s.resolve(instrument)
	if err != nil {
		return nil, err
	}
	expiry := s.expiry()

	spot, err := s.client.LTP(ctx, spec.SpotExchange, spec.SpotSymbol, spec.SpotToken)
	if err != nil {
		return nil, fmt.Errorf("underlying ltp: %w", err)
	}
	if spot <= 0 {
		return nil, fmt.Errorf("underlying ltp for %s is %v", spec.Name, spot)
	}

	greeks, err := s.client.OptionGreeks(ctx, spec.Name, formatExpiryGreeks(expiry))
	if err != nil {
		return nil, fmt.Errorf("option greeks: %w", err)
	}
	greekByKey := make(map[string]smartconnect.OptionGreekRow, len(greeks))
	for _, g := range greeks {
		greekByKey[greekKey(int(g.Strike), g.OptionType)] = g
	}

	tokens, err := s.contractTokens(ctx, spec, expiry)
	if err != nil {
		return nil, err
	}

	atm := int(spot/float64(spec.StrikeStep)+0.5) * spec.StrikeStep
	type slot struct {
		strike int
		kind   string
	}
	byToken := map[string]slot{}
	var want []string
	for i := -s.cfg.StrikesPerSide; i <= s.cfg.StrikesPerSide; i++ {
		strike := atm + i*spec.StrikeStep
		for _, optType := range []string{"CE", "PE"} {
			sym := contractSymbol(spec.Name, expiry, strike, optType)
			token, ok := tokens[sym]
			if !ok {
				s.log.Debug().Str("symbol", sym).Msg("contract token not found, skipping strike")
				continue
			}
			byToken[token] = slot{strike: strike, kind: kindFor(optType)}
			want = append(want, token)
		}
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("no %s contracts resolved around ATM %d", spec.Name, atm)
	}

	quotes, err := s.client.FullQuote(ctx, map[string][]string{s.cfg.Exchange: want})
	if err != nil {
		return nil, fmt.Errorf("contract quotes: %w", err)
	}

	now := time.Now().In(markethours.IST)
	chain := make([]model.OptionContract, 0, len(quotes))
	for _, q := range quotes {
		sl, ok := byToken[q.SymbolToken]
		if !ok {
			continue
		}
		c := model.OptionContract{
			Symbol:        q.TradingSymbol,
			TradingSymbol: q.TradingSymbol,
			Strike:        sl.strike,
			Kind:          sl.kind,
			Expiry:        expiry,
			OI:            q.OI,
			LTP:           q.LTP,
			Bid:           q.BestBid,
			Ask:           q.BestAsk,
			Timestamp:     now,
		}
		if g, ok := greekByKey[greekKey(sl.strike, optTypeFor(sl.kind))]; ok {
			c.IV = g.IV
			delta, gamma, theta, vega := g.Delta, g.Gamma, g.Theta, g.Vega
			c.Delta, c.Gamma, c.Theta, c.Vega = &delta, &gamma, &theta, &vega
		}
		chain = append(chain, c)
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Strike != chain[j].Strike {
			return chain[i].Strike < chain[j].Strike
		}
		return chain[i].Kind < chain[j].Kind
	})
	return chain, nil
}

// Spot returns the underlying last traded price.
func (s *SmartSource) Spot(ctx context.Context, instrument string) (float64, error) {
	spec, err := s.resolve(instrument)
	if err != nil {
		return 0, err
	}
	return s.client.LTP(ctx, spec.SpotExchange, spec.SpotSymbol, spec.SpotToken)
}

// contractTokens resolves tradingSymbol -> token for one underlying and
// expiry with a single symbol search, cached for reuse across snapshots.
func (s *SmartSource) contractTokens(ctx context.Context, spec UnderlyingSpec, expiry time.Time) (map[string]string, error) {
	key := spec.Name + "|" + formatExpirySymbol(expiry)

	s.mu.Lock()
	cached, ok := s.tokens[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := s.client.SearchScrip(ctx, s.cfg.Exchange, spec.Name+formatExpirySymbol(expiry))
	if err != nil {
		return nil, fmt.Errorf("search contracts: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no %s contracts listed for expiry %s", spec.Name, formatExpirySymbol(expiry))
	}

	tokens := make(map[string]string, len(rows))
	for _, r := range rows {
		tokens[r.TradingSymbol] = r.SymbolToken
	}

	s.mu.Lock()
	s.tokens[key] = tokens
	s.mu.Unlock()
	s.log.Debug().Str("underlying", spec.Name).Int("contracts", len(tokens)).Msg("contract tokens resolved")
	return tokens, nil
}

func (s *SmartSource) resolve(instrument string) (UnderlyingSpec, error) {
	name := NormalizeUnderlying(instrument)
	if spec, ok := s.cfg.Underlyings[name]; ok {
		return spec, nil
	}
	if spec, ok := defaultUnderlyings[name]; ok {
		return spec, nil
	}
	return UnderlyingSpec{}, fmt.Errorf("no underlying spec for %q", instrument)
}

// expiry resolves the chain expiry: explicit config wins, otherwise the
// next weekly expiry day on or after today (IST).
func (s *SmartSource) expiry() time.Time {
	if s.cfg.Expiry != "" {
		if t, err := time.ParseInLocation("02Jan2006", titleExpiry(s.cfg.Expiry), markethours.IST); err == nil {
			return t
		}
		s.log.Warn().Str("expiry", s.cfg.Expiry).Msg("unparsable expiry override, resolving weekly")
	}
	now := time.Now().In(markethours.IST)
	d := (int(s.cfg.ExpiryWeekday) - int(now.Weekday()) + 7) % 7
	day := now.AddDate(0, 0, d)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, markethours.IST)
}

// NormalizeUnderlying maps instrument-key spellings like
// "NSE_INDEX|Nifty 50" onto canonical option underlying names.
func NormalizeUnderlying(instrument string) string {
	s := instrument
	if i := strings.LastIndexByte(s, '|'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if canon, ok := underlyingAliases[s]; ok {
		return canon
	}
	return s
}

// contractSymbol builds the NFO trading symbol, e.g. NIFTY28AUG2524500CE.
func contractSymbol(name string, expiry time.Time, strike int, optType string) string {
	return fmt.Sprintf("%s%s%d%s", name, formatExpirySymbol(expiry), strike, optType)
}

// formatExpiryGreeks renders 28AUG2025, the greeks endpoint format.
func formatExpiryGreeks(t time.Time) string {
	return strings.ToUpper(t.Format("02Jan2006"))
}

// formatExpirySymbol renders 28AUG25, the trading symbol fragment.
func formatExpirySymbol(t time.Time) string {
	return strings.ToUpper(t.Format("02Jan06"))
}

// titleExpiry converts 28AUG2025 to 28Aug2025 so time.Parse accepts it.
func titleExpiry(s string) string {
	if len(s) < 5 {
		return s
	}
	return s[:2] + strings.ToUpper(s[2:3]) + strings.ToLower(s[3:5]) + s[5:]
}

func kindFor(optType string) string {
	if optType == "PE" {
		return model.KindPut
	}
	return model.KindCall
}

func optTypeFor(kind string) string {
	if kind == model.KindPut {
		return "PE"
	}
	return "CE"
}

func greekKey(strike int, optType string) string {
	return fmt.Sprintf("%d|%s", strike, optType)
}
