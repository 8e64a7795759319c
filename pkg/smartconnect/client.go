// Package smartconnect is a typed client for the Angel One SmartAPI:
// password+TOTP login, historical candles, quotes, option greeks, the
// instrument master and the binary market stream.
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
)

const (
	defaultRoot        = "https://apiconnect.angelone.in"
	defaultScripMaster = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
	defaultTimeout     = 7 * time.Second
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.candle.data":  "/rest/secure/angelbroking/historical/v1/getCandleData",
	"api.ltp.data":     "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.market.data":  "/rest/secure/angelbroking/market/v1/quote",
	"api.optionGreek":  "/rest/secure/angelbroking/marketData/v1/optionGreek",
	"api.search.scrip": "/rest/secure/angelbroking/order/v1/searchScrip",
}

// Config holds credentials and transport options for a Client.
// TOTPSecret is the base32 authenticator seed; one-time codes are
// generated per login.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string

	RootURL        string
	ScripMasterURL string
	Timeout        time.Duration
	ProxyURL       string
	DisableSSL     bool
	Debug          bool

	UserType       string // default USER
	SourceID       string // default WEB
	ClientPublicIP string
	ClientLocalIP  string
	ClientMAC      string
}

// Client is a SmartAPI REST client. Token state is guarded so the
// feed, the chain provider and a relogin hook can share one instance.
type Client struct {
	cfg        Config
	rootURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string

	// SessionExpiryHook fires when the API reports a TokenException on
	// an authenticated call.
	SessionExpiryHook func()
}

// NewClient builds a Client; unset Config fields get SmartAPI defaults.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.ScripMasterURL == "" {
		cfg.ScripMasterURL = defaultScripMaster
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = firstNonEmpty(localIP(), "127.0.0.1")
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = firstNonEmpty(publicIP(3*time.Second), "106.193.147.98")
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}

	return &Client{
		cfg:        cfg,
		rootURL:    strings.TrimRight(cfg.RootURL, "/"),
		httpClient: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		log:        log,
	}
}

// Session is the token set issued by a successful login.
type Session struct {
	ClientCode   string
	AccessToken  string
	RefreshToken string
	FeedToken    string
}

// Login authenticates with password plus a freshly generated TOTP and
// stores the issued tokens on the client.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}

	env, err := c.doRequest(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}

	c.mu.Lock()
	c.accessToken = data.JWTToken
	c.refreshToken = data.RefreshToken
	c.feedToken = data.FeedToken
	c.mu.Unlock()

	c.log.Info().Str("client", c.cfg.ClientCode).Msg("smartapi session established")
	return &Session{
		ClientCode:   c.cfg.ClientCode,
		AccessToken:  data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}, nil
}

// Logout terminates the session on the broker side.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "api.logout", map[string]any{
		"clientcode": c.cfg.ClientCode,
	})
	return err
}

// RenewTokens exchanges the refresh token for a fresh access and feed
// token pair.
func (c *Client) RenewTokens(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()

	env, err := c.doRequest(ctx, http.MethodPost, "api.token", map[string]any{
		"refreshToken": refresh,
	})
	if err != nil {
		return fmt.Errorf("renew tokens: %w", err)
	}

	var data struct {
		JWTToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	c.mu.Lock()
	if data.JWTToken != "" {
		c.accessToken = data.JWTToken
	}
	if data.FeedToken != "" {
		c.feedToken = data.FeedToken
	}
	c.mu.Unlock()
	return nil
}

// Profile is the subset of the user profile the engine reports.
type Profile struct {
	ClientCode string   `json:"clientcode"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Exchanges  []string `json:"exchanges"`
}

// Profile fetches the logged-in user profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()

	env, err := c.doRequest(ctx, http.MethodGet, "api.user.profile", map[string]any{
		"refreshToken": refresh,
	})
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// Candle intervals accepted by the historical endpoint.
type Interval string

const (
	IntervalOneMinute     Interval = "ONE_MINUTE"
	IntervalThreeMinute   Interval = "THREE_MINUTE"
	IntervalFiveMinute    Interval = "FIVE_MINUTE"
	IntervalTenMinute     Interval = "TEN_MINUTE"
	IntervalFifteenMinute Interval = "FIFTEEN_MINUTE"
	IntervalThirtyMinute  Interval = "THIRTY_MINUTE"
	IntervalOneHour       Interval = "ONE_HOUR"
	IntervalOneDay        Interval = "ONE_DAY"
)

// Candle is one OHLCV row from the historical endpoint.
type Candle struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// CandleData fetches historical candles for a token. From and to are
// interpreted in exchange time.
func (c *Client) CandleData(ctx context.Context, exchange, symbolToken string, interval Interval, from, to time.Time) ([]Candle, error) {
	env, err := c.doRequest(ctx, http.MethodPost, "api.candle.data", map[string]any{
		"exchange":    exchange,
		"symboltoken": symbolToken,
		"interval":    string(interval),
		"fromdate":    from.Format("2006-01-02 15:04"),
		"todate":      to.Format("2006-01-02 15:04"),
	})
	if err != nil {
		return nil, fmt.Errorf("candle data: %w", err)
	}

	var rows [][]any
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode candle rows: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		tsStr, _ := row[0].(string)
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			c.log.Debug().Str("ts", tsStr).Msg("skipping candle row with bad timestamp")
			continue
		}
		candles = append(candles, Candle{
			TS:     ts,
			Open:   asFloat(row[1]),
			High:   asFloat(row[2]),
			Low:    asFloat(row[3]),
			Close:  asFloat(row[4]),
			Volume: int64(asFloat(row[5])),
		})
	}
	return candles, nil
}

// LTP returns the last traded price for one scrip.
func (c *Client) LTP(ctx context.Context, exchange, tradingSymbol, symbolToken string) (float64, error) {
	env, err := c.doRequest(ctx, http.MethodPost, "api.ltp.data", map[string]any{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   symbolToken,
	})
	if err != nil {
		return 0, fmt.Errorf("ltp: %w", err)
	}
	var data struct {
		LTP float64 `json:"ltp"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, fmt.Errorf("decode ltp: %w", err)
	}
	return data.LTP, nil
}

// QuoteRow is one scrip from a FULL mode market quote.
type QuoteRow struct {
	Exchange      string
	TradingSymbol string
	SymbolToken   string
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	OI            int64
	BestBid       float64
	BestAsk       float64
}

// FullQuote fetches FULL mode quotes for token lists keyed by exchange
// (for example {"NFO": ["43125", "43126"]}).
func (c *Client) FullQuote(ctx context.Context, exchangeTokens map[string][]string) ([]QuoteRow, error) {
	env, err := c.doRequest(ctx, http.MethodPost, "api.market.data", map[string]any{
		"mode":           "FULL",
		"exchangeTokens": exchangeTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("full quote: %w", err)
	}

	var data struct {
		Fetched []struct {
			Exchange      string  `json:"exchange"`
			TradingSymbol string  `json:"tradingSymbol"`
			SymbolToken   string  `json:"symbolToken"`
			LTP           float64 `json:"ltp"`
			Open          float64 `json:"open"`
			High          float64 `json:"high"`
			Low           float64 `json:"low"`
			Close         float64 `json:"close"`
			TradeVolume   float64 `json:"tradeVolume"`
			OpnInterest   float64 `json:"opnInterest"`
			Depth         struct {
				Buy []struct {
					Price float64 `json:"price"`
				} `json:"buy"`
				Sell []struct {
					Price float64 `json:"price"`
				} `json:"sell"`
			} `json:"depth"`
		} `json:"fetched"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}

	rows := make([]QuoteRow, 0, len(data.Fetched))
	for _, f := range data.Fetched {
		row := QuoteRow{
			Exchange:      f.Exchange,
			TradingSymbol: f.TradingSymbol,
			SymbolToken:   f.SymbolToken,
			LTP:           f.LTP,
			Open:          f.Open,
			High:          f.High,
			Low:           f.Low,
			Close:         f.Close,
			Volume:        int64(f.TradeVolume),
			OI:            int64(f.OpnInterest),
		}
		if len(f.Depth.Buy) > 0 {
			row.BestBid = f.Depth.Buy[0].Price
		}
		if len(f.Depth.Sell) > 0 {
			row.BestAsk = f.Depth.Sell[0].Price
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// OptionGreekRow is one strike from the option greeks endpoint. The API
// serves every numeric field as a string.
type OptionGreekRow struct {
	Name        string
	Expiry      string
	Strike      float64
	OptionType  string // CE or PE
	Delta       float64
	Gamma       float64
	Theta       float64
	Vega        float64
	IV          float64
	TradeVolume float64
}

// OptionGreeks fetches greeks and IV for every strike of an underlying
// at one expiry (formatted like "28AUG2025").
func (c *Client) OptionGreeks(ctx context.Context, name, expiry string) ([]OptionGreekRow, error) {
	env, err := c.doRequest(ctx, http.MethodPost, "api.optionGreek", map[string]any{
		"name":       name,
		"expirydate": expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("option greeks: %w", err)
	}

	var raw []struct {
		Name        string `json:"name"`
		Expiry      string `json:"expiry"`
		StrikePrice string `json:"strikePrice"`
		OptionType  string `json:"optionType"`
		Delta       string `json:"delta"`
		Gamma       string `json:"gamma"`
		Theta       string `json:"theta"`
		Vega        string `json:"vega"`
		IV          string `json:"impliedVolatility"`
		TradeVolume string `json:"tradeVolume"`
	}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode greeks: %w", err)
	}

	rows := make([]OptionGreekRow, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, OptionGreekRow{
			Name:        r.Name,
			Expiry:      r.Expiry,
			Strike:      parseFloat(r.StrikePrice),
			OptionType:  r.OptionType,
			Delta:       parseFloat(r.Delta),
			Gamma:       parseFloat(r.Gamma),
			Theta:       parseFloat(r.Theta),
			Vega:        parseFloat(r.Vega),
			IV:          parseFloat(r.IV),
			TradeVolume: parseFloat(r.TradeVolume),
		})
	}
	return rows, nil
}

// SearchScripRow is one match from the symbol search endpoint.
type SearchScripRow struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// SearchScrip looks up tradable instruments on an exchange segment by
// symbol fragment, for example ("NFO", "NIFTY28AUG2524500CE").
func (c *Client) SearchScrip(ctx context.Context, exchange, query string) ([]SearchScripRow, error) {
	env, err := c.doRequest(ctx, http.MethodPost, "api.search.scrip", map[string]any{
		"exchange":    exchange,
		"searchscrip": query,
	})
	if err != nil {
		return nil, fmt.Errorf("search scrip: %w", err)
	}
	var rows []SearchScripRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode scrips: %w", err)
	}
	return rows, nil
}

// AccessToken returns the current JWT.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// FeedToken returns the current market feed token.
func (c *Client) FeedToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feedToken
}

// ClientCode returns the configured account code.
func (c *Client) ClientCode() string { return c.cfg.ClientCode }

// ---- transport ----

type apiEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) requestHeaders() http.Header {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	h.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	h.Set("X-MACAddress", c.cfg.ClientMAC)
	h.Set("X-PrivateKey", c.cfg.APIKey)
	h.Set("X-UserType", c.cfg.UserType)
	h.Set("X-SourceID", c.cfg.SourceID)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (c *Client) doRequest(ctx context.Context, method, route string, params map[string]any) (*apiEnvelope, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	reqURL := c.rootURL + uri

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, toString(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, _ := json.Marshal(params)
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = c.requestHeaders()

	if c.cfg.Debug {
		c.log.Debug().Str("method", method).Str("url", reqURL).Msg("smartapi request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Debug {
		c.log.Debug().Int("code", resp.StatusCode).Int("bytes", len(raw)).Msg("smartapi response")
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}

	if env.ErrorType != "" {
		if c.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && env.ErrorType == "TokenException" {
			c.SessionExpiryHook()
		}
		return &env, fmt.Errorf("%s: %s", env.ErrorType, env.Message)
	}
	if !env.Status {
		return &env, fmt.Errorf("%s: %s", env.ErrorCode, env.Message)
	}
	return &env, nil
}

// ---- helpers ----

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return ""
}

func publicIP(timeout time.Duration) string {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get("https://api.ipify.org?format=text")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	ip, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(ip)
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}
