package smartconnect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Market stream endpoint and protocol constants.
const (
	StreamURL         = "wss://smartapisocket.angelone.in/smart-stream"
	heartbeatMessage  = "ping"
	heartbeatInterval = 10 * time.Second

	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// TokenListEntry groups tokens by exchange type for subscribe requests.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// TickFrame is one parsed binary packet from the stream. Prices arrive in
// paise (1e-7 units on CDE) and are converted to rupees here. Quote fields
// are populated for ModeQuote and up, OpenInterest only for ModeSnapQuote.
type TickFrame struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTime time.Time
	LTP          float64

	LastTradedQty  int64
	AvgTradedPrice float64
	DayVolume      int64
	TotalBuyQty    float64
	TotalSellQty   float64
	DayOpen        float64
	DayHigh        float64
	DayLow         float64
	PrevClose      float64

	LastTradedTime time.Time
	OpenInterest   int64
}

// StreamConfig carries the feed credentials and reconnect tuning.
type StreamConfig struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	URL               string        // default StreamURL
	ReconnectDelay    time.Duration // default 2s, doubles per failure
	MaxReconnectDelay time.Duration // default 30s
}

// Stream is the SmartAPI binary market stream. Subscriptions are recorded
// and replayed after every (re)connect, so Subscribe may be called before
// Run. OnTick runs on the read goroutine and must not block.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[int]map[int][]string // mode -> exchangeType -> tokens
	lastPong time.Time

	OnTick       func(TickFrame)
	OnConnect    func()
	OnDisconnect func(error)
}

// StreamCredentials builds a StreamConfig from the client's live session.
// Call after Login; the tokens are snapshotted, not live references.
func (c *Client) StreamCredentials() StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StreamConfig{
		AuthToken:  c.accessToken,
		APIKey:     c.cfg.APIKey,
		ClientCode: c.cfg.ClientCode,
		FeedToken:  c.feedToken,
	}
}

// NewStream builds a Stream; all four tokens are required.
func NewStream(cfg StreamConfig, log zerolog.Logger) (*Stream, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartconnect stream: all four tokens are required")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Stream{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log,
		subs:   map[int]map[int][]string{},
	}, nil
}

// Subscribe records the token set and, when connected, sends the request.
func (s *Stream) Subscribe(mode int, entries []TokenListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mm := s.subs[mode]
	if mm == nil {
		mm = map[int][]string{}
		s.subs[mode] = mm
	}
	for _, e := range entries {
		mm[e.ExchangeType] = appendUnique(mm[e.ExchangeType], e.Tokens)
	}
	return s.sendActionLocked(SubscribeAction, mode, entries)
}

// Unsubscribe removes tokens from the recorded set and, when connected,
// sends the request.
func (s *Stream) Unsubscribe(mode int, entries []TokenListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mm := s.subs[mode]; mm != nil {
		for _, e := range entries {
			kept := removeTokens(mm[e.ExchangeType], e.Tokens)
			if len(kept) == 0 {
				delete(mm, e.ExchangeType)
			} else {
				mm[e.ExchangeType] = kept
			}
		}
	}
	return s.sendActionLocked(UnsubscribeAction, mode, entries)
}

// Run connects and reads until ctx is done, redialing with doubling
// backoff and replaying subscriptions after every reconnect.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}
		s.log.Warn().Err(err).Dur("retry_in", delay).Msg("market stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", s.cfg.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// A stalled connection is detected by read deadline: every frame or
	// pong extends it by three heartbeats.
	conn.SetReadDeadline(time.Now().Add(3 * heartbeatInterval))
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(3 * heartbeatInterval))
	})
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	s.log.Info().Str("url", s.cfg.URL).Msg("market stream connected")
	if s.OnConnect != nil {
		s.OnConnect()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(3 * heartbeatInterval))

		switch mt {
		case websocket.BinaryMessage:
			frame, err := parseTickFrame(payload)
			if err != nil {
				s.log.Debug().Err(err).Int("len", len(payload)).Msg("unparsable stream frame")
				continue
			}
			if s.OnTick != nil {
				s.OnTick(frame)
			}
		case websocket.TextMessage:
			// The server answers heartbeats with a literal "pong" text frame.
			if string(payload) == "pong" {
				s.mu.Lock()
				s.lastPong = time.Now()
				s.mu.Unlock()
			}
		}
	}
}

func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(2 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte(heartbeatMessage), deadline); err != nil {
				s.log.Debug().Err(err).Msg("heartbeat write failed")
				conn.Close()
				return
			}
		}
	}
}

// resubscribe replays every recorded subscription on a fresh connection.
func (s *Stream) resubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for mode, mm := range s.subs {
		entries := make([]TokenListEntry, 0, len(mm))
		for ex, tokens := range mm {
			entries = append(entries, TokenListEntry{ExchangeType: ex, Tokens: tokens})
		}
		if len(entries) == 0 {
			continue
		}
		if err := s.sendActionLocked(SubscribeAction, mode, entries); err != nil {
			return err
		}
	}
	return nil
}

// sendActionLocked writes a subscribe/unsubscribe request. Callers hold
// s.mu, which also serializes JSON writers on the connection. A nil
// connection is not an error: the request replays on the next connect.
func (s *Stream) sendActionLocked(action, mode int, entries []TokenListEntry) error {
	if s.conn == nil || len(entries) == 0 {
		return nil
	}
	req := map[string]any{
		"correlationID": fmt.Sprintf("sub-%d-%d", mode, time.Now().UnixNano()),
		"action":        action,
		"params": map[string]any{
			"mode":      mode,
			"tokenList": entries,
		},
	}
	return s.conn.WriteJSON(req)
}

// Binary packet layout (little endian): mode u8, exchange type u8, token
// as zero-padded ASCII [2:27], sequence i64 [27:35], exchange timestamp
// ms i64 [35:43], LTP i64 [43:51]. Quote mode extends to 123 bytes with
// traded quantities, day volume and OHLC; snap quote to 379 with open
// interest at [131:139]. The OI-change field at [139:147] is documented
// as garbage by the exchange and skipped.
const (
	frameLenLTP       = 51
	frameLenQuote     = 123
	frameLenSnapQuote = 379
)

func parseTickFrame(b []byte) (TickFrame, error) {
	if len(b) < frameLenLTP {
		return TickFrame{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}

	f := TickFrame{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        cstring(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
	}
	div := priceDivisor(f.ExchangeType)
	f.ExchangeTime = time.UnixMilli(int64(binary.LittleEndian.Uint64(b[35:43])))
	f.LTP = float64(int64(binary.LittleEndian.Uint64(b[43:51]))) / div

	if f.Mode >= ModeQuote && len(b) >= frameLenQuote {
		f.LastTradedQty = int64(binary.LittleEndian.Uint64(b[51:59]))
		f.AvgTradedPrice = float64(int64(binary.LittleEndian.Uint64(b[59:67]))) / div
		f.DayVolume = int64(binary.LittleEndian.Uint64(b[67:75]))
		f.TotalBuyQty = leFloat64(b[75:83])
		f.TotalSellQty = leFloat64(b[83:91])
		f.DayOpen = float64(int64(binary.LittleEndian.Uint64(b[91:99]))) / div
		f.DayHigh = float64(int64(binary.LittleEndian.Uint64(b[99:107]))) / div
		f.DayLow = float64(int64(binary.LittleEndian.Uint64(b[107:115]))) / div
		f.PrevClose = float64(int64(binary.LittleEndian.Uint64(b[115:123]))) / div
	}
	if f.Mode == ModeSnapQuote && len(b) >= frameLenSnapQuote {
		f.LastTradedTime = time.UnixMilli(int64(binary.LittleEndian.Uint64(b[123:131])))
		f.OpenInterest = int64(binary.LittleEndian.Uint64(b[131:139]))
	}
	return f, nil
}

// priceDivisor converts wire prices to rupees: paise everywhere except
// currency derivatives, which stream in 1e-7 units.
func priceDivisor(exchangeType int) float64 {
	if exchangeType == CDE_FO {
		return 1e7
	}
	return 100
}

func cstring(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func leFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; !ok {
			dst = append(dst, v)
			seen[v] = struct{}{}
		}
	}
	return dst
}

func removeTokens(src, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, v := range remove {
		drop[v] = struct{}{}
	}
	out := src[:0]
	for _, v := range src {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
