package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// WSConfig holds the JSON tick stream settings.
type WSConfig struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial redial delay, doubling per failure.
	// Defaults to 2s, capped at MaxReconnectDelay (default 30s).
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// WS consumes a plain-JSON tick stream (the cmd/tickserver wire format,
// identical to model.Tick) and forwards subscribed symbols. Reconnects
// with doubling backoff until ctx is done.
type WS struct {
	cfg WSConfig
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]struct{}

	// OnReconnect fires before each redial attempt.
	OnReconnect func()
}

// NewWS validates the URL and builds the feed.
func NewWS(cfg WSConfig, log zerolog.Logger) (*WS, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws feed url %q: scheme must be ws or wss", cfg.URL)
	}
	return &WS{cfg: cfg, log: log}, nil
}

// Subscribe limits forwarding to the given symbols. The server broadcasts
// everything; filtering happens client side.
func (f *WS) Subscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = symbolSet(symbols)
}

// Run connects and streams until ctx is done, redialing on disconnect.
func (f *WS) Run(ctx context.Context, out chan<- model.Tick) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx, out)
		if err == nil {
			return nil
		}

		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("ws feed disconnected")
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
		if delay *= 2; delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection attempt and reads until disconnect or
// ctx cancellation.
func (f *WS) runOnce(ctx context.Context, out chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.log.Info().Str("url", f.cfg.URL).Msg("ws feed connected")

	// Close the connection when ctx is cancelled so ReadMessage returns.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var tk model.Tick
		if err := json.Unmarshal(raw, &tk); err != nil {
			f.log.Debug().Err(err).Bytes("raw", raw).Msg("unparsable tick")
			continue
		}
		if tk.Symbol == "" {
			continue
		}

		f.mu.Lock()
		ok := wanted(f.subs, tk.Symbol)
		f.mu.Unlock()
		if !ok {
			continue
		}

		if tk.TS.IsZero() {
			tk.TS = time.Now().In(markethours.IST)
		}
		deliver(out, tk, f.log)
	}
}
