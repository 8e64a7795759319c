package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
	"algoengine/pkg/smartconnect"
)

// TokenRef identifies one streamable instrument on the broker feed.
type TokenRef struct {
	ExchangeType int
	Token        string
}

// SmartAPIConfig maps watchlist symbols onto stream tokens.
type SmartAPIConfig struct {
	Tokens map[string]TokenRef // symbol -> stream token
	Mode   int                 // subscription depth, default quote
}

// SmartAPI adapts the broker binary stream into model.Tick values. It
// manages the session lifecycle itself: wait for the next trading
// session, log in with a fresh TOTP, stream until market close, log out,
// repeat. Quote-mode frames carry last-traded quantity as tick volume.
type SmartAPI struct {
	client *smartconnect.Client
	cfg    SmartAPIConfig
	log    zerolog.Logger

	mu      sync.Mutex
	symbols []string

	// OnReconnect fires on every in-session stream redial.
	OnReconnect func()
}

// NewSmartAPI builds the broker feed over an unauthenticated client.
func NewSmartAPI(client *smartconnect.Client, cfg SmartAPIConfig, log zerolog.Logger) (*SmartAPI, error) {
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("smartapi feed: no stream tokens configured")
	}
	if cfg.Mode == 0 {
		cfg.Mode = smartconnect.ModeQuote
	}
	return &SmartAPI{client: client, cfg: cfg, log: log}, nil
}

// Subscribe selects the symbols to stream. Symbols without a configured
// token are reported once at session start and skipped.
func (f *SmartAPI) Subscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append([]string(nil), symbols...)
}

// Run loops trading sessions until ctx is done.
func (f *SmartAPI) Run(ctx context.Context, out chan<- model.Tick) error {
	for {
		now := time.Now().In(markethours.IST)
		if !markethours.IsMarketOpen(now) {
			connectAt := markethours.WSConnectTime(markethours.NextOpen(now))
			if wait := time.Until(connectAt); wait > 0 {
				f.log.Info().Time("connect_at", connectAt).Msg("market closed, waiting for next session")
				if err := sleepCtx(ctx, wait); err != nil {
					return nil
				}
			}
		}

		if err := f.session(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Error().Err(err).Msg("stream session failed, retrying in 30s")
			if err := sleepCtx(ctx, 30*time.Second); err != nil {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// session logs in, streams until market close or ctx cancellation and
// logs out.
func (f *SmartAPI) session(ctx context.Context, out chan<- model.Tick) error {
	if _, err := f.client.Login(ctx); err != nil {
		return fmt.Errorf("session login: %w", err)
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.client.Logout(offCtx); err != nil {
			f.log.Debug().Err(err).Msg("logout failed")
		}
	}()

	f.mu.Lock()
	symbols := append([]string(nil), f.symbols...)
	f.mu.Unlock()

	bySymbol := map[string]string{} // token -> symbol
	byExchange := map[int][]string{}
	for _, sym := range symbols {
		ref, ok := f.cfg.Tokens[sym]
		if !ok {
			f.log.Warn().Str("symbol", sym).Msg("no stream token configured, symbol not streamed")
			continue
		}
		bySymbol[ref.Token] = sym
		byExchange[ref.ExchangeType] = append(byExchange[ref.ExchangeType], ref.Token)
	}
	if len(bySymbol) == 0 {
		return fmt.Errorf("no streamable symbols among %v", symbols)
	}

	stream, err := smartconnect.NewStream(f.client.StreamCredentials(), f.log)
	if err != nil {
		return err
	}
	stream.OnTick = func(frame smartconnect.TickFrame) {
		sym, ok := bySymbol[frame.Token]
		if !ok {
			return
		}
		ts := frame.ExchangeTime
		if ts.Year() < 2000 {
			ts = time.Now()
		}
		deliver(out, model.Tick{
			Symbol: sym,
			Price:  frame.LTP,
			Volume: frame.LastTradedQty,
			TS:     ts.In(markethours.IST),
		}, f.log)
	}
	stream.OnDisconnect = func(error) {
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
	}

	var entries []smartconnect.TokenListEntry
	for ex, tokens := range byExchange {
		entries = append(entries, smartconnect.TokenListEntry{ExchangeType: ex, Tokens: tokens})
	}
	if err := stream.Subscribe(f.cfg.Mode, entries); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	closeAt := markethours.CloseAt(time.Now().In(markethours.IST))
	sessionCtx, cancel := context.WithDeadline(ctx, closeAt)
	defer cancel()
	f.log.Info().Int("symbols", len(bySymbol)).Time("until", closeAt).Msg("broker stream session started")

	err = stream.Run(sessionCtx)
	if sessionCtx.Err() != nil {
		// Deadline at market close or engine shutdown, both clean.
		f.log.Info().Msg("broker stream session ended")
		return nil
	}
	return err
}
