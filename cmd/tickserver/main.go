// Command tickserver is a development WebSocket tick server. It broadcasts
// random-walk ticks so the engine's ws feed source can run without broker
// credentials. The wire format is model.Tick JSON:
//
//	{"symbol":"RELIANCE","price":2951.35,"volume":42,"ts":"..."}
//
// Point the engine at it with feed.source=ws and the default URL
// ws://localhost:8765/ticks.
package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// startPrices seeds the walk for well-known symbols. Anything else
// starts at 1000.
var startPrices = map[string]float64{
	"RELIANCE":  2950,
	"INFY":      1890,
	"ICICIBANK": 1175,
	"TCS":       4080,
	"NIFTY":     22000,
	"BANKNIFTY": 48000,
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	log     zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte), log: log}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast drops the tick for clients with a full send buffer.
func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		h.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			h.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walk applies a ±0.1% step, floored at one rupee.
func walk(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100
	price += price * pct
	if price < 1 {
		price = 1
	}
	return price
}

func runGenerator(h *hub, symbols []string, interval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		p, ok := startPrices[sym]
		if !ok {
			p = 1000
		}
		prices[sym] = p
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, sym := range symbols {
			prices[sym] = walk(rng, prices[sym])
			msg, err := json.Marshal(model.Tick{
				Symbol: sym,
				Price:  prices[sym],
				Volume: int64(rng.Intn(100) + 1),
				TS:     time.Now().In(markethours.IST),
			})
			if err != nil {
				continue
			}
			h.broadcast(msg)
		}
	}
}

func main() {
	var (
		addr     = flag.String("addr", ":8765", "listen address")
		symbols  = flag.String("symbols", "RELIANCE,INFY,ICICIBANK", "comma-separated symbols to stream")
		interval = flag.Duration("interval", 250*time.Millisecond, "broadcast interval")
	)
	flag.Parse()

	log := logger.Setup(logger.Config{Level: "info", Format: "console"})

	var list []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		log.Fatal().Msg("no symbols configured")
	}

	h := newHub(log)
	go runGenerator(h, list, *interval)

	http.HandleFunc("/ticks", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tickserver"}`))
	})

	log.Info().Str("addr", *addr).Strs("symbols", list).Dur("interval", *interval).Msg("tickserver listening")
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
