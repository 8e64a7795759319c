// Package gateway streams engine output to WebSocket clients: signals,
// option proposals, closed bars and engine status. Every message carries
// a global and a per-channel sequence number so clients can detect gaps
// and backfill from the replay buffers over REST.
package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"algoengine/internal/markethours"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
)

// Well-known channels. Bar channels are derived per (timeframe, symbol).
const (
	ChannelSignals       = "signal"
	ChannelOptionSignals = "option_signal"
	ChannelStatus        = "status"
)

// BarChannel names the stream for one symbol's closed bars.
func BarChannel(tf model.Timeframe, symbol string) string {
	return "bar:" + string(tf) + ":" + symbol
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// Hub owns the WebSocket clients and the per-channel replay buffers. It
// implements model.NotificationSink so the engine's notification fan-out
// can feed it directly.
type Hub struct {
	log       zerolog.Logger
	mtr       *metrics.Metrics
	replayCap int

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	channelSeqs map[string]int64
	replay      map[string]*Replay
	seq         int64
}

func NewHub(replayCap int, mtr *metrics.Metrics, log zerolog.Logger) *Hub {
	if replayCap <= 0 {
		replayCap = 512
	}
	if mtr == nil {
		mtr = metrics.NewNop()
	}
	return &Hub{
		log:         log,
		mtr:         mtr,
		replayCap:   replayCap,
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replay:      make(map[string]*Replay),
	}
}

// NotifySignal streams an underlying signal to subscribed clients.
func (h *Hub) NotifySignal(_ context.Context, sig model.Signal) error {
	h.Publish(ChannelSignals, sig.JSON())
	return nil
}

// NotifyOptionSignal streams an option proposal to subscribed clients.
func (h *Hub) NotifyOptionSignal(_ context.Context, sig model.OptionSignal) error {
	h.Publish(ChannelOptionSignals, sig.JSON())
	return nil
}

// PublishBar streams one closed bar on its (timeframe, symbol) channel.
func (h *Hub) PublishBar(bar model.Bar) {
	h.Publish(BarChannel(bar.Timeframe, bar.Symbol), bar.JSON())
}

// Publish wraps data in the sequenced envelope, records it for late
// joiners and fans it out. Slow clients lose messages instead of stalling
// the publisher; the per-channel seq lets them notice.
func (h *Hub) Publish(channel string, data []byte) {
	now := time.Now().UTC()

	h.mu.Lock()
	h.seq++
	h.channelSeqs[channel]++
	seq, chSeq := h.seq, h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: chSeq}
	rb, ok := h.replay[channel]
	if !ok {
		rb = NewReplay(h.replayCap)
		h.replay[channel] = rb
	}
	h.mu.Unlock()

	env := envelope(channel, data, now, seq, chSeq)
	rb.Push(chSeq, env)

	h.mu.RLock()
	for c := range h.clients {
		if !c.matchesChannel(channel) {
			continue
		}
		select {
		case c.send <- env:
		default:
			h.mtr.FanoutDropsTotal.WithLabelValues("ws").Inc()
		}
	}
	h.mu.RUnlock()
}

// envelope hand-crafts the wire JSON; data must already be valid JSON.
func envelope(channel string, data []byte, ts time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// ServeWS registers an upgraded connection and starts its pumps. sinceTS,
// when set (RFC3339Nano), filters the initial snapshot to entries newer
// than the client's last sight.
func (h *Hub) ServeWS(conn *websocket.Conn, sinceTS string) {
	c := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]bool),
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Int("clients", count).Msg("ws client connected")

	go c.sendBacklog(sinceTS)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest snapshots the most recent payload per channel.
func (h *Hub) Latest() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// ChannelSeq returns the last sequence published on a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ReplayRange returns buffered envelopes with channel_seq in [from, to].
func (h *Hub) ReplayRange(channel string, from, to int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(from, to)
}

// Recent returns up to n most recent envelopes on a channel, oldest
// first.
func (h *Hub) Recent(channel string, n int) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Last(n)
}

// StartStatusBroadcast publishes an engine status snapshot on a fixed
// interval until ctx is cancelled. Blocks; run it on its own goroutine.
func (h *Hub) StartStatusBroadcast(ctx context.Context, every time.Duration, snapshot func() any) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().In(markethours.IST)
			payload, err := json.Marshal(map[string]any{
				"engine":        snapshot(),
				"market_open":   markethours.IsMarketOpen(now),
				"market_status": markethours.StatusString(now),
				"clients":       h.ClientCount(),
			})
			if err != nil {
				h.log.Warn().Err(err).Msg("status snapshot marshal failed")
				continue
			}
			h.Publish(ChannelStatus, payload)
		}
	}
}
