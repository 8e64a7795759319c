package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = 30 * time.Second
	maxMsgSize = 4096
)

// Client is a single WebSocket peer. With no subscriptions it receives
// every channel; after a SUBSCRIBE it receives only the named channels
// (status is always delivered).
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]bool
}

type subscribeMsg struct {
	Type     string   `json:"type"`
	ReqID    string   `json:"req_id,omitempty"`
	Channels []string `json:"channels"`
}

// sendBacklog pushes the latest entry of every channel so a fresh client
// renders immediately. A sinceTS cutoff skips entries the client already
// saw before reconnecting.
func (c *Client) sendBacklog(sinceTS string) {
	var cutoff time.Time
	if sinceTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, sinceTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	for channel, e := range c.hub.latest {
		if !cutoff.IsZero() && !e.TS.After(cutoff) {
			continue
		}
		env, err := json.Marshal(map[string]any{
			"channel":     channel,
			"data":        e.Data,
			"ts":          e.TS.Format(time.RFC3339Nano),
			"channel_seq": e.Seq,
			"initial":     true,
		})
		if err != nil {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		c.hub.log.Debug().Msg("ws client disconnected")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch base.Type {
		case "SUBSCRIBE":
			var sub subscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendError(sub.ReqID, "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			c.handleSubscribe(sub)
		case "UNSUBSCRIBE":
			var sub subscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			c.handleUnsubscribe(sub)
		default:
			if base.Ping > 0 {
				c.sendJSON(map[string]any{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
			}
		}
	}
}

func (c *Client) handleSubscribe(msg subscribeMsg) {
	if len(msg.Channels) == 0 {
		c.sendError(msg.ReqID, "channels are required")
		return
	}

	c.subMu.Lock()
	for _, ch := range msg.Channels {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			c.subs[ch] = true
		}
	}
	c.subMu.Unlock()

	c.sendJSON(map[string]any{
		"type":     "ACK",
		"req_id":   msg.ReqID,
		"channels": msg.Channels,
	})
}

func (c *Client) handleUnsubscribe(msg subscribeMsg) {
	c.subMu.Lock()
	for _, ch := range msg.Channels {
		delete(c.subs, strings.TrimSpace(ch))
	}
	c.subMu.Unlock()
}

// matchesChannel reports whether this client should receive a message on
// channel. A bare "bar:1m" subscription covers every symbol on that
// timeframe.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		return true
	}
	if channel == ChannelStatus {
		return true
	}
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if strings.HasPrefix(channel, sub+":") {
			return true
		}
	}
	return false
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(reqID, msg string) {
	c.sendJSON(map[string]any{
		"type":   "ERROR",
		"req_id": reqID,
		"error":  msg,
	})
}
