package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"algoengine/internal/execution"
	"algoengine/internal/gateway"
	"algoengine/internal/logger"
	"algoengine/internal/metrics"
	"algoengine/internal/model"
	"algoengine/internal/orchestrator"
	"algoengine/internal/portfolio"
)

type fakeEngine struct {
	mu       sync.Mutex
	running  bool
	startErr error
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return orchestrator.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return orchestrator.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeEngine) Status() orchestrator.EngineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.EngineStatus{
		Running: f.running,
		Market:  "OPEN",
		Symbols: []string{"NIFTY"},
	}
}

func (f *fakeEngine) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestServer(t *testing.T, engine Engine, hub *gateway.Hub, health *metrics.HealthStatus) *httptest.Server {
	t.Helper()
	s := New(":0", engine, hub, nil, health, logger.Nop())
	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{running: true}, nil, nil)

	var st orchestrator.EngineStatus
	if code := getJSON(t, srv.URL+"/api/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if !st.Running || st.Market != "OPEN" {
		t.Errorf("status = %+v", st)
	}
	if len(st.Symbols) != 1 || st.Symbols[0] != "NIFTY" {
		t.Errorf("symbols = %v", st.Symbols)
	}
}

func TestControlStartStop(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, nil, nil)

	if code := postStatus(t, srv.URL+"/api/v1/control/start"); code != http.StatusOK {
		t.Fatalf("start = %d, want 200", code)
	}
	if !engine.Running() {
		t.Fatal("engine not running after start")
	}
	if code := postStatus(t, srv.URL+"/api/v1/control/start"); code != http.StatusConflict {
		t.Fatalf("double start = %d, want 409", code)
	}
	if code := postStatus(t, srv.URL+"/api/v1/control/stop"); code != http.StatusOK {
		t.Fatalf("stop = %d, want 200", code)
	}
	if code := postStatus(t, srv.URL+"/api/v1/control/stop"); code != http.StatusConflict {
		t.Fatalf("double stop = %d, want 409", code)
	}
}

func TestSignalsRecent(t *testing.T) {
	hub := gateway.NewHub(16, nil, logger.Nop())
	for i := 0; i < 3; i++ {
		hub.NotifySignal(context.Background(), model.Signal{Symbol: "NIFTY", Side: model.SideBuy, Price: float64(100 + i)})
	}
	srv := newTestServer(t, &fakeEngine{}, hub, nil)

	var body struct {
		Channel string            `json:"channel"`
		Count   int               `json:"count"`
		Items   []json.RawMessage `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/signals/recent?limit=2", &body); code != http.StatusOK {
		t.Fatalf("recent = %d", code)
	}
	if body.Channel != gateway.ChannelSignals || body.Count != 2 || len(body.Items) != 2 {
		t.Fatalf("body = %+v", body)
	}

	var env struct {
		ChannelSeq int64           `json:"channel_seq"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body.Items[1], &env); err != nil {
		t.Fatalf("item: %v", err)
	}
	if env.ChannelSeq != 3 {
		t.Errorf("newest channel_seq = %d, want 3", env.ChannelSeq)
	}

	if code := getJSON(t, srv.URL+"/api/v1/signals/recent?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestSignalsMissed(t *testing.T) {
	hub := gateway.NewHub(16, nil, logger.Nop())
	for i := 0; i < 5; i++ {
		hub.NotifySignal(context.Background(), model.Signal{Symbol: "NIFTY", Side: model.SideSell, Price: float64(200 + i)})
	}
	srv := newTestServer(t, &fakeEngine{}, hub, nil)

	var body struct {
		Count int               `json:"count"`
		Items []json.RawMessage `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/signals/missed?channel=signal&from=2&to=4", &body); code != http.StatusOK {
		t.Fatalf("missed = %d", code)
	}
	if body.Count != 3 || len(body.Items) != 3 {
		t.Fatalf("body = %+v", body)
	}

	if code := getJSON(t, srv.URL+"/api/v1/signals/missed?channel=signal", nil); code != http.StatusBadRequest {
		t.Errorf("missing range = %d, want 400", code)
	}
	if code := getJSON(t, srv.URL+"/api/v1/signals/missed?from=4&to=2", nil); code != http.StatusBadRequest {
		t.Errorf("inverted range = %d, want 400", code)
	}
}

func TestHealthz(t *testing.T) {
	health := metrics.NewHealthStatus()
	srv := newTestServer(t, &fakeEngine{}, nil, health)

	var body struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("cold healthz = %d, want 503", code)
	}

	health.SetFeedConnected(true)
	health.SetRedisConnected(true)
	health.SetSQLiteOK(true)
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	book := portfolio.NewBook()
	book.ApplyFill(execution.Fill{Symbol: "RELIANCE", Side: model.SideBuy, FillPrice: 2950, Qty: 2})
	book.MarkPrice("RELIANCE", 2960)

	s := New(":0", &fakeEngine{}, nil, book, nil, logger.Nop())
	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)

	var body struct {
		Positions []struct {
			Symbol string  `json:"symbol"`
			Qty    int     `json:"qty"`
			Avg    float64 `json:"avg_price"`
		} `json:"positions"`
		Unrealized float64 `json:"unrealized_pnl"`
		Fills      int     `json:"fills"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/portfolio", &body); code != http.StatusOK {
		t.Fatalf("portfolio = %d, want 200", code)
	}
	if len(body.Positions) != 1 || body.Positions[0].Symbol != "RELIANCE" || body.Positions[0].Qty != 2 {
		t.Fatalf("positions = %+v", body.Positions)
	}
	if body.Unrealized != 20 {
		t.Errorf("unrealized = %v, want 20", body.Unrealized)
	}
	if body.Fills != 1 {
		t.Errorf("fills = %d, want 1", body.Fills)
	}

	// Without a book the route is absent.
	bare := newTestServer(t, &fakeEngine{}, nil, nil)
	if code := getJSON(t, bare.URL+"/api/v1/portfolio", nil); code != http.StatusNotFound {
		t.Errorf("portfolio without book = %d, want 404", code)
	}
}

func TestWSStream(t *testing.T) {
	hub := gateway.NewHub(16, nil, logger.Nop())
	srv := newTestServer(t, &fakeEngine{}, hub, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.NotifySignal(context.Background(), model.Signal{Symbol: "NIFTY", Side: model.SideBuy, Price: 22500})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("frame %q: %v", msg, err)
	}
	if env.Channel != gateway.ChannelSignals {
		t.Errorf("channel = %q", env.Channel)
	}
}
