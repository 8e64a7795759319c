package smartconnect

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// buildFrame assembles a binary stream packet of the given total length:
// sequence 42, exchange timestamp 1756007400000 ms.
func buildFrame(mode, exchangeType int, token string, ltpPaise int64, size int) []byte {
	b := make([]byte, size)
	b[0] = byte(mode)
	b[1] = byte(exchangeType)
	copy(b[2:27], token)
	binary.LittleEndian.PutUint64(b[27:35], 42)
	binary.LittleEndian.PutUint64(b[35:43], uint64(1756007400000))
	binary.LittleEndian.PutUint64(b[43:51], uint64(ltpPaise))
	return b
}

func TestParseLTPFrame(t *testing.T) {
	raw := buildFrame(ModeLTP, NSE_CM, "26009", 5251025, frameLenLTP)

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Mode != ModeLTP || f.ExchangeType != NSE_CM {
		t.Errorf("mode/exchange = %d/%d, want %d/%d", f.Mode, f.ExchangeType, ModeLTP, NSE_CM)
	}
	if f.Token != "26009" {
		t.Errorf("token = %q, want 26009 (zero padding stripped)", f.Token)
	}
	if f.Sequence != 42 {
		t.Errorf("sequence = %d, want 42", f.Sequence)
	}
	if f.LTP != 52510.25 {
		t.Errorf("ltp = %v, want 52510.25 (paise converted)", f.LTP)
	}
	if got := f.ExchangeTime.UnixMilli(); got != 1756007400000 {
		t.Errorf("exchange time = %d ms, want 1756007400000", got)
	}
	if f.DayVolume != 0 || f.OpenInterest != 0 {
		t.Errorf("LTP frame populated quote fields: vol=%d oi=%d", f.DayVolume, f.OpenInterest)
	}
}

func TestParseQuoteFrame(t *testing.T) {
	raw := buildFrame(ModeQuote, NSE_FO, "43125", 12550, frameLenQuote)
	binary.LittleEndian.PutUint64(raw[51:59], 75)      // last traded qty
	binary.LittleEndian.PutUint64(raw[59:67], 12410)   // avg traded price, paise
	binary.LittleEndian.PutUint64(raw[67:75], 1250000) // day volume
	binary.LittleEndian.PutUint64(raw[75:83], math.Float64bits(5200.0))
	binary.LittleEndian.PutUint64(raw[83:91], math.Float64bits(4800.0))
	binary.LittleEndian.PutUint64(raw[91:99], 11800)
	binary.LittleEndian.PutUint64(raw[99:107], 13100)
	binary.LittleEndian.PutUint64(raw[107:115], 11650)
	binary.LittleEndian.PutUint64(raw[115:123], 11900)

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.LTP != 125.50 {
		t.Errorf("ltp = %v, want 125.50", f.LTP)
	}
	if f.LastTradedQty != 75 {
		t.Errorf("last traded qty = %d, want 75", f.LastTradedQty)
	}
	if f.AvgTradedPrice != 124.10 {
		t.Errorf("atp = %v, want 124.10", f.AvgTradedPrice)
	}
	if f.DayVolume != 1250000 {
		t.Errorf("day volume = %d, want 1250000", f.DayVolume)
	}
	if f.TotalBuyQty != 5200 || f.TotalSellQty != 4800 {
		t.Errorf("buy/sell qty = %v/%v, want 5200/4800", f.TotalBuyQty, f.TotalSellQty)
	}
	if f.DayOpen != 118 || f.DayHigh != 131 || f.DayLow != 116.50 || f.PrevClose != 119 {
		t.Errorf("ohlc = %v/%v/%v/%v, want 118/131/116.50/119",
			f.DayOpen, f.DayHigh, f.DayLow, f.PrevClose)
	}
}

func TestParseSnapQuoteCarriesOpenInterest(t *testing.T) {
	raw := buildFrame(ModeSnapQuote, NSE_FO, "43125", 12550, frameLenSnapQuote)
	binary.LittleEndian.PutUint64(raw[123:131], uint64(1756007400123))
	binary.LittleEndian.PutUint64(raw[131:139], 1234567)

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.OpenInterest != 1234567 {
		t.Errorf("open interest = %d, want 1234567", f.OpenInterest)
	}
	if got := f.LastTradedTime.UnixMilli(); got != 1756007400123 {
		t.Errorf("last traded time = %d ms, want 1756007400123", got)
	}
}

func TestParseRejectsShortFrame(t *testing.T) {
	if _, err := parseTickFrame(make([]byte, frameLenLTP-1)); err == nil {
		t.Fatal("50-byte frame parsed, want error")
	}
}

// Quote-sized fields are only read when the frame is long enough, even if
// the mode byte claims quote. Oversized LTP frames happen during exchange
// mode transitions.
func TestParseTruncatedQuoteDegradesToLTP(t *testing.T) {
	raw := buildFrame(ModeQuote, NSE_CM, "3045", 210075, frameLenLTP)

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.LTP != 2100.75 {
		t.Errorf("ltp = %v, want 2100.75", f.LTP)
	}
	if f.DayVolume != 0 || f.LastTradedQty != 0 {
		t.Errorf("truncated quote populated extended fields")
	}
}

func TestCurrencyDerivativePriceDivisor(t *testing.T) {
	raw := buildFrame(ModeLTP, CDE_FO, "1", 837500000, frameLenLTP)

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.LTP != 83.75 {
		t.Errorf("cde ltp = %v, want 83.75 (1e-7 units)", f.LTP)
	}
}

func TestSubscribeRecordsForReplay(t *testing.T) {
	s, err := NewStream(StreamConfig{
		AuthToken: "a", APIKey: "k", ClientCode: "c", FeedToken: "f",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	// Not connected: Subscribe records without error.
	if err := s.Subscribe(ModeQuote, []TokenListEntry{
		{ExchangeType: NSE_CM, Tokens: []string{"26009", "26000"}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Subscribe(ModeQuote, []TokenListEntry{
		{ExchangeType: NSE_CM, Tokens: []string{"26000", "2885"}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := s.subs[ModeQuote][NSE_CM]
	want := []string{"26009", "26000", "2885"}
	if len(got) != len(want) {
		t.Fatalf("recorded tokens = %v, want %v (deduplicated)", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if err := s.Unsubscribe(ModeQuote, []TokenListEntry{
		{ExchangeType: NSE_CM, Tokens: []string{"26000"}},
	}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	got = s.subs[ModeQuote][NSE_CM]
	if len(got) != 2 || got[0] != "26009" || got[1] != "2885" {
		t.Errorf("tokens after unsubscribe = %v, want [26009 2885]", got)
	}
}

func TestNewStreamRequiresTokens(t *testing.T) {
	if _, err := NewStream(StreamConfig{AuthToken: "a"}, zerolog.Nop()); err == nil {
		t.Fatal("stream built without credentials")
	}
}

func TestCstring(t *testing.T) {
	b := make([]byte, 25)
	copy(b, "26009")
	if got := cstring(b); got != "26009" {
		t.Errorf("cstring = %q, want 26009", got)
	}
	if got := cstring([]byte("abc")); got != "abc" {
		t.Errorf("cstring without terminator = %q, want abc", got)
	}
}

func TestExchangeTimestampRoundtrip(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	want := time.Date(2026, 8, 24, 9, 20, 0, 0, ist)
	raw := buildFrame(ModeLTP, NSE_CM, "26000", 100, frameLenLTP)
	binary.LittleEndian.PutUint64(raw[35:43], uint64(want.UnixMilli()))

	f, err := parseTickFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.ExchangeTime.Equal(want) {
		t.Errorf("exchange time = %v, want %v", f.ExchangeTime.In(ist), want)
	}
}
