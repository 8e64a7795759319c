package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"algoengine/internal/markethours"
	"algoengine/internal/model"
)

// KafkaConfig holds consumer group settings for the tick topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka consumes ticks from a topic as part of a consumer group. Two
// payload shapes are accepted: the native model.Tick JSON and the compact
// {"symbol","t","c","v"} form some producers publish.
type Kafka struct {
	cfg    KafkaConfig
	reader *kafka.Reader
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewKafka builds a consumer-group feed.
func NewKafka(cfg KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka feed: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka feed: topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "algoengine"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &Kafka{cfg: cfg, reader: reader, log: log}, nil
}

// Subscribe limits forwarding to the given symbols.
func (f *Kafka) Subscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = symbolSet(symbols)
}

// Run reads the topic until ctx is done. Offsets commit through the
// consumer group on every successful read.
func (f *Kafka) Run(ctx context.Context, out chan<- model.Tick) error {
	defer f.reader.Close()
	f.log.Info().Strs("brokers", f.cfg.Brokers).Str("topic", f.cfg.Topic).
		Str("group", f.cfg.GroupID).Msg("kafka feed started")

	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		tk, ok := parseKafkaTick(msg.Value)
		if !ok {
			f.log.Debug().Bytes("raw", msg.Value).Msg("unparsable kafka tick")
			continue
		}

		f.mu.Lock()
		keep := wanted(f.subs, tk.Symbol)
		f.mu.Unlock()
		if !keep {
			continue
		}
		deliver(out, tk, f.log)
	}
}

// parseKafkaTick decodes either payload shape into a Tick. Millisecond vs
// second epoch values are disambiguated by magnitude.
func parseKafkaTick(raw []byte) (model.Tick, bool) {
	var m struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
		Volume int64   `json:"volume"`
		TS     string  `json:"ts"`
		T      int64   `json:"t"`
		C      float64 `json:"c"`
		V      float64 `json:"v"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Tick{}, false
	}

	price := m.Price
	if price == 0 {
		price = m.C
	}
	if m.Symbol == "" || price <= 0 {
		return model.Tick{}, false
	}

	volume := m.Volume
	if volume == 0 && m.V != 0 {
		volume = int64(m.V)
	}

	var ts time.Time
	switch {
	case m.TS != "":
		if parsed, ok := model.ParseTimestamp(m.TS, markethours.IST); ok {
			ts = parsed
		}
	case m.T > 1e11: // epoch milliseconds
		ts = time.UnixMilli(m.T).In(markethours.IST)
	case m.T > 0:
		ts = time.Unix(m.T, 0).In(markethours.IST)
	}
	if ts.IsZero() {
		ts = time.Now().In(markethours.IST)
	}

	return model.Tick{Symbol: m.Symbol, Price: price, Volume: volume, TS: ts}, true
}
