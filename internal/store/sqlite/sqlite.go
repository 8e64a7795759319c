package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"algoengine/internal/logger"
	"algoengine/internal/markethours"
	"algoengine/internal/metrics"
	"algoengine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the SQLite store.
type Config struct {
	Path    string // path to the database file, e.g. "data/algoengine.db"
	Metrics *metrics.Metrics
}

// Store is the single-writer SQLite store for candles, EMA state and the
// trade journal. It implements model.CandleStore. Live bars arrive through
// Run in batched transactions; warm-seed and journal writes are synchronous.
type Store struct {
	db  *sql.DB
	mtr *metrics.Metrics
	log zerolog.Logger
}

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; readers share it via the pool of one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	s := &Store{
		db:  db,
		mtr: cfg.Metrics,
		log: logger.New("sqlite"),
	}
	s.log.Info().Str("path", cfg.Path).Msg("sqlite store opened")
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol         TEXT    NOT NULL,
			instrument_key TEXT    NOT NULL,
			timeframe      TEXT    NOT NULL,
			ts             INTEGER NOT NULL,
			open           REAL    NOT NULL,
			high           REAL    NOT NULL,
			low            REAL    NOT NULL,
			close          REAL    NOT NULL,
			volume         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, instrument_key, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS ema_state (
			symbol         TEXT    NOT NULL,
			instrument_key TEXT    NOT NULL,
			timeframe      TEXT    NOT NULL,
			period         INTEGER NOT NULL,
			ema_value      REAL    NOT NULL,
			last_ts        INTEGER NOT NULL,
			PRIMARY KEY (symbol, instrument_key, timeframe, period)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			entry_price REAL    NOT NULL,
			size        INTEGER NOT NULL,
			stop_loss   REAL    NOT NULL,
			target      REAL    NOT NULL,
			status      TEXT    NOT NULL,
			created_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS option_trades (
			id                TEXT PRIMARY KEY,
			contract_symbol   TEXT    NOT NULL,
			underlying_side   TEXT    NOT NULL,
			strike            INTEGER NOT NULL,
			kind              TEXT    NOT NULL,
			premium_ltp       REAL    NOT NULL,
			size_lots         INTEGER NOT NULL,
			stop_loss_premium REAL    NOT NULL,
			target_premium    REAL    NOT NULL,
			reasoning         TEXT    NOT NULL,
			status            TEXT    NOT NULL,
			created_at        INTEGER NOT NULL
		);
	`)
	return err
}

// DB exposes the handle for liveness probes.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LoadCandles returns the most recent limit bars for (symbol, instrumentKey,
// tf), ordered ascending by timestamp. Timestamps come back in IST.
func (s *Store) LoadCandles(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND instrument_key = ? AND timeframe = ?
		ORDER BY ts DESC
		LIMIT ?
	`, symbol, instrumentKey, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var ts int64
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		b.Symbol = symbol
		b.Timeframe = tf
		b.TS = time.Unix(ts, 0).In(markethours.IST)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first; callers want chronological order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// PersistCandle upserts a single bar.
func (s *Store) PersistCandle(ctx context.Context, symbol, instrumentKey string, bar model.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, instrument_key, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, symbol, instrumentKey, string(bar.Timeframe), bar.TS.Unix(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	if err != nil {
		return fmt.Errorf("sqlite insert candle: %w", err)
	}
	return nil
}

// PersistCandlesBulk upserts bars in one transaction. Used by warm seeding
// where a history fetch lands hundreds of rows at once.
func (s *Store) PersistCandlesBulk(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, instrument_key, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(symbol, instrumentKey, string(tf), b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bulk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}

	s.mtr.SQLiteCommitDur.Observe(time.Since(start).Seconds())
	return nil
}

// UpsertEMAState persists one EMA period value for (symbol, tf).
func (s *Store) UpsertEMAState(ctx context.Context, symbol, instrumentKey string, tf model.Timeframe, period int, value float64, lastTS time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ema_state (symbol, instrument_key, timeframe, period, ema_value, last_ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, instrumentKey, string(tf), period, value, lastTS.Unix())
	if err != nil {
		return fmt.Errorf("sqlite upsert ema_state: %w", err)
	}
	return nil
}

// TradeTimestamps returns created_at for every trade and option trade in the
// given month (IST bounds), for the monthly per-window cap.
func (s *Store) TradeTimestamps(ctx context.Context, year int, month time.Month) ([]time.Time, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, markethours.IST)
	to := from.AddDate(0, 1, 0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at FROM trades WHERE created_at >= ? AND created_at < ?
		UNION ALL
		SELECT created_at FROM option_trades WHERE created_at >= ? AND created_at < ?
	`, from.Unix(), to.Unix(), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query trade timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("sqlite scan trade timestamp: %w", err)
		}
		out = append(out, time.Unix(ts, 0).In(markethours.IST))
	}
	return out, rows.Err()
}

// Run consumes closed bars from the fan-out bus and persists them in batched
// transactions: flush at batch size or flush delay, whichever first.
// instrumentKey resolves the exchange token for a symbol. Blocks until ctx is
// cancelled or in is closed; the final partial batch is flushed either way.
func (s *Store) Run(ctx context.Context, in <-chan model.Bar, instrumentKey func(symbol string) string) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.insertBatch(batch, instrumentKey); err != nil {
			s.log.Error().Err(err).Int("bars", len(batch)).Msg("batch insert failed")
		} else {
			s.mtr.SQLiteCommitDur.Observe(time.Since(start).Seconds())
			s.log.Debug().Int("bars", len(batch)).Dur("took", time.Since(start)).Msg("batch committed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case bar, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (s *Store) insertBatch(bars []model.Bar, instrumentKey func(symbol string) string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, instrument_key, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		key := b.Symbol
		if instrumentKey != nil {
			key = instrumentKey(b.Symbol)
		}
		if _, err := stmt.Exec(b.Symbol, key, string(b.Timeframe), b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
