package tradelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spread-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const mirrorWriteTimeout = 3 * time.Second

// Mirror asynchronously copies audit entries into Postgres/Timescale.
// It never blocks the trading path: a full queue drops the entry with
// a warning. Returns (nil, nil) when disabled.
type Mirror struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	entries chan Entry
	started atomic.Bool
	dropped atomic.Uint64
}

func NewMirror(cfg config.TimescaleConfig, log *zap.Logger) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	mirror := &Mirror{
		db:      db,
		log:     log,
		schema:  schema,
		entries: make(chan Entry, queueSize),
	}
	if err := mirror.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return mirror, nil
}

func (m *Mirror) Start(ctx context.Context) {
	if m == nil {
		return
	}
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run(ctx)
}

func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Append satisfies Log. The write happens asynchronously; a full
// queue drops the entry rather than blocking the trading path.
func (m *Mirror) Append(entry Entry) error {
	m.Enqueue(entry)
	return nil
}

// Enqueue hands an entry to the background writer.
func (m *Mirror) Enqueue(entry Entry) {
	if m == nil {
		return
	}
	select {
	case m.entries <- entry:
		return
	default:
		if m.dropped.Add(1) == 1 && m.log != nil {
			m.log.Warn("trade log mirror queue full")
		}
	}
}

func (m *Mirror) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-m.entries:
			m.writeEntry(ctx, entry)
		}
	}
}

func (m *Mirror) table(name string) string {
	return fmt.Sprintf("%s.%s", m.schema, name)
}

func (m *Mirror) exec(ctx context.Context, query string) error {
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Mirror) ensureSchema(ctx context.Context) error {
	if m.db == nil {
		return errors.New("timescale db not initialized")
	}
	if m.schema != "public" {
		if err := m.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", m.schema)); err != nil {
			return err
		}
	}
	if err := m.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		symbol TEXT NOT NULL,
		entry_gap_usd DOUBLE PRECISION NOT NULL,
		exit_gap_usd DOUBLE PRECISION NOT NULL,
		cheap_venue TEXT NOT NULL,
		expensive_venue TEXT NOT NULL,
		size_btc DOUBLE PRECISION NOT NULL,
		realized_pnl_usd DOUBLE PRECISION NOT NULL,
		realized_pnl_btc DOUBLE PRECISION NOT NULL,
		hold_seconds BIGINT NOT NULL,
		cheap_side TEXT NOT NULL,
		cheap_order_id TEXT NOT NULL,
		cheap_filled_size DOUBLE PRECISION NOT NULL,
		cheap_price DOUBLE PRECISION NOT NULL,
		cheap_filled BOOLEAN NOT NULL,
		cheap_fee_usd DOUBLE PRECISION NOT NULL,
		expensive_side TEXT NOT NULL,
		expensive_order_id TEXT NOT NULL,
		expensive_filled_size DOUBLE PRECISION NOT NULL,
		expensive_price DOUBLE PRECISION NOT NULL,
		expensive_filled BOOLEAN NOT NULL,
		expensive_fee_usd DOUBLE PRECISION NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	)`, m.table("trade_log"))); err != nil {
		return err
	}
	if err := m.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if m.log != nil {
			m.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := m.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", m.table("trade_log"))); err != nil && m.log != nil {
		m.log.Warn("timescale trade_log hypertable create failed", zap.Error(err))
	}
	return nil
}

func (m *Mirror) writeEntry(ctx context.Context, entry Entry) {
	if m.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, action, status, symbol, entry_gap_usd, exit_gap_usd, cheap_venue, expensive_venue,
		size_btc, realized_pnl_usd, realized_pnl_btc, hold_seconds,
		cheap_side, cheap_order_id, cheap_filled_size, cheap_price, cheap_filled, cheap_fee_usd,
		expensive_side, expensive_order_id, expensive_filled_size, expensive_price, expensive_filled, expensive_fee_usd,
		note
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
	)`, m.table("trade_log"))
	if _, err := m.db.ExecContext(ctx, query,
		entry.Timestamp,
		string(entry.Action),
		string(entry.Status),
		entry.Symbol,
		entry.EntryGapUSD,
		entry.ExitGapUSD,
		entry.CheapVenue,
		entry.ExpensiveVenue,
		entry.SizeBTC,
		entry.RealizedPnlUSD,
		entry.RealizedPnlBTC,
		entry.HoldDurationSeconds,
		string(entry.CheapLeg.Side),
		entry.CheapLeg.OrderID,
		entry.CheapLeg.FilledSize,
		entry.CheapLeg.Price,
		entry.CheapLeg.Filled,
		entry.CheapLeg.FeeUSD,
		string(entry.ExpensiveLeg.Side),
		entry.ExpensiveLeg.OrderID,
		entry.ExpensiveLeg.FilledSize,
		entry.ExpensiveLeg.Price,
		entry.ExpensiveLeg.Filled,
		entry.ExpensiveLeg.FeeUSD,
		entry.Note,
	); err != nil && m.log != nil {
		m.log.Warn("trade log mirror insert failed", zap.Error(err))
	}
}
