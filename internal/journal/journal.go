// Package journal persists the executor's trading activity to PostgreSQL.
// It subscribes to the event bus and writes asynchronously, so a slow or
// unavailable database never stalls the trading path.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/events"
)

const writeTimeout = 5 * time.Second

// Journal records executor events into the journal database
type Journal struct {
	db     *DB
	bus    *events.Bus
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournal creates a journal recorder over an open database
func NewJournal(db *DB, bus *events.Bus, logger zerolog.Logger) *Journal {
	return &Journal{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "journal").Logger(),
		done:   make(chan struct{}),
	}
}

// Start begins consuming events in the background
func (j *Journal) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	sub := j.bus.Subscribe()
	go j.consume(ctx, sub)
	j.logger.Info().Msg("Journal recording started")
}

// Stop halts event consumption. Rows already in flight finish writing.
func (j *Journal) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

func (j *Journal) consume(ctx context.Context, sub <-chan events.Event) {
	defer close(j.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			j.record(ev)
		}
	}
}

// record dispatches one event to its table. Failures are logged and the
// event is dropped: journaling is best-effort by contract.
func (j *Journal) record(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case events.EventTradeOpened:
		err = j.recordOpen(ctx, ev)
	case events.EventTradeClosed:
		err = j.recordClose(ctx, ev)
	case events.EventPartialExit:
		err = j.recordPartial(ctx, ev)
	case events.EventSignalGenerated:
		err = j.recordSignal(ctx, ev, false)
	case events.EventSignalRejected:
		err = j.recordSignal(ctx, ev, true)
	default:
		err = j.recordSystem(ctx, ev)
	}

	if err != nil {
		j.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to journal event")
	}
}

func (j *Journal) recordOpen(ctx context.Context, ev events.Event) error {
	query := `
		INSERT INTO trades (ticket, strategy_id, symbol, direction, volume, entry_price, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', $7)
		ON CONFLICT (ticket) DO NOTHING
	`
	_, err := j.db.Pool.Exec(ctx, query,
		asInt64(ev.Data["ticket"]),
		asString(ev.Data["strategy_id"]),
		asString(ev.Data["symbol"]),
		asString(ev.Data["direction"]),
		asFloat(ev.Data["volume"]),
		asFloat(ev.Data["entry_price"]),
		ev.Timestamp,
	)
	return err
}

func (j *Journal) recordClose(ctx context.Context, ev events.Event) error {
	// Upsert: a close can arrive for a position restored from a snapshot
	// whose open predates the journal.
	query := `
		INSERT INTO trades (ticket, symbol, direction, volume, entry_price, close_price, profit, close_reason, status, opened_at, closed_at)
		VALUES ($1, $2, '', $3, 0, $4, $5, $6, 'CLOSED', $7, $7)
		ON CONFLICT (ticket) DO UPDATE
		SET close_price = EXCLUDED.close_price,
		    profit = EXCLUDED.profit,
		    close_reason = EXCLUDED.close_reason,
		    status = 'CLOSED',
		    closed_at = EXCLUDED.closed_at
	`
	_, err := j.db.Pool.Exec(ctx, query,
		asInt64(ev.Data["ticket"]),
		asString(ev.Data["symbol"]),
		asFloat(ev.Data["volume"]),
		asFloat(ev.Data["close_price"]),
		asFloat(ev.Data["profit"]),
		asString(ev.Data["reason"]),
		ev.Timestamp,
	)
	return err
}

func (j *Journal) recordPartial(ctx context.Context, ev events.Event) error {
	query := `
		INSERT INTO partial_exits (ticket, level_id, closed_volume, remaining_volume, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := j.db.Pool.Exec(ctx, query,
		asInt64(ev.Data["ticket"]),
		asString(ev.Data["level_id"]),
		asFloat(ev.Data["closed_volume"]),
		asFloat(ev.Data["remaining_volume"]),
		ev.Timestamp,
	)
	return err
}

func (j *Journal) recordSignal(ctx context.Context, ev events.Event, rejected bool) error {
	query := `
		INSERT INTO signals (strategy_id, symbol, direction, volume, price, rejected, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := j.db.Pool.Exec(ctx, query,
		asString(ev.Data["strategy_id"]),
		asString(ev.Data["symbol"]),
		asString(ev.Data["direction"]),
		asFloat(ev.Data["volume"]),
		asFloat(ev.Data["price"]),
		rejected,
		asString(ev.Data["reason"]),
		ev.Timestamp,
	)
	return err
}

func (j *Journal) recordSystem(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	query := `
		INSERT INTO system_events (event_id, event_type, data, occurred_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = j.db.Pool.Exec(ctx, query, ev.ID, string(ev.Type), data, ev.Timestamp)
	return err
}

// ==================== QUERIES ====================

// TradeRecord is a journaled trade row
type TradeRecord struct {
	Ticket      int64      `json:"ticket"`
	StrategyID  string     `json:"strategyId"`
	Symbol      string     `json:"symbol"`
	Direction   string     `json:"direction"`
	Volume      float64    `json:"volume"`
	EntryPrice  float64    `json:"entryPrice"`
	ClosePrice  *float64   `json:"closePrice,omitempty"`
	Profit      *float64   `json:"profit,omitempty"`
	CloseReason *string    `json:"closeReason,omitempty"`
	Status      string     `json:"status"`
	OpenedAt    time.Time  `json:"openedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
}

// RecentTrades returns the most recently opened trades
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT ticket, COALESCE(strategy_id, ''), symbol, direction, volume, entry_price,
		       close_price, profit, close_reason, status, opened_at, closed_at
		FROM trades
		ORDER BY opened_at DESC
		LIMIT $1
	`
	rows, err := j.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		err := rows.Scan(
			&t.Ticket, &t.StrategyID, &t.Symbol, &t.Direction, &t.Volume, &t.EntryPrice,
			&t.ClosePrice, &t.Profit, &t.CloseReason, &t.Status, &t.OpenedAt, &t.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Stats summarizes closed trade performance
type Stats struct {
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	NetProfit   float64 `json:"netProfit"`
}

// TradeStats aggregates closed trades
func (j *Journal) TradeStats(ctx context.Context) (Stats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE profit > 0),
		       COUNT(*) FILTER (WHERE profit < 0),
		       COALESCE(SUM(profit), 0)
		FROM trades
		WHERE status = 'CLOSED'
	`
	var s Stats
	err := j.db.Pool.QueryRow(ctx, query).Scan(&s.TotalTrades, &s.Wins, &s.Losses, &s.NetProfit)
	return s, err
}

// ==================== FIELD HELPERS ====================

// Event data values lose their concrete types after a JSON round trip,
// so these accept both in-process and decoded shapes.

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
