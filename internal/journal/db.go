package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds trade journal database settings
type Config struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DefaultConfig returns journal defaults. Disabled until configured.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Host:     "localhost",
		Port:     5432,
		User:     "executor",
		Database: "forex_executor",
		SSLMode:  "disable",
	}
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to PostgreSQL and runs migrations
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse journal database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping journal database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "journal").Logger(),
	}
	if err := db.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	db.logger.Info().Str("database", cfg.Database).Msg("Journal database connected")
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Journal database closed")
	}
}

// migrate creates journal tables if missing
func (db *DB) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			ticket BIGINT PRIMARY KEY,
			strategy_id VARCHAR(100),
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			volume DECIMAL(12, 2) NOT NULL,
			entry_price DECIMAL(20, 5) NOT NULL,
			close_price DECIMAL(20, 5),
			profit DECIMAL(20, 2),
			close_reason TEXT,
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at)`,

		`CREATE TABLE IF NOT EXISTS partial_exits (
			id SERIAL PRIMARY KEY,
			ticket BIGINT NOT NULL,
			level_id VARCHAR(100),
			closed_volume DECIMAL(12, 2) NOT NULL,
			remaining_volume DECIMAL(12, 2) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_partial_exits_ticket ON partial_exits(ticket)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id SERIAL PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4),
			volume DECIMAL(12, 2),
			price DECIMAL(20, 5),
			rejected BOOLEAN NOT NULL DEFAULT FALSE,
			reason TEXT,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_strategy ON signals(strategy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_occurred_at ON signals(occurred_at)`,

		`CREATE TABLE IF NOT EXISTS system_events (
			id SERIAL PRIMARY KEY,
			event_id VARCHAR(40),
			event_type VARCHAR(40) NOT NULL,
			data JSONB,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_occurred_at ON system_events(occurred_at)`,
	}

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("journal migration %d failed: %w", i, err)
		}
	}
	return nil
}
