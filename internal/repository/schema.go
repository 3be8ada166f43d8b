package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema - таблицы журнала. Строки позиций и сессий не удаляются:
// закрытие позиции и сброс сессии только меняют флаги.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS strategies (
		id SERIAL PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		exchange VARCHAR(20) NOT NULL,
		symbols TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT false,
		leverage INT NOT NULL,
		margin_per_layer DOUBLE PRECISION NOT NULL,
		start_step_percent DOUBLE PRECISION NOT NULL,
		step_convexity DOUBLE PRECISION NOT NULL DEFAULT 1,
		size_growth DOUBLE PRECISION NOT NULL DEFAULT 1,
		max_layers INT NOT NULL,
		volatility_ref DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit_percent DOUBLE PRECISION NOT NULL,
		exit_cushion DOUBLE PRECISION NOT NULL DEFAULT 1,
		stop_loss_percent DOUBLE PRECISION NOT NULL,
		adaptive_stop_loss BOOLEAN NOT NULL DEFAULT false,
		adaptive_sl_atr_mult DOUBLE PRECISION NOT NULL DEFAULT 0,
		adaptive_sl_min_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		adaptive_sl_max_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		risk_use_adaptive_sl BOOLEAN NOT NULL DEFAULT false,
		max_portfolio_risk DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_percentile DOUBLE PRECISION NOT NULL,
		dca_percentile DOUBLE PRECISION NOT NULL,
		cooldown_seconds INT NOT NULL DEFAULT 60,
		min_fill_gap_seconds INT NOT NULL DEFAULT 120,
		api_key_enc TEXT NOT NULL DEFAULT '',
		secret_key_enc TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS strategies_one_active ON strategies (is_active) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS trade_sessions (
		id SERIAL PRIMARY KEY,
		strategy_id INT NOT NULL REFERENCES strategies(id),
		starting_balance DOUBLE PRECISION NOT NULL,
		current_balance DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		trade_count INT NOT NULL DEFAULT 0,
		win_count INT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT true,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trade_sessions_one_active ON trade_sessions (strategy_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS positions (
		id SERIAL PRIMARY KEY,
		session_id INT NOT NULL REFERENCES trade_sessions(id),
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		avg_entry_price DOUBLE PRECISION NOT NULL,
		total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		unrealized_pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		layers_filled INT NOT NULL DEFAULT 0,
		max_layers INT NOT NULL,
		last_layer_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_fill_at TIMESTAMPTZ,
		is_open BOOLEAN NOT NULL DEFAULT true,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS positions_open ON positions (session_id) WHERE is_open`,
	`CREATE UNIQUE INDEX IF NOT EXISTS positions_one_open ON positions (session_id, symbol, side) WHERE is_open`,
	`CREATE TABLE IF NOT EXISTS fills (
		id SERIAL PRIMARY KEY,
		trade_id VARCHAR(100) NOT NULL UNIQUE,
		order_id VARCHAR(100) NOT NULL DEFAULT '',
		session_id INT NOT NULL REFERENCES trade_sessions(id),
		position_id INT NOT NULL REFERENCES positions(id),
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		notional DOUBLE PRECISION NOT NULL,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		layer INT NOT NULL,
		provenance VARCHAR(10) NOT NULL,
		filled_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS fills_position ON fills (position_id, filled_at)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		session_id INT NOT NULL REFERENCES trade_sessions(id),
		position_id INT REFERENCES positions(id),
		exchange_order_id VARCHAR(100) NOT NULL DEFAULT '',
		client_order_id VARCHAR(64) NOT NULL UNIQUE,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		type VARCHAR(30) NOT NULL,
		purpose VARCHAR(10) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		liquidation_id VARCHAR(100) NOT NULL DEFAULT '',
		layer INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		filled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_session_created ON orders (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS liquidations (
		id VARCHAR(100) PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS liquidations_timestamp ON liquidations (timestamp)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type VARCHAR(20) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		strategy_id INT,
		symbol VARCHAR(20) NOT NULL DEFAULT '',
		side VARCHAR(5) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB
	)`,
}

// Migrate создаёт недостающие таблицы и индексы
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
