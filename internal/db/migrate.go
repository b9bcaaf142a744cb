package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Migration is one ordered schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the embedded schema, applied in order. The store schema is
// pinned: keys here are the deduplication contract the writers rely on.
var migrations = []Migration{
	{
		Version:     1,
		Description: "sessions table",
		SQL: `
			CREATE TABLE IF NOT EXISTS data_collection_sessions (
				session_id  TEXT PRIMARY KEY,
				mode        TEXT NOT NULL,
				status      TEXT NOT NULL,
				started_at  TIMESTAMPTZ NOT NULL,
				ended_at    TIMESTAMPTZ,
				config_json JSONB NOT NULL DEFAULT '{}'
			);
		`,
	},
	{
		Version:     2,
		Description: "tick prices",
		SQL: `
			CREATE TABLE IF NOT EXISTS tick_prices (
				session_id TEXT NOT NULL,
				symbol     TEXT NOT NULL,
				timestamp  TIMESTAMPTZ NOT NULL,
				price      DOUBLE PRECISION NOT NULL,
				volume     DOUBLE PRECISION NOT NULL,
				PRIMARY KEY (session_id, symbol, timestamp)
			);
			CREATE INDEX IF NOT EXISTS idx_tick_prices_replay
				ON tick_prices (session_id, timestamp, symbol);
		`,
	},
	{
		Version:     3,
		Description: "indicator values",
		SQL: `
			CREATE TABLE IF NOT EXISTS indicators (
				session_id TEXT NOT NULL,
				symbol     TEXT NOT NULL,
				variant_id TEXT NOT NULL,
				timestamp  TIMESTAMPTZ NOT NULL,
				value      DOUBLE PRECISION NOT NULL,
				PRIMARY KEY (session_id, symbol, variant_id, timestamp)
			);
		`,
	},
	{
		Version:     4,
		Description: "strategy signals",
		SQL: `
			CREATE TABLE IF NOT EXISTS strategy_signals (
				signal_id     UUID NOT NULL,
				timestamp     TIMESTAMPTZ NOT NULL,
				session_id    TEXT NOT NULL,
				strategy_id   TEXT NOT NULL,
				symbol        TEXT NOT NULL,
				kind          TEXT NOT NULL,
				price         DOUBLE PRECISION NOT NULL,
				snapshot_json JSONB NOT NULL DEFAULT '{}',
				PRIMARY KEY (timestamp, signal_id)
			);
			CREATE INDEX IF NOT EXISTS idx_strategy_signals_session
				ON strategy_signals (session_id);
		`,
	},
	{
		Version:     5,
		Description: "orders",
		SQL: `
			CREATE TABLE IF NOT EXISTS orders (
				order_id     UUID PRIMARY KEY,
				session_id   TEXT NOT NULL,
				strategy_id  TEXT NOT NULL,
				symbol       TEXT NOT NULL,
				side         TEXT NOT NULL,
				type         TEXT NOT NULL,
				quantity     DOUBLE PRECISION NOT NULL,
				price        DOUBLE PRECISION NOT NULL,
				status       TEXT NOT NULL,
				created_at   TIMESTAMPTZ NOT NULL,
				updated_at   TIMESTAMPTZ NOT NULL,
				pnl_realised DOUBLE PRECISION
			);
			CREATE INDEX IF NOT EXISTS idx_orders_session ON orders (session_id);
		`,
	},
	{
		Version:     6,
		Description: "positions",
		SQL: `
			CREATE TABLE IF NOT EXISTS positions (
				position_id UUID PRIMARY KEY,
				session_id  TEXT NOT NULL,
				symbol      TEXT NOT NULL,
				side        TEXT NOT NULL,
				quantity    DOUBLE PRECISION NOT NULL,
				avg_price   DOUBLE PRECISION NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL,
				status      TEXT NOT NULL,
				UNIQUE (session_id, symbol, position_id)
			);
		`,
	},
}

// Migrator applies embedded migrations over database/sql.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a migration runner.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// OpenForMigration opens a plain database/sql connection for migrations.
func OpenForMigration(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	return conn, nil
}

func (m *Migrator) ensureSchemaVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		);
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return version, nil
}

// Version returns the highest applied schema version, 0 for a fresh
// database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}
	return m.currentVersion(ctx)
}

// Up applies every pending migration in order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES ($1, $2)",
			mig.Version, mig.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}

		log.Info().
			Int("version", mig.Version).
			Str("description", mig.Description).
			Msg("Migration applied")
	}

	return nil
}
