// Package db provides a centralized database connection and schema for fleetd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Topology - areas form the display hierarchy (parent_id = NULL for roots)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS areas (
			area_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create areas table: %w", err)
	}

	// Groups are vendor-addressable units controlling their children in lock-step
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS light_groups (
			group_id TEXT PRIMARY KEY,
			sku TEXT NOT NULL DEFAULT 'SameModeGroup',
			name TEXT NOT NULL,
			area_id TEXT,
			sort_order INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create light_groups table: %w", err)
	}

	// Child devices - capabilities is a JSON object {"segments":bool,"scenes":bool}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS light_devices (
			device_id TEXT PRIMARY KEY,
			parent_group_id TEXT,
			sku TEXT NOT NULL,
			name TEXT NOT NULL,
			capabilities TEXT,
			sort_order INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_light_devices_parent ON light_devices(parent_group_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create light_devices table: %w", err)
	}

	// SKU lookup - model name and raw segment count
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sku_models (
			sku TEXT PRIMARY KEY,
			model_name TEXT NOT NULL,
			segment_count INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create sku_models table: %w", err)
	}

	// Scene cache - fallback when the vendor scene endpoint fails
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS scene_cache (
			sku TEXT PRIMARY KEY,
			scenes TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create scene_cache table: %w", err)
	}

	// Control ledger - append-only history of control outcomes
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS control_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			correlation_id TEXT,
			target TEXT,
			axis TEXT,
			payload TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON control_ledger(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_target ON control_ledger(target, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create control_ledger table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
