package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS plates (
		id              BIGSERIAL PRIMARY KEY,
		number          TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		vehicle_class   TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plates_normalized ON plates(normalized);`,
	`CREATE TABLE IF NOT EXISTS gate_events (
		id               BIGSERIAL PRIMARY KEY,
		run_id           UUID NOT NULL,
		plate_id         BIGINT REFERENCES plates(id) ON DELETE SET NULL,
		card_uid         TEXT NOT NULL,
		raw_plate        TEXT,
		normalized_plate TEXT,
		vehicle_class    TEXT,
		confidence       DOUBLE PRECISION,
		success          BOOLEAN NOT NULL,
		stage            TEXT,
		message          TEXT NOT NULL,
		response         JSONB,
		event_time       TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_gate_events_run_id ON gate_events(run_id);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_events_plate_id ON gate_events(plate_id);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_events_card_uid ON gate_events(card_uid);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_events_event_time ON gate_events(event_time);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
