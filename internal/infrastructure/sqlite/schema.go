package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		unit_price TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS diagnoses (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		staff_id TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS prescription_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		diagnosis_id TEXT NOT NULL REFERENCES diagnoses(id) ON DELETE CASCADE,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		guide TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS medication_audits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		old_quantity INTEGER NOT NULL,
		new_quantity INTEGER NOT NULL,
		change_type TEXT NOT NULL CHECK (change_type IN ('addition', 'deduction')),
		changed_at DATETIME NOT NULL,
		staff_id TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS compliance_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		prescription_item_id TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		topic TEXT NOT NULL,
		event_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_prescription_items_diagnosis ON prescription_items(diagnosis_id);`,
	`CREATE INDEX IF NOT EXISTS idx_medication_audits_medication ON medication_audits(medication_id);`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_events_patient ON compliance_events(patient_id);`,
}

// Migrate creates the ledger schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
