package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The stock guard raises guardMessage with SQLSTATE raise_exception when
// stock_quantity is updated outside an attributed transaction.
const (
	pgerrcodeRaiseException = "P0001"
	guardMessage            = "unattributed stock update"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		unit_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS diagnoses (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		staff_id TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS prescription_items (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		diagnosis_id TEXT NOT NULL REFERENCES diagnoses(id) ON DELETE CASCADE,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		guide TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS medication_audits (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		old_quantity INTEGER NOT NULL,
		new_quantity INTEGER NOT NULL,
		change_type TEXT NOT NULL CHECK (change_type IN ('addition', 'deduction')),
		changed_at TIMESTAMPTZ NOT NULL,
		staff_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compliance_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		prescription_item_id TEXT NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		kafka_topic TEXT NOT NULL,
		kafka_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dispense_inbox (
		prescription_item_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		command JSONB NOT NULL,
		outcome JSONB,
		last_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescription_items_diagnosis ON prescription_items(diagnosis_id)`,
	`CREATE INDEX IF NOT EXISTS idx_medication_audits_medication ON medication_audits(medication_id)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_events_patient ON compliance_events(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox(created_at) WHERE processed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_dispense_inbox_claimed ON dispense_inbox(updated_at) WHERE state = 'claimed'`,
	`CREATE OR REPLACE FUNCTION guard_stock_update() RETURNS trigger AS $$
	BEGIN
		IF COALESCE(current_setting('` + actorSetting + `', true), '') = '' THEN
			RAISE EXCEPTION '` + guardMessage + `';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS medications_stock_guard ON medications`,
	`CREATE TRIGGER medications_stock_guard
		BEFORE UPDATE OF stock_quantity ON medications
		FOR EACH ROW EXECUTE FUNCTION guard_stock_update()`,
}

// Migrate creates the ledger, outbox and dispense inbox schema
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
