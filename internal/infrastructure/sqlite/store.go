// Package sqlite provides an embedded ledger store on modernc.org/sqlite.
//
// The pool is pinned to one connection. A transaction therefore owns the
// database write lock from Begin until Commit or Rollback, which gives every
// read inside it lock-for-update semantics.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

// Store is the SQLite ledger store, for development and tests. All
// transactions share one connection.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the database file at path and applies the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// One connection: transactions serialize, which stands in for row locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite store ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const medicationCols = `id, name, description, stock_quantity, unit_price, created_at, updated_at`

// Begin opens a ledger transaction. It blocks while another transaction holds
// the connection, and gives up when ctx is done.
func (s *Store) Begin(ctx context.Context) (inventory.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

// GetMedication returns the committed state of a medication
func (s *Store) GetMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	return getMedication(ctx, s.db, id)
}

// ListAudits returns the audit trail of a medication, oldest first
func (s *Store) ListAudits(ctx context.Context, medicationID string) ([]*inventory.MedicationAudit, error) {
	var audits []*inventory.MedicationAudit
	err := s.db.SelectContext(ctx, &audits, `
		SELECT id, medication_id, old_quantity, new_quantity, change_type, changed_at, staff_id
		FROM medication_audits
		WHERE medication_id = ?
		ORDER BY seq ASC`, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return audits, nil
}

// ListPrescriptionItems returns the items issued for a diagnosis, oldest first
func (s *Store) ListPrescriptionItems(ctx context.Context, diagnosisID string) ([]*inventory.PrescriptionItem, error) {
	var items []*inventory.PrescriptionItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, diagnosis_id, medication_id, quantity, guide, duration, created_at
		FROM prescription_items
		WHERE diagnosis_id = ?
		ORDER BY seq ASC`, diagnosisID)
	if err != nil {
		return nil, fmt.Errorf("list prescription items: %w", err)
	}
	return items, nil
}

// PendingEvents returns outbox events in write order. Nothing relays them
// from SQLite; they are kept for inspection.
func (s *Store) PendingEvents(ctx context.Context) ([]*inventory.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, topic, event_key, created_at
		FROM outbox
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var events []*inventory.Event
	for rows.Next() {
		e := &inventory.Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType,
			&payload, &e.Topic, &e.Key, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateMedication inserts a catalog medication with its opening stock
func (s *Store) CreateMedication(ctx context.Context, m *inventory.Medication) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (`+medicationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, m.StockQuantity, m.UnitPrice.String(), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

// CreateDiagnosis inserts a diagnosis
func (s *Store) CreateDiagnosis(ctx context.Context, d *inventory.Diagnosis) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnoses (id, patient_id, staff_id, summary, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.PatientID, d.StaffID, d.Summary, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert diagnosis: %w", err)
	}
	return nil
}

// DeleteDiagnosis deletes a diagnosis and, by cascade, its prescription items
func (s *Store) DeleteDiagnosis(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM diagnoses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete diagnosis: %w", err)
	}
	return nil
}

// AppendCompliance appends a medication-taken event
func (s *Store) AppendCompliance(ctx context.Context, e *compliance.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_events (id, patient_id, prescription_item_id, taken_at, notes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.PatientID, e.PrescriptionItemID, e.TakenAt, e.Notes, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert compliance event: %w", err)
	}
	return nil
}

// ListCompliance returns a patient's compliance events, oldest first
func (s *Store) ListCompliance(ctx context.Context, patientID string) ([]*compliance.Event, error) {
	var events []*compliance.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, patient_id, prescription_item_id, taken_at, notes, recorded_at
		FROM compliance_events
		WHERE patient_id = ?
		ORDER BY taken_at ASC, seq ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list compliance events: %w", err)
	}
	return events, nil
}

func getMedication(ctx context.Context, q sqlx.QueryerContext, id string) (*inventory.Medication, error) {
	m := &inventory.Medication{}
	err := sqlx.GetContext(ctx, q, m, `SELECT `+medicationCols+` FROM medications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrMedicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

// ledgerTx is one transaction on the pinned connection. SQLite has no
// session variables, so the actor lives on the transaction value itself.
type ledgerTx struct {
	tx    *sqlx.Tx
	actor string
}

func (t *ledgerTx) SetActor(_ context.Context, staffID string) error {
	t.actor = staffID
	return nil
}

func (t *ledgerTx) Actor() string { return t.actor }

func (t *ledgerTx) GetMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	return getMedication(ctx, t.tx, id)
}

// LockMedication reads the row under the database write lock the
// transaction already holds.
func (t *ledgerTx) LockMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	return getMedication(ctx, t.tx, id)
}

func (t *ledgerTx) UpdateStock(ctx context.Context, medicationID string, quantity int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE medications SET stock_quantity = ?, updated_at = ?
		WHERE id = ?`, quantity, time.Now().UTC(), medicationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return inventory.ErrMedicationNotFound
	}
	return nil
}

func (t *ledgerTx) FindPrescriptionItem(ctx context.Context, id string) (*inventory.PrescriptionItem, error) {
	it := &inventory.PrescriptionItem{}
	err := t.tx.GetContext(ctx, it, `
		SELECT id, diagnosis_id, medication_id, quantity, guide, duration, created_at
		FROM prescription_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find prescription item: %w", err)
	}
	return it, nil
}

func (t *ledgerTx) InsertPrescriptionItem(ctx context.Context, item *inventory.PrescriptionItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO prescription_items (id, diagnosis_id, medication_id, quantity, guide, duration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.DiagnosisID, item.MedicationID, item.Quantity, item.Guide, item.Duration, item.CreatedAt)
	return err
}

func (t *ledgerTx) InsertAudit(ctx context.Context, a *inventory.MedicationAudit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO medication_audits (id, medication_id, old_quantity, new_quantity, change_type, changed_at, staff_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MedicationID, a.OldQuantity, a.NewQuantity, string(a.ChangeType), a.ChangedAt, a.StaffID)
	return err
}

func (t *ledgerTx) AppendEvent(ctx context.Context, e *inventory.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, topic, event_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, e.AggregateType, string(e.EventType), string(e.Payload), e.Topic, e.Key, e.Timestamp)
	return err
}

func (t *ledgerTx) Commit(_ context.Context) error {
	t.actor = ""
	return t.tx.Commit()
}

func (t *ledgerTx) Rollback(_ context.Context) error {
	t.actor = ""
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
