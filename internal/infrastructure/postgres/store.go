// Package postgres provides PostgreSQL infrastructure components: the ledger
// store and the transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

// actorSetting is the transaction-local setting read by the stock guard trigger
const actorSetting = "clinic.acting_staff_id"

// SQLSTATE codes treated as transient lock contention
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// StoreConfig holds configuration for the ledger store
type StoreConfig struct {
	// LockTimeout bounds how long a transaction waits for a medication row lock
	LockTimeout time.Duration
}

// DefaultStoreConfig returns sensible defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{LockTimeout: 5 * time.Second}
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL ledger store
type Store struct {
	pool   *pgxpool.Pool
	config StoreConfig
	logger *zap.Logger
}

// NewStore creates a ledger store on pool
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, config: cfg, logger: logger}
}

const medicationCols = `id, name, description, stock_quantity, unit_price, created_at, updated_at`

func scanMedication(row pgx.Row) (*inventory.Medication, error) {
	m := &inventory.Medication{}
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.StockQuantity, &m.UnitPrice, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inventory.ErrMedicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Begin opens a ledger transaction with the configured lock timeout
func (s *Store) Begin(ctx context.Context) (inventory.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	if s.config.LockTimeout > 0 {
		ms := strconv.FormatInt(s.config.LockTimeout.Milliseconds(), 10)
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms+"ms"); err != nil {
			tx.Rollback(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	return &ledgerTx{tx: tx, logger: s.logger}, nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetMedication returns the committed state of a medication
func (s *Store) GetMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	return scanMedication(s.pool.QueryRow(ctx, `SELECT `+medicationCols+` FROM medications WHERE id = $1`, id))
}

// ListAudits returns the audit trail of a medication, oldest first
func (s *Store) ListAudits(ctx context.Context, medicationID string) ([]*inventory.MedicationAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, medication_id, old_quantity, new_quantity, change_type, changed_at, staff_id
		FROM medication_audits
		WHERE medication_id = $1
		ORDER BY seq ASC`, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var audits []*inventory.MedicationAudit
	for rows.Next() {
		a := &inventory.MedicationAudit{}
		if err := rows.Scan(&a.ID, &a.MedicationID, &a.OldQuantity, &a.NewQuantity,
			&a.ChangeType, &a.ChangedAt, &a.StaffID); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// ListPrescriptionItems returns the items issued for a diagnosis, oldest first
func (s *Store) ListPrescriptionItems(ctx context.Context, diagnosisID string) ([]*inventory.PrescriptionItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, diagnosis_id, medication_id, quantity, guide, duration, created_at
		FROM prescription_items
		WHERE diagnosis_id = $1
		ORDER BY seq ASC`, diagnosisID)
	if err != nil {
		return nil, fmt.Errorf("list prescription items: %w", err)
	}
	defer rows.Close()

	var items []*inventory.PrescriptionItem
	for rows.Next() {
		it := &inventory.PrescriptionItem{}
		if err := rows.Scan(&it.ID, &it.DiagnosisID, &it.MedicationID, &it.Quantity,
			&it.Guide, &it.Duration, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prescription item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateMedication inserts a catalog medication with its opening stock
func (s *Store) CreateMedication(ctx context.Context, m *inventory.Medication) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO medications (id, name, description, stock_quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.Description, m.StockQuantity, m.UnitPrice,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

// CreateDiagnosis inserts a diagnosis
func (s *Store) CreateDiagnosis(ctx context.Context, d *inventory.Diagnosis) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO diagnoses (id, patient_id, staff_id, summary)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		d.ID, d.PatientID, d.StaffID, d.Summary,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert diagnosis: %w", err)
	}
	return nil
}

// DeleteDiagnosis deletes a diagnosis and, by cascade, its prescription items
func (s *Store) DeleteDiagnosis(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM diagnoses WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete diagnosis: %w", err)
	}
	return nil
}

// AppendCompliance appends a medication-taken event
func (s *Store) AppendCompliance(ctx context.Context, e *compliance.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compliance_events (id, patient_id, prescription_item_id, taken_at, notes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.PatientID, e.PrescriptionItemID, e.TakenAt, e.Notes, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert compliance event: %w", err)
	}
	return nil
}

// ListCompliance returns a patient's compliance events, oldest first
func (s *Store) ListCompliance(ctx context.Context, patientID string) ([]*compliance.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, patient_id, prescription_item_id, taken_at, notes, recorded_at
		FROM compliance_events
		WHERE patient_id = $1
		ORDER BY taken_at ASC, seq ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list compliance events: %w", err)
	}
	defer rows.Close()

	var events []*compliance.Event
	for rows.Next() {
		e := &compliance.Event{}
		if err := rows.Scan(&e.ID, &e.PatientID, &e.PrescriptionItemID, &e.TakenAt, &e.Notes, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan compliance event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ledgerTx wraps a pgx transaction. The actor is mirrored into a
// transaction-local setting, which PostgreSQL discards at commit or rollback.
type ledgerTx struct {
	tx     pgx.Tx
	actor  string
	logger *zap.Logger
}

var _ queryable = pgx.Tx(nil)

func (t *ledgerTx) SetActor(ctx context.Context, staffID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT set_config($1, $2, true)`, actorSetting, staffID); err != nil {
		return fmt.Errorf("set actor: %w", err)
	}
	t.actor = staffID
	return nil
}

func (t *ledgerTx) Actor() string { return t.actor }

func (t *ledgerTx) GetMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	m, err := scanMedication(t.tx.QueryRow(ctx, `SELECT `+medicationCols+` FROM medications WHERE id = $1`, id))
	return m, t.classify(err)
}

// LockMedication reads the row with FOR UPDATE. Competing transactions on
// the same medication block here until the holder commits or rolls back.
func (t *ledgerTx) LockMedication(ctx context.Context, id string) (*inventory.Medication, error) {
	m, err := scanMedication(t.tx.QueryRow(ctx,
		`SELECT `+medicationCols+` FROM medications WHERE id = $1 FOR UPDATE`, id))
	return m, t.classify(err)
}

func (t *ledgerTx) UpdateStock(ctx context.Context, medicationID string, quantity int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE medications SET stock_quantity = $1, updated_at = NOW()
		WHERE id = $2`, quantity, medicationID)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() != 1 {
		return inventory.ErrMedicationNotFound
	}
	return nil
}

func (t *ledgerTx) FindPrescriptionItem(ctx context.Context, id string) (*inventory.PrescriptionItem, error) {
	it := &inventory.PrescriptionItem{}
	err := t.tx.QueryRow(ctx, `
		SELECT id, diagnosis_id, medication_id, quantity, guide, duration, created_at
		FROM prescription_items WHERE id = $1`, id).
		Scan(&it.ID, &it.DiagnosisID, &it.MedicationID, &it.Quantity, &it.Guide, &it.Duration, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.classify(err)
	}
	return it, nil
}

func (t *ledgerTx) InsertPrescriptionItem(ctx context.Context, item *inventory.PrescriptionItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO prescription_items (id, diagnosis_id, medication_id, quantity, guide, duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.DiagnosisID, item.MedicationID, item.Quantity, item.Guide, item.Duration, item.CreatedAt)
	return t.classify(err)
}

func (t *ledgerTx) InsertAudit(ctx context.Context, a *inventory.MedicationAudit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO medication_audits (id, medication_id, old_quantity, new_quantity, change_type, changed_at, staff_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.MedicationID, a.OldQuantity, a.NewQuantity, string(a.ChangeType), a.ChangedAt, a.StaffID)
	return t.classify(err)
}

func (t *ledgerTx) AppendEvent(ctx context.Context, e *inventory.Event) error {
	return WriteEntry(ctx, t.tx, &OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       e.Payload,
		KafkaTopic:    e.Topic,
		KafkaKey:      e.Key,
	})
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	t.actor = ""
	return t.classify(t.tx.Commit(ctx))
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	t.actor = ""
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// classify logs lock contention distinctly from other driver failures. The
// error itself is returned unchanged; the service decides what crosses the
// component boundary.
func (t *ledgerTx) classify(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
		t.logger.Warn("ledger lock contention",
			zap.String("sqlstate", pgErr.Code),
			zap.String("detail", pgErr.Message))
	case pgerrcodeRaiseException:
		if pgErr.Message == guardMessage {
			return inventory.ErrUnauthorizedStockUpdate
		}
	}
	return err
}
