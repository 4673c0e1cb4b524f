package inventory

import "context"

// Store opens ledger transactions and serves the read paths.
// Lookups of a missing medication return ErrMedicationNotFound.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	GetMedication(ctx context.Context, id string) (*Medication, error)
	ListAudits(ctx context.Context, medicationID string) ([]*MedicationAudit, error)
	ListPrescriptionItems(ctx context.Context, diagnosisID string) ([]*PrescriptionItem, error)
}

// Tx is one ledger transaction.
//
// LockMedication must hold an exclusive lock on the medication row until
// Commit or Rollback, so that concurrent check-then-decrement sequences on
// the same medication serialize. The actor set with SetActor is visible
// only inside the transaction and is cleared by both Commit and Rollback.
// Rollback after Commit is a no-op.
type Tx interface {
	SetActor(ctx context.Context, staffID string) error
	Actor() string

	GetMedication(ctx context.Context, id string) (*Medication, error)
	LockMedication(ctx context.Context, id string) (*Medication, error)
	UpdateStock(ctx context.Context, medicationID string, quantity int) error

	// FindPrescriptionItem returns nil and no error when id is unused
	FindPrescriptionItem(ctx context.Context, id string) (*PrescriptionItem, error)
	InsertPrescriptionItem(ctx context.Context, item *PrescriptionItem) error
	InsertAudit(ctx context.Context, audit *MedicationAudit) error
	AppendEvent(ctx context.Context, event *Event) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Catalog creates the rows the ledger operates on. Medication and diagnosis
// maintenance lives outside this service; stores expose it for seeding.
type Catalog interface {
	CreateMedication(ctx context.Context, m *Medication) error
	CreateDiagnosis(ctx context.Context, d *Diagnosis) error
	DeleteDiagnosis(ctx context.Context, id string) error
}
