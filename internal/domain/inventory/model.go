// Package inventory implements the medication ledger: prescription issuance,
// restocking and the audit hook that attributes every stock mutation.
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies a committed stock mutation
type ChangeType string

const (
	ChangeAddition  ChangeType = "addition"
	ChangeDeduction ChangeType = "deduction"
)

// Medication is a ledger row. StockQuantity is the authoritative inventory count.
type Medication struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description" db:"description"`
	StockQuantity int             `json:"stock_quantity" db:"stock_quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Diagnosis owns prescription items; deleting it cascades to them.
type Diagnosis struct {
	ID        string    `json:"id" db:"id"`
	PatientID string    `json:"patient_id" db:"patient_id"`
	StaffID   string    `json:"staff_id" db:"staff_id"`
	Summary   string    `json:"summary" db:"summary"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PrescriptionItem records one dispensed quantity. Rows are never updated.
type PrescriptionItem struct {
	ID           string    `json:"id" db:"id"`
	DiagnosisID  string    `json:"diagnosis_id" db:"diagnosis_id"`
	MedicationID string    `json:"medication_id" db:"medication_id"`
	Quantity     int       `json:"quantity" db:"quantity"`
	Guide        string    `json:"guide" db:"guide"`
	Duration     string    `json:"duration" db:"duration"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// MedicationAudit is an append-only record of one committed stock change
type MedicationAudit struct {
	ID           string     `json:"id" db:"id"`
	MedicationID string     `json:"medication_id" db:"medication_id"`
	OldQuantity  int        `json:"old_quantity" db:"old_quantity"`
	NewQuantity  int        `json:"new_quantity" db:"new_quantity"`
	ChangeType   ChangeType `json:"change_type" db:"change_type"`
	ChangedAt    time.Time  `json:"changed_at" db:"changed_at"`
	StaffID      string     `json:"staff_id" db:"staff_id"`
}

// StockChange describes a stock write observed by the audit hook
type StockChange struct {
	MedicationID string
	OldQuantity  int
	NewQuantity  int
}

// Delta returns the signed quantity change
func (c StockChange) Delta() int { return c.NewQuantity - c.OldQuantity }

// Classify returns the change type for a non-zero delta
func (c StockChange) Classify() ChangeType {
	if c.NewQuantity > c.OldQuantity {
		return ChangeAddition
	}
	return ChangeDeduction
}
