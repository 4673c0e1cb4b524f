package inventory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of ledger event
type EventType string

const (
	EventStockChanged       EventType = "StockChanged"
	EventPrescriptionIssued EventType = "PrescriptionIssued"
)

// Topics ledger events are relayed to
const (
	TopicInventoryAudit     = "inventory.audit"
	TopicPrescriptionIssued = "prescription.issued"
	TopicDispenseCommands   = "dispense.commands"
	TopicDispenseResults    = "dispense.results"
	TopicDeadLetter         = "dead.letter"
)

const aggregateMedication = "Medication"

// Event is a ledger event written to the outbox in the same transaction as
// the change it describes
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Topic         string          `json:"-"`
	Key           string          `json:"-"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a medication event keyed by medication id, so all events
// for one medication land on one partition in order
func NewEvent(medicationID string, eventType EventType, topic string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   medicationID,
		AggregateType: aggregateMedication,
		EventType:     eventType,
		Payload:       payload,
		Topic:         topic,
		Key:           medicationID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// StockChangedData is the payload of EventStockChanged
type StockChangedData struct {
	AuditID      string     `json:"audit_id"`
	MedicationID string     `json:"medication_id"`
	OldQuantity  int        `json:"old_quantity"`
	NewQuantity  int        `json:"new_quantity"`
	ChangeType   ChangeType `json:"change_type"`
	StaffID      string     `json:"staff_id"`
	ChangedAt    time.Time  `json:"changed_at"`
}

// PrescriptionIssuedData is the payload of EventPrescriptionIssued
type PrescriptionIssuedData struct {
	PrescriptionItemID string    `json:"prescription_item_id"`
	DiagnosisID        string    `json:"diagnosis_id"`
	MedicationID       string    `json:"medication_id"`
	Quantity           int       `json:"quantity"`
	RemainingStock     int       `json:"remaining_stock"`
	StaffID            string    `json:"staff_id"`
	IssuedAt           time.Time `json:"issued_at"`
}
