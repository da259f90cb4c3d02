package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType classifies a settlement state transition.
type EventType string

const (
	EventBookingHeld       EventType = "BOOKING_HELD"
	EventBookingConfirmed  EventType = "BOOKING_CONFIRMED"
	EventBookingCancelled  EventType = "BOOKING_CANCELLED"
	EventHoldExpired       EventType = "HOLD_EXPIRED"
	EventPaymentSuccess    EventType = "PAYMENT_SUCCESS"
	EventPaymentFailed     EventType = "PAYMENT_FAILED"
	EventReconciliationRun EventType = "RECONCILIATION_RUN"
)

var (
	ErrInvalidEventType     = errors.New("invalid event type")
	ErrInvalidTransactionID = errors.New("invalid transaction id")
	ErrMissingTransaction   = errors.New("ledger append requires an open transaction")
)

// Event is an immutable audit record. Rows are only ever inserted.
type Event struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	EventType     EventType      `gorm:"type:text;not null;index:idx_booking_events_type_created_at,priority:1" json:"event_type"`
	TransactionID string         `gorm:"type:text;not null;index" json:"transaction_id"`
	BookingID     *snowflake.ID  `json:"booking_id,omitempty"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_booking_events_type_created_at,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "booking_events" }

// TypeCount is one row of a per-type tally over a time window.
type TypeCount struct {
	EventType EventType `json:"event_type"`
	Count     int64     `json:"count"`
}

// Service appends and reads the audit trail. Append takes the caller's
// open transaction so the event commits atomically with the state
// transition it documents.
type Service interface {
	Append(ctx context.Context, tx *gorm.DB, eventType EventType, transactionID string, bookingID *snowflake.ID, payload map[string]any) error
	ListByTransaction(ctx context.Context, transactionID string) ([]Event, error)
	CountByType(ctx context.Context, from, to time.Time) ([]TypeCount, error)
}
