package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the booking lifecycle state. EXPIRED and CANCELLED are
// terminal; CONFIRMED is terminal for the settlement core.
type Status string

const (
	StatusHold      Status = "HOLD"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Booking is a reservation of provider capacity pending payment.
type Booking struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	TransactionID string       `gorm:"type:text;not null;uniqueIndex" json:"transaction_id"`
	NodeID        snowflake.ID `gorm:"not null" json:"node_id"`
	ProcedureID   string       `gorm:"type:text;not null" json:"procedure_id"`
	Slot          time.Time    `gorm:"not null" json:"slot"`
	Status        Status       `gorm:"type:text;not null" json:"status"`
	HoldExpiresAt *time.Time   `json:"hold_expires_at,omitempty"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Booking) TableName() string { return "bookings" }

// CreateHoldRequest creates a provisional reservation. TransactionID is
// caller-supplied and the idempotency anchor for the whole settlement.
type CreateHoldRequest struct {
	TransactionID string        `json:"transaction_id"`
	NodeID        snowflake.ID  `json:"node_id"`
	ProcedureID   string        `json:"procedure_id"`
	Slot          time.Time     `json:"slot"`
	HoldTTL       time.Duration `json:"hold_ttl"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Gateway       string        `json:"gateway"`
}

// HoldResult reports the reservation state after CreateHold. Replayed is
// true when the transaction id had already created a booking.
type HoldResult struct {
	BookingID     snowflake.ID `json:"booking_id"`
	TransactionID string       `json:"transaction_id"`
	Status        Status       `json:"status"`
	HoldExpiresAt *time.Time   `json:"hold_expires_at,omitempty"`
	Replayed      bool         `json:"replayed"`
}

// TransitionResult reports the booking state after Confirm or Cancel.
// On ErrInvalidStatus it carries the state that refused the transition.
type TransitionResult struct {
	BookingID snowflake.ID `json:"booking_id"`
	Status    Status       `json:"status"`
}

// Service drives the booking state machine.
type Service interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*HoldResult, error)
	Confirm(ctx context.Context, bookingID snowflake.ID) (*TransitionResult, error)
	Cancel(ctx context.Context, bookingID snowflake.ID) (*TransitionResult, error)
	ExpireDueHolds(ctx context.Context, batchSize int) (int, error)
}
