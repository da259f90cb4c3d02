package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusCaptured Status = "CAPTURED"
	StatusFailed   Status = "FAILED"
	StatusRefunded Status = "REFUNDED"
	StatusExpired  Status = "EXPIRED"
)

// BookingStatusUnknown is returned on capture when the payment has no
// resolvable booking. The capture itself still succeeds.
const BookingStatusUnknown = "UNKNOWN"

// Payment is a monetary authorization keyed by transaction id. The
// idempotency key identifies one logical attempt across retries.
type Payment struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	TransactionID    string         `gorm:"type:text;not null;uniqueIndex" json:"transaction_id"`
	BookingID        *snowflake.ID  `json:"booking_id,omitempty"`
	Amount           int64          `gorm:"not null" json:"amount"`
	Currency         string         `gorm:"type:text;not null" json:"currency"`
	Gateway          string         `gorm:"type:text" json:"gateway"`
	Status           Status         `gorm:"type:text;not null" json:"status"`
	IdempotencyKey   string         `gorm:"type:text;not null;uniqueIndex" json:"idempotency_key"`
	GatewayReference string         `gorm:"type:text" json:"gateway_reference"`
	GatewayResponse  datatypes.JSON `json:"gateway_response,omitempty"`
	CapturedAt       *time.Time     `json:"captured_at,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// CaptureResult reports the settled state after capture. AlreadyCaptured
// marks the idempotent replay branch.
type CaptureResult struct {
	PaymentStatus   Status `json:"payment_status"`
	BookingStatus   string `json:"booking_status"`
	AlreadyCaptured bool   `json:"already_captured"`
}

// Service transitions payments and their bookings exactly once per
// external gateway event.
type Service interface {
	Capture(ctx context.Context, transactionID, gatewayReference string, gatewayResponse map[string]any) (*CaptureResult, error)
	MarkFailed(ctx context.Context, transactionID, reason string) error
}

// GatewayEvent is the parsed webhook envelope.
type GatewayEvent struct {
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	TransactionID    string    `json:"transaction_id"`
	GatewayReference string    `json:"gateway_reference"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// WebhookService ingests gateway webhook bodies after signature
// verification has already passed.
type WebhookService interface {
	Ingest(ctx context.Context, payload []byte) (*CaptureResult, error)
}
