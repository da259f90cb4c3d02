package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AnomalyKind classifies a payment/booking pair the ledger cannot
// explain.
type AnomalyKind string

const (
	AnomalyCapturedUnconfirmed AnomalyKind = "captured_unconfirmed"
	AnomalyStalePending        AnomalyKind = "stale_pending"
	AnomalyOrphanedPayment     AnomalyKind = "orphaned_payment"
	AnomalyUnpaidBooking       AnomalyKind = "unpaid_booking"
)

var (
	ErrReportNotFound = errors.New("reconciliation report not found")
	ErrInvalidPeriod  = errors.New("invalid reconciliation period")
)

// Anomaly is one inconsistent pair. Reported, never auto-corrected.
type Anomaly struct {
	Kind          AnomalyKind `json:"kind"`
	TransactionID string      `json:"transaction_id"`
	PaymentStatus string      `json:"payment_status,omitempty"`
	BookingStatus string      `json:"booking_status,omitempty"`
}

// Summary is the machine-readable audit outcome for one period.
type Summary struct {
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
	ConsistentCaptured int       `json:"consistent_captured"`
	ConsistentPending  int       `json:"consistent_pending"`
	Anomalies          []Anomaly `json:"anomalies"`
}

// Report is the persisted, immutable form of a Summary with its HMAC
// signature.
type Report struct {
	ID                 snowflake.ID   `gorm:"primaryKey" json:"id"`
	PeriodStart        time.Time      `gorm:"not null" json:"period_start"`
	PeriodEnd          time.Time      `gorm:"not null" json:"period_end"`
	ConsistentCaptured int            `gorm:"not null" json:"consistent_captured"`
	ConsistentPending  int            `gorm:"not null" json:"consistent_pending"`
	AnomalyCount       int            `gorm:"not null" json:"anomaly_count"`
	Anomalies          datatypes.JSON `json:"anomalies,omitempty"`
	Signature          string         `gorm:"type:text;not null" json:"signature"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Report) TableName() string { return "reconciliation_reports" }

// Service audits the settlement ledger.
type Service interface {
	Run(ctx context.Context, periodStart, periodEnd time.Time) (*Report, error)
	ListReports(ctx context.Context, limit int) ([]Report, error)
	GetReport(ctx context.Context, id snowflake.ID) (*Report, error)
}
