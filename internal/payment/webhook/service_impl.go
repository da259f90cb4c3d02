package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/medvoya/core/internal/clock"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event types delivered by the gateway.
const (
	EventTypeCaptured = "payment.captured"
	EventTypeFailed   = "payment.failed"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	PaymentSvc paymentdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	paymentSvc paymentdomain.Service
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
	}
}

// Ingest processes an authenticated gateway event. Redelivery of a
// processed event id flows into the idempotent capture branch, so the
// gateway always sees a success-shaped response for a settled
// transaction.
func (s *Service) Ingest(ctx context.Context, payload []byte) (*paymentdomain.CaptureResult, error) {
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var event paymentdomain.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event.EventID = strings.TrimSpace(event.EventID)
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	event.TransactionID = strings.TrimSpace(event.TransactionID)
	if event.EventID == "" || event.TransactionID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	switch event.Type {
	case EventTypeCaptured, EventTypeFailed:
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	recorded, err := s.recordEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !recorded {
		s.log.Info("webhook event redelivered",
			zap.String("event_id", event.EventID),
			zap.String("transaction_id", event.TransactionID),
		)
	}

	switch event.Type {
	case EventTypeFailed:
		if err := s.paymentSvc.MarkFailed(ctx, event.TransactionID, "gateway reported failure"); err != nil {
			return nil, err
		}
		return &paymentdomain.CaptureResult{
			PaymentStatus: paymentdomain.StatusFailed,
			BookingStatus: paymentdomain.BookingStatusUnknown,
		}, nil
	default:
		return s.paymentSvc.Capture(ctx, event.TransactionID, event.GatewayReference, map[string]any{
			"event_id":    event.EventID,
			"amount":      event.Amount,
			"currency":    event.Currency,
			"occurred_at": event.OccurredAt,
		})
	}
}

// recordEvent inserts the gateway event id once. A conflict means the
// gateway redelivered and is reported as recorded=false, never an error.
func (s *Service) recordEvent(ctx context.Context, event paymentdomain.GatewayEvent) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO processed_webhook_events (event_id, event_type, transaction_id, received_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID,
		event.Type,
		event.TransactionID,
		s.clock.Now(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
