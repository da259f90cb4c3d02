package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	"github.com/medvoya/core/internal/clock"
	ledgerdomain "github.com/medvoya/core/internal/ledger/domain"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger ledgerdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger ledgerdomain.Service
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("payment.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

// Capture settles a payment exactly once. Replays land on the
// already-CAPTURED branch and return the current state without a second
// event; concurrent captures serialize on the payment row lock.
func (s *Service) Capture(
	ctx context.Context,
	transactionID string,
	gatewayReference string,
	gatewayResponse map[string]any,
) (*paymentdomain.CaptureResult, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, paymentdomain.ErrNotFound
	}

	var result *paymentdomain.CaptureResult
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = paymentdomain.ErrNotFound
			return nil
		}

		if payment.Status == paymentdomain.StatusCaptured {
			bookingStatus, err := readBookingStatus(ctx, tx, payment.BookingID)
			if err != nil {
				return err
			}
			result = &paymentdomain.CaptureResult{
				PaymentStatus:   paymentdomain.StatusCaptured,
				BookingStatus:   bookingStatus,
				AlreadyCaptured: true,
			}
			return nil
		}

		if payment.Status != paymentdomain.StatusPending {
			result = &paymentdomain.CaptureResult{
				PaymentStatus: payment.Status,
				BookingStatus: paymentdomain.BookingStatusUnknown,
			}
			outcome = paymentdomain.ErrInvalidPaymentStatus
			return nil
		}

		now := s.clock.Now()

		var raw datatypes.JSON
		if len(gatewayResponse) > 0 {
			encoded, err := json.Marshal(gatewayResponse)
			if err != nil {
				return err
			}
			raw = datatypes.JSON(encoded)
		}

		reference := strings.TrimSpace(gatewayReference)
		if reference == "" {
			reference = payment.GatewayReference
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET status = ?, gateway_reference = ?, gateway_response = COALESCE(?, gateway_response),
			     captured_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(paymentdomain.StatusCaptured),
			reference,
			raw,
			now,
			now,
			payment.ID,
		).Error; err != nil {
			return err
		}

		// The count of booking rows moved by this capture lives in its
		// own variable; zero is a legal outcome, not an error.
		var bookingRowsAffected int64
		if payment.BookingID != nil {
			res := tx.WithContext(ctx).Exec(
				`UPDATE bookings
				 SET status = ?, hold_expires_at = NULL, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(bookingdomain.StatusConfirmed),
				now,
				*payment.BookingID,
				string(bookingdomain.StatusHold),
			)
			if res.Error != nil {
				return res.Error
			}
			bookingRowsAffected = res.RowsAffected
		}

		if err := s.ledger.Append(ctx, tx, ledgerdomain.EventPaymentSuccess, transactionID, payment.BookingID, map[string]any{
			"gateway_reference":     reference,
			"booking_rows_affected": bookingRowsAffected,
		}); err != nil {
			return err
		}

		bookingStatus, err := readBookingStatus(ctx, tx, payment.BookingID)
		if err != nil {
			return err
		}

		result = &paymentdomain.CaptureResult{
			PaymentStatus: paymentdomain.StatusCaptured,
			BookingStatus: bookingStatus,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return result, outcome
	}
	return result, nil
}

// MarkFailed records a terminal gateway failure. Repeated failure
// deliveries are no-ops.
func (s *Service) MarkFailed(ctx context.Context, transactionID, reason string) error {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return paymentdomain.ErrNotFound
	}

	var outcome error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = paymentdomain.ErrNotFound
			return nil
		}

		switch payment.Status {
		case paymentdomain.StatusFailed:
			return nil
		case paymentdomain.StatusPending:
		default:
			outcome = paymentdomain.ErrInvalidPaymentStatus
			return nil
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
			string(paymentdomain.StatusFailed),
			now,
			payment.ID,
		).Error; err != nil {
			return err
		}

		return s.ledger.Append(ctx, tx, ledgerdomain.EventPaymentFailed, transactionID, payment.BookingID, map[string]any{
			"reason": strings.TrimSpace(reason),
		})
	})
	if err != nil {
		return err
	}
	return outcome
}

func lockPayment(ctx context.Context, tx *gorm.DB, transactionID string) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT id, transaction_id, booking_id, amount, currency, gateway, status,
			idempotency_key, gateway_reference, gateway_response, captured_at
		 FROM payments
		 WHERE transaction_id = ?
		 FOR UPDATE`,
		transactionID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func readBookingStatus(ctx context.Context, tx *gorm.DB, bookingID *snowflake.ID) (string, error) {
	if bookingID == nil {
		return paymentdomain.BookingStatusUnknown, nil
	}

	var row struct {
		Status string
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT status FROM bookings WHERE id = ? LIMIT 1`,
		*bookingID,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	if row.Status == "" {
		return paymentdomain.BookingStatusUnknown, nil
	}
	return row.Status, nil
}
