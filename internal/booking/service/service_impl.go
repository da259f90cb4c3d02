package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	ledgerdomain "github.com/medvoya/core/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Ledger ledgerdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	cfg    config.Config
	ledger ledgerdomain.Service
}

func NewService(p Params) bookingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("booking.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		cfg:    p.Config,
		ledger: p.Ledger,
	}
}

// CreateHold reserves capacity provisionally. Replaying the same
// transaction id returns the existing booking without new writes.
func (s *Service) CreateHold(ctx context.Context, req bookingdomain.CreateHoldRequest) (*bookingdomain.HoldResult, error) {
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.ProcedureID = strings.TrimSpace(req.ProcedureID)
	if req.TransactionID == "" || req.ProcedureID == "" || req.NodeID == 0 || req.Slot.IsZero() {
		return nil, bookingdomain.ErrInvalidRequest
	}
	if req.Amount < 0 {
		return nil, bookingdomain.ErrInvalidRequest
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	ttl := s.clampTTL(req.HoldTTL)
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	var result *bookingdomain.HoldResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bookingID := s.genID.Generate()
		res := tx.WithContext(ctx).Exec(
			`INSERT INTO bookings (
				id, transaction_id, node_id, procedure_id, slot, status, hold_expires_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (transaction_id) DO NOTHING`,
			bookingID,
			req.TransactionID,
			req.NodeID,
			req.ProcedureID,
			req.Slot,
			string(bookingdomain.StatusHold),
			expiresAt,
			now,
			now,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var existing bookingdomain.Booking
			if err := tx.WithContext(ctx).Raw(
				`SELECT id, transaction_id, status, hold_expires_at
				 FROM bookings WHERE transaction_id = ? LIMIT 1`,
				req.TransactionID,
			).Scan(&existing).Error; err != nil {
				return err
			}
			if existing.ID == 0 {
				return bookingdomain.ErrNotFound
			}
			result = &bookingdomain.HoldResult{
				BookingID:     existing.ID,
				TransactionID: existing.TransactionID,
				Status:        existing.Status,
				HoldExpiresAt: existing.HoldExpiresAt,
				Replayed:      true,
			}
			return nil
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO payments (
				id, transaction_id, booking_id, amount, currency, gateway, status,
				idempotency_key, gateway_reference, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			s.genID.Generate(),
			req.TransactionID,
			bookingID,
			req.Amount,
			currency,
			strings.TrimSpace(req.Gateway),
			"PENDING",
			"pay_"+req.TransactionID,
			now,
			now,
		).Error; err != nil {
			return err
		}

		if err := s.ledger.Append(ctx, tx, ledgerdomain.EventBookingHeld, req.TransactionID, &bookingID, map[string]any{
			"node_id":         req.NodeID.String(),
			"procedure_id":    req.ProcedureID,
			"hold_expires_at": expiresAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}

		result = &bookingdomain.HoldResult{
			BookingID:     bookingID,
			TransactionID: req.TransactionID,
			Status:        bookingdomain.StatusHold,
			HoldExpiresAt: &expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Confirm finalizes a held booking. An expired hold transitions to
// EXPIRED even when confirm arrives first; re-confirming a CONFIRMED
// booking is a no-op success.
func (s *Service) Confirm(ctx context.Context, bookingID snowflake.ID) (*bookingdomain.TransitionResult, error) {
	var result *bookingdomain.TransitionResult
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := lockBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			outcome = bookingdomain.ErrNotFound
			return nil
		}

		now := s.clock.Now()

		switch {
		case booking.Status == bookingdomain.StatusConfirmed:
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: booking.Status}
			return nil

		case booking.Status != bookingdomain.StatusHold:
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: booking.Status}
			outcome = bookingdomain.ErrInvalidStatus
			return nil

		case booking.HoldExpiresAt != nil && !booking.HoldExpiresAt.After(now):
			if err := transition(ctx, tx, booking.ID, bookingdomain.StatusExpired, false, now); err != nil {
				return err
			}
			if err := s.ledger.Append(ctx, tx, ledgerdomain.EventHoldExpired, booking.TransactionID, &booking.ID, map[string]any{
				"hold_expires_at": booking.HoldExpiresAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return err
			}
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: bookingdomain.StatusExpired}
			outcome = bookingdomain.ErrHoldExpired
			return nil

		default:
			if err := transition(ctx, tx, booking.ID, bookingdomain.StatusConfirmed, true, now); err != nil {
				return err
			}
			if err := s.ledger.Append(ctx, tx, ledgerdomain.EventBookingConfirmed, booking.TransactionID, &booking.ID, nil); err != nil {
				return err
			}
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: bookingdomain.StatusConfirmed}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return result, outcome
	}
	return result, nil
}

// Cancel releases a held booking. CANCELLED is absorbing.
func (s *Service) Cancel(ctx context.Context, bookingID snowflake.ID) (*bookingdomain.TransitionResult, error) {
	var result *bookingdomain.TransitionResult
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := lockBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			outcome = bookingdomain.ErrNotFound
			return nil
		}

		switch booking.Status {
		case bookingdomain.StatusCancelled:
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: booking.Status}
			return nil
		case bookingdomain.StatusHold:
			now := s.clock.Now()
			if err := transition(ctx, tx, booking.ID, bookingdomain.StatusCancelled, true, now); err != nil {
				return err
			}
			if err := s.ledger.Append(ctx, tx, ledgerdomain.EventBookingCancelled, booking.TransactionID, &booking.ID, nil); err != nil {
				return err
			}
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: bookingdomain.StatusCancelled}
			return nil
		default:
			result = &bookingdomain.TransitionResult{BookingID: booking.ID, Status: booking.Status}
			outcome = bookingdomain.ErrInvalidStatus
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return result, outcome
	}
	return result, nil
}

// ExpireDueHolds claims due holds with SKIP LOCKED so concurrent
// scheduler replicas never fight over the same rows.
func (s *Service) ExpireDueHolds(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	processed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		var due []bookingdomain.Booking
		if err := tx.WithContext(ctx).Raw(
			`SELECT id, transaction_id, hold_expires_at
			 FROM bookings
			 WHERE status = ? AND hold_expires_at IS NOT NULL AND hold_expires_at <= ?
			 ORDER BY hold_expires_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			string(bookingdomain.StatusHold),
			now,
			batchSize,
		).Scan(&due).Error; err != nil {
			return err
		}

		for _, booking := range due {
			if err := transition(ctx, tx, booking.ID, bookingdomain.StatusExpired, false, now); err != nil {
				return err
			}
			payload := map[string]any{}
			if booking.HoldExpiresAt != nil {
				payload["hold_expires_at"] = booking.HoldExpiresAt.UTC().Format(time.RFC3339)
			}
			if err := s.ledger.Append(ctx, tx, ledgerdomain.EventHoldExpired, booking.TransactionID, &booking.ID, payload); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.HoldTTLDefault
	}
	if ttl < s.cfg.HoldTTLMin {
		return s.cfg.HoldTTLMin
	}
	if ttl > s.cfg.HoldTTLMax {
		return s.cfg.HoldTTLMax
	}
	return ttl
}

func lockBooking(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID) (*bookingdomain.Booking, error) {
	var booking bookingdomain.Booking
	err := tx.WithContext(ctx).Raw(
		`SELECT id, transaction_id, node_id, procedure_id, slot, status, hold_expires_at
		 FROM bookings
		 WHERE id = ?
		 FOR UPDATE`,
		bookingID,
	).Scan(&booking).Error
	if err != nil {
		return nil, err
	}
	if booking.ID == 0 {
		return nil, nil
	}
	return &booking, nil
}

func transition(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID, status bookingdomain.Status, clearHold bool, now time.Time) error {
	if clearHold {
		return tx.WithContext(ctx).Exec(
			`UPDATE bookings SET status = ?, hold_expires_at = NULL, updated_at = ? WHERE id = ?`,
			string(status), now, bookingID,
		).Error
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, bookingID,
	).Error
}
