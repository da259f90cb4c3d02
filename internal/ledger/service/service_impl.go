package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/medvoya/core/internal/clock"
	ledgerdomain "github.com/medvoya/core/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Append(
	ctx context.Context,
	tx *gorm.DB,
	eventType ledgerdomain.EventType,
	transactionID string,
	bookingID *snowflake.ID,
	payload map[string]any,
) error {
	if tx == nil {
		return ledgerdomain.ErrMissingTransaction
	}
	if strings.TrimSpace(string(eventType)) == "" {
		return ledgerdomain.ErrInvalidEventType
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return ledgerdomain.ErrInvalidTransactionID
	}

	var raw datatypes.JSON
	if len(payload) > 0 {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = datatypes.JSON(encoded)
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO booking_events (
			id, event_type, transaction_id, booking_id, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		string(eventType),
		transactionID,
		bookingID,
		raw,
		s.clock.Now(),
	).Error
}

func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]ledgerdomain.Event, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, ledgerdomain.ErrInvalidTransactionID
	}

	var events []ledgerdomain.Event
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, event_type, transaction_id, booking_id, payload, created_at
		FROM booking_events
		WHERE transaction_id = ?
		ORDER BY created_at ASC, id ASC`,
		transactionID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) CountByType(ctx context.Context, from, to time.Time) ([]ledgerdomain.TypeCount, error) {
	var counts []ledgerdomain.TypeCount
	err := s.db.WithContext(ctx).Raw(
		`SELECT event_type, COUNT(*) AS count
		FROM booking_events
		WHERE created_at >= ? AND created_at < ?
		GROUP BY event_type
		ORDER BY event_type ASC`,
		from, to,
	).Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
