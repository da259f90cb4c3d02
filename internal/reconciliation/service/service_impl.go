package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	ledgerdomain "github.com/medvoya/core/internal/ledger/domain"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
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
	Config config.Config
	Ledger ledgerdomain.Service
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	signingSecret string
	ledger        ledgerdomain.Service
}

func NewService(p Params) recondomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconciliation.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		signingSecret: p.Config.ReportSigningSecret,
		ledger:        p.Ledger,
	}
}

type pairRow struct {
	TransactionID  string
	PaymentStatus  string
	BookingStatus  string
	HoldExpiresAt  *time.Time
	HasBooking     bool
	HasExpiryEvent bool
}

// Run audits one period and persists a signed, immutable report.
// Anomalies are recorded for humans; nothing is corrected here.
func (s *Service) Run(ctx context.Context, periodStart, periodEnd time.Time) (*recondomain.Report, error) {
	if periodStart.IsZero() || periodEnd.IsZero() || !periodEnd.After(periodStart) {
		return nil, recondomain.ErrInvalidPeriod
	}

	summary := recondomain.Summary{
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		Anomalies:   []recondomain.Anomaly{},
	}

	pairs, err := s.loadPairs(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for _, pair := range pairs {
		s.classify(&summary, pair, now)
	}

	unpaid, err := s.loadUnpaidBookings(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	summary.Anomalies = append(summary.Anomalies, unpaid...)

	report, err := s.buildReport(summary)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO reconciliation_reports (
				id, period_start, period_end, consistent_captured, consistent_pending,
				anomaly_count, anomalies, signature, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.ID,
			report.PeriodStart,
			report.PeriodEnd,
			report.ConsistentCaptured,
			report.ConsistentPending,
			report.AnomalyCount,
			report.Anomalies,
			report.Signature,
			report.CreatedAt,
		).Error; err != nil {
			return err
		}

		return s.ledger.Append(ctx, tx, ledgerdomain.EventReconciliationRun, "recon_"+report.ID.String(), nil, map[string]any{
			"report_id":     report.ID.String(),
			"anomaly_count": report.AnomalyCount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("reconciliation run complete",
		zap.String("report_id", report.ID.String()),
		zap.Int("consistent_captured", report.ConsistentCaptured),
		zap.Int("consistent_pending", report.ConsistentPending),
		zap.Int("anomaly_count", report.AnomalyCount),
	)
	return report, nil
}

func (s *Service) loadPairs(ctx context.Context, periodStart, periodEnd time.Time) ([]pairRow, error) {
	var pairs []pairRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			p.transaction_id,
			p.status AS payment_status,
			COALESCE(b.status, '') AS booking_status,
			b.hold_expires_at,
			(b.id IS NOT NULL) AS has_booking,
			EXISTS (
				SELECT 1 FROM booking_events e
				WHERE e.transaction_id = p.transaction_id AND e.event_type = ?
			) AS has_expiry_event
		FROM payments p
		LEFT JOIN bookings b ON b.id = p.booking_id
		WHERE p.created_at >= ? AND p.created_at < ?
		ORDER BY p.transaction_id ASC`,
		string(ledgerdomain.EventHoldExpired),
		periodStart,
		periodEnd,
	).Scan(&pairs).Error
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *Service) loadUnpaidBookings(ctx context.Context, periodStart, periodEnd time.Time) ([]recondomain.Anomaly, error) {
	var rows []struct {
		TransactionID string
		Status        string
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT b.transaction_id, b.status
		FROM bookings b
		LEFT JOIN payments p ON p.booking_id = b.id
		WHERE p.id IS NULL AND b.created_at >= ? AND b.created_at < ?
		ORDER BY b.transaction_id ASC`,
		periodStart,
		periodEnd,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	anomalies := make([]recondomain.Anomaly, 0, len(rows))
	for _, row := range rows {
		anomalies = append(anomalies, recondomain.Anomaly{
			Kind:          recondomain.AnomalyUnpaidBooking,
			TransactionID: row.TransactionID,
			BookingStatus: row.Status,
		})
	}
	return anomalies, nil
}

func (s *Service) classify(summary *recondomain.Summary, pair pairRow, now time.Time) {
	switch pair.PaymentStatus {
	case "CAPTURED":
		if !pair.HasBooking {
			summary.Anomalies = append(summary.Anomalies, anomalyOf(recondomain.AnomalyOrphanedPayment, pair))
			return
		}
		if pair.BookingStatus == "CONFIRMED" {
			summary.ConsistentCaptured++
			return
		}
		summary.Anomalies = append(summary.Anomalies, anomalyOf(recondomain.AnomalyCapturedUnconfirmed, pair))

	case "PENDING":
		if !pair.HasBooking {
			summary.Anomalies = append(summary.Anomalies, anomalyOf(recondomain.AnomalyOrphanedPayment, pair))
			return
		}
		if pair.BookingStatus == "HOLD" {
			if pair.HoldExpiresAt == nil || pair.HoldExpiresAt.After(now) {
				summary.ConsistentPending++
				return
			}
			// Past expiry: only anomalous when nothing recorded the lapse.
			if !pair.HasExpiryEvent {
				summary.Anomalies = append(summary.Anomalies, anomalyOf(recondomain.AnomalyStalePending, pair))
			}
			return
		}
		if pair.BookingStatus == "EXPIRED" || pair.BookingStatus == "CANCELLED" {
			return
		}
		if !pair.HasExpiryEvent && pair.HoldExpiresAt != nil && !pair.HoldExpiresAt.After(now) {
			summary.Anomalies = append(summary.Anomalies, anomalyOf(recondomain.AnomalyStalePending, pair))
		}
	}
}

func anomalyOf(kind recondomain.AnomalyKind, pair pairRow) recondomain.Anomaly {
	return recondomain.Anomaly{
		Kind:          kind,
		TransactionID: pair.TransactionID,
		PaymentStatus: pair.PaymentStatus,
		BookingStatus: pair.BookingStatus,
	}
}

func (s *Service) buildReport(summary recondomain.Summary) (*recondomain.Report, error) {
	encodedAnomalies, err := json.Marshal(summary.Anomalies)
	if err != nil {
		return nil, err
	}

	signature, err := s.sign(summary)
	if err != nil {
		return nil, err
	}

	return &recondomain.Report{
		ID:                 s.genID.Generate(),
		PeriodStart:        summary.PeriodStart,
		PeriodEnd:          summary.PeriodEnd,
		ConsistentCaptured: summary.ConsistentCaptured,
		ConsistentPending:  summary.ConsistentPending,
		AnomalyCount:       len(summary.Anomalies),
		Anomalies:          datatypes.JSON(encodedAnomalies),
		Signature:          signature,
		CreatedAt:          s.clock.Now(),
	}, nil
}

// sign computes hex(HMAC-SHA256(canonical summary JSON)) under the
// reporting secret so a stored report can be verified after the fact.
func (s *Service) sign(summary recondomain.Summary) (string, error) {
	canonical, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *Service) ListReports(ctx context.Context, limit int) ([]recondomain.Report, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var reports []recondomain.Report
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, period_start, period_end, consistent_captured, consistent_pending,
			anomaly_count, anomalies, signature, created_at
		FROM reconciliation_reports
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	).Scan(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Service) GetReport(ctx context.Context, id snowflake.ID) (*recondomain.Report, error) {
	var report recondomain.Report
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, period_start, period_end, consistent_captured, consistent_pending,
			anomaly_count, anomalies, signature, created_at
		FROM reconciliation_reports
		WHERE id = ?
		LIMIT 1`,
		id,
	).Scan(&report).Error
	if err != nil {
		return nil, err
	}
	if report.ID == 0 {
		return nil, recondomain.ErrReportNotFound
	}
	return &report, nil
}
