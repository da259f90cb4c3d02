package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	ledgerservice "github.com/medvoya/core/internal/ledger/service"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
	reconservice "github.com/medvoya/core/internal/reconciliation/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const signingSecret = "report_secret"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_recon_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE bookings (
			id BIGINT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'HOLD',
			hold_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			booking_id BIGINT,
			status TEXT NOT NULL DEFAULT 'PENDING',
			idempotency_key TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE booking_events (
			id BIGINT PRIMARY KEY,
			event_type TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			booking_id BIGINT,
			payload TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE reconciliation_reports (
			id BIGINT PRIMARY KEY,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			consistent_captured INT NOT NULL DEFAULT 0,
			consistent_pending INT NOT NULL DEFAULT 0,
			anomaly_count INT NOT NULL DEFAULT 0,
			anomalies TEXT,
			signature TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema: %v", err)
		}
	}

	return db
}

func newReconService(t *testing.T, db *gorm.DB, fake *clock.FakeClock) recondomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(50)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})

	return reconservice.NewService(reconservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: config.Config{ReportSigningSecret: signingSecret},
		Ledger: ledgerSvc,
	})
}

type pairSeed struct {
	txID           string
	paymentStatus  string
	bookingStatus  string
	holdExpiresAt  *time.Time
	withBooking    bool
	withExpiryNote bool
}

func seedPair(t *testing.T, db *gorm.DB, node *snowflake.Node, created time.Time, seed pairSeed) {
	t.Helper()

	var bookingID *snowflake.ID
	if seed.withBooking {
		id := node.Generate()
		bookingID = &id
		if err := db.Exec(
			`INSERT INTO bookings (id, transaction_id, status, hold_expires_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, seed.txID, seed.bookingStatus, seed.holdExpiresAt, created, created,
		).Error; err != nil {
			t.Fatalf("seed booking: %v", err)
		}
	}

	if seed.paymentStatus != "" {
		if err := db.Exec(
			`INSERT INTO payments (id, transaction_id, booking_id, status, idempotency_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			node.Generate(), seed.txID, bookingID, seed.paymentStatus, "pay_"+seed.txID, created, created,
		).Error; err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}

	if seed.withExpiryNote {
		if err := db.Exec(
			`INSERT INTO booking_events (id, event_type, transaction_id, booking_id, created_at)
			 VALUES (?, 'HOLD_EXPIRED', ?, ?, ?)`,
			node.Generate(), seed.txID, bookingID, created,
		).Error; err != nil {
			t.Fatalf("seed expiry event: %v", err)
		}
	}
}

func anomaliesOf(t *testing.T, report *recondomain.Report) map[string]recondomain.AnomalyKind {
	t.Helper()
	var anomalies []recondomain.Anomaly
	if err := json.Unmarshal(report.Anomalies, &anomalies); err != nil {
		t.Fatalf("decode anomalies: %v", err)
	}
	byTx := make(map[string]recondomain.AnomalyKind, len(anomalies))
	for _, anomaly := range anomalies {
		byTx[anomaly.TransactionID] = anomaly.Kind
	}
	return byTx
}

func TestRunClassifiesPairs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newReconService(t, db, fake)

	node, err := snowflake.NewNode(51)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	future := fake.Now().Add(time.Hour)
	past := fake.Now().Add(-2 * time.Hour)

	seedPair(t, db, node, created, pairSeed{txID: "tx_good", paymentStatus: "CAPTURED", bookingStatus: "CONFIRMED", withBooking: true})
	seedPair(t, db, node, created, pairSeed{txID: "tx_pending", paymentStatus: "PENDING", bookingStatus: "HOLD", holdExpiresAt: &future, withBooking: true})
	seedPair(t, db, node, created, pairSeed{txID: "tx_bad_capture", paymentStatus: "CAPTURED", bookingStatus: "HOLD", holdExpiresAt: &future, withBooking: true})
	seedPair(t, db, node, created, pairSeed{txID: "tx_stale", paymentStatus: "PENDING", bookingStatus: "HOLD", holdExpiresAt: &past, withBooking: true})
	seedPair(t, db, node, created, pairSeed{txID: "tx_lapsed_ok", paymentStatus: "PENDING", bookingStatus: "HOLD", holdExpiresAt: &past, withBooking: true, withExpiryNote: true})
	seedPair(t, db, node, created, pairSeed{txID: "tx_orphan", paymentStatus: "PENDING", withBooking: false})
	seedPair(t, db, node, created, pairSeed{txID: "tx_unpaid", bookingStatus: "HOLD", holdExpiresAt: &future, withBooking: true})

	report, err := svc.Run(ctx, created.Add(-time.Hour), fake.Now())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.ConsistentCaptured != 1 {
		t.Fatalf("consistent_captured: got %d want 1", report.ConsistentCaptured)
	}
	if report.ConsistentPending != 1 {
		t.Fatalf("consistent_pending: got %d want 1", report.ConsistentPending)
	}
	if report.AnomalyCount != 4 {
		t.Fatalf("anomaly_count: got %d want 4", report.AnomalyCount)
	}

	byTx := anomaliesOf(t, report)
	if byTx["tx_bad_capture"] != recondomain.AnomalyCapturedUnconfirmed {
		t.Fatalf("tx_bad_capture: got %s", byTx["tx_bad_capture"])
	}
	if byTx["tx_stale"] != recondomain.AnomalyStalePending {
		t.Fatalf("tx_stale: got %s", byTx["tx_stale"])
	}
	if byTx["tx_orphan"] != recondomain.AnomalyOrphanedPayment {
		t.Fatalf("tx_orphan: got %s", byTx["tx_orphan"])
	}
	if byTx["tx_unpaid"] != recondomain.AnomalyUnpaidBooking {
		t.Fatalf("tx_unpaid: got %s", byTx["tx_unpaid"])
	}
	if _, flagged := byTx["tx_lapsed_ok"]; flagged {
		t.Fatal("tx_lapsed_ok has expiry evidence and must not be flagged")
	}

	var eventCount int64
	if err := db.Raw("SELECT COUNT(1) FROM booking_events WHERE event_type = 'RECONCILIATION_RUN'").Scan(&eventCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("reconciliation run events: got %d want 1", eventCount)
	}
}

func TestRunSignatureIsVerifiable(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newReconService(t, db, fake)

	periodStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	report, err := svc.Run(ctx, periodStart, periodEnd)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var anomalies []recondomain.Anomaly
	if err := json.Unmarshal(report.Anomalies, &anomalies); err != nil {
		t.Fatalf("decode anomalies: %v", err)
	}

	canonical, err := json.Marshal(recondomain.Summary{
		PeriodStart:        report.PeriodStart,
		PeriodEnd:          report.PeriodEnd,
		ConsistentCaptured: report.ConsistentCaptured,
		ConsistentPending:  report.ConsistentPending,
		Anomalies:          anomalies,
	})
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))

	if report.Signature != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", report.Signature, want)
	}
}

func TestRunRejectsInvalidPeriod(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newReconService(t, db, fake)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Run(ctx, day, day); !errors.Is(err, recondomain.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestGetReportNotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newReconService(t, db, fake)

	if _, err := svc.GetReport(ctx, snowflake.ID(999)); !errors.Is(err, recondomain.ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
}
