package webhook_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/medvoya/core/internal/clock"
	ledgerservice "github.com/medvoya/core/internal/ledger/service"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	paymentservice "github.com/medvoya/core/internal/payment/service"
	paymentwebhook "github.com/medvoya/core/internal/payment/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_webhook_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip)

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
			amount BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			gateway TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			idempotency_key TEXT NOT NULL,
			gateway_reference TEXT NOT NULL DEFAULT '',
			gateway_response TEXT,
			captured_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_payments_transaction_id ON payments(transaction_id)`,
		`CREATE TABLE booking_events (
			id BIGINT PRIMARY KEY,
			event_type TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			booking_id BIGINT,
			payload TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE processed_webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			received_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema: %v", err)
		}
	}

	return db
}

func newWebhookService(t *testing.T, db *gorm.DB, fake *clock.FakeClock) paymentdomain.WebhookService {
	t.Helper()

	node, err := snowflake.NewNode(41)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Ledger: ledgerSvc,
	})

	return paymentwebhook.NewService(paymentwebhook.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		PaymentSvc: paymentSvc,
	})
}

func seedSettlement(t *testing.T, db *gorm.DB, txID string, bookingID, paymentID snowflake.ID) {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := db.Exec(
		`INSERT INTO bookings (id, transaction_id, status, hold_expires_at, created_at, updated_at)
		 VALUES (?, ?, 'HOLD', ?, ?, ?)`,
		bookingID, txID, now.Add(time.Hour), now, now,
	).Error; err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO payments (id, transaction_id, booking_id, status, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, 'PENDING', ?, ?, ?)`,
		paymentID, txID, bookingID, "pay_"+txID, now, now,
	).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64) {
	t.Helper()
	var got int64
	if err := db.Raw(query).Scan(&got).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	if got != want {
		t.Fatalf("count mismatch for %q: got %d want %d", query, got, want)
	}
}

func capturedPayload(eventID, txID string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":"%s","type":"payment.captured","transaction_id":"%s","gateway_reference":"gw_ref","amount":250000,"currency":"USD","occurred_at":"2026-03-10T12:30:00Z"}`,
		eventID, txID,
	))
}

func TestIngestCapturesAndConfirms(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc := newWebhookService(t, db, fake)

	seedSettlement(t, db, "tx_hook", snowflake.ID(5001), snowflake.ID(6001))

	result, err := svc.Ingest(ctx, capturedPayload("evt_1", "tx_hook"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.PaymentStatus != paymentdomain.StatusCaptured || result.BookingStatus != "CONFIRMED" {
		t.Fatalf("unexpected result: %+v", result)
	}

	assertCount(t, db, "SELECT COUNT(1) FROM processed_webhook_events", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'PAYMENT_SUCCESS'", 1)
}

func TestIngestRedeliveryYieldsSameResultWithoutSecondEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc := newWebhookService(t, db, fake)

	seedSettlement(t, db, "tx_redeliver", snowflake.ID(5002), snowflake.ID(6002))

	first, err := svc.Ingest(ctx, capturedPayload("evt_dup", "tx_redeliver"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	second, err := svc.Ingest(ctx, capturedPayload("evt_dup", "tx_redeliver"))
	if err != nil {
		t.Fatalf("redelivered ingest: %v", err)
	}
	if !second.AlreadyCaptured {
		t.Fatal("redelivery should land on the idempotent branch")
	}
	if second.PaymentStatus != first.PaymentStatus || second.BookingStatus != first.BookingStatus {
		t.Fatalf("redelivery diverged: %+v vs %+v", second, first)
	}

	assertCount(t, db, "SELECT COUNT(1) FROM processed_webhook_events", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'PAYMENT_SUCCESS'", 1)
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc := newWebhookService(t, db, fake)

	if _, err := svc.Ingest(ctx, []byte(`not-json`)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := svc.Ingest(ctx, []byte(`{"type":"payment.captured"}`)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing ids, got %v", err)
	}
}

func TestIngestIgnoresUnknownEventTypes(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc := newWebhookService(t, db, fake)

	payload := []byte(`{"event_id":"evt_x","type":"payout.settled","transaction_id":"tx_x"}`)
	if _, err := svc.Ingest(ctx, payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}

	assertCount(t, db, "SELECT COUNT(1) FROM processed_webhook_events", 0)
}

func TestIngestFailureEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc := newWebhookService(t, db, fake)

	seedSettlement(t, db, "tx_failhook", snowflake.ID(5003), snowflake.ID(6003))

	payload := []byte(`{"event_id":"evt_f","type":"payment.failed","transaction_id":"tx_failhook"}`)
	result, err := svc.Ingest(ctx, payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.PaymentStatus != paymentdomain.StatusFailed {
		t.Fatalf("payment status: got %s", result.PaymentStatus)
	}

	assertCount(t, db, "SELECT COUNT(1) FROM payments WHERE status = 'FAILED'", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'PAYMENT_FAILED'", 1)
}
