package scheduler_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	bookingservice "github.com/medvoya/core/internal/booking/service"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	ledgerservice "github.com/medvoya/core/internal/ledger/service"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
	reconservice "github.com/medvoya/core/internal/reconciliation/service"
	"github.com/medvoya/core/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_scheduler_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
			node_id BIGINT NOT NULL,
			procedure_id TEXT NOT NULL,
			slot DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'HOLD',
			hold_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_bookings_transaction_id ON bookings(transaction_id)`,
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
		`CREATE UNIQUE INDEX uq_payments_idempotency_key ON payments(idempotency_key)`,
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

type fixture struct {
	db         *gorm.DB
	fake       *clock.FakeClock
	bookingSvc bookingdomain.Service
	reconSvc   recondomain.Service
	sched      *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	node, err := snowflake.NewNode(60)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{
		HoldTTLDefault:      30 * time.Minute,
		HoldTTLMin:          15 * time.Minute,
		HoldTTLMax:          60 * time.Minute,
		ReportSigningSecret: "report_secret",
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	bookingSvc := bookingservice.NewService(bookingservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
		Ledger: ledgerSvc,
	})
	reconSvc := reconservice.NewService(reconservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
		Ledger: ledgerSvc,
	})

	sched, err := scheduler.New(scheduler.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		BookingSvc: bookingSvc,
		ReconSvc:   reconSvc,
		Config: scheduler.Config{
			RunInterval:      time.Minute,
			JobTimeout:       time.Minute,
			ExpireBatchSize:  10,
			ReconcileEnabled: true,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return &fixture{db: db, fake: fake, bookingSvc: bookingSvc, reconSvc: reconSvc, sched: sched}
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

func holdRequest(txID string) bookingdomain.CreateHoldRequest {
	return bookingdomain.CreateHoldRequest{
		TransactionID: txID,
		NodeID:        snowflake.ID(1001),
		ProcedureID:   "P",
		Slot:          time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		HoldTTL:       30 * time.Minute,
		Amount:        250000,
		Currency:      "usd",
		Gateway:       "wompi",
	}
}

func TestRunOnceExpiresDueHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		if _, err := f.bookingSvc.CreateHold(ctx, holdRequest(fmt.Sprintf("tx_sched_%d", i))); err != nil {
			t.Fatalf("create hold: %v", err)
		}
	}

	f.fake.Advance(31 * time.Minute)

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	assertCount(t, f.db, "SELECT COUNT(1) FROM bookings WHERE status = 'EXPIRED'", 2)
	assertCount(t, f.db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'HOLD_EXPIRED'", 2)
}

func TestRunOnceLeavesFreshHoldsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.bookingSvc.CreateHold(ctx, holdRequest("tx_fresh")); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	assertCount(t, f.db, "SELECT COUNT(1) FROM bookings WHERE status = 'HOLD'", 1)
	assertCount(t, f.db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'HOLD_EXPIRED'", 0)
}

func TestReconcileRunsOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	assertCount(t, f.db, "SELECT COUNT(1) FROM reconciliation_reports", 1)
	assertCount(t, f.db, "SELECT COUNT(1) FROM booking_events WHERE event_type = 'RECONCILIATION_RUN'", 1)

	// The next UTC day opens a new audit window.
	f.fake.Advance(24 * time.Hour)
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("next day tick: %v", err)
	}
	assertCount(t, f.db, "SELECT COUNT(1) FROM reconciliation_reports", 2)
}

func TestReconcileDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sched, err := scheduler.New(scheduler.Params{
		DB:         f.db,
		Log:        zap.NewNop(),
		Clock:      f.fake,
		BookingSvc: f.bookingSvc,
		ReconSvc:   f.reconSvc,
		Config: scheduler.Config{
			RunInterval:     time.Minute,
			JobTimeout:      time.Minute,
			ExpireBatchSize: 10,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	assertCount(t, f.db, "SELECT COUNT(1) FROM reconciliation_reports", 0)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := scheduler.New(scheduler.Params{})
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
