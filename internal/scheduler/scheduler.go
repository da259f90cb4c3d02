package scheduler

import (
	"context"
	"errors"
	"time"

	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/observability/metrics"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobExpireHolds = "expire_holds"
	JobReconcile   = "reconcile"
)

var ErrInvalidConfig = errors.New("scheduler requires db, logger, clock and services")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BookingSvc bookingdomain.Service
	ReconSvc   recondomain.Service
	Locker     *Locker `optional:"true"`
	Config     Config  `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	bookingSvc bookingdomain.Service
	reconSvc   recondomain.Service
	locker     *Locker

	lastReconciledDay time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.BookingSvc == nil || p.ReconSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		clock:      p.Clock,
		bookingSvc: p.BookingSvc,
		reconSvc:   p.ReconSvc,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := metrics.Scheduler()

	if s.locker != nil {
		key := "medvoya:jobs:" + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("job lock unavailable, proceeding without it",
				zap.String("job", name), zap.Error(err))
		} else if !ok {
			schedMetrics.IncLockSkipped(name)
			s.log.Debug("job skipped, lock held elsewhere", zap.String("job", name))
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	schedMetrics.IncJobRun(name)
	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
		)
		return nil
	}

	schedMetrics.IncJobError(name)
	s.log.Error("job failed", zap.String("job", name), zap.Error(err))
	return err
}

// RunOnce executes one scheduler tick: lapse due holds, and once per
// UTC day audit the previous day's settlements.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if err := s.runJob(parent, JobExpireHolds, s.ExpireHoldsJob); err != nil {
		return err
	}

	if s.cfg.ReconcileEnabled && s.reconcileDue() {
		if err := s.runJob(parent, JobReconcile, s.ReconcileJob); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ExpireHoldsJob lapses HOLD bookings whose deadline passed.
func (s *Scheduler) ExpireHoldsJob(ctx context.Context) error {
	processed, err := s.bookingSvc.ExpireDueHolds(ctx, s.cfg.ExpireBatchSize)
	if err != nil {
		return err
	}
	metrics.Scheduler().AddBatchProcessed(JobExpireHolds, processed)
	if processed > 0 {
		s.log.Info("expired due holds", zap.Int("count", processed))
	}
	return nil
}

// ReconcileJob audits yesterday's UTC window.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	day := s.today()
	periodStart := day.AddDate(0, 0, -1)

	report, err := s.reconSvc.Run(ctx, periodStart, day)
	if err != nil {
		return err
	}

	s.lastReconciledDay = day
	metrics.Scheduler().AddBatchProcessed(JobReconcile, report.ConsistentCaptured+report.ConsistentPending+report.AnomalyCount)
	return nil
}

func (s *Scheduler) reconcileDue() bool {
	return s.today().After(s.lastReconciledDay)
}

func (s *Scheduler) today() time.Time {
	now := s.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
