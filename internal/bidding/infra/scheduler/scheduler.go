package scheduler

import (
	"context"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

const (
	DefaultSweepInterval           = 2 * time.Second
	DefaultSettlementRetryInterval = 30 * time.Second
)

// Lifecycle is the part of the lifecycle manager driven by time.
type Lifecycle interface {
	SweepDueItems(ctx context.Context) (application.SweepReport, error)
	RetrySettlements(ctx context.Context) (application.SettlementReport, error)
}

// Scheduler drives sweeps and settlement retries. Skipped or repeated ticks are harmless,
// every pass re-reads the store.
type Scheduler struct {
	lifecycle        Lifecycle
	sweepEvery       time.Duration
	settlementsEvery time.Duration
}

// Non-positive intervals fall back to the defaults.
func New(lifecycle Lifecycle, sweepEvery, settlementsEvery time.Duration) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	if settlementsEvery <= 0 {
		settlementsEvery = DefaultSettlementRetryInterval
	}
	return &Scheduler{lifecycle: lifecycle, sweepEvery: sweepEvery, settlementsEvery: settlementsEvery}
}

// Run sweeps once right away, to catch up on deadlines passed while the process was down,
// then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info("Scheduler started",
		zap.Duration("sweep_interval", s.sweepEvery),
		zap.Duration("settlement_retry_interval", s.settlementsEvery),
	)
	sweeps := time.NewTicker(s.sweepEvery)
	defer sweeps.Stop()
	retries := time.NewTicker(s.settlementsEvery)
	defer retries.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return
		case <-sweeps.C:
			s.sweep(ctx)
		case <-retries.C:
			s.retrySettlements(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	report, err := s.lifecycle.SweepDueItems(ctx)
	if err != nil {
		log.Error("Sweep failed", zap.Error(err))
		return
	}
	if len(report.Failed) > 0 {
		log.Warn("Sweep left items for the next tick", zap.Int("failed", len(report.Failed)))
	}
}

func (s *Scheduler) retrySettlements(ctx context.Context) {
	report, err := s.lifecycle.RetrySettlements(ctx)
	if err != nil {
		log.Error("Settlement retry failed", zap.Error(err))
		return
	}
	if len(report.Settled)+len(report.Failed) == 0 {
		return
	}
	log.Info("Settlement retry finished",
		zap.Int("settled", len(report.Settled)),
		zap.Int("failed", len(report.Failed)),
	)
}
