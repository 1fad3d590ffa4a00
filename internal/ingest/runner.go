package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"worldrates/internal/lock"
	"worldrates/internal/metrics"
	"worldrates/internal/model"
)

// Runner runs cycles under the cross-instance lock.
type Runner struct {
	orchestrator *Orchestrator
	lock         lock.Lock
	log          *zap.Logger
}

func NewRunner(orchestrator *Orchestrator, l lock.Lock, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{orchestrator: orchestrator, lock: l, log: log}
}

// RunCycle acquires the lock, runs one cycle and releases the lock. When
// another instance holds the lock the cycle is skipped with
// lock.ErrLockHeld.
func (r *Runner) RunCycle(ctx context.Context, trigger string, only ...model.SeriesID) (CycleReport, error) {
	log := r.log.With(zap.String("trigger", trigger))

	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("ingest: acquire lock: %w", err)
	}
	if !acquired {
		log.Info("ingestion lock held by another instance, skipping cycle")
		metrics.RecordCycle("skipped")
		return CycleReport{}, lock.ErrLockHeld
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to release ingestion lock", zap.Error(err))
		}
	}()

	return r.orchestrator.Run(ctx, only...)
}

func (r *Runner) Orchestrator() *Orchestrator {
	return r.orchestrator
}

// DataChecker reports whether the store can serve reads without an initial
// ingestion.
type DataChecker interface {
	HasData() bool
	Counts() map[model.SeriesID]int
}

// EnsureData starts a background cycle when the store lacks data. It
// returns nil when no cycle was needed, otherwise a channel closed when the
// background cycle ends.
func (r *Runner) EnsureData(ctx context.Context, checker DataChecker) <-chan struct{} {
	counts := checker.Counts()
	if checker.HasData() {
		r.log.Info("store has data, skipping initial ingestion",
			zap.Int("exchange", counts[model.SeriesExchange]),
			zap.Int("interest", counts[model.SeriesInterest]),
			zap.Int("inflation", counts[model.SeriesInflation]),
		)
		return nil
	}

	r.log.Info("store is missing data, starting initial ingestion in background")
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := r.RunCycle(ctx, "startup")
		if err != nil {
			r.log.Warn("initial ingestion did not complete", zap.Error(err))
			return
		}
		r.log.Info("initial ingestion complete", zap.Int("written", report.Written), zap.Bool("partial", report.Partial))
	}()
	return done
}
