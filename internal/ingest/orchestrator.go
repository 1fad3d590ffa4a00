package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldrates/internal/metrics"
	"worldrates/internal/model"
	"worldrates/internal/providers"
)

const defaultFetcherTimeout = 30 * time.Minute

var ErrCycleInProgress = errors.New("ingest: cycle already in progress")

type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepPartial StepStatus = "partial"
	StepEmpty   StepStatus = "empty"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

type StepReport struct {
	Fetcher     string         `json:"fetcher"`
	Series      model.SeriesID `json:"series"`
	Status      StepStatus     `json:"status"`
	Written     int            `json:"written"`
	Skipped     int            `json:"skipped"`
	FailedPages int            `json:"failed_pages"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
}

type CycleReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Steps      []StepReport  `json:"steps"`
	Written    int           `json:"written"`
	Partial    bool          `json:"partial"`
}

// Invalidator drops cached projections of a series.
type Invalidator interface {
	Invalidate(id model.SeriesID)
}

type Config struct {
	FetcherTimeout time.Duration
}

// Orchestrator runs fetchers one after another. A failing fetcher is
// recorded and the cycle moves on.
type Orchestrator struct {
	fetchers    []providers.Fetcher
	invalidator Invalidator
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	last    *CycleReport
}

func NewOrchestrator(cfg Config, fetchers []providers.Fetcher, invalidator Invalidator, log *zap.Logger) *Orchestrator {
	if cfg.FetcherTimeout <= 0 {
		cfg.FetcherTimeout = defaultFetcherTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		fetchers:    append([]providers.Fetcher{}, fetchers...),
		invalidator: invalidator,
		timeout:     cfg.FetcherTimeout,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one cycle. With only set, just the fetchers of those series
// run. Overlapping calls fail with ErrCycleInProgress.
func (o *Orchestrator) Run(ctx context.Context, only ...model.SeriesID) (CycleReport, error) {
	selected, err := o.selectFetchers(only)
	if err != nil {
		return CycleReport{}, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer o.running.Store(false)

	report := CycleReport{RunID: uuid.NewString(), StartedAt: o.now()}
	log := o.log.With(zap.String("run_id", report.RunID))
	log.Info("ingestion cycle started", zap.Int("fetchers", len(selected)))

	var cycleErr error
	for i, fetcher := range selected {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			report.Steps = append(report.Steps, StepReport{
				Fetcher: fetcher.Name(),
				Series:  fetcher.Series(),
				Status:  StepSkipped,
				Error:   err.Error(),
			})
			continue
		}

		step := o.runStep(ctx, fetcher)
		report.Steps = append(report.Steps, step)
		report.Written += step.Written
		if o.invalidator != nil {
			o.invalidator.Invalidate(step.Series)
		}

		fields := []zap.Field{
			zap.Int("step", i+1),
			zap.Int("of", len(selected)),
			zap.String("fetcher", step.Fetcher),
			zap.String("status", string(step.Status)),
			zap.Int("written", step.Written),
			zap.Duration("took", step.Duration),
		}
		if step.Status == StepFailed {
			log.Warn("fetcher failed", append(fields, zap.String("error", step.Error))...)
		} else {
			log.Info("fetcher finished", fields...)
		}
	}

	report.FinishedAt = o.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	for _, step := range report.Steps {
		if step.Status == StepPartial || step.Status == StepFailed || step.Status == StepSkipped {
			report.Partial = true
		}
	}

	outcome := "ok"
	switch {
	case cycleErr != nil:
		outcome = "aborted"
	case report.Partial:
		outcome = "partial"
	}
	metrics.RecordCycle(outcome)
	log.Info("ingestion cycle finished",
		zap.String("outcome", outcome),
		zap.Int("written", report.Written),
		zap.Duration("took", report.Duration),
	)

	o.mu.Lock()
	stored := report
	o.last = &stored
	o.mu.Unlock()
	return report, cycleErr
}

func (o *Orchestrator) runStep(ctx context.Context, fetcher providers.Fetcher) (step StepReport) {
	start := time.Now()
	step = StepReport{Fetcher: fetcher.Name(), Series: fetcher.Series()}

	stepCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			step.Status = StepFailed
			step.Error = fmt.Sprintf("panic: %v", recovered)
		}
		step.Duration = time.Since(start)
	}()

	result, err := fetcher.Fetch(stepCtx)
	step.Written = result.Written
	step.Skipped = result.Skipped
	step.FailedPages = result.FailedPages
	switch {
	case errors.Is(err, providers.ErrNoRecords):
		step.Status = StepEmpty
	case err != nil:
		step.Status = StepFailed
		step.Error = err.Error()
	case result.Partial:
		step.Status = StepPartial
	default:
		step.Status = StepOK
	}
	return step
}

func (o *Orchestrator) selectFetchers(only []model.SeriesID) ([]providers.Fetcher, error) {
	if len(only) == 0 {
		return o.fetchers, nil
	}
	wanted := make(map[model.SeriesID]struct{}, len(only))
	for _, id := range only {
		series, err := model.LookupSeries(id)
		if err != nil {
			return nil, err
		}
		wanted[series.ID] = struct{}{}
	}
	selected := make([]providers.Fetcher, 0, len(wanted))
	for _, fetcher := range o.fetchers {
		if _, ok := wanted[fetcher.Series()]; ok {
			selected = append(selected, fetcher)
		}
	}
	return selected, nil
}

// Running reports whether a cycle is in progress in this process.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Last returns the report of the most recent finished cycle.
func (o *Orchestrator) Last() (CycleReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleReport{}, false
	}
	return *o.last, true
}
