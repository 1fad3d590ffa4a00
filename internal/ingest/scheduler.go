package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"worldrates/internal/lock"
	"worldrates/internal/model"
)

const (
	DefaultExchangeSchedule = "0 2 * * *"
	DefaultFullSchedule     = "0 3 * * 1"
)

// Scheduler fires jobs on cron expressions.
type Scheduler interface {
	Add(spec string, job func()) error
	Start()
	Stop() context.Context
}

// CronScheduler evaluates expressions in UTC.
type CronScheduler struct {
	cron *cron.Cron
}

func NewCronScheduler() *CronScheduler {
	return &CronScheduler{cron: cron.New(cron.WithLocation(time.UTC))}
}

func (s *CronScheduler) Add(spec string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("ingest: invalid schedule %q: %w", spec, err)
	}
	return nil
}

func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling; the returned context is done once running jobs
// have finished.
func (s *CronScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ManualScheduler fires jobs only when told to, on the caller's goroutine.
type ManualScheduler struct {
	mu   sync.Mutex
	jobs map[string][]func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{jobs: make(map[string][]func())}
}

func (s *ManualScheduler) Add(spec string, job func()) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("ingest: invalid schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	s.jobs[spec] = append(s.jobs[spec], job)
	s.mu.Unlock()
	return nil
}

func (s *ManualScheduler) Start() {}

func (s *ManualScheduler) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Fire runs every job registered under spec and reports how many ran.
func (s *ManualScheduler) Fire(spec string) int {
	s.mu.Lock()
	jobs := append([]func(){}, s.jobs[spec]...)
	s.mu.Unlock()
	for _, job := range jobs {
		job()
	}
	return len(jobs)
}

type Schedules struct {
	Exchange string
	Full     string
}

// Schedule registers the exchange-only job and the full-cycle job. An empty
// expression disables its job.
func Schedule(ctx context.Context, scheduler Scheduler, runner *Runner, schedules Schedules, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	jobs := []struct {
		name string
		spec string
		only []model.SeriesID
	}{
		{name: "exchange", spec: schedules.Exchange, only: []model.SeriesID{model.SeriesExchange}},
		{name: "full", spec: schedules.Full},
	}

	for _, job := range jobs {
		spec := strings.TrimSpace(job.spec)
		if spec == "" {
			log.Info("schedule disabled", zap.String("job", job.name))
			continue
		}
		name, only := job.name, job.only
		err := scheduler.Add(spec, func() {
			report, err := runner.RunCycle(ctx, "schedule:"+name, only...)
			switch {
			case errors.Is(err, lock.ErrLockHeld), errors.Is(err, ErrCycleInProgress):
				log.Info("scheduled cycle skipped", zap.String("job", name), zap.Error(err))
			case err != nil:
				log.Error("scheduled cycle failed", zap.String("job", name), zap.Error(err))
			default:
				log.Info("scheduled cycle done",
					zap.String("job", name),
					zap.String("run_id", report.RunID),
					zap.Bool("partial", report.Partial),
				)
			}
		})
		if err != nil {
			return err
		}
		log.Info("schedule registered", zap.String("job", name), zap.String("spec", spec))
	}
	return nil
}
