// Package scheduler runs the periodic sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/services"
)

// DefaultHorizonDays is how far ahead the detection sweep looks.
const DefaultHorizonDays = 7

// Job is one named sweep bound to a cron spec.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Runner owns the cron instance and the context jobs run under.
type Runner struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// New parses every job spec up front; one bad spec fails the whole set.
// Jobs skip a tick while their previous run is still going.
func New(jobs []Job) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
		ctx:  ctx,
		stop: cancel,
	}
	for _, j := range jobs {
		if j.Spec == "" {
			slog.Info("Sweep disabled", "job", j.Name)
			continue
		}
		job := j
		if _, err := r.cron.AddFunc(job.Spec, func() { runJob(r.ctx, job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("job %s: bad schedule %q: %w", job.Name, job.Spec, err)
		}
		slog.Info("Sweep scheduled", "job", job.Name, "spec", job.Spec)
	}
	return r, nil
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (r *Runner) Stop(ctx context.Context) {
	r.stop()
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Sweeps did not stop in time")
	}
}

func runJob(ctx context.Context, j Job) {
	start := time.Now()
	err := j.Run(ctx)
	metrics.SweepDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepErrors.WithLabelValues(j.Name).Inc()
		slog.Error("Sweep failed", "job", j.Name, "error", err)
	}
}

// Specs are the cron expressions per sweep. Empty disables a sweep.
type Specs struct {
	Detect    string
	Autopilot string
	Flush     string
	Dispatch  string
	Writeback string
}

// Sweeps wires the services into the standard job set.
type Sweeps struct {
	Store          services.Store
	Detector       *services.Detector
	Autopilot      *services.Autopilot
	Scheduler      *services.Scheduler
	Dispatcher     *services.Dispatcher
	WriteBack      *services.WriteBack
	HorizonDays    int
	DispatchLimit  int
	WritebackLimit int
	Now            services.Clock
}

func (s *Sweeps) Jobs(specs Specs) []Job {
	return []Job{
		{Name: "detect", Spec: specs.Detect, Run: s.Detect},
		{Name: "autopilot", Spec: specs.Autopilot, Run: func(ctx context.Context) error {
			n, err := s.Autopilot.Sweep(ctx)
			slog.Info("Autopilot sweep finished", "decisions", n)
			return err
		}},
		{Name: "flush", Spec: specs.Flush, Run: func(ctx context.Context) error {
			_, err := s.Scheduler.FlushBatches(ctx)
			return err
		}},
		{Name: "dispatch", Spec: specs.Dispatch, Run: func(ctx context.Context) error {
			_, err := s.Dispatcher.ProcessDue(ctx, s.DispatchLimit)
			return err
		}},
		{Name: "writeback", Spec: specs.Writeback, Run: func(ctx context.Context) error {
			_, err := s.WriteBack.ProcessDueRetries(ctx, s.WritebackLimit)
			return err
		}},
	}
}

// Detect runs detection for every owner over the next HorizonDays local
// days. A failing owner is logged and skipped.
func (s *Sweeps) Detect(ctx context.Context) error {
	profiles, err := s.Store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	days := s.HorizonDays
	if days <= 0 {
		days = DefaultHorizonDays
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	var found, missing, failed int
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		local := now.In(p.Location())
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Location())
		res, err := s.Detector.Detect(ctx, p.OwnerID, start, start.AddDate(0, 0, days), 0)
		if err != nil {
			failed++
			slog.Warn("Detection failed", "owner", p.OwnerID, "error", err)
			continue
		}
		found += len(res.Conflicts)
		missing += len(res.MissingDates)
	}
	slog.Info("Detection sweep", "owners", len(profiles), "conflicts", found, "missing_dates", missing, "failed", failed)
	return nil
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	slog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}
