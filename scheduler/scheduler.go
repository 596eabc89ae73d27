// Package scheduler runs named periodic jobs. Ticker drives them from
// wall-clock intervals; Manual runs them only when triggered, for tests and
// one-shot CLI use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cityflow/logging"
	"cityflow/metrics"
)

const (
	JobForecasting      = "forecasting"
	JobAnomalyDetection = "anomaly_detection"
	JobRiskCalculation  = "risk_calculation"
	JobAlertGeneration  = "alert_generation"
	JobHealthCheck      = "health_check"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	NextRun   *time.Time    `json:"next_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler is what the worker depends on.
type Scheduler interface {
	Register(job Job) error
	Trigger(ctx context.Context, name string) error
	Status() []JobStatus
}

type entry struct {
	job    Job
	status JobStatus
}

// registry holds jobs and their run history.
type registry struct {
	mu     sync.Mutex
	jobs   map[string]*entry
	logger *zap.Logger
	now    func() time.Time
}

func newRegistry(logger *zap.Logger, now func() time.Time) *registry {
	if now == nil {
		now = time.Now
	}
	return &registry{jobs: make(map[string]*entry), logger: logging.OrNop(logger), now: now}
}

func (r *registry) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.jobs[job.Name] = &entry{job: job, status: JobStatus{Name: job.Name, Interval: job.Interval}}
	return nil
}

func (r *registry) get(name string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return e.job, nil
}

// run executes one job and records its outcome.
func (r *registry) run(ctx context.Context, job Job) error {
	start := r.now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.JobRuns.WithLabelValues(job.Name, status).Inc()
	metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	r.mu.Lock()
	if e, ok := r.jobs[job.Name]; ok {
		at := start.UTC()
		next := at.Add(job.Interval)
		e.status.Runs++
		e.status.LastRun = &at
		e.status.NextRun = &next
		e.status.LastError = ""
		if err != nil {
			e.status.LastError = err.Error()
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("took", elapsed), zap.Error(err))
		return err
	}
	r.logger.Info("job completed", zap.String("job", job.Name), zap.Duration("took", elapsed))
	return nil
}

func (r *registry) Trigger(ctx context.Context, name string) error {
	job, err := r.get(name)
	if err != nil {
		return err
	}
	return r.run(ctx, job)
}

func (r *registry) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *registry) all() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	_ Scheduler = (*Manual)(nil)
	_ Scheduler = (*Ticker)(nil)
)

// Manual runs jobs only through Trigger.
type Manual struct {
	*registry
}

func NewManual(logger *zap.Logger, now func() time.Time) *Manual {
	return &Manual{registry: newRegistry(logger, now)}
}

// TriggerAll runs every job once in name order and joins their errors.
func (m *Manual) TriggerAll(ctx context.Context) error {
	var errs []error
	for _, job := range m.all() {
		if err := m.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Ticker runs each job once on start and then on every tick of its
// interval until the context ends.
type Ticker struct {
	*registry
}

func NewTicker(logger *zap.Logger) *Ticker {
	return &Ticker{registry: newRegistry(logger, nil)}
}

// Start blocks until ctx is done. A failing run is logged and the job keeps
// its schedule.
func (t *Ticker) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, job := range t.all() {
		eg.Go(func() error {
			_ = t.run(ctx, job)

			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = t.run(ctx, job)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	t.logger.Info("scheduler started", zap.Int("jobs", len(t.all())))
	err := eg.Wait()
	t.logger.Info("scheduler stopped")
	return err
}
