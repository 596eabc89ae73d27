// Package sources keeps the health record of every data source: when it
// was last seen, whether it is online and how often it failed in a row.
package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

const (
	// a source is stale once it misses this many expected intervals
	staleIntervals = 2

	DefaultTimeout = 10 * time.Second
)

// default reporting interval in minutes per source type
var defaultInterval = map[string]int{
	models.KindEnvironment: 60,
	models.KindTraffic:     5,
	models.KindService:     60,
}

const fallbackInterval = 30

// IsFresh reports whether lastSeen lies within threshold of now.
func IsFresh(lastSeen *time.Time, threshold time.Duration, now time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= threshold
}

type Store interface {
	ListSources(ctx context.Context) ([]models.DataSourceHealth, error)
	GetSource(ctx context.Context, name string) (models.DataSourceHealth, error)
	UpsertSource(ctx context.Context, s models.DataSourceHealth) error
}

type Tracker struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewTracker(store Store, timeout time.Duration, logger *zap.Logger, now func() time.Time) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, timeout: timeout, logger: logging.OrNop(logger), now: now}
}

// load returns the record of a source, or a fresh one for an unknown name.
func (t *Tracker) load(ctx context.Context, name, kind string) (models.DataSourceHealth, error) {
	s, err := t.store.GetSource(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		interval, ok := defaultInterval[kind]
		if !ok {
			interval = fallbackInterval
		}
		return models.DataSourceHealth{Name: name, Type: kind, ExpectedIntervalMin: interval, IsOnline: true}, nil
	}
	if err != nil {
		return s, fmt.Errorf("load source %s: %w", name, err)
	}
	return s, nil
}

// RecordSuccess marks a source online after a successful ingest or probe.
func (t *Tracker) RecordSuccess(ctx context.Context, name, kind string) error {
	s, err := t.load(ctx, name, kind)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	if !s.IsOnline {
		t.logger.Info("data source back online", zap.String("source", name))
	}
	s.LastSeenAt = &now
	s.IsOnline = true
	s.FailureCount = 0
	s.TotalIngestions++
	s.UpdatedAt = now
	return t.store.UpsertSource(ctx, s)
}

// RecordFailure marks a source offline and counts the consecutive failure.
func (t *Tracker) RecordFailure(ctx context.Context, name, kind string, cause error) error {
	s, err := t.load(ctx, name, kind)
	if err != nil {
		return err
	}
	s.IsOnline = false
	s.FailureCount++
	s.UpdatedAt = t.now().UTC()
	t.logger.Warn("data source failed",
		zap.String("source", name),
		zap.Int("consecutive_failures", s.FailureCount),
		zap.Error(cause))
	return t.store.UpsertSource(ctx, s)
}

// Probe calls fn with a deadline and records the outcome. A slow or failing
// source is marked offline; the probe itself never fails the caller and
// returns whether the source answered in time.
func (t *Tracker) Probe(ctx context.Context, name, kind string, fn func(context.Context) error) bool {
	pctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(pctx) }()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = fmt.Errorf("probe timed out after %s: %w", t.timeout, pctx.Err())
	}

	if err != nil {
		metrics.SourceProbeFailures.WithLabelValues(name).Inc()
		if recErr := t.RecordFailure(ctx, name, kind, err); recErr != nil {
			t.logger.Error("record probe failure", zap.String("source", name), zap.Error(recErr))
		}
		return false
	}
	if recErr := t.RecordSuccess(ctx, name, kind); recErr != nil {
		t.logger.Error("record probe success", zap.String("source", name), zap.Error(recErr))
	}
	return true
}

// Sweep marks offline every online source that has missed twice its
// expected interval and returns their names.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	list, err := t.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	now := t.now().UTC()
	var stale []string
	for _, s := range list {
		if !s.IsOnline || IsFresh(s.LastSeenAt, staleIntervals*s.ExpectedInterval(), now) {
			continue
		}
		s.IsOnline = false
		s.UpdatedAt = now
		if err := t.store.UpsertSource(ctx, s); err != nil {
			return stale, fmt.Errorf("mark %s offline: %w", s.Name, err)
		}
		stale = append(stale, s.Name)
		t.logger.Warn("data source stale", zap.String("source", s.Name), zap.Int("expected_interval_min", s.ExpectedIntervalMin))
	}
	return stale, nil
}

// Status lists every source with its freshness against twice its interval.
type Status struct {
	models.DataSourceHealth
	Fresh bool `json:"fresh"`
}

func (t *Tracker) Status(ctx context.Context) ([]Status, error) {
	list, err := t.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	now := t.now().UTC()
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, Status{DataSourceHealth: s, Fresh: IsFresh(s.LastSeenAt, staleIntervals*s.ExpectedInterval(), now)})
	}
	return out, nil
}
