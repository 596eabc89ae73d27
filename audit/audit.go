// Package audit records every analytics result handed to a caller as an
// {action, city, details} entry.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cityflow/logging"
)

const (
	ActionForecast = "forecast"
	ActionRisk     = "risk"
	ActionAnomaly  = "anomaly"
	ActionAlerts   = "alerts"
	ActionScenario = "scenario"
	ActionExplain  = "explain"
)

type Entry struct {
	Action  string    `json:"action"`
	City    string    `json:"city"`
	Details any       `json:"details"`
	At      time.Time `json:"at"`
}

// Recorder must not fail or block the caller it audits.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Logger writes entries to a dedicated zap logger.
type Logger struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(logger *zap.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{logger: logging.OrNop(logger).Named("audit"), now: now}
}

func (l *Logger) Record(_ context.Context, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("audit record dropped", zap.String("action", e.Action), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	l.logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("city", e.City),
		zap.Time("at", e.At),
		zap.Any("details", e.Details))
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
