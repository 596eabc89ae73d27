package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestLoggerRecordsEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewLogger(zap.New(core), func() time.Time { return now })

	rec.Record(context.Background(), Entry{Action: ActionRisk, City: "surat", Details: map[string]any{"score": 0.41}})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, ActionRisk, fields["action"])
	assert.Equal(t, "surat", fields["city"])
	assert.Equal(t, now, fields["at"])
}

// panics while encoding
type explosive struct{}

func (explosive) MarshalLogObject(zapcore.ObjectEncoder) error { panic("boom") }

func TestLoggerSurvivesBadDetails(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewLogger(zap.New(core), nil)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), Entry{Action: ActionScenario, Details: explosive{}})
	})
	assert.GreaterOrEqual(t, logs.Len(), 1)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop{}.Record(context.Background(), Entry{}) })
}
