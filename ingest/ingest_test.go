package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cityflow/models"
	"cityflow/sources"
	"cityflow/storage"
)

var now = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		kind    string
		city    string
		wantErr bool
	}{
		{"cityflow/metrics/environment/Surat", models.KindEnvironment, "surat", false},
		{"cityflow/metrics/traffic/pune", models.KindTraffic, "pune", false},
		{"cityflow/metrics/service/pune", models.KindService, "pune", false},
		{"cityflow/metrics/weather/pune", "", "", true},
		{"cityflow/traffic/pune", "", "", true},
		{"cityflow/metrics/traffic", "", "", true},
		{"cityflow/metrics/traffic/pune/extra", "", "", true},
	}
	for _, tt := range tests {
		kind, city, err := ParseTopic(tt.topic)
		if (err != nil) != tt.wantErr || kind != tt.kind || city != tt.city {
			t.Errorf("ParseTopic(%q) = (%q, %q, %v), want (%q, %q, err=%v)", tt.topic, kind, city, err, tt.kind, tt.city, tt.wantErr)
		}
	}
}

// ── decoding ──

func TestDecodeEnvironment(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := `{"ts":"2026-04-10T08:30:00Z","aqi":142,"pm25":61.5,"temperature":33.2,"source":"cpcb"}`
		s, err := DecodeEnvironment([]byte(raw), "surat", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC), s.TS)
		assert.Equal(t, 142.0, *s.AQI)
		assert.Nil(t, s.Rainfall)
		assert.Equal(t, "cpcb", s.Source)
	})

	t.Run("missing timestamp uses now", func(t *testing.T) {
		s, err := DecodeEnvironment([]byte(`{"aqi":80}`), "surat", now)
		require.NoError(t, err)
		assert.Equal(t, now, s.TS)
	})

	t.Run("rejections", func(t *testing.T) {
		for _, raw := range []string{`{not json}`, `{}`, `{"aqi":900}`, `{"temperature":99}`} {
			_, err := DecodeEnvironment([]byte(raw), "surat", now)
			assert.ErrorIs(t, err, ErrInvalidMessage, raw)
		}
	})
}

func TestDecodeTraffic(t *testing.T) {
	s, err := DecodeTraffic([]byte(`{"zone":"a","density_percent":72.5,"heavy_vehicle_count":14}`), "surat", now)
	require.NoError(t, err)
	assert.Equal(t, "A", s.Zone)
	assert.Equal(t, models.CongestionHigh, s.Congestion())

	for _, raw := range []string{`{"zone":"A"}`, `{"density_percent":40}`, `{"zone":"A","density_percent":140}`, `{"zone":"A","density_percent":40,"heavy_vehicle_count":-1}`} {
		_, err := DecodeTraffic([]byte(raw), "surat", now)
		assert.ErrorIs(t, err, ErrInvalidMessage, raw)
	}
}

func TestDecodeService(t *testing.T) {
	s, err := DecodeService([]byte(`{"water_supply_stress":0.4,"power_outage_count":3}`), "surat", now)
	require.NoError(t, err)
	assert.Equal(t, 3, *s.PowerOutageCount)
	assert.Nil(t, s.WasteCollectionEff)

	for _, raw := range []string{`{}`, `{"waste_collection_eff":1.5}`, `{"power_outage_count":-2}`} {
		_, err := DecodeService([]byte(raw), "surat", now)
		assert.ErrorIs(t, err, ErrInvalidMessage, raw)
	}
}

// ── ingestor ──

type captured struct {
	channel string
	message any
}

type capturePublisher struct{ got []captured }

func (p *capturePublisher) Publish(_ context.Context, channel string, message any) error {
	p.got = append(p.got, captured{channel, message})
	return nil
}

func newIngestor(t *testing.T) (*Ingestor, *storage.Memory, *capturePublisher) {
	store := storage.NewMemory()
	store.AddCity(models.City{Name: "surat"})
	clock := func() time.Time { return now }
	tracker := sources.NewTracker(store, 0, zaptest.NewLogger(t), clock)
	pub := &capturePublisher{}
	return NewIngestor(store, tracker, pub, zaptest.NewLogger(t), clock), store, pub
}

func TestHandleStoresSampleAndTracksSource(t *testing.T) {
	ctx := context.Background()
	in, store, pub := newIngestor(t)

	require.NoError(t, in.Handle(ctx, "cityflow/metrics/traffic/Surat", []byte(`{"zone":"B","density_percent":55}`)))
	require.NoError(t, in.Handle(ctx, "cityflow/metrics/environment/surat", []byte(`{"aqi":120,"source":"cpcb"}`)))

	zones, err := store.LatestTrafficByZone(ctx, "surat")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, 55.0, zones[0].DensityPercent)
	assert.Equal(t, "mqtt-traffic-surat", zones[0].Source)

	src, err := store.GetSource(ctx, "cpcb")
	require.NoError(t, err)
	assert.True(t, src.IsOnline)
	assert.Equal(t, models.KindEnvironment, src.Type)
	assert.Equal(t, 1, src.TotalIngestions)

	require.Len(t, pub.got, 2)
	assert.Equal(t, "cityflow:live", pub.got[0].channel)
}

func TestHandleRejects(t *testing.T) {
	ctx := context.Background()
	in, _, pub := newIngestor(t)

	err := in.Handle(ctx, "cityflow/metrics/traffic/atlantis", []byte(`{"zone":"B","density_percent":55}`))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = in.Handle(ctx, "cityflow/metrics/service/surat", []byte(`{"water_supply_stress":4}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = in.Handle(ctx, "sensors/raw", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, pub.got)
}

type brokenWriter struct {
	*storage.Memory
}

func (brokenWriter) InsertService(context.Context, models.ServiceSample) error {
	return errors.New("connection refused")
}

func TestHandleStoreFailureSkipsSourceUpdate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	store.AddCity(models.City{Name: "surat"})
	in := NewIngestor(brokenWriter{store}, sources.NewTracker(store, 0, nil, nil), nil, zaptest.NewLogger(t), nil)

	err := in.Handle(ctx, "cityflow/metrics/service/surat", []byte(`{"power_outage_count":1}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidMessage)

	_, err = store.GetSource(ctx, "mqtt-service-surat")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
