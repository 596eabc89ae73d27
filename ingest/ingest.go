// Package ingest decodes metric sample messages published on
// cityflow/metrics/<kind>/<city>, stores them and keeps source health
// current.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cityflow/cache"
	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

const TopicPrefix = "cityflow/metrics/"

var ErrInvalidMessage = errors.New("invalid message")

type EnvironmentPayload struct {
	TS          string   `json:"ts"`
	AQI         *float64 `json:"aqi"`
	PM25        *float64 `json:"pm25"`
	Temperature *float64 `json:"temperature"`
	Rainfall    *float64 `json:"rainfall"`
	Source      string   `json:"source"`
}

type TrafficPayload struct {
	TS                string   `json:"ts"`
	Zone              string   `json:"zone"`
	DensityPercent    *float64 `json:"density_percent"`
	HeavyVehicleCount *int     `json:"heavy_vehicle_count"`
	Source            string   `json:"source"`
}

type ServicePayload struct {
	TS                 string   `json:"ts"`
	WaterSupplyStress  *float64 `json:"water_supply_stress"`
	WasteCollectionEff *float64 `json:"waste_collection_eff"`
	PowerOutageCount   *int     `json:"power_outage_count"`
	Source             string   `json:"source"`
}

// ParseTopic splits cityflow/metrics/<kind>/<city>.
func ParseTopic(topic string) (kind, city string, err error) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: topic %q", ErrInvalidMessage, topic)
	}
	kind, city, ok = strings.Cut(rest, "/")
	if !ok || city == "" || strings.Contains(city, "/") {
		return "", "", fmt.Errorf("%w: topic %q", ErrInvalidMessage, topic)
	}
	switch kind {
	case models.KindEnvironment, models.KindTraffic, models.KindService:
		return kind, models.CityKey(city), nil
	}
	return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
}

func parseTS(raw string, now time.Time) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts.UTC()
		}
	}
	return now.UTC()
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v != nil && (*v < lo || *v > hi) {
		return fmt.Errorf("%w: %s %.2f outside [%g, %g]", ErrInvalidMessage, name, *v, lo, hi)
	}
	return nil
}

func DecodeEnvironment(raw []byte, city string, now time.Time) (models.EnvironmentSample, error) {
	var p EnvironmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.EnvironmentSample{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.AQI == nil && p.PM25 == nil && p.Temperature == nil && p.Rainfall == nil {
		return models.EnvironmentSample{}, fmt.Errorf("%w: no readings", ErrInvalidMessage)
	}
	if err := errors.Join(
		inRange("aqi", p.AQI, 0, 500),
		inRange("pm25", p.PM25, 0, 1000),
		inRange("temperature", p.Temperature, -50, 60),
		inRange("rainfall", p.Rainfall, 0, 1000),
	); err != nil {
		return models.EnvironmentSample{}, err
	}
	return models.EnvironmentSample{
		TS:          parseTS(p.TS, now),
		City:        city,
		AQI:         p.AQI,
		PM25:        p.PM25,
		Temperature: p.Temperature,
		Rainfall:    p.Rainfall,
		Source:      p.Source,
	}, nil
}

func DecodeTraffic(raw []byte, city string, now time.Time) (models.TrafficSample, error) {
	var p TrafficPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.TrafficSample{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.Zone == "" || p.DensityPercent == nil {
		return models.TrafficSample{}, fmt.Errorf("%w: zone and density_percent are required", ErrInvalidMessage)
	}
	if err := inRange("density_percent", p.DensityPercent, 0, 100); err != nil {
		return models.TrafficSample{}, err
	}
	if p.HeavyVehicleCount != nil && *p.HeavyVehicleCount < 0 {
		return models.TrafficSample{}, fmt.Errorf("%w: negative heavy_vehicle_count", ErrInvalidMessage)
	}
	return models.TrafficSample{
		TS:                parseTS(p.TS, now),
		City:              city,
		Zone:              strings.ToUpper(p.Zone),
		DensityPercent:    *p.DensityPercent,
		HeavyVehicleCount: p.HeavyVehicleCount,
		Source:            p.Source,
	}, nil
}

func DecodeService(raw []byte, city string, now time.Time) (models.ServiceSample, error) {
	var p ServicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.ServiceSample{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.WaterSupplyStress == nil && p.WasteCollectionEff == nil && p.PowerOutageCount == nil {
		return models.ServiceSample{}, fmt.Errorf("%w: no readings", ErrInvalidMessage)
	}
	if err := errors.Join(
		inRange("water_supply_stress", p.WaterSupplyStress, 0, 1),
		inRange("waste_collection_eff", p.WasteCollectionEff, 0, 1),
	); err != nil {
		return models.ServiceSample{}, err
	}
	if p.PowerOutageCount != nil && *p.PowerOutageCount < 0 {
		return models.ServiceSample{}, fmt.Errorf("%w: negative power_outage_count", ErrInvalidMessage)
	}
	return models.ServiceSample{
		TS:                 parseTS(p.TS, now),
		City:               city,
		WaterSupplyStress:  p.WaterSupplyStress,
		WasteCollectionEff: p.WasteCollectionEff,
		PowerOutageCount:   p.PowerOutageCount,
		Source:             p.Source,
	}, nil
}

type Store interface {
	storage.SampleWriter
	GetCity(ctx context.Context, name string) (models.City, error)
}

// SourceRecorder is the part of the source tracker ingestion feeds.
type SourceRecorder interface {
	RecordSuccess(ctx context.Context, name, kind string) error
}

type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

type Ingestor struct {
	store     Store
	sources   SourceRecorder
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestor wires an ingestor; sources and publisher may be nil.
func NewIngestor(store Store, sources SourceRecorder, publisher Publisher, logger *zap.Logger, now func() time.Time) *Ingestor {
	if now == nil {
		now = time.Now
	}
	return &Ingestor{store: store, sources: sources, publisher: publisher, logger: logging.OrNop(logger), now: now}
}

// Handle stores one message. Samples of unknown cities are rejected.
func (in *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	kind, city, err := ParseTopic(topic)
	if err != nil {
		metrics.IngestedMessages.WithLabelValues("unknown", "rejected").Inc()
		return err
	}
	if err := in.handle(ctx, kind, city, payload); err != nil {
		status := "failed"
		if errors.Is(err, ErrInvalidMessage) || errors.Is(err, storage.ErrNotFound) {
			status = "rejected"
		}
		metrics.IngestedMessages.WithLabelValues(kind, status).Inc()
		return err
	}
	metrics.IngestedMessages.WithLabelValues(kind, "stored").Inc()
	return nil
}

func (in *Ingestor) handle(ctx context.Context, kind, city string, payload []byte) error {
	if _, err := in.store.GetCity(ctx, city); err != nil {
		return fmt.Errorf("city %q: %w", city, err)
	}
	now := in.now()

	var (
		sample any
		source string
		err    error
	)
	switch kind {
	case models.KindEnvironment:
		var s models.EnvironmentSample
		if s, err = DecodeEnvironment(payload, city, now); err == nil {
			s.Source = sourceName(s.Source, kind, city)
			sample, source, err = s, s.Source, in.store.InsertEnvironment(ctx, s)
		}
	case models.KindTraffic:
		var s models.TrafficSample
		if s, err = DecodeTraffic(payload, city, now); err == nil {
			s.Source = sourceName(s.Source, kind, city)
			sample, source, err = s, s.Source, in.store.InsertTraffic(ctx, s)
		}
	case models.KindService:
		var s models.ServiceSample
		if s, err = DecodeService(payload, city, now); err == nil {
			s.Source = sourceName(s.Source, kind, city)
			sample, source, err = s, s.Source, in.store.InsertService(ctx, s)
		}
	}
	if err != nil {
		return err
	}

	if in.sources != nil {
		if err := in.sources.RecordSuccess(ctx, source, kind); err != nil {
			in.logger.Warn("source health update failed", zap.String("source", source), zap.Error(err))
		}
	}
	if in.publisher != nil {
		if err := in.publisher.Publish(ctx, cache.ChannelLive, sample); err != nil {
			in.logger.Debug("live publish failed", zap.Error(err))
		}
	}
	return nil
}

func sourceName(given, kind, city string) string {
	if given != "" {
		return given
	}
	return fmt.Sprintf("mqtt-%s-%s", kind, city)
}
