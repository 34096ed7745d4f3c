// Package gapfill backfills holes in an entity's recent telemetry from
// the upstream BMS history API and the weather-station history.
package gapfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// State is the worker-visible gap-fill phase.
type State string

const (
	StateChecking State = "checking"
	StateFilling  State = "filling"
	StateNormal   State = "normal"
)

// lookback is how far back gaps are detected.
const lookback = 24 * time.Hour

// Gap is one detected hole in a measurement's timeline.
type Gap struct {
	From time.Time
	To   time.Time
}

// Report counts the outcome of one fill run.
type Report struct {
	Written int
	Skipped int
	Errors  int
}

// WeatherHistory is the station-history lookup the filler uses for
// weather_observation gaps.
type WeatherHistory interface {
	History(ctx context.Context, lat, lon float64, from, to time.Time) ([]types.WeatherObservation, error)
}

// Filler backfills one entity. It is best-effort, idempotent and
// resumable: existing non-zero records are never overwritten.
type Filler struct {
	store   *tsdb.Client
	adapter bms.Adapter
	weather WeatherHistory
	logger  *zap.SugaredLogger

	state State
}

// New creates a filler for one entity's worker.
func New(store *tsdb.Client, adapter bms.Adapter, weather WeatherHistory, logger *zap.SugaredLogger) *Filler {
	return &Filler{
		store:   store,
		adapter: adapter,
		weather: weather,
		logger:  logger.Named("gapfill"),
		state:   StateChecking,
	}
}

// State returns the current phase.
func (f *Filler) State() State {
	return f.state
}

// DetectGaps finds holes where consecutive timestamps are more than
// twice the expected interval apart, over the last 24 h.
func DetectGaps(timestamps []time.Time, interval time.Duration, now time.Time) []Gap {
	threshold := 2 * interval
	windowStart := now.Add(-lookback)

	var gaps []Gap
	prev := windowStart
	for _, ts := range timestamps {
		if ts.Before(windowStart) {
			continue
		}
		if ts.Sub(prev) > threshold {
			gaps = append(gaps, Gap{From: prev, To: ts})
		}
		prev = ts
	}
	if now.Sub(prev) > threshold {
		gaps = append(gaps, Gap{From: prev, To: now})
	}
	return gaps
}

// Run checks both measurements for the entity and fills what it can.
func (f *Filler) Run(ctx context.Context, entity *config.Entity, now time.Time) (Report, error) {
	if f.store == nil {
		return Report{}, nil
	}
	f.state = StateChecking
	defer func() { f.state = StateNormal }()

	interval := entity.PollInterval()
	var report Report

	heatGaps, err := f.detect(ctx, entity.Kind.Measurement(), entity.ID(), "supply_temp", interval, now)
	if err != nil {
		return report, err
	}
	weatherGaps, err := f.detect(ctx, tsdb.MeasWeatherObservation, entity.ID(), "temperature", interval, now)
	if err != nil {
		return report, err
	}
	if len(heatGaps) == 0 && len(weatherGaps) == 0 {
		f.logger.Debugw("No gaps in last 24h", "entity", entity.ID())
		return report, nil
	}

	f.state = StateFilling
	f.logger.Infow("Filling gaps",
		"entity", entity.ID(),
		"heatingGaps", len(heatGaps),
		"weatherGaps", len(weatherGaps))

	for _, gap := range heatGaps {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		f.fillHeating(ctx, entity, gap, interval, &report)
	}
	for _, gap := range weatherGaps {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		f.fillWeather(ctx, entity, gap, &report)
	}

	f.logger.Infow("Gap fill finished",
		"entity", entity.ID(),
		"written", report.Written,
		"skipped", report.Skipped,
		"errors", report.Errors)
	return report, nil
}

func (f *Filler) detect(ctx context.Context, measurement, entityID, field string, interval time.Duration, now time.Time) ([]Gap, error) {
	timestamps, err := f.store.Timestamps(ctx, measurement, entityID, field, now.Add(-lookback), now)
	if err != nil {
		return nil, fmt.Errorf("reading %s timestamps: %w", measurement, err)
	}
	return DetectGaps(timestamps, interval, now), nil
}

// fillHeating replays BMS history for one gap.
func (f *Filler) fillHeating(ctx context.Context, entity *config.Entity, gap Gap, interval time.Duration, report *Report) {
	signals := entity.FetchSignals()
	ids := make([]string, 0, len(signals))
	fieldBySignal := make(map[string]string, len(signals))
	for field, sig := range signals {
		ids = append(ids, sig.SignalID)
		fieldBySignal[sig.SignalID] = field
	}

	history, err := f.adapter.ReadHistory(ctx, ids, gap.From, gap.To, interval)
	if err != nil {
		f.logger.Warnw("BMS history unavailable for gap",
			"entity", entity.ID(), "from", gap.From, "to", gap.To, "error", err)
		report.Errors++
		return
	}

	measurement := entity.Kind.Measurement()
	byTime := make(map[time.Time]map[string]interface{})
	for signalID, points := range history {
		field := fieldBySignal[signalID]
		for _, p := range points {
			ts := p.Time.Truncate(time.Second)
			if byTime[ts] == nil {
				byTime[ts] = make(map[string]interface{})
			}
			byTime[ts][field] = p.Value
		}
	}

	for ts, fields := range byTime {
		exists, err := f.store.HasNonZeroAt(ctx, measurement, entity.ID(), "supply_temp", ts)
		if err != nil {
			report.Errors++
			continue
		}
		if exists {
			report.Skipped++
			continue
		}
		ok, err := f.store.Write(ctx, tsdb.Point{
			Measurement: measurement,
			Tags:        map[string]string{"entity_id": entity.ID(), "source": "gapfill"},
			Fields:      fields,
			Time:        ts,
		})
		if err != nil || !ok {
			report.Errors++
			continue
		}
		report.Written++
	}
}

// fillWeather replays station history for one gap.
func (f *Filler) fillWeather(ctx context.Context, entity *config.Entity, gap Gap, report *Report) {
	if f.weather == nil {
		return
	}
	obs, err := f.weather.History(ctx, entity.Location.Latitude, entity.Location.Longitude, gap.From, gap.To)
	if err != nil {
		f.logger.Warnw("Station history unavailable for gap",
			"entity", entity.ID(), "from", gap.From, "to", gap.To, "error", err)
		report.Errors++
		return
	}

	for _, o := range obs {
		if o.Time.Before(gap.From) || !o.Time.Before(gap.To) {
			continue
		}
		ts := o.Time.Truncate(time.Second)
		exists, err := f.store.HasNonZeroAt(ctx, tsdb.MeasWeatherObservation, entity.ID(), "temperature", ts)
		if err != nil {
			report.Errors++
			continue
		}
		if exists {
			report.Skipped++
			continue
		}
		ok, err := f.store.Write(ctx, tsdb.Point{
			Measurement: tsdb.MeasWeatherObservation,
			Tags:        map[string]string{"entity_id": entity.ID(), "source": "gapfill"},
			Fields: map[string]interface{}{
				"temperature": o.Temperature,
				"wind_speed":  o.WindSpeed,
				"humidity":    o.Humidity,
				"cloud_octas": o.CloudOctas,
			},
			Time: ts,
		})
		if err != nil || !ok {
			report.Errors++
			continue
		}
		report.Written++
	}
}
