package energy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// Separation methods selectable per entity.
const (
	MethodKCalibration = "k_calibration"
	MethodDHWOnDemand  = "dhw_on_demand"
)

// minCoverage is the fraction of expected hourly samples below which a
// day is written as no_breakdown.
const minCoverage = 0.8

// separationWindow is how far back the separator looks each run.
const separationWindow = 48 * time.Hour

// HourSample is one hour of energy plus the temperatures needed to
// predict its heating share.
type HourSample struct {
	Hour        time.Time
	EnergyKWH   float64
	IndoorTemp  float64
	OutdoorTemp float64
}

// SeparateDays splits hourly energy into heating and DHW per Swedish
// calendar day. With the k-calibration method, predicted heating is
// k·ΔT per hour and DHW is the non-negative remainder. The on-demand
// heuristic instead attributes consumption spikes above twice the median
// hour to DHW.
func SeparateDays(hours []HourSample, method string, k float64) []types.SeparatedDay {
	loc := stockholm()
	byDay := make(map[time.Time][]HourSample)
	for _, h := range hours {
		day := truncateToDay(h.Hour.In(loc))
		byDay[day] = append(byDay[day], h)
	}

	days := make([]types.SeparatedDay, 0, len(byDay))
	for day, samples := range byDay {
		days = append(days, separateDay(day, samples, method, k))
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.Before(days[j].Day) })
	return days
}

func separateDay(day time.Time, samples []HourSample, method string, k float64) types.SeparatedDay {
	out := types.SeparatedDay{Day: day, DataCoverage: float64(len(samples)) / 24}
	for _, s := range samples {
		out.TotalKWH += s.EnergyKWH
	}

	if out.DataCoverage < minCoverage || (method != MethodDHWOnDemand && k <= 0) {
		out.NoBreakdown = true
		return out
	}

	switch method {
	case MethodDHWOnDemand:
		heating, dhw := separateOnDemand(samples)
		out.HeatingKWH, out.DHWKWH = heating, dhw
		out.Confidence = 0.6 // heuristic method, flat confidence
	default:
		heating := 0.0
		for _, s := range samples {
			deltaT := s.IndoorTemp - s.OutdoorTemp
			if deltaT <= 0 {
				continue
			}
			heating += math.Min(s.EnergyKWH, k*deltaT)
		}
		out.HeatingKWH = heating
		out.DHWKWH = math.Max(0, out.TotalKWH-heating)
		out.Confidence = out.DataCoverage
	}
	return out
}

// separateOnDemand treats hours whose consumption exceeds twice the
// median hour as DHW draws: the excess above the median goes to DHW, the
// rest stays with heating.
func separateOnDemand(samples []HourSample) (heating, dhw float64) {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.EnergyKWH)
	}
	sort.Float64s(values)
	median := values[len(values)/2]

	for _, s := range samples {
		if median > 0 && s.EnergyKWH > 2*median {
			heating += median
			dhw += s.EnergyKWH - median
			continue
		}
		heating += s.EnergyKWH
	}
	return heating, dhw
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Separator runs the daily heating/DHW split for one entity against the
// time-series store.
type Separator struct {
	store  *tsdb.Client
	logger *zap.SugaredLogger
}

// NewSeparator builds a separator over the store.
func NewSeparator(store *tsdb.Client, logger *zap.SugaredLogger) *Separator {
	return &Separator{store: store, logger: logger.Named("separation")}
}

// Run separates the last 48 h of metered energy for the entity and
// writes one energy_separated point per local day.
func (s *Separator) Run(ctx context.Context, entity *config.Entity, now time.Time) ([]types.SeparatedDay, error) {
	entityID := entity.ID()
	from := now.Add(-separationWindow)

	energy, err := s.store.HourlyMeans(ctx, tsdb.MeasEnergyMeter, entityID, "consumption", from, now)
	if err != nil {
		return nil, fmt.Errorf("reading metered energy: %w", err)
	}
	if len(energy) == 0 {
		s.logger.Debugw("No metered energy in window", "entity", entityID)
		return nil, nil
	}

	meas := entity.Kind.Measurement()
	indoor, err := s.store.HourlyMeans(ctx, meas, entityID, "indoor_temp", from, now)
	if err != nil {
		return nil, fmt.Errorf("reading indoor temps: %w", err)
	}
	outdoor, err := s.store.HourlyMeans(ctx, meas, entityID, "outdoor_temp", from, now)
	if err != nil {
		return nil, fmt.Errorf("reading outdoor temps: %w", err)
	}

	indoorAt := samplesByHour(indoor)
	outdoorAt := samplesByHour(outdoor)

	assumed := entity.EnergySeparation.AssumedIndoorTemp
	hours := make([]HourSample, 0, len(energy))
	for _, e := range energy {
		hour := e.Time.Truncate(time.Hour)
		in, okIn := indoorAt[hour]
		if !okIn && assumed > 0 {
			in, okIn = assumed, true
		}
		out, okOut := outdoorAt[hour]
		if !okIn || !okOut {
			continue
		}
		hours = append(hours, HourSample{Hour: hour, EnergyKWH: e.Value, IndoorTemp: in, OutdoorTemp: out})
	}

	days := SeparateDays(hours, entity.EnergySeparation.Method, entity.EnergySeparation.HeatLossK)

	for _, day := range days {
		tags := map[string]string{"entity_id": entityID}
		if day.NoBreakdown {
			tags["quality"] = "no_breakdown"
		}
		point := tsdb.Point{
			Measurement: tsdb.MeasEnergySeparated,
			Tags:        tags,
			Fields: map[string]interface{}{
				"total_kwh":     day.TotalKWH,
				"heating_kwh":   day.HeatingKWH,
				"dhw_kwh":       day.DHWKWH,
				"data_coverage": day.DataCoverage,
				"confidence":    day.Confidence,
			},
			Time: day.Day,
		}
		if _, err := s.store.Write(ctx, point); err != nil {
			return days, fmt.Errorf("writing separated day %s: %w", day.Day.Format("2006-01-02"), err)
		}
	}
	return days, nil
}

func samplesByHour(samples []tsdb.Sample) map[time.Time]float64 {
	out := make(map[time.Time]float64, len(samples))
	for _, s := range samples {
		out[s.Time.Truncate(time.Hour)] = s.Value
	}
	return out
}
