package energy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// minCalibrationDays is the least number of days with positive ΔT a
// calibration accepts.
const minCalibrationDays = 3

// DaySample is one calendar day of separated heating energy with its
// mean temperatures.
type DaySample struct {
	Day         time.Time
	HeatingKWH  float64
	IndoorMean  float64
	OutdoorMean float64
}

// CalibrateDays derives the heat-loss coefficient from daily heating
// energy. Each day with ΔT > 0 contributes k_day = kWh/(ΔT·24); the
// configured low percentile of those values becomes the new k, which is
// robust against days contaminated by DHW. Days with ΔT ≤ 0 are skipped.
func CalibrateDays(days []DaySample, percentile float64, now time.Time) (types.CalibrationResult, error) {
	var kDays []float64
	var outdoorSum float64
	for _, d := range days {
		deltaT := d.IndoorMean - d.OutdoorMean
		if deltaT <= 0 || d.HeatingKWH <= 0 {
			continue
		}
		kDays = append(kDays, d.HeatingKWH/(deltaT*24))
		outdoorSum += d.OutdoorMean
	}
	if len(kDays) < minCalibrationDays {
		return types.CalibrationResult{}, fmt.Errorf("only %d usable days, need %d", len(kDays), minCalibrationDays)
	}

	sort.Float64s(kDays)
	k := stat.Quantile(percentile, stat.Empirical, kDays, nil)
	median := stat.Quantile(0.5, stat.Empirical, kDays, nil)
	stddev := stat.StdDev(kDays, nil)

	stability := 1.0
	if median > 0 {
		stability = math.Max(0.5, 1-stddev/median)
	}
	confidence := math.Min(1, float64(len(kDays))/14) * stability

	return types.CalibrationResult{
		KValue:     k,
		KMedian:    median,
		KStddev:    stddev,
		DaysUsed:   len(kDays),
		Confidence: confidence,
		AvgOutdoor: outdoorSum / float64(len(kDays)),
		Method:     "percentile",
		RunAt:      now,
	}, nil
}

// Calibrator recalibrates entity heat-loss coefficients from the store.
type Calibrator struct {
	store    *tsdb.Client
	provider *config.Provider
	logger   *zap.SugaredLogger
	dryRun   bool
}

// NewCalibrator builds a calibrator. With dryRun set, results are logged
// and written to history but never back to the entity record.
func NewCalibrator(store *tsdb.Client, provider *config.Provider, dryRun bool, logger *zap.SugaredLogger) *Calibrator {
	return &Calibrator{store: store, provider: provider, logger: logger.Named("kcalib"), dryRun: dryRun}
}

// calibrationWindow returns the [from, to) read range for a run:
// complete local calendar days only. The in-progress day is excluded —
// a partial day's heating sum divided by ΔT·24 would land in the low
// tail the percentile selects from.
func calibrationWindow(now time.Time, windowDays int, loc *time.Location) (from, to time.Time) {
	to = truncateToDay(now.In(loc))
	return to.AddDate(0, 0, -windowDays), to
}

// Run recalibrates one entity over its configured window. Buildings
// without indoor sensors use assumed_indoor_temp; sparse BMS outdoor
// data falls back to the stored weather observations.
func (c *Calibrator) Run(ctx context.Context, entity *config.Entity, ref config.EntityRef, now time.Time) (types.CalibrationResult, error) {
	entityID := entity.ID()
	windowDays := entity.CalibrationDays()
	loc := stockholm()
	from, to := calibrationWindow(now, windowDays, loc)

	heating, err := c.store.DailySums(ctx, tsdb.MeasEnergySeparated, entityID, "heating_kwh", from, to, loc)
	if err != nil {
		return types.CalibrationResult{}, fmt.Errorf("reading separated heating: %w", err)
	}

	meas := entity.Kind.Measurement()
	indoor, err := c.store.DailyMeans(ctx, meas, entityID, "indoor_temp", from, to, loc)
	if err != nil {
		return types.CalibrationResult{}, fmt.Errorf("reading indoor means: %w", err)
	}
	outdoor, err := c.store.DailyMeans(ctx, meas, entityID, "outdoor_temp", from, to, loc)
	if err != nil {
		return types.CalibrationResult{}, fmt.Errorf("reading outdoor means: %w", err)
	}

	// Sparse BMS outdoor coverage: fall back to the station-sourced
	// weather observations for this entity.
	if len(outdoor) < windowDays/2 {
		c.logger.Debugw("Falling back to weather observations for outdoor means",
			"entity", entityID, "bmsDays", len(outdoor))
		outdoor, err = c.store.DailyMeans(ctx, tsdb.MeasWeatherObservation, entityID, "temperature", from, to, loc)
		if err != nil {
			return types.CalibrationResult{}, fmt.Errorf("reading observation fallback: %w", err)
		}
	}

	indoorAt := samplesByDay(indoor, loc)
	outdoorAt := samplesByDay(outdoor, loc)
	assumed := entity.EnergySeparation.AssumedIndoorTemp

	days := make([]DaySample, 0, len(heating))
	for _, h := range heating {
		day := truncateToDay(h.Time.In(loc))
		in, okIn := indoorAt[day]
		if !okIn && assumed > 0 {
			in, okIn = assumed, true
		}
		out, okOut := outdoorAt[day]
		if !okIn || !okOut {
			continue
		}
		days = append(days, DaySample{Day: day, HeatingKWH: h.Value, IndoorMean: in, OutdoorMean: out})
	}

	result, err := CalibrateDays(days, entity.KPercentile(), now)
	if err != nil {
		return types.CalibrationResult{}, fmt.Errorf("calibrating entity [%s]: %w", entityID, err)
	}

	point := tsdb.Point{
		Measurement: tsdb.MeasKCalibrationHistory,
		Tags:        map[string]string{"entity_id": entityID, "method": result.Method},
		Fields: map[string]interface{}{
			"k_value":     result.KValue,
			"k_median":    result.KMedian,
			"k_stddev":    result.KStddev,
			"days_used":   float64(result.DaysUsed),
			"confidence":  result.Confidence,
			"avg_outdoor": result.AvgOutdoor,
			"previous_k":  entity.EnergySeparation.HeatLossK,
		},
		Time: now,
	}
	if _, err := c.store.Write(ctx, point); err != nil {
		return result, fmt.Errorf("writing calibration history: %w", err)
	}

	if c.dryRun {
		c.logger.Infow("Dry run: not persisting calibrated k",
			"entity", entityID, "k", result.KValue, "days", result.DaysUsed)
		return result, nil
	}
	if err := c.provider.SaveHeatLossK(ref, result.KValue, now); err != nil {
		return result, fmt.Errorf("persisting calibrated k: %w", err)
	}
	c.logger.Infow("Calibrated heat-loss coefficient",
		"entity", entityID,
		"k", result.KValue,
		"median", result.KMedian,
		"days", result.DaysUsed,
		"confidence", result.Confidence)
	return result, nil
}

func samplesByDay(samples []tsdb.Sample, loc *time.Location) map[time.Time]float64 {
	out := make(map[time.Time]float64, len(samples))
	for _, s := range samples {
		out[truncateToDay(s.Time.In(loc))] = s.Value
	}
	return out
}
