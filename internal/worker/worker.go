// Package worker runs the boundary-aligned polling loop for one entity.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/energy"
	"github.com/heatpilot/heatpilot/internal/eventlog"
	"github.com/heatpilot/heatpilot/internal/gapfill"
	"github.com/heatpilot/heatpilot/internal/metrics"
	"github.com/heatpilot/heatpilot/internal/ml2"
	"github.com/heatpilot/heatpilot/internal/model"
	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/internal/weather"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// Task cadences within the polling loop.
const (
	forecastInterval   = 120 * time.Minute
	alarmPollInterval  = time.Hour
	calibFallbackAfter = 72 * time.Hour
	dailyPipelineHour  = 8 // local time, Europe/Stockholm
)

// retryDelay is the wait before the single transient retry.
var retryDelay = 2 * time.Second

// Services are the processwide components every worker shares.
type Services struct {
	Provider *config.Provider
	Store    *tsdb.Client
	Weather  *weather.Cache
	Events   *eventlog.Sink
	Pipeline *energy.Pipeline
	DryRun   bool
}

// Worker polls one entity on its boundary-aligned schedule.
type Worker struct {
	ref      config.EntityRef
	services Services
	adapter  bms.Adapter
	logger   *zap.SugaredLogger
	local    *time.Location

	jitter time.Duration
	offset time.Duration

	detector *ml2.Detector
	learner  *ml2.Learner
	lag      *ml2.LagTracker
	filler   *gapfill.Filler
	failures FailureTracker

	authenticated bool

	mu           sync.Mutex
	lastSuccess  time.Time
	lastForecast time.Time
	lastAlarms   time.Time
	lastDailyDay time.Time
	lastCalib    time.Time
}

// New builds a worker for one entity. The adapter is already constructed
// for the entity's connection; learned state seeds the online learners.
func New(ref config.EntityRef, entity *config.Entity, adapter bms.Adapter, services Services, offset time.Duration, logger *zap.SugaredLogger) *Worker {
	entityID := entity.ID()
	wlog := logger.Named("worker").With("entity", entityID)

	local, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		local = time.UTC
	}

	w := &Worker{
		ref:      ref,
		services: services,
		adapter:  adapter,
		logger:   wlog,
		local:    local,
		jitter:   Jitter(entityID),
		offset:   offset,
		detector: ml2.NewDetector(entityID, entity.Location.Latitude, entity.Location.Longitude, ml2.DefaultDetectorConfig(), wlog),
		learner:  ml2.NewLearner(entity.Learned.WeatherCoefficients),
		lag:      ml2.NewLagTracker(entity.Learned.ThermalTiming),
	}
	w.filler = gapfill.New(services.Store, adapter, nil, wlog)
	// Recalibration backdates from startup so a restarted process does
	// not immediately re-run the 72-hour fallback.
	w.lastCalib = time.Now()
	return w
}

// SetWeatherHistory wires the station-history source into the gap
// filler. Kept separate so tests can run without a weather client.
func (w *Worker) SetWeatherHistory(h gapfill.WeatherHistory) {
	w.filler = gapfill.New(w.services.Store, w.adapter, h, w.logger)
}

// Status reports this worker's health for /healthz.
func (w *Worker) Status() metrics.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := metrics.WorkerStatus{
		EntityID:    w.ref.EntityID,
		LastSuccess: w.lastSuccess,
	}
	if w.failures.Failing() {
		status.FailingSince = w.failures.FailingSince()
		status.FailureDuration = time.Since(w.failures.FailingSince()).Truncate(time.Second).String()
	}
	if w.services.Store != nil {
		status.BreakerState = w.services.Store.BreakerState()
	}
	return status
}

// Run executes the polling loop until the context is cancelled. The gap
// filler runs concurrently at startup and never delays the first tick.
func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	w.logger.Infow("Worker starting", "jitter", w.jitter, "offset", w.offset)

	// An unreadable record at startup is retried on the tick schedule;
	// the worker must not die between the supervisor's reconciles.
	interval := (&config.Entity{Kind: w.ref.Kind}).PollInterval()
	gapFilled := false
	if entity, err := w.services.Provider.Load(w.ref); err != nil {
		w.logger.Errorw("Initial entity load failed, retrying on schedule", "error", err)
	} else {
		interval = entity.PollInterval()
		w.startGapFill(ctx, wg, entity)
		gapFilled = true
	}

	for {
		boundary, fireAt := NextTick(time.Now(), interval, w.jitter, w.offset)
		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.shutdown()
			return
		case <-timer.C:
		}

		if err := w.iterate(ctx, boundary); err != nil {
			if ctx.Err() != nil {
				w.shutdown()
				return
			}
			w.recordFailure(err)
		} else {
			w.recordSuccess()
		}

		// Interval may have changed on disk, and a record that was
		// unreadable at startup may have appeared.
		if reloaded, err := w.services.Provider.Load(w.ref); err == nil {
			interval = reloaded.PollInterval()
			if !gapFilled {
				w.startGapFill(ctx, wg, reloaded)
				gapFilled = true
			}
		}
	}
}

// startGapFill backfills recent holes concurrently; it never delays
// the first tick.
func (w *Worker) startGapFill(ctx context.Context, wg *sync.WaitGroup, entity *config.Entity) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := w.filler.Run(ctx, entity, time.Now()); err != nil && ctx.Err() == nil {
			w.logger.Warnw("Startup gap fill failed", "error", err)
		}
	}()
}

func (w *Worker) shutdown() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.adapter.Close(closeCtx); err != nil {
		w.logger.Warnw("Closing BMS session", "error", err)
	}
	w.logger.Info("Worker stopped")
}

// iterate runs the stages of one tick. t0 is the boundary time; every
// point written this iteration carries it at second precision.
func (w *Worker) iterate(ctx context.Context, t0 time.Time) error {
	t0 = t0.Truncate(time.Second)

	entity, err := w.services.Provider.Load(w.ref)
	if err != nil {
		return fmt.Errorf("loading entity record: %w", err)
	}
	entityID := entity.ID()

	reading, err := w.readSignals(ctx, entity, t0)
	if err != nil {
		return fmt.Errorf("reading signals: %w", err)
	}

	if _, err := w.services.Store.Write(ctx, tsdb.Point{
		Measurement: entity.Kind.Measurement(),
		Tags:        map[string]string{"entity_id": entityID},
		Fields:      fieldsOf(reading),
		Time:        t0,
	}); err != nil {
		return fmt.Errorf("writing live point: %w", err)
	}

	if w.services.Weather != nil {
		obs, err := w.observeWeather(ctx, entity, t0)
		if err != nil {
			return fmt.Errorf("fetching weather: %w", err)
		}

		w.feedLearners(ctx, entity, reading, obs, t0)

		if time.Since(w.lastForecastAt()) >= forecastInterval {
			if err := w.runForecast(ctx, entity, t0); err != nil {
				return fmt.Errorf("updating forecasts: %w", err)
			}
			w.setLastForecast(t0)
		}
	}

	w.maybePollAlarms(ctx, entity, t0)
	w.maybeRunDaily(ctx, entity, t0)

	return nil
}

// readSignals fetches and normalizes the entity's live values. A stale
// session (401 or an empty result) triggers one full re-authentication
// within the iteration; transient errors retry once.
func (w *Worker) readSignals(ctx context.Context, entity *config.Entity, t0 time.Time) (types.Reading, error) {
	signals := entity.FetchSignals()
	ids := make([]string, 0, len(signals))
	fieldBySignal := make(map[string]string, len(signals))
	for field, sig := range signals {
		ids = append(ids, sig.SignalID)
		fieldBySignal[sig.SignalID] = field
	}

	if !w.authenticated {
		if err := w.adapter.Authenticate(ctx); err != nil {
			return types.Reading{}, fmt.Errorf("authenticating: %w", err)
		}
		w.authenticated = true
	}

	var values map[string]bms.Value
	read := func() error {
		var err error
		values, err = w.adapter.ReadCurrentValues(ctx, ids)
		if err == nil && len(values) == 0 {
			// Empty results are consistent with a stale token.
			return bms.ErrUnauthorized
		}
		return err
	}

	err := retry.Do(read,
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, bms.ErrUnauthorized)
		}),
	)
	if errors.Is(err, bms.ErrUnauthorized) || errors.Is(err, bms.ErrNoSession) {
		w.logger.Infow("Session stale, re-authenticating")
		if authErr := w.adapter.Authenticate(ctx); authErr != nil {
			return types.Reading{}, fmt.Errorf("re-authenticating: %w", authErr)
		}
		w.services.Events.Emit(eventlog.Event{
			EventType: "TokenRefreshed",
			Message:   "Refreshed BMS session for {EntityId}",
			EntityID:  entity.ID(),
			Component: "worker",
		})
		err = read()
	}
	if err != nil {
		return types.Reading{}, err
	}

	reading := types.Reading{EntityID: entity.ID(), Timestamp: t0, Fields: make(map[string]float64, len(values))}
	for signalID, value := range values {
		field, ok := fieldBySignal[signalID]
		if !ok {
			continue
		}
		reading.Fields[field] = round4(value.AsFloat())
	}
	return reading, nil
}

// observeWeather fetches the shared observation with one transient
// retry, writes it with the effective-temperature breakdown and returns
// it for the learners. A dead weather API fails the iteration so it
// reaches the failure tracker like a dead BMS.
func (w *Worker) observeWeather(ctx context.Context, entity *config.Entity, t0 time.Time) (types.WeatherObservation, error) {
	var obs types.WeatherObservation
	err := retry.Do(func() error {
		var err error
		obs, _, err = w.services.Weather.Observation(ctx, entity.Location.Latitude, entity.Location.Longitude, entity.PollInterval())
		return err
	},
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return types.WeatherObservation{}, err
	}

	coeffs := model.CoefficientsFor(
		entity.Learned.WeatherCoefficients.SolarCoefficientML2,
		entity.Learned.WeatherCoefficients.WindCoefficientML2,
		entity.Learned.WeatherCoefficients.SolarConfidenceML2,
	)
	eff := model.EffectiveTemperature(model.Inputs{
		Time:        t0,
		Temperature: obs.Temperature,
		WindSpeed:   obs.WindSpeed,
		Humidity:    obs.Humidity,
		CloudOctas:  obs.CloudOctas,
		Latitude:    entity.Location.Latitude,
		Longitude:   entity.Location.Longitude,
	}, coeffs)

	if _, err := w.services.Store.Write(ctx, tsdb.Point{
		Measurement: tsdb.MeasWeatherObservation,
		Tags:        map[string]string{"entity_id": entity.ID(), "station_id": obs.StationID},
		Fields: map[string]interface{}{
			"temperature":     obs.Temperature,
			"wind_speed":      obs.WindSpeed,
			"humidity":        obs.Humidity,
			"cloud_octas":     obs.CloudOctas,
			"distance_km":     obs.DistanceKM,
			"effective_temp":  eff.Value,
			"wind_effect":     eff.WindEffect,
			"humidity_effect": eff.HumidityEffect,
			"solar_effect":    eff.SolarEffect,
			"sun_elevation":   eff.SunElevation,
		},
		Time: t0,
	}); err != nil {
		w.logger.Warnw("Writing weather observation failed", "error", err)
	}

	return obs, nil
}

// feedLearners advances the solar detector and the thermal-lag tracker
// with this tick's combined BMS and weather data.
func (w *Worker) feedLearners(ctx context.Context, entity *config.Entity, reading types.Reading, wobs types.WeatherObservation, t0 time.Time) {
	entityID := entity.ID()

	obs := types.Observation{
		Time:       t0,
		Supply:     reading.Fields["supply_temp"],
		Return:     reading.Fields["return_temp"],
		Indoor:     reading.Fields["indoor_temp"],
		Outdoor:    reading.Fields["outdoor_temp"],
		CloudOctas: wobs.CloudOctas,
		WindSpeed:  wobs.WindSpeed,
	}

	if event := w.detector.Feed(obs); event != nil {
		metrics.SolarEvents.WithLabelValues(entityID).Inc()
		w.persistSolarEvent(ctx, entity, event)

		if due := w.learner.RecordEvent(event.ImpliedSolarML2, t0); due {
			state := w.learner.Update(t0)
			w.persistCoefficients(ctx, entity, state, t0)
		}
	}

	coeffs := model.CoefficientsFor(
		entity.Learned.WeatherCoefficients.SolarCoefficientML2,
		entity.Learned.WeatherCoefficients.WindCoefficientML2,
		entity.Learned.WeatherCoefficients.SolarConfidenceML2,
	)
	eff := model.EffectiveTemperature(model.Inputs{
		Time:        t0,
		Temperature: wobs.Temperature,
		WindSpeed:   wobs.WindSpeed,
		Humidity:    wobs.Humidity,
		CloudOctas:  wobs.CloudOctas,
		Latitude:    entity.Location.Latitude,
		Longitude:   entity.Location.Longitude,
	}, coeffs)

	if resolved := w.lag.Record(t0, eff.Value, obs.Indoor); resolved {
		timing := w.lag.State()
		if !w.services.DryRun {
			if err := w.services.Provider.SaveThermalTiming(w.ref, timing); err != nil {
				w.logger.Warnw("Persisting thermal timing failed", "error", err)
			}
		}
		if _, err := w.services.Store.Write(ctx, tsdb.Point{
			Measurement: tsdb.MeasThermalHistory,
			Tags:        map[string]string{"entity_id": entityID},
			Fields: map[string]interface{}{
				"heat_up_lag_minutes":   timing.HeatUpLagMinutes,
				"cool_down_lag_minutes": timing.CoolDownLagMinutes,
				"confidence":            timing.Confidence,
				"transition_count":      float64(timing.TransitionCount),
			},
			Time: t0,
		}); err != nil {
			w.logger.Warnw("Writing thermal history failed", "error", err)
		}
	}
}

func (w *Worker) persistSolarEvent(ctx context.Context, entity *config.Entity, event *types.SolarEvent) {
	sensorDetected := 0.0
	if event.SensorDetected {
		sensorDetected = 1
	}
	if _, err := w.services.Store.Write(ctx, tsdb.Point{
		Measurement: tsdb.MeasSolarEventML2,
		Tags:        map[string]string{"entity_id": entity.ID(), "event_id": event.ID},
		Fields: map[string]interface{}{
			"duration_minutes": event.Duration().Minutes(),
			"mean_outdoor":     event.MeanOutdoor,
			"mean_baseline":    event.MeanBaseline,
			"mean_indoor":      event.MeanIndoor,
			"mean_cloud_octas": event.MeanCloudOctas,
			"mean_sun_elev":    event.MeanSunElev,
			"sensor_detected":  sensorDetected,
			"implied_solar":    event.ImpliedSolarML2,
		},
		Time: event.End,
	}); err != nil {
		w.logger.Warnw("Writing solar event failed", "error", err)
	}

	w.services.Events.Emit(eventlog.Event{
		EventType: "SolarEventFinalized",
		Message:   "Solar event of {Minutes} min, implied coefficient {Implied}",
		EntityID:  entity.ID(),
		Component: "ml2",
		Extra: map[string]interface{}{
			"Minutes": event.Duration().Minutes(),
			"Implied": event.ImpliedSolarML2,
		},
	})
}

func (w *Worker) persistCoefficients(ctx context.Context, entity *config.Entity, state config.WeatherCoefficients, t0 time.Time) {
	if !w.services.DryRun {
		if err := w.services.Provider.SaveWeatherCoefficients(w.ref, state); err != nil {
			w.logger.Warnw("Persisting weather coefficients failed", "error", err)
		}
	}
	if _, err := w.services.Store.Write(ctx, tsdb.Point{
		Measurement: tsdb.MeasWeatherCoeffsML2,
		Tags:        map[string]string{"entity_id": entity.ID()},
		Fields: map[string]interface{}{
			"solar_coefficient": state.SolarCoefficientML2,
			"wind_coefficient":  state.WindCoefficientML2,
			"solar_confidence":  state.SolarConfidenceML2,
			"total_events":      float64(state.TotalSolarEvents),
		},
		Time: t0,
	}); err != nil {
		w.logger.Warnw("Writing coefficient update failed", "error", err)
	}
	w.logger.Infow("Updated solar coefficient",
		"coefficient", state.SolarCoefficientML2,
		"confidence", state.SolarConfidenceML2,
		"events", state.TotalSolarEvents)
}

// runForecast refreshes the weather and energy forecasts. Future points
// are deleted first so each horizon fully replaces the previous one
// while past points stay as the accuracy record.
func (w *Worker) runForecast(ctx context.Context, entity *config.Entity, t0 time.Time) error {
	entityID := entity.ID()

	var points []types.WeatherForecastPoint
	err := retry.Do(func() error {
		var err error
		points, _, err = w.services.Weather.Forecast(ctx, entity.Location.Latitude, entity.Location.Longitude, forecastInterval)
		return err
	},
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("fetching forecast: %w", err)
	}
	if len(points) == 0 {
		return nil
	}

	for _, measurement := range []string{tsdb.MeasWeatherForecastHour, tsdb.MeasEnergyForecast} {
		if err := w.services.Store.DeleteFuture(ctx, measurement, entityID, t0); err != nil {
			return err
		}
	}

	weatherPoints := make([]tsdb.Point, 0, len(points))
	for _, p := range points {
		weatherPoints = append(weatherPoints, tsdb.Point{
			Measurement: tsdb.MeasWeatherForecastHour,
			Tags:        map[string]string{"entity_id": entityID, "forecast_type": "hourly"},
			Fields: map[string]interface{}{
				"temperature":     p.Temperature,
				"wind_speed":      p.WindSpeed,
				"humidity":        p.Humidity,
				"cloud_octas":     p.CloudOctas,
				"lead_time_hours": p.LeadTimeHours(t0),
			},
			Time: p.Target,
		})
	}
	if _, err := w.services.Store.WriteBatch(ctx, weatherPoints); err != nil {
		return fmt.Errorf("writing weather forecast: %w", err)
	}

	k := entity.EnergySeparation.HeatLossK
	if k <= 0 {
		return nil
	}
	targetIndoor := entity.EnergySeparation.AssumedIndoorTemp
	if targetIndoor == 0 {
		targetIndoor = 21
	}
	coeffs := model.CoefficientsFor(
		entity.Learned.WeatherCoefficients.SolarCoefficientML2,
		entity.Learned.WeatherCoefficients.WindCoefficientML2,
		entity.Learned.WeatherCoefficients.SolarConfidenceML2,
	)

	forecast := energy.BuildForecast(points, k, targetIndoor, entity.Location.Latitude, entity.Location.Longitude, coeffs, t0)
	energyPoints := make([]tsdb.Point, 0, len(forecast)+2)
	for _, p := range forecast {
		energyPoints = append(energyPoints, tsdb.Point{
			Measurement: tsdb.MeasEnergyForecast,
			Tags:        map[string]string{"entity_id": entityID, "forecast_type": "hourly"},
			Fields: map[string]interface{}{
				"heating_power_kw": p.HeatingPowerKW,
				"heating_kwh":      p.HeatingKWH,
				"outdoor_temp":     p.OutdoorTemp,
				"effective_temp":   p.EffectiveTemp,
				"wind_effect":      p.WindEffect,
				"solar_effect":     p.SolarEffect,
				"lead_time_hours":  p.LeadTimeHours,
			},
			Time: p.Target,
		})
	}
	for _, horizon := range []time.Duration{24 * time.Hour, 72 * time.Hour} {
		summary := energy.Summarize(forecast, horizon, t0)
		energyPoints = append(energyPoints, tsdb.Point{
			Measurement: tsdb.MeasEnergyForecast,
			Tags: map[string]string{
				"entity_id":     entityID,
				"forecast_type": fmt.Sprintf("summary_%dh", summary.HorizonHours),
			},
			Fields: map[string]interface{}{
				"total_kwh":     summary.TotalKWH,
				"avg_power_kw":  summary.AvgPowerKW,
				"peak_power_kw": summary.PeakPowerKW,
				"avg_outdoor":   summary.AvgOutdoor,
				"min_outdoor":   summary.MinOutdoor,
			},
			Time: t0,
		})
	}
	if _, err := w.services.Store.WriteBatch(ctx, energyPoints); err != nil {
		return fmt.Errorf("writing energy forecast: %w", err)
	}
	return nil
}

// maybePollAlarms writes active alarms once per hour for adapters that
// expose them.
func (w *Worker) maybePollAlarms(ctx context.Context, entity *config.Entity, t0 time.Time) {
	reader, ok := w.adapter.(bms.AlarmReader)
	if !ok {
		return
	}
	w.mu.Lock()
	due := t0.Sub(w.lastAlarms) >= alarmPollInterval
	if due {
		w.lastAlarms = t0
	}
	w.mu.Unlock()
	if !due {
		return
	}

	alarms, err := reader.GetAlarms(ctx)
	if err != nil {
		w.logger.Warnw("Alarm poll failed", "error", err)
		return
	}
	for _, alarm := range alarms {
		if _, err := w.services.Store.Write(ctx, tsdb.Point{
			Measurement: tsdb.MeasBMSAlarm,
			Tags: map[string]string{
				"entity_id": entity.ID(),
				"alarm_id":  alarm.ID,
			},
			Fields: map[string]interface{}{
				"path":     alarm.Path,
				"message":  alarm.Message,
				"priority": float64(alarm.Priority),
			},
			Time: t0,
		}); err != nil {
			w.logger.Warnw("Writing alarm failed", "alarm", alarm.ID, "error", err)
		}
	}
	if len(alarms) > 0 {
		w.logger.Infow("Active BMS alarms", "count", len(alarms))
	}
}

// maybeRunDaily triggers the 08:00 pipeline on the first tick past the
// hour, and the 72-hour recalibration fallback independent of it.
func (w *Worker) maybeRunDaily(ctx context.Context, entity *config.Entity, t0 time.Time) {
	if w.services.Pipeline == nil || !entity.EnergySeparation.Enabled {
		return
	}
	local := t0.In(w.local)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.local)

	w.mu.Lock()
	dailyDue := local.Hour() >= dailyPipelineHour && !w.lastDailyDay.Equal(today)
	if dailyDue {
		w.lastDailyDay = today
	}
	fallbackDue := !dailyDue && t0.Sub(w.lastCalib) >= calibFallbackAfter
	if dailyDue || fallbackDue {
		w.lastCalib = t0
	}
	w.mu.Unlock()

	switch {
	case dailyDue:
		if err := w.services.Pipeline.RunDaily(ctx, entity, w.ref, t0); err != nil {
			w.logger.Warnw("Daily energy pipeline failed", "error", err)
		}
	case fallbackDue:
		if err := w.services.Pipeline.RecalibrateOnly(ctx, entity, w.ref, t0); err != nil {
			w.logger.Warnw("Fallback recalibration failed", "error", err)
		}
	}
}

func (w *Worker) recordFailure(err error) {
	now := time.Now()
	w.mu.Lock()
	w.failures.Fail(now)
	_, transition := w.failures.Escalated(now)
	failingSince := w.failures.FailingSince()
	w.mu.Unlock()

	metrics.Iterations.WithLabelValues(w.ref.EntityID, "failed").Inc()

	if transition {
		w.logger.Errorw("Entity failing beyond threshold",
			"since", failingSince, "error", err)
		w.services.Events.Emit(eventlog.Event{
			EventType: "WorkerDegraded",
			Level:     "Error",
			Message:   "Entity {EntityId} failing since {Since}",
			EntityID:  w.ref.EntityID,
			Component: "worker",
			Extra:     map[string]interface{}{"Since": failingSince},
		})
		return
	}
	w.logger.Warnw("Iteration failed", "error", err)
}

func (w *Worker) recordSuccess() {
	now := time.Now()
	w.mu.Lock()
	failedFor, recovered := w.failures.Succeed(now)
	w.lastSuccess = now
	w.mu.Unlock()

	metrics.Iterations.WithLabelValues(w.ref.EntityID, "ok").Inc()

	if recovered {
		w.logger.Infow("Entity recovered", "failedFor", failedFor)
		w.services.Events.Emit(eventlog.Event{
			EventType: "WorkerRecovered",
			Message:   "Entity {EntityId} recovered after {FailedFor}",
			EntityID:  w.ref.EntityID,
			Component: "worker",
			Extra:     map[string]interface{}{"FailedFor": failedFor.Truncate(time.Second).String()},
		})
	}
}

func (w *Worker) lastForecastAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastForecast
}

func (w *Worker) setLastForecast(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastForecast = t
}

func fieldsOf(reading types.Reading) map[string]interface{} {
	fields := make(map[string]interface{}, len(reading.Fields))
	for name, value := range reading.Fields {
		fields[name] = value
	}
	return fields
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
