// Package tsdb is the processwide time-series writer. All workers share a
// single Client; writes go through a circuit breaker and a per-measurement
// throttle, reads bypass both.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/eventlog"
	"github.com/heatpilot/heatpilot/internal/metrics"
)

// Measurement names used by the core pipeline.
const (
	MeasHeatingSystem       = "heating_system"
	MeasBuildingSystem      = "building_system"
	MeasWeatherObservation  = "weather_observation"
	MeasWeatherForecast     = "weather_forecast"
	MeasWeatherForecastHour = "weather_forecast_hourly"
	MeasTemperatureForecast = "temperature_forecast"
	MeasEnergyMeter         = "energy_meter"
	MeasEnergyConsumption   = "energy_consumption"
	MeasEnergySeparated     = "energy_separated"
	MeasEnergyForecast      = "energy_forecast"
	MeasSolarEventML2       = "solar_event_ml2"
	MeasWeatherCoeffsML2    = "weather_coefficients_ml2"
	MeasKCalibrationHistory = "k_calibration_history"
	MeasThermalHistory      = "thermal_history"
	MeasHeatCurveBaseline   = "heat_curve_baseline"
	MeasHeatCurveAdjustment = "heat_curve_adjustment"
	MeasHeatingControl      = "heating_control"
	MeasBMSAlarm            = "bms_alarm"
)

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultBreakerTimeout   = 60 * time.Second
	breakerFailureThreshold = 3
)

// Point is one tagged field set at a timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Config holds the InfluxDB connection parameters, normally sourced from
// INFLUXDB_URL/TOKEN/ORG/BUCKET.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// WriteTimeout bounds each write call; defaults to 5s.
	WriteTimeout time.Duration
	// BreakerCooldown is the open-state cooldown; defaults to 60s.
	BreakerCooldown time.Duration
}

// Client wraps the InfluxDB v2 client with breaker and throttle semantics.
type Client struct {
	influx   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	delete   api.DeleteAPI
	cfg      Config
	logger   *zap.SugaredLogger
	events   *eventlog.Sink

	breaker  *gobreaker.CircuitBreaker
	throttle *throttle

	mu          sync.Mutex
	hadFailures bool
}

// New connects to InfluxDB and builds the shared writer.
func New(cfg Config, events *eventlog.Sink, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb configuration incomplete: url, token, org and bucket are required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = defaultBreakerTimeout
	}

	options := influxdb2.DefaultOptions().SetPrecision(time.Second)
	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	c := &Client{
		influx:   influx,
		writeAPI: influx.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: influx.QueryAPI(cfg.Org),
		delete:   influx.DeleteAPI(),
		cfg:      cfg,
		logger:   logger.Named("tsdb"),
		events:   events,
		throttle: newThrottle(defaultThrottleRules()),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tsdb-writer",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			c.logger.Warnw("Circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// Write stores one point. Returns (true, nil) when the point was written,
// (false, nil) when it was skipped by the open breaker or the throttle,
// and (false, err) on a write failure that was counted by the breaker.
func (c *Client) Write(ctx context.Context, p Point) (bool, error) {
	entityID := p.Tags["entity_id"]
	if !c.throttle.allow(p.Measurement, entityID, p.Time) {
		metrics.PointsSkipped.WithLabelValues("throttled").Inc()
		c.logger.Debugw("Write throttled", "measurement", p.Measurement, "entity", entityID)
		return false, nil
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		// Half-open probe: verify the server is back before resuming writes.
		if c.breaker.State() == gobreaker.StateHalfOpen {
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			ok, err := c.influx.Ping(pingCtx)
			cancel()
			if err != nil || !ok {
				return nil, fmt.Errorf("health check failed: %v", err)
			}
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
		pt := write.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
		return nil, c.writeAPI.WritePoint(writeCtx, pt)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.PointsSkipped.WithLabelValues("breaker_open").Inc()
			return false, nil
		}
		c.noteFailure()
		return false, fmt.Errorf("writing %s point: %w", p.Measurement, err)
	}

	c.noteSuccess()
	metrics.PointsWritten.WithLabelValues(p.Measurement).Inc()
	return true, nil
}

// WriteBatch writes several points, stopping early once the breaker opens.
func (c *Client) WriteBatch(ctx context.Context, points []Point) (written int, err error) {
	for _, p := range points {
		ok, werr := c.Write(ctx, p)
		if werr != nil {
			err = werr
			continue
		}
		if ok {
			written++
		}
	}
	return written, err
}

func (c *Client) noteFailure() {
	c.mu.Lock()
	c.hadFailures = true
	c.mu.Unlock()
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	restored := c.hadFailures
	c.hadFailures = false
	c.mu.Unlock()

	if restored {
		c.logger.Infow("Time-series writes restored")
		c.events.Emit(eventlog.Event{
			EventType: "WriterRestored",
			Message:   "Time-series writer restored after failures",
			Component: "tsdb",
		})
	}
}

// BreakerState reports the breaker state for health output.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// DeleteFuture removes points with timestamps after now for one entity and
// measurement. Past points are retained as the prediction-accuracy record.
func (c *Client) DeleteFuture(ctx context.Context, measurement, entityID string, now time.Time) error {
	predicate := fmt.Sprintf(`_measurement="%s" AND entity_id="%s"`, measurement, entityID)
	stop := now.Add(10 * 365 * 24 * time.Hour)
	if err := c.delete.DeleteWithName(ctx, c.cfg.Org, c.cfg.Bucket, now, stop, predicate); err != nil {
		return fmt.Errorf("deleting future %s points for %s: %w", measurement, entityID, err)
	}
	return nil
}

// Close flushes and releases the underlying connection.
func (c *Client) Close() {
	c.influx.Close()
}
