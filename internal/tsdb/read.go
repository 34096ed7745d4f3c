package tsdb

import (
	"context"
	"fmt"
	"time"
)

// Read helpers for the calibrator, the separator and the gap filler.
// Reads go straight to the query API and are unaffected by breaker state.

// Sample is one timestamped value from a read query.
type Sample struct {
	Time  time.Time
	Value float64
}

// Timestamps returns the ordered timestamps present for one field of a
// measurement/entity in [from, to).
func (c *Client) Timestamps(ctx context.Context, measurement, entityID, field string, from, to time.Time) ([]time.Time, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)
  |> keep(columns: ["_time"])
  |> sort(columns: ["_time"])`,
		c.cfg.Bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		measurement, entityID, field)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying %s timestamps: %w", measurement, err)
	}
	var times []time.Time
	for result.Next() {
		times = append(times, result.Record().Time())
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return times, nil
}

// Series returns the ordered samples for one field in [from, to).
func (c *Client) Series(ctx context.Context, measurement, entityID, field string, from, to time.Time) ([]Sample, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)
  |> sort(columns: ["_time"])`,
		c.cfg.Bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		measurement, entityID, field)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying %s series: %w", measurement, err)
	}
	var samples []Sample
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		samples = append(samples, Sample{Time: record.Time(), Value: value})
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return samples, nil
}

// HourlyMeans returns 1-hour mean aggregates for one field in [from, to),
// each stamped with its window start so the hour keys align with the
// hour the data was recorded in.
func (c *Client) HourlyMeans(ctx context.Context, measurement, entityID, field string, from, to time.Time) ([]Sample, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)
  |> aggregateWindow(every: 1h, fn: mean, createEmpty: false, timeSrc: "_start")
  |> sort(columns: ["_time"])`,
		c.cfg.Bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		measurement, entityID, field)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying %s hourly means: %w", measurement, err)
	}
	var samples []Sample
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		samples = append(samples, Sample{Time: record.Time(), Value: value})
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return samples, nil
}

// DailyMeans returns 1-day mean aggregates for one field in [from, to).
// Windows are aligned to the given location's midnight.
func (c *Client) DailyMeans(ctx context.Context, measurement, entityID, field string, from, to time.Time, loc *time.Location) ([]Sample, error) {
	return c.dailyAggregate(ctx, measurement, entityID, field, from, to, loc, "mean")
}

// DailySums returns 1-day sum aggregates for one field in [from, to).
func (c *Client) DailySums(ctx context.Context, measurement, entityID, field string, from, to time.Time, loc *time.Location) ([]Sample, error) {
	return c.dailyAggregate(ctx, measurement, entityID, field, from, to, loc, "sum")
}

// dailyAggregate windows one field into local calendar days. Windows
// are stamped with their start: the default stop-stamp would label a
// day's aggregate with the next midnight, and the final partial window
// with the range stop, colliding with the last complete day once both
// are truncated to a date.
func (c *Client) dailyAggregate(ctx context.Context, measurement, entityID, field string, from, to time.Time, loc *time.Location, fn string) ([]Sample, error) {
	_, offsetSec := from.In(loc).Zone()
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)
  |> aggregateWindow(every: 1d, offset: %ds, fn: %s, createEmpty: false, timeSrc: "_start")
  |> sort(columns: ["_time"])`,
		c.cfg.Bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		measurement, entityID, field, -offsetSec, fn)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying %s daily %s: %w", measurement, fn, err)
	}
	var samples []Sample
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		samples = append(samples, Sample{Time: record.Time(), Value: value})
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return samples, nil
}

// HasNonZeroAt reports whether a non-zero record already exists for the
// field at exactly ts (second precision).
func (c *Client) HasNonZeroAt(ctx context.Context, measurement, entityID, field string, ts time.Time) (bool, error) {
	start := ts.Truncate(time.Second)
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)
  |> filter(fn: (r) => r._value != 0.0)
  |> limit(n: 1)`,
		c.cfg.Bucket, start.UTC().Format(time.RFC3339), start.Add(time.Second).UTC().Format(time.RFC3339),
		measurement, entityID, field)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return false, fmt.Errorf("checking existing record: %w", err)
	}
	exists := result.Next()
	if result.Err() != nil {
		return false, result.Err()
	}
	return exists, nil
}
