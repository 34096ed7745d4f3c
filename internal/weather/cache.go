package weather

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/types"
)

// Fetcher is the subset of Client the cache needs.
type Fetcher interface {
	Observation(ctx context.Context, lat, lon float64) (types.WeatherObservation, error)
	Forecast(ctx context.Context, lat, lon float64) ([]types.WeatherForecastPoint, error)
}

// Cache is the processwide weather cache shared by all workers, keyed by
// coordinates rounded to 2 decimals so co-located entities reuse one
// upstream call. Readers accept stale-but-fresh-enough values; fetches
// are serialized per key.
type Cache struct {
	fetcher Fetcher
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheKey struct {
	lat float64
	lon float64
}

type cacheEntry struct {
	mu sync.Mutex

	observation   types.WeatherObservation
	observationAt time.Time

	forecast   []types.WeatherForecastPoint
	forecastAt time.Time
}

// NewCache builds the shared cache over a weather client.
func NewCache(fetcher Fetcher, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		fetcher: fetcher,
		logger:  logger.Named("weathercache"),
		entries: make(map[cacheKey]*cacheEntry),
	}
}

func keyFor(lat, lon float64) cacheKey {
	return cacheKey{
		lat: math.Round(lat*100) / 100,
		lon: math.Round(lon*100) / 100,
	}
}

func (c *Cache) entry(lat, lon float64) *cacheEntry {
	key := keyFor(lat, lon)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e
}

// Observation returns a cached observation no older than maxAge, fetching
// from upstream when the cached one is stale or absent.
func (c *Cache) Observation(ctx context.Context, lat, lon float64, maxAge time.Duration) (types.WeatherObservation, bool, error) {
	e := c.entry(lat, lon)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.observationAt.IsZero() && time.Since(e.observationAt) <= maxAge {
		return e.observation, true, nil
	}

	obs, err := c.fetcher.Observation(ctx, lat, lon)
	if err != nil {
		return types.WeatherObservation{}, false, err
	}
	e.observation = obs
	e.observationAt = time.Now()
	c.logger.Debugw("Observation cached", "lat", lat, "lon", lon, "station", obs.StationID)
	return obs, false, nil
}

// Forecast returns a cached forecast no older than maxAge, fetching when
// stale or absent.
func (c *Cache) Forecast(ctx context.Context, lat, lon float64, maxAge time.Duration) ([]types.WeatherForecastPoint, bool, error) {
	e := c.entry(lat, lon)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.forecastAt.IsZero() && time.Since(e.forecastAt) <= maxAge {
		return e.forecast, true, nil
	}

	fc, err := c.fetcher.Forecast(ctx, lat, lon)
	if err != nil {
		return nil, false, err
	}
	e.forecast = fc
	e.forecastAt = time.Now()
	return fc, false, nil
}
