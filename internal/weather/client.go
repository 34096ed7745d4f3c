// Package weather fetches observations and point forecasts from the SMHI
// open-data APIs and serves them through a shared per-coordinate cache.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heatpilot/heatpilot/internal/types"
)

const (
	defaultObsBaseURL  = "https://opendata-download-metobs.smhi.se/api/version/1.0"
	defaultFcstBaseURL = "https://opendata-download-metfcst.smhi.se/api/category/pmp3g/version/2"
	fetchTimeout       = 30 * time.Second
)

// SMHI metobs parameter IDs used by the pipeline.
const (
	paramTemperature = 1  // air temperature, hourly
	paramWindSpeed   = 4  // wind speed, hourly
	paramHumidity    = 6  // relative humidity, hourly
	paramCloudAmount = 16 // total cloud amount, octas
)

// APIError is a non-2xx response from the weather service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("weather API error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the SMHI observation and forecast APIs.
type Client struct {
	httpClient  *http.Client
	obsBaseURL  string
	fcstBaseURL string

	mu       sync.Mutex
	stations map[int][]station // station inventory per parameter, fetched once
}

// NewClient creates a weather client with default endpoints.
func NewClient() *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: fetchTimeout},
		obsBaseURL:  defaultObsBaseURL,
		fcstBaseURL: defaultFcstBaseURL,
		stations:    make(map[int][]station),
	}
}

// SetBaseURLs overrides the API endpoints (used in tests).
func (c *Client) SetBaseURLs(obsBase, fcstBase string) {
	c.obsBaseURL = obsBase
	c.fcstBaseURL = fcstBase
}

type station struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Active    bool    `json:"active"`
}

type stationList struct {
	Station []station `json:"station"`
}

type obsData struct {
	Value []struct {
		Date  int64  `json:"date"` // milliseconds since epoch
		Value string `json:"value"`
	} `json:"value"`
}

// Observation fetches the latest observed weather near (lat, lon). Each
// parameter comes from its nearest active station; the reported station
// and distance are those of the temperature parameter.
func (c *Client) Observation(ctx context.Context, lat, lon float64) (types.WeatherObservation, error) {
	obs := types.WeatherObservation{Time: time.Now().Truncate(time.Second)}

	params := []struct {
		id   int
		dest *float64
	}{
		{paramTemperature, &obs.Temperature},
		{paramWindSpeed, &obs.WindSpeed},
		{paramHumidity, &obs.Humidity},
		{paramCloudAmount, &obs.CloudOctas},
	}

	for i, p := range params {
		st, dist, err := c.nearestStation(ctx, p.id, lat, lon)
		if err != nil {
			return obs, err
		}
		value, ts, err := c.latestValue(ctx, p.id, st.ID)
		if err != nil {
			return obs, err
		}
		*p.dest = value
		if i == 0 {
			obs.StationID = fmt.Sprintf("%d", st.ID)
			obs.DistanceKM = dist
			obs.Time = ts
		}
	}
	return obs, nil
}

// History fetches observed temperature samples for the gap filler, from
// the station nearest to (lat, lon), filtered to [from, to).
func (c *Client) History(ctx context.Context, lat, lon float64, from, to time.Time) ([]types.WeatherObservation, error) {
	st, dist, err := c.nearestStation(ctx, paramTemperature, lat, lon)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/parameter/%d/station/%d/period/latest-day/data.json", c.obsBaseURL, paramTemperature, st.ID)
	var data obsData
	if err := c.getJSON(ctx, url, &data); err != nil {
		return nil, err
	}

	var out []types.WeatherObservation
	for _, v := range data.Value {
		ts := time.UnixMilli(v.Date)
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		temp, err := parseFloat(v.Value)
		if err != nil {
			continue
		}
		out = append(out, types.WeatherObservation{
			Time:        ts,
			Temperature: temp,
			StationID:   fmt.Sprintf("%d", st.ID),
			DistanceKM:  dist,
		})
	}
	return out, nil
}

// smhiForecast mirrors the SMHI point forecast response.
type smhiForecast struct {
	TimeSeries []struct {
		ValidTime  time.Time `json:"validTime"`
		Parameters []struct {
			Name   string    `json:"name"`
			Values []float64 `json:"values"`
		} `json:"parameters"`
	} `json:"timeSeries"`
}

// Forecast fetches the hourly point forecast for (lat, lon).
func (c *Client) Forecast(ctx context.Context, lat, lon float64) ([]types.WeatherForecastPoint, error) {
	url := fmt.Sprintf("%s/geotype/point/lon/%.6f/lat/%.6f/data.json", c.fcstBaseURL, lon, lat)
	var fc smhiForecast
	if err := c.getJSON(ctx, url, &fc); err != nil {
		return nil, err
	}

	points := make([]types.WeatherForecastPoint, 0, len(fc.TimeSeries))
	for _, ts := range fc.TimeSeries {
		p := types.WeatherForecastPoint{Target: ts.ValidTime}
		for _, param := range ts.Parameters {
			if len(param.Values) == 0 {
				continue
			}
			v := param.Values[0]
			switch param.Name {
			case "t":
				p.Temperature = v
			case "ws":
				p.WindSpeed = v
			case "r":
				p.Humidity = v
			case "tcc_mean":
				p.CloudOctas = v
			}
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Target.Before(points[j].Target) })
	return points, nil
}

func (c *Client) nearestStation(ctx context.Context, parameter int, lat, lon float64) (station, float64, error) {
	stations, err := c.stationInventory(ctx, parameter)
	if err != nil {
		return station{}, 0, err
	}

	best := station{}
	bestDist := math.MaxFloat64
	for _, st := range stations {
		if !st.Active {
			continue
		}
		d := haversineKM(lat, lon, st.Latitude, st.Longitude)
		if d < bestDist {
			best, bestDist = st, d
		}
	}
	if bestDist == math.MaxFloat64 {
		return station{}, 0, fmt.Errorf("no active station for parameter %d", parameter)
	}
	return best, bestDist, nil
}

func (c *Client) stationInventory(ctx context.Context, parameter int) ([]station, error) {
	c.mu.Lock()
	cached, ok := c.stations[parameter]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	url := fmt.Sprintf("%s/parameter/%d.json", c.obsBaseURL, parameter)
	var list stationList
	if err := c.getJSON(ctx, url, &list); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stations[parameter] = list.Station
	c.mu.Unlock()
	return list.Station, nil
}

func (c *Client) latestValue(ctx context.Context, parameter, stationID int) (float64, time.Time, error) {
	url := fmt.Sprintf("%s/parameter/%d/station/%d/period/latest-hour/data.json", c.obsBaseURL, parameter, stationID)
	var data obsData
	if err := c.getJSON(ctx, url, &data); err != nil {
		return 0, time.Time{}, err
	}
	if len(data.Value) == 0 {
		return 0, time.Time{}, fmt.Errorf("no observation for parameter %d at station %d", parameter, stationID)
	}
	latest := data.Value[len(data.Value)-1]
	value, err := parseFloat(latest.Value)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("unparsable observation value %q: %w", latest.Value, err)
	}
	return value, time.UnixMilli(latest.Date), nil
}

func (c *Client) getJSON(ctx context.Context, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

// haversineKM returns the great-circle distance between two coordinates.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
