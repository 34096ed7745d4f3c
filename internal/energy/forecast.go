package energy

import (
	"math"
	"time"

	"github.com/heatpilot/heatpilot/internal/model"
	"github.com/heatpilot/heatpilot/internal/types"
)

// ForecastSummary aggregates a forecast horizon.
type ForecastSummary struct {
	HorizonHours int
	TotalKWH     float64
	AvgPowerKW   float64
	PeakPowerKW  float64
	AvgOutdoor   float64
	MinOutdoor   float64
}

// BuildForecast converts hourly weather-forecast points into hourly
// heating demand: power = k·max(0, T_i − T_eff) per hour.
func BuildForecast(points []types.WeatherForecastPoint, k, targetIndoor, lat, lon float64, coeffs model.Coefficients, now time.Time) []types.EnergyForecastPoint {
	out := make([]types.EnergyForecastPoint, 0, len(points))
	for _, p := range points {
		eff := model.EffectiveTemperature(model.Inputs{
			Time:        p.Target,
			Temperature: p.Temperature,
			WindSpeed:   p.WindSpeed,
			Humidity:    p.Humidity,
			CloudOctas:  p.CloudOctas,
			Latitude:    lat,
			Longitude:   lon,
		}, coeffs)

		deltaT := math.Max(0, targetIndoor-eff.Value)
		power := k * deltaT
		out = append(out, types.EnergyForecastPoint{
			Target:         p.Target,
			HeatingPowerKW: power,
			HeatingKWH:     power, // 1-hour steps
			OutdoorTemp:    p.Temperature,
			EffectiveTemp:  eff.Value,
			WindEffect:     eff.WindEffect,
			SolarEffect:    eff.SolarEffect,
			LeadTimeHours:  p.LeadTimeHours(now),
		})
	}
	return out
}

// Summarize aggregates the forecast points within the horizon.
func Summarize(points []types.EnergyForecastPoint, horizon time.Duration, now time.Time) ForecastSummary {
	summary := ForecastSummary{
		HorizonHours: int(horizon.Hours()),
		MinOutdoor:   math.Inf(1),
	}
	var outdoorSum float64
	var n int
	cutoff := now.Add(horizon)
	for _, p := range points {
		if p.Target.After(cutoff) {
			continue
		}
		n++
		summary.TotalKWH += p.HeatingKWH
		summary.AvgPowerKW += p.HeatingPowerKW
		if p.HeatingPowerKW > summary.PeakPowerKW {
			summary.PeakPowerKW = p.HeatingPowerKW
		}
		outdoorSum += p.OutdoorTemp
		if p.OutdoorTemp < summary.MinOutdoor {
			summary.MinOutdoor = p.OutdoorTemp
		}
	}
	if n == 0 {
		summary.MinOutdoor = 0
		return summary
	}
	summary.AvgPowerKW /= float64(n)
	summary.AvgOutdoor = outdoorSum / float64(n)
	return summary
}
