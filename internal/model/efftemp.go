// Package model implements the effective-outdoor-temperature model shared
// by the energy forecaster and the solar learner.
package model

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/heatpilot/heatpilot/internal/types"
)

// Default weather coefficients for buildings with no learned values.
const (
	DefaultWindCoefficient  = 0.56
	DefaultSolarCoefficient = 6.0

	// MinSolarConfidence is the learned-coefficient confidence below
	// which the forecaster keeps the defaults.
	MinSolarConfidence = 0.3
)

// Inputs are the raw weather conditions for one effective-temperature
// evaluation.
type Inputs struct {
	Time        time.Time
	Temperature float64
	WindSpeed   float64
	Humidity    float64
	CloudOctas  float64

	// Latitude/Longitude enable astronomical solar intensity. When both
	// are zero the model falls back to a cloud-only approximation.
	Latitude  float64
	Longitude float64
}

// Coefficients are the wind and solar weights, either defaults or
// ML2-learned per entity.
type Coefficients struct {
	Wind  float64
	Solar float64
}

// DefaultCoefficients returns the envelope defaults.
func DefaultCoefficients() Coefficients {
	return Coefficients{Wind: DefaultWindCoefficient, Solar: DefaultSolarCoefficient}
}

// SunElevation returns the sun's elevation above the horizon in degrees
// at the given time and place.
func SunElevation(t time.Time, lat, lon float64) float64 {
	pos := suncalc.GetPosition(t, lat, lon)
	return pos.Altitude * 180 / math.Pi
}

// CloudTransmission returns the fraction of solar radiation passing the
// given cloud cover in octas.
func CloudTransmission(octas float64) float64 {
	return 1 - 0.9*(octas/8)
}

// EffectiveTemperature computes the derived outdoor temperature and its
// component breakdown. Wind and humidity cool, solar gain warms.
func EffectiveTemperature(in Inputs, coeffs Coefficients) types.EffectiveTemperature {
	windEffect := coeffs.Wind * math.Sqrt(math.Max(0, in.WindSpeed))
	humidityEffect := 0.01 * math.Max(0, in.Humidity-50)

	var rawIntensity, sunElev float64
	if in.Latitude != 0 || in.Longitude != 0 {
		sunElev = SunElevation(in.Time, in.Latitude, in.Longitude)
		if sunElev > 0 {
			rawIntensity = math.Sin(sunElev * math.Pi / 180)
		}
	} else {
		// No coordinates: cloud-only daylight approximation with a flat
		// mid-day factor.
		rawIntensity = (1 - in.CloudOctas/8) * 0.5
	}

	solarEffect := coeffs.Solar * rawIntensity * CloudTransmission(in.CloudOctas)

	return types.EffectiveTemperature{
		Value:          in.Temperature - windEffect - humidityEffect + solarEffect,
		WindEffect:     windEffect,
		HumidityEffect: humidityEffect,
		SolarEffect:    solarEffect,
		SunElevation:   sunElev,
	}
}

// CoefficientsFor selects learned coefficients when the ML2 confidence is
// high enough, defaults otherwise. The wind coefficient is held at the
// learned value only when it is set; modern envelopes keep 0.15.
func CoefficientsFor(solarML2, windML2, confidence float64) Coefficients {
	coeffs := DefaultCoefficients()
	if confidence >= MinSolarConfidence && solarML2 > 0 {
		coeffs.Solar = solarML2
		if windML2 > 0 {
			coeffs.Wind = windML2
		}
	}
	return coeffs
}
