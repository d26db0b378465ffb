package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pv/cgmrig/internal/calibration"
	"github.com/pv/cgmrig/internal/cgm"
)

var t0 = time.Date(2026, 7, 4, 6, 0, 0, 0, time.UTC)

// referenceCurve is the curve used across the engine tests.
var referenceCurve = cgm.CalibrationCurve{Slope: 1060, Intercept: 30000, Scale: 1}

func series(glucose ...int) []cgm.Reading {
	out := make([]cgm.Reading, len(glucose))
	for i, g := range glucose {
		out[i] = cgm.Reading{
			ReadTime: t0.Add(time.Duration(i) * 5 * time.Minute),
			Glucose:  cgm.IntPtr(g),
		}
	}
	return out
}

func TestCalcNoise_SmoothDescent(t *testing.T) {
	targets := []int{150, 148, 145, 143, 140, 138, 135, 132}

	window := make([]cgm.Reading, len(targets))
	for i, g := range targets {
		r := cgm.Reading{
			ReadTime:   t0.Add(time.Duration(i) * 5 * time.Minute),
			Unfiltered: referenceCurve.Intercept + referenceCurve.Slope*float64(g),
		}
		r.Glucose = cgm.IntPtr(calibration.CalcGlucose(r, referenceCurve))
		window[i] = r
	}

	noise := CalcNoise(window)
	assert.Greater(t, noise, 0.016)
	assert.Less(t, noise, 0.017)
	assert.Equal(t, cgm.NoiseClean, ClassifyNoise(noise, window))
}

func TestCalcNoise_InsufficientData(t *testing.T) {
	assert.Equal(t, 0.0, CalcNoise(nil))
	assert.Equal(t, 0.0, CalcNoise(series(120, 118)))
	assert.Equal(t, 0.0, CalcNoise(series(120, 118, 116)))
}

func TestCalcNoise_FlatIsZero(t *testing.T) {
	assert.InDelta(t, 0.0, CalcNoise(series(120, 120, 120, 120, 120)), 1e-12)
}

func TestCalcNoise_UsesLastEight(t *testing.T) {
	jagged := series(100, 160, 90, 170, 150, 148, 145, 143, 140, 138, 135, 132)
	smooth := series(150, 148, 145, 143, 140, 138, 135, 132)

	// Only the last eight readings count, and their spacing is identical.
	assert.InDelta(t, CalcNoise(smooth), CalcNoise(jagged), 1e-12)
}

func TestCalcNoise_ZigZagIsNoisy(t *testing.T) {
	zigzag := series(120, 140, 115, 145, 110, 150, 105, 155)
	smooth := series(150, 148, 145, 143, 140, 138, 135, 132)

	assert.Greater(t, CalcNoise(zigzag), 0.5)
	assert.Greater(t, CalcNoise(zigzag), CalcNoise(smooth))
}

func TestCalcTrend(t *testing.T) {
	// 0, 5, 10, 15, 20 minutes: the first reading falls outside 16 minutes
	window := series(200, 100, 110, 120, 130)
	assert.InDelta(t, 20.0, CalcTrend(window), 1e-9)

	assert.Equal(t, 0.0, CalcTrend(series(120)))
	assert.Equal(t, 0.0, CalcTrend(nil))

	// the previous reading is 20 minutes old
	gap := []cgm.Reading{
		{ReadTime: t0, Glucose: cgm.IntPtr(100)},
		{ReadTime: t0.Add(20 * time.Minute), Glucose: cgm.IntPtr(140)},
	}
	assert.Equal(t, 0.0, CalcTrend(gap))
}

func TestClassifyNoise(t *testing.T) {
	tests := []struct {
		name   string
		noise  float64
		window []cgm.Reading
		want   cgm.NoiseClass
	}{
		{"no glucose", 0.1, nil, cgm.NoiseUnknown},
		{"current without glucose", 0.1, append(series(120, 122), cgm.Reading{ReadTime: t0.Add(time.Hour)}), cgm.NoiseUnknown},
		{"clean", 0.1, series(120, 122), cgm.NoiseClean},
		{"light", 0.4, series(120, 122), cgm.NoiseLight},
		{"medium", 0.6, series(120, 122), cgm.NoiseMedium},
		{"heavy score", 0.8, series(120, 122), cgm.NoiseHeavy},
		{"very high", 0.0, series(398, 401), cgm.NoiseHeavy},
		{"jump", 0.0, series(120, 151), cgm.NoiseHeavy},
		{"drop", 0.0, series(151, 120), cgm.NoiseHeavy},
		{"very low", 0.9, series(45, 39), cgm.NoiseLight},
		{"single reading", 0.1, series(120), cgm.NoiseClean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyNoise(tt.noise, tt.window))
		})
	}
}

func TestDirection(t *testing.T) {
	assert.Equal(t, "DoubleUp", Direction(31))
	assert.Equal(t, "SingleUp", Direction(25))
	assert.Equal(t, "FortyFiveUp", Direction(11))
	assert.Equal(t, "Flat", Direction(0))
	assert.Equal(t, "FortyFiveDown", Direction(-15))
	assert.Equal(t, "SingleDown", Direction(-25))
	assert.Equal(t, "DoubleDown", Direction(-40))

	for _, d := range []string{"DoubleUp", "SingleUp", "FortyFiveUp", "Flat", "FortyFiveDown", "SingleDown", "DoubleDown"} {
		assert.Equal(t, d, Direction(TrendFromDirection(d)))
	}
}
