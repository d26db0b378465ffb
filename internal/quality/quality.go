// Package quality derives noise and trend figures from a window of readings.
package quality

import (
	"math"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
)

const (
	noiseWindow    = 8
	minNoisePoints = 4

	// time in seconds and glucose in mg/dL are scaled onto comparable axes
	timeScale    = 30.0
	glucoseScale = 1000.0

	// extra weight for a delta that reverses direction
	peakWeight   = 1.1
	valleyWeight = 1.2
)

// TrendWindow is how far back the trend looks from the newest reading.
const TrendWindow = 16 * time.Minute

// Thresholds used when no override applies
const (
	cleanBelow  = 0.35
	lightBelow  = 0.5
	mediumBelow = 0.7
)

// withGlucose keeps readings that carry a glucose value.
func withGlucose(window []cgm.Reading) []cgm.Reading {
	out := make([]cgm.Reading, 0, len(window))
	for _, r := range window {
		if r.Glucose != nil {
			out = append(out, r)
		}
	}
	return out
}

// CalcNoise scores how jagged the recent glucose path is: 0 for a smooth
// monotonic path, approaching 1 as it zig-zags. Fewer than 4 readings score 0.
func CalcNoise(window []cgm.Reading) float64 {
	points := withGlucose(window)
	if len(points) > noiseWindow {
		points = points[len(points)-noiseWindow:]
	}
	n := len(points)
	if n < minNoisePoints {
		return 0
	}

	first, last := points[0], points[n-1]
	span := seconds(last.ReadTime, first.ReadTime) * timeScale
	firstSGV := float64(*first.Glucose) * glucoseScale
	lastSGV := float64(*last.Glucose) * glucoseScale

	var sod, lastDelta float64
	for i := 1; i < n; i++ {
		dy := float64(*points[i].Glucose-*points[i-1].Glucose) * glucoseScale * (1 + float64(i)/float64(n*3))
		dx := (seconds(points[i].ReadTime, first.ReadTime) - seconds(points[i-1].ReadTime, first.ReadTime)) * timeScale

		switch {
		case lastDelta > 0 && dy < 0:
			dy *= peakWeight
		case lastDelta < 0 && dy > 0:
			dy *= valleyWeight
		}
		lastDelta = dy

		sod += math.Hypot(dx, dy)
	}

	if sod == 0 {
		return 0
	}
	overall := math.Hypot(lastSGV-firstSGV, span)
	return 1 - overall/sod
}

func seconds(t, origin time.Time) float64 {
	return t.Sub(origin).Seconds()
}

// CalcTrend is the glucose change per 10 minutes across the readings in the
// last TrendWindow.
func CalcTrend(window []cgm.Reading) float64 {
	points := withGlucose(window)
	if len(points) < 2 {
		return 0
	}

	newest := points[len(points)-1]
	cutoff := newest.ReadTime.Add(-TrendWindow)
	start := len(points) - 1
	for start > 0 && !points[start-1].ReadTime.Before(cutoff) {
		start--
	}
	points = points[start:]
	if len(points) < 2 {
		return 0
	}

	oldest := points[0]
	minutes := newest.ReadTime.Sub(oldest.ReadTime).Minutes()
	if minutes <= 0 {
		return 0
	}
	return 10 * float64(*newest.Glucose-*oldest.Glucose) / minutes
}

// ClassifyNoise buckets the noise score. Very high readings and large jumps
// are heavy and very low readings are light regardless of the score.
func ClassifyNoise(noise float64, window []cgm.Reading) cgm.NoiseClass {
	if len(window) == 0 || window[len(window)-1].Glucose == nil {
		return cgm.NoiseUnknown
	}
	points := withGlucose(window)

	current := *points[len(points)-1].Glucose
	if current > 400 {
		return cgm.NoiseHeavy
	}
	if len(points) > 1 {
		previous := *points[len(points)-2].Glucose
		if abs(current-previous) > 30 {
			return cgm.NoiseHeavy
		}
	}
	if current < 40 {
		return cgm.NoiseLight
	}

	switch {
	case noise < cleanBelow:
		return cgm.NoiseClean
	case noise < lightBelow:
		return cgm.NoiseLight
	case noise < mediumBelow:
		return cgm.NoiseMedium
	default:
		return cgm.NoiseHeavy
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Direction names a trend the way the remote diary expects.
func Direction(trend float64) string {
	switch {
	case trend > 30:
		return "DoubleUp"
	case trend > 20:
		return "SingleUp"
	case trend > 10:
		return "FortyFiveUp"
	case trend > -10:
		return "Flat"
	case trend > -20:
		return "FortyFiveDown"
	case trend > -30:
		return "SingleDown"
	default:
		return "DoubleDown"
	}
}

// TrendFromDirection is the inverse of Direction, used when importing remote
// readings. Unknown names map to 0.
func TrendFromDirection(direction string) float64 {
	switch direction {
	case "DoubleUp":
		return 35
	case "SingleUp":
		return 25
	case "FortyFiveUp":
		return 15
	case "FortyFiveDown":
		return -15
	case "SingleDown":
		return -25
	case "DoubleDown":
		return -35
	default:
		return 0
	}
}
