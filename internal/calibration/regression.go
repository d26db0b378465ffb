package calibration

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pv/cgmrig/internal/cgm"
)

// ErrDegenerateRegression is returned when the pairs carry no usable spread
// (zero glucose variance or a zero correlation denominator).
var ErrDegenerateRegression = errors.New("degenerate regression")

// Pair is one (glucose, raw signal) observation used to fit a curve.
type Pair struct {
	Time       time.Time
	Glucose    float64
	Unfiltered float64
	Filtered   float64
}

// Fit is a slope/intercept solution with glucose as X and signal as Y.
type Fit struct {
	Slope     float64
	Intercept float64
}

// LeastSquares runs the recency-weighted regression over pairs sorted
// ascending by time. Later pairs weigh up to twice as much as the first.
func LeastSquares(pairs []Pair) (Fit, error) {
	n := len(pairs)
	if n < 2 {
		return Fit{}, ErrDegenerateRegression
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	var sumX, sumY float64
	for i, p := range pairs {
		xs[i] = p.Glucose
		ys[i] = p.Unfiltered
		sumX += p.Glucose
		sumY += p.Unfiltered
	}

	meanX := stat.Mean(xs, nil)
	meanY := stat.Mean(ys, nil)
	stddevX := stat.StdDev(xs, nil)
	stddevY := stat.StdDev(ys, nil)

	offsets := make([]float64, n)
	for i, p := range pairs {
		offsets[i] = p.Time.Sub(pairs[0].Time).Seconds()
	}

	var sumXY, sumXSq, sumYSq float64
	multiplier := 1.0
	for i := 0; i < n; i++ {
		if i != 0 {
			multiplier = recencyWeight(offsets[i-1], offsets[n-1])
		}
		sumXY = (sumXY + xs[i]*ys[i]) * multiplier
		sumXSq = (sumXSq + xs[i]*xs[i]) * multiplier
		sumYSq = (sumYSq + ys[i]*ys[i]) * multiplier
	}

	nf := float64(n)
	denominator := math.Sqrt((nf*sumXSq - sumX*sumX) * (nf*sumYSq - sumY*sumY))
	if denominator == 0 || math.IsNaN(denominator) || stddevX == 0 || math.IsNaN(stddevX) {
		return Fit{}, ErrDegenerateRegression
	}

	r := (nf*sumXY - sumX*sumY) / denominator
	slope := r * stddevY / stddevX
	return Fit{
		Slope:     slope,
		Intercept: meanY - slope*meanX,
	}, nil
}

// recencyWeight is 1 + offset/(2*span), kept inside [1, 2].
func recencyWeight(offset, span float64) float64 {
	if span <= 0 {
		return 1
	}
	w := 1 + offset/(span*2)
	return math.Min(2, math.Max(1, w))
}

// SinglePoint fits a line through the origin and the most recent pair.
func SinglePoint(pairs []Pair) Fit {
	last := pairs[len(pairs)-1]
	return Fit{
		Slope:     last.Unfiltered / last.Glucose,
		Intercept: 0,
	}
}

// PlausibleSlope reports whether a fitted slope is physiologically sensible.
// The bounds are expressed per thousand raw counts.
func PlausibleSlope(slope float64) bool {
	s := slope / SlopeUnit
	return s >= MinSlope && s <= MaxSlope
}

// CalcGlucose inverts the curve for a reading. Results below 40 are pinned
// to 39 so that a very low signal never reads as an urgent low value.
func CalcGlucose(r cgm.Reading, curve cgm.CalibrationCurve) int {
	g := int(math.Round((r.Unfiltered - curve.Intercept) / curve.Slope))
	if g < 40 {
		return 39
	}
	return g
}

// curveError is how far the curve's estimate is from the device glucose.
func curveError(r cgm.Reading, curve cgm.CalibrationCurve) float64 {
	return (r.Unfiltered-curve.Intercept)/curve.Slope - float64(r.GlucoseValue())
}
