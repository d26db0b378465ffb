// Package calibration derives the curve that maps raw sensor signal onto
// glucose, either from device-calibrated readings (live) or from finger-stick
// checks once the device's own calibration has lapsed (expired).
package calibration

import (
	"math"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
)

const (
	// Readings outside this window are not used as calibration anchors
	MinAnchorGlucose = 80
	MaxAnchorGlucose = 300

	// A prior curve is kept while it tracks the device within this many mg/dL
	MaxCurveError = 5.0

	// Current reading plus up to 9 history entries
	MaxLivePairs = 10

	// Live LSR needs at least this many pairs; fewer use a single point
	MinLiveLSRPairs = 4

	// Slope bounds, per SlopeUnit raw counts
	MinSlope  = 0.45
	MaxSlope  = 12.5
	SlopeUnit = 1000.0

	// Filtered and unfiltered signal further apart than this are artifacts
	MaxSignalSpread = 0.10
)

// DeviceCalibrationSettle is how long a device calibration takes to show up
// in its readings (up to two reads).
const DeviceCalibrationSettle = 12 * time.Minute

// BackfillWindow bounds the distance between a BG check and the reading its
// signal is borrowed from.
const BackfillWindow = 6 * time.Minute

// Options tune the expired-calibration path.
type Options struct {
	MinLSRPairs int `yaml:"min_lsr_pairs"`
	MaxLSRPairs int `yaml:"max_lsr_pairs"`
	// MaxLSRPairsAge is in days, relative to the newest pair
	MaxLSRPairsAge int `yaml:"max_lsr_pairs_age"`
}

// DefaultOptions returns the expired-path defaults.
func DefaultOptions() Options {
	return Options{
		MinLSRPairs:    2,
		MaxLSRPairs:    10,
		MaxLSRPairsAge: 6,
	}
}

// ComputeLiveCalibration refreshes the curve from device-calibrated
// readings. It returns nil when the current reading is not a usable anchor,
// when the prior curve still tracks the device, or when the fit is rejected.
func ComputeLiveCalibration(prior *cgm.CalibrationCurve, lastDeviceCalTime time.Time, history []cgm.Reading, current cgm.Reading) *cgm.CalibrationCurve {
	if current.Glucose == nil {
		return nil
	}
	g := *current.Glucose
	if g < MinAnchorGlucose || g > MaxAnchorGlucose {
		return nil
	}

	if prior != nil && math.Abs(curveError(current, *prior)) <= MaxCurveError {
		return nil
	}

	pairs := livePairs(lastDeviceCalTime, history, current)

	switch {
	case len(pairs) >= MinLiveLSRPairs:
		fit, err := LeastSquares(pairs)
		if err != nil || !PlausibleSlope(fit.Slope) {
			// wait for the next reading
			return nil
		}
		return newCurve(current.ReadTime, fit, cgm.AlgorithmLSR)
	case len(pairs) > 0:
		return newCurve(current.ReadTime, SinglePoint(pairs), cgm.AlgorithmSinglePoint)
	default:
		return nil
	}
}

// livePairs collects the current reading and the newest eligible history
// entries, oldest first.
func livePairs(lastDeviceCalTime time.Time, history []cgm.Reading, current cgm.Reading) []Pair {
	settled := lastDeviceCalTime.Add(DeviceCalibrationSettle)

	reversed := []Pair{readingPair(current)}
	for i := len(history) - 1; i >= 0 && len(reversed) < MaxLivePairs; i-- {
		r := history[i]
		if !r.DeviceCalibrated || r.Glucose == nil {
			continue
		}
		if *r.Glucose <= MinAnchorGlucose || *r.Glucose >= MaxAnchorGlucose {
			continue
		}
		if !r.ReadTime.After(settled) {
			continue
		}
		reversed = append(reversed, readingPair(r))
	}

	pairs := make([]Pair, len(reversed))
	for i, p := range reversed {
		pairs[len(reversed)-1-i] = p
	}
	return pairs
}

func readingPair(r cgm.Reading) Pair {
	return Pair{
		Time:       r.ReadTime,
		Glucose:    float64(r.GlucoseValue()),
		Unfiltered: r.Unfiltered,
		Filtered:   r.Filtered,
	}
}

// ComputeExpiredCalibration fits a curve to finger-stick checks. Checks
// without their own signal borrow it from the nearest reading. It returns
// nil when no check can be paired.
func ComputeExpiredCalibration(opts Options, checks []cgm.BGCheck, history []cgm.Reading) *cgm.CalibrationCurve {
	pairs := expiredPairs(checks, history)
	if len(pairs) == 0 {
		return nil
	}

	if opts.MaxLSRPairsAge > 0 {
		cutoff := pairs[len(pairs)-1].Time.Add(-time.Duration(opts.MaxLSRPairsAge) * 24 * time.Hour)
		kept := pairs[:0]
		for _, p := range pairs {
			if !p.Time.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		pairs = kept
	}

	if opts.MaxLSRPairs > 0 && len(pairs) > opts.MaxLSRPairs {
		pairs = pairs[len(pairs)-opts.MaxLSRPairs:]
	}

	createdAt := pairs[len(pairs)-1].Time
	minPairs := opts.MinLSRPairs
	if minPairs < 2 {
		minPairs = 2
	}

	if len(pairs) >= minPairs {
		fit, err := LeastSquares(pairs)
		if err == nil && PlausibleSlope(fit.Slope) {
			return newCurve(createdAt, fit, cgm.AlgorithmLSR)
		}
	}
	return newCurve(createdAt, SinglePoint(pairs), cgm.AlgorithmSinglePoint)
}

func expiredPairs(checks []cgm.BGCheck, history []cgm.Reading) []Pair {
	sorted := make([]cgm.BGCheck, len(checks))
	copy(sorted, checks)
	cgm.SortBGChecks(sorted)

	pairs := make([]Pair, 0, len(sorted))
	for _, c := range sorted {
		if !cgm.ValidGlucose(c.Glucose) {
			continue
		}

		unfiltered, filtered := c.Unfiltered, c.Filtered
		if unfiltered == nil || filtered == nil {
			if r, ok := cgm.Nearest(history, c.Time, BackfillWindow); ok {
				if unfiltered == nil {
					unfiltered = cgm.FloatPtr(r.Unfiltered)
				}
				if filtered == nil {
					filtered = cgm.FloatPtr(r.Filtered)
				}
			}
		}
		if unfiltered == nil || *unfiltered <= 0 {
			continue
		}
		if filtered != nil && signalArtifact(*filtered, *unfiltered) {
			continue
		}

		p := Pair{
			Time:       c.Time,
			Glucose:    float64(c.Glucose),
			Unfiltered: *unfiltered,
		}
		if filtered != nil {
			p.Filtered = *filtered
		}
		pairs = append(pairs, p)
	}
	return pairs
}

func signalArtifact(filtered, unfiltered float64) bool {
	return math.Abs(filtered-unfiltered) > MaxSignalSpread*unfiltered
}

func newCurve(createdAt time.Time, fit Fit, algorithm cgm.Algorithm) *cgm.CalibrationCurve {
	return &cgm.CalibrationCurve{
		CreatedAt: createdAt.Truncate(time.Millisecond),
		Slope:     fit.Slope,
		Intercept: fit.Intercept,
		Scale:     1,
		Algorithm: algorithm,
	}
}
