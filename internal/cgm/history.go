package cgm

import (
	"sort"
	"time"
)

// SortReadings orders readings ascending by ReadTime in place.
func SortReadings(readings []Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].ReadTime.Before(readings[j].ReadTime)
	})
}

// InsertReading adds r keeping the slice ascending.
func InsertReading(history []Reading, r Reading) []Reading {
	i := sort.Search(len(history), func(i int) bool {
		return history[i].ReadTime.After(r.ReadTime)
	})
	history = append(history, Reading{})
	copy(history[i+1:], history[i:])
	history[i] = r
	return history
}

// PruneHistory drops readings older than the local history window.
func PruneHistory(history []Reading, now time.Time) []Reading {
	cutoff := now.Add(-HistoryWindow)
	i := sort.Search(len(history), func(i int) bool {
		return history[i].ReadTime.After(cutoff)
	})
	return history[i:]
}

// LatestWithGlucose returns the newest reading that carries a glucose value.
func LatestWithGlucose(history []Reading) (Reading, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Glucose != nil {
			return history[i], true
		}
	}
	return Reading{}, false
}

// NearestLater returns the first reading at or after t, provided it is no
// more than within away.
func NearestLater(history []Reading, t time.Time, within time.Duration) (Reading, bool) {
	i := sort.Search(len(history), func(i int) bool {
		return !history[i].ReadTime.Before(t)
	})
	if i == len(history) {
		return Reading{}, false
	}
	if history[i].ReadTime.Sub(t) > within {
		return Reading{}, false
	}
	return history[i], true
}

// Nearest returns the reading closest to t on either side, within the
// given distance.
func Nearest(history []Reading, t time.Time, within time.Duration) (Reading, bool) {
	var (
		best  Reading
		found bool
		dist  time.Duration
	)
	for _, r := range history {
		d := absDuration(r.ReadTime.Sub(t))
		if d > within {
			continue
		}
		if !found || d < dist {
			best, dist, found = r, d, true
		}
	}
	return best, found
}

// SortBGChecks orders checks ascending by Time in place.
func SortBGChecks(checks []BGCheck) {
	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].Time.Before(checks[j].Time)
	})
}

// BGChecksAfter keeps checks strictly newer than t.
func BGChecksAfter(checks []BGCheck, t time.Time) []BGCheck {
	out := make([]BGCheck, 0, len(checks))
	for _, c := range checks {
		if c.Time.After(t) {
			out = append(out, c)
		}
	}
	return out
}

// LatestDeviceCalibration returns the newest device calibration time, or
// the zero time when none was reported.
func LatestDeviceCalibration(events []DeviceCalibrationEvent) time.Time {
	var latest time.Time
	for _, e := range events {
		if e.CreatedAt.After(latest) {
			latest = e.CreatedAt
		}
	}
	return latest
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
