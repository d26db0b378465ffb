// Package reconcile keeps local history and the remote diary in step.
package reconcile

import (
	"time"
)

// Tolerance is how far apart two records may be and still be the same event.
const Tolerance = 60 * time.Second

// Missing returns the records of src that have no counterpart in dst within
// tolerance. Both slices must be ascending by time. The dst cursor only moves
// forward, so the walk is linear in len(src)+len(dst).
func Missing[T any](src, dst []T, at func(T) time.Time, tolerance time.Duration) []T {
	var missing []T
	j := 0
	for _, s := range src {
		ts := at(s)
		for j < len(dst) && at(dst[j]).Before(ts.Add(-tolerance)) {
			j++
		}
		if j < len(dst) && within(at(dst[j]), ts, tolerance) {
			continue
		}
		missing = append(missing, s)
	}
	return missing
}

func within(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
