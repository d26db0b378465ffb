package nightscout

import (
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/quality"
)

// Entry types used in /entries
const (
	EntrySGV = "sgv"
	EntryCal = "cal"
)

// Treatment event types
const (
	EventBGCheck        = "BG Check"
	sensorInsertPattern = "^Sensor (Change|Start)$"
)

const deviceName = "cgmrig"

// Entry is an /api/v1/entries record. Only the fields used for reconciliation
// are mapped.
type Entry struct {
	ID         string  `json:"_id,omitempty"`
	Type       string  `json:"type"`
	Date       int64   `json:"date"`
	DateString string  `json:"dateString,omitempty"`
	Device     string  `json:"device,omitempty"`
	SGV        int     `json:"sgv,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Noise      int     `json:"noise,omitempty"`
	Filtered   float64 `json:"filtered,omitempty"`
	Unfiltered float64 `json:"unfiltered,omitempty"`
	RSSI       int     `json:"rssi,omitempty"`
	Slope      float64 `json:"slope,omitempty"`
	Intercept  float64 `json:"intercept,omitempty"`
	Scale      float64 `json:"scale,omitempty"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Date).UTC()
}

// Treatment is an /api/v1/treatments record.
type Treatment struct {
	ID          string   `json:"_id,omitempty"`
	EventType   string   `json:"eventType"`
	CreatedAt   string   `json:"created_at"`
	Glucose     float64  `json:"glucose,omitempty"`
	GlucoseType string   `json:"glucoseType,omitempty"`
	Units       string   `json:"units,omitempty"`
	EnteredBy   string   `json:"enteredBy,omitempty"`
	Unfiltered  *float64 `json:"unfiltered,omitempty"`
	Filtered    *float64 `json:"filtered,omitempty"`
}

// Time parses created_at; the zero time is returned when it is malformed.
func (t Treatment) Time() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func entryFromReading(r cgm.Reading) Entry {
	return Entry{
		Type:       EntrySGV,
		Date:       r.ReadTime.UnixMilli(),
		DateString: r.ReadTime.UTC().Format(time.RFC3339),
		Device:     deviceName,
		SGV:        r.GlucoseValue(),
		Direction:  quality.Direction(r.Trend),
		Noise:      int(r.NoiseClass),
		Filtered:   r.Filtered,
		Unfiltered: r.Unfiltered,
		RSSI:       r.RSSI,
	}
}

func readingFromEntry(e Entry) cgm.Reading {
	r := cgm.Reading{
		ReadTime:   e.Time(),
		Filtered:   e.Filtered,
		Unfiltered: e.Unfiltered,
		Trend:      quality.TrendFromDirection(e.Direction),
		NoiseClass: cgm.NoiseClass(e.Noise),
		RSSI:       e.RSSI,
	}
	if e.SGV > 0 {
		r.Glucose = cgm.IntPtr(e.SGV)
	}
	if r.NoiseClass < cgm.NoiseUnknown || r.NoiseClass > cgm.NoiseHeavy {
		r.NoiseClass = cgm.NoiseUnknown
	}
	return r
}

func entryFromCurve(c cgm.CalibrationCurve) Entry {
	return Entry{
		Type:       EntryCal,
		Date:       c.CreatedAt.UnixMilli(),
		DateString: c.CreatedAt.UTC().Format(time.RFC3339),
		Device:     deviceName,
		Slope:      c.Slope,
		Intercept:  c.Intercept,
		Scale:      c.Scale,
	}
}

func curveFromEntry(e Entry) cgm.CalibrationCurve {
	scale := e.Scale
	if scale == 0 {
		scale = 1
	}
	return cgm.CalibrationCurve{
		CreatedAt: e.Time(),
		Slope:     e.Slope,
		Intercept: e.Intercept,
		Scale:     scale,
		Algorithm: cgm.AlgorithmNightscoutSynced,
	}
}

func treatmentFromCheck(c cgm.BGCheck) Treatment {
	return Treatment{
		EventType:   EventBGCheck,
		CreatedAt:   c.Time.UTC().Format(time.RFC3339Nano),
		Glucose:     float64(c.Glucose),
		GlucoseType: "Finger",
		Units:       "mg/dl",
		EnteredBy:   deviceName,
		Unfiltered:  c.Unfiltered,
		Filtered:    c.Filtered,
	}
}

func checkFromTreatment(t Treatment) cgm.BGCheck {
	return cgm.BGCheck{
		Time:       t.Time(),
		Glucose:    int(t.Glucose + 0.5),
		Unfiltered: t.Unfiltered,
		Filtered:   t.Filtered,
		Origin:     cgm.OriginRemote,
	}
}
