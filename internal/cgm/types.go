// Package cgm holds the records shared by the calibration, quality,
// reconciliation and supervision code.
package cgm

import (
	"time"
)

// Glucose bounds accepted from the device or the remote diary (mg/dL).
const (
	MinValidGlucose = 20
	MaxValidGlucose = 800
)

// HistoryWindow is how much reading history is kept locally.
const HistoryWindow = 24 * time.Hour

// NoiseClass summarizes signal reliability for downstream consumers.
type NoiseClass int

const (
	NoiseUnknown NoiseClass = iota
	NoiseClean
	NoiseLight
	NoiseMedium
	NoiseHeavy
)

func (c NoiseClass) String() string {
	switch c {
	case NoiseClean:
		return "clean"
	case NoiseLight:
		return "light"
	case NoiseMedium:
		return "medium"
	case NoiseHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Reading is one decoded transmitter event.
type Reading struct {
	ReadTime         time.Time  `json:"readTime"`
	Filtered         float64    `json:"filtered"`
	Unfiltered       float64    `json:"unfiltered"`
	Glucose          *int       `json:"glucose,omitempty"`
	Trend            float64    `json:"trend"`
	Noise            float64    `json:"noise"`
	NoiseClass       NoiseClass `json:"noiseClass"`
	DeviceState      string     `json:"deviceState,omitempty"`
	DeviceCalibrated bool       `json:"deviceCalibrated"`
	RSSI             int        `json:"rssi,omitempty"`
}

// HasValidGlucose reports whether the reading carries a glucose value the
// remote diary will accept.
func (r Reading) HasValidGlucose() bool {
	return r.Glucose != nil && ValidGlucose(*r.Glucose)
}

// GlucoseValue returns the glucose or 0 when absent.
func (r Reading) GlucoseValue() int {
	if r.Glucose == nil {
		return 0
	}
	return *r.Glucose
}

// ValidGlucose checks the [20, 800] plausibility window.
func ValidGlucose(g int) bool {
	return g >= MinValidGlucose && g <= MaxValidGlucose
}

// IntPtr is a helper for optional glucose values.
func IntPtr(v int) *int { return &v }

// FloatPtr is a helper for optional signal values.
func FloatPtr(v float64) *float64 { return &v }

// Algorithm names the method that produced a calibration curve.
type Algorithm string

const (
	AlgorithmLSR              Algorithm = "LeastSquaresRegression"
	AlgorithmSinglePoint      Algorithm = "SinglePoint"
	AlgorithmNightscoutSynced Algorithm = "NightscoutSynced"
)

// CalibrationCurve maps raw unfiltered signal onto glucose. Curves are never
// mutated; a new curve replaces the stored one.
type CalibrationCurve struct {
	CreatedAt time.Time `json:"createdAt"`
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	Scale     float64   `json:"scale"`
	Algorithm Algorithm `json:"algorithm"`
}

// DeviceCalibrationEvent is a finger-stick value the transmitter reported
// having been calibrated with.
type DeviceCalibrationEvent struct {
	CreatedAt         time.Time `json:"createdAt"`
	ReportedGlucose   int       `json:"reportedGlucose"`
	MatchedUnfiltered *float64  `json:"matchedUnfiltered,omitempty"`
}

// Origin tells where a BG check was first recorded.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// BGCheck is a finger-stick reference measurement.
type BGCheck struct {
	Time       time.Time `json:"time"`
	Glucose    int       `json:"glucose"`
	Unfiltered *float64  `json:"unfiltered,omitempty"`
	Filtered   *float64  `json:"filtered,omitempty"`
	Origin     Origin    `json:"origin"`
}

// CommandKind is a transmitter command queued for the session process.
type CommandKind string

const (
	CommandStartSensor          CommandKind = "StartSensor"
	CommandStopSensor           CommandKind = "StopSensor"
	CommandBackdatedStartSensor CommandKind = "BackdatedStartSensor"
	CommandResetTransmitter     CommandKind = "ResetTransmitter"
	CommandCalibrateSensor      CommandKind = "CalibrateSensor"
)

// PendingCommand waits in the outbound queue until the session process
// acknowledges it.
type PendingCommand struct {
	ID       string      `json:"id"`
	IssuedAt time.Time   `json:"issuedAt"`
	Kind     CommandKind `json:"kind"`
	Glucose  int         `json:"glucose,omitempty"`
}

// SensorInsert marks the most recent sensor session start seen remotely.
type SensorInsert struct {
	Time time.Time `json:"time"`
}

// BatteryStatus is the last transmitter battery report.
type BatteryStatus struct {
	Time        time.Time `json:"time"`
	VoltageA    float64   `json:"voltageA"`
	VoltageB    float64   `json:"voltageB"`
	Resistance  float64   `json:"resistance"`
	Runtime     int       `json:"runtime"`
	Temperature float64   `json:"temperature"`
}
