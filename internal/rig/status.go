package rig

import (
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/metrics"
	"github.com/pv/cgmrig/internal/scheduler"
)

// Status is the rig state reported to the UI.
type Status struct {
	TransmitterID string                `json:"transmitterId"`
	Session       SessionStatus         `json:"session"`
	Latest        *cgm.Reading          `json:"latest,omitempty"`
	LastGlucose   *cgm.Reading          `json:"lastGlucose,omitempty"`
	Calibration   *cgm.CalibrationCurve `json:"calibration,omitempty"`
	Battery       *cgm.BatteryStatus    `json:"battery,omitempty"`
	Pending       int                   `json:"pending"`
	Sync          *scheduler.Status     `json:"sync,omitempty"`
	Host          metrics.HostSnapshot  `json:"host"`
	Clients       int                   `json:"clients"`
	StartedAt     time.Time             `json:"startedAt"`
	LastError     string                `json:"lastError,omitempty"`
}

// SessionStatus describes the supervised session process.
type SessionStatus struct {
	State    string    `json:"state"`
	Started  time.Time `json:"started,omitempty"`
	Restarts int       `json:"restarts"`
}
