// Package api serves the rig's HTTP surface: status and history for the UI,
// the transmitter command endpoints, the live websocket and metrics.
package api

import (
	"net/http"
)

// NewServer registers the routes. ws and metrics may be nil.
func NewServer(h *Handlers, ws, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/control", h.GetControl)
	mux.HandleFunc("GET /api/glucose", h.GetGlucose)
	mux.HandleFunc("GET /api/glucose.csv", h.GetGlucoseCSV)
	mux.HandleFunc("GET /api/calibration", h.GetCalibration)
	mux.HandleFunc("GET /api/bgchecks", h.GetBGChecks)
	mux.HandleFunc("GET /api/pending", h.GetPending)

	mux.HandleFunc("POST /api/sensor/start", h.requireControl(h.Command(h.rig.StartSensor)))
	mux.HandleFunc("POST /api/sensor/stop", h.requireControl(h.Command(h.rig.StopSensor)))
	mux.HandleFunc("POST /api/sensor/backdated-start", h.requireControl(h.Command(h.rig.BackdatedStartSensor)))
	mux.HandleFunc("POST /api/transmitter/reset", h.requireControl(h.Command(h.rig.ResetTransmitter)))
	mux.HandleFunc("POST /api/calibrate", h.requireControl(h.Calibrate))
	mux.HandleFunc("PUT /api/transmitter", h.requireControl(h.SetTransmitter))
	mux.HandleFunc("POST /api/sync", h.requireControl(h.TriggerSync))

	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}
