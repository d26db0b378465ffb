package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/rig"
	"github.com/pv/cgmrig/internal/worker"
)

// Rig is the daemon surface the handlers drive.
type Rig interface {
	Status(ctx context.Context) rig.Status
	History(ctx context.Context) ([]cgm.Reading, error)
	Calibration(ctx context.Context) (*cgm.CalibrationCurve, error)
	BGChecks(ctx context.Context) ([]cgm.BGCheck, error)
	Pending(ctx context.Context) ([]cgm.PendingCommand, error)

	StartSensor(ctx context.Context) (cgm.PendingCommand, error)
	StopSensor(ctx context.Context) (cgm.PendingCommand, error)
	BackdatedStartSensor(ctx context.Context) (cgm.PendingCommand, error)
	ResetTransmitter(ctx context.Context) (cgm.PendingCommand, error)
	Calibrate(ctx context.Context, glucose int) (cgm.PendingCommand, error)
	SetTransmitterID(ctx context.Context, id string) error
	TriggerSync() bool
}

type Handlers struct {
	rig     Rig
	control *Control
	logger  *slog.Logger
}

func NewHandlers(r Rig, control *Control, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		rig:     r,
		control: control,
		logger:  logger.With("component", "api"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handlers) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// commandError maps rejected input to 400 and the rest to 500.
func (h *Handlers) commandError(w http.ResponseWriter, err error) {
	if errors.Is(err, worker.ErrInvalidCommand) || errors.Is(err, worker.ErrNoTransmitter) {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("command failed", "error", err)
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

// GetStatus returns the rig state
// GET /api/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.rig.Status(r.Context()))
}

// GetControl tells the UI whether commands need a token
// GET /api/control
func (h *Handlers) GetControl(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.control.GetStatus(r))
}

// historyFilter reads from/to (RFC3339) and count from the query.
func historyFilter(r *http.Request, readings []cgm.Reading) []cgm.Reading {
	q := r.URL.Query()

	var from, to time.Time
	if s := q.Get("from"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			from = t
		}
	}
	if s := q.Get("to"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			to = t
		}
	}

	out := make([]cgm.Reading, 0, len(readings))
	for _, rd := range readings {
		if !from.IsZero() && rd.ReadTime.Before(from) {
			continue
		}
		if !to.IsZero() && rd.ReadTime.After(to) {
			continue
		}
		out = append(out, rd)
	}

	if s := q.Get("count"); s != "" {
		if c, err := strconv.Atoi(s); err == nil && c > 0 && c < len(out) {
			out = out[len(out)-c:]
		}
	}
	return out
}

// GetGlucose returns reading history, oldest first
// GET /api/glucose?count=12&from=...&to=...
func (h *Handlers) GetGlucose(w http.ResponseWriter, r *http.Request) {
	history, err := h.rig.History(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, historyFilter(r, history))
}

// GetGlucoseCSV exports reading history
// GET /api/glucose.csv
func (h *Handlers) GetGlucoseCSV(w http.ResponseWriter, r *http.Request) {
	history, err := h.rig.History(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="glucose.csv"`)
	if err := ExportCSV(w, historyFilter(r, history)); err != nil {
		h.logger.Warn("csv export failed", "error", err)
	}
}

// GetCalibration returns the current curve
// GET /api/calibration
func (h *Handlers) GetCalibration(w http.ResponseWriter, r *http.Request) {
	curve, err := h.rig.Calibration(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if curve == nil {
		h.writeError(w, http.StatusNotFound, "no calibration")
		return
	}
	h.writeJSON(w, curve)
}

// GetBGChecks returns the stored finger-stick checks
// GET /api/bgchecks
func (h *Handlers) GetBGChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.rig.BGChecks(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if checks == nil {
		checks = []cgm.BGCheck{}
	}
	h.writeJSON(w, checks)
}

// GetPending returns the command queue
// GET /api/pending
func (h *Handlers) GetPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.rig.Pending(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []cgm.PendingCommand{}
	}
	h.writeJSON(w, pending)
}

// Command wraps a queueing operation as a handler answering 202 with the
// queued command.
func (h *Handlers) Command(run func(ctx context.Context) (cgm.PendingCommand, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := run(r.Context())
		if err != nil {
			h.commandError(w, err)
			return
		}
		h.writeJSONStatus(w, http.StatusAccepted, cmd)
	}
}

// Calibrate queues a calibration
// POST /api/calibrate {"glucose": 120}
func (h *Handlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Glucose int `json:"glucose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := h.rig.Calibrate(r.Context(), req.Glucose)
	if err != nil {
		h.commandError(w, err)
		return
	}
	h.writeJSONStatus(w, http.StatusAccepted, cmd)
}

// SetTransmitter switches the transmitter id
// PUT /api/transmitter {"id": "8G1234"}
func (h *Handlers) SetTransmitter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.rig.SetTransmitterID(r.Context(), req.ID); err != nil {
		h.commandError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "ok", "id": req.ID})
}

// TriggerSync starts a sync cycle ahead of schedule
// POST /api/sync
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.rig.TriggerSync() {
		h.writeError(w, http.StatusServiceUnavailable, "remote sync disabled")
		return
	}
	h.writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// requireControl rejects requests without a valid control token.
func (h *Handlers) requireControl(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.control.Authorize(r); err != nil {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}
