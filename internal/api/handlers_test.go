package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/rig"
	"github.com/pv/cgmrig/internal/worker"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type fakeRig struct {
	mu       sync.Mutex
	history  []cgm.Reading
	curve    *cgm.CalibrationCurve
	pending  []cgm.PendingCommand
	id       string
	syncable bool
	err      error
}

func (f *fakeRig) Status(context.Context) rig.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rig.Status{TransmitterID: f.id, Pending: len(f.pending)}
}

func (f *fakeRig) History(context.Context) ([]cgm.Reading, error) { return f.history, nil }

func (f *fakeRig) Calibration(context.Context) (*cgm.CalibrationCurve, error) { return f.curve, nil }

func (f *fakeRig) BGChecks(context.Context) ([]cgm.BGCheck, error) { return nil, nil }

func (f *fakeRig) Pending(context.Context) ([]cgm.PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeRig) queue(kind cgm.CommandKind, glucose int) (cgm.PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return cgm.PendingCommand{}, f.err
	}
	cmd := cgm.PendingCommand{ID: fmt.Sprintf("cmd-%d", len(f.pending)+1), IssuedAt: t0, Kind: kind, Glucose: glucose}
	f.pending = append(f.pending, cmd)
	return cmd, nil
}

func (f *fakeRig) StartSensor(context.Context) (cgm.PendingCommand, error) {
	return f.queue(cgm.CommandStartSensor, 0)
}

func (f *fakeRig) StopSensor(context.Context) (cgm.PendingCommand, error) {
	return f.queue(cgm.CommandStopSensor, 0)
}

func (f *fakeRig) BackdatedStartSensor(context.Context) (cgm.PendingCommand, error) {
	return f.queue(cgm.CommandBackdatedStartSensor, 0)
}

func (f *fakeRig) ResetTransmitter(context.Context) (cgm.PendingCommand, error) {
	return f.queue(cgm.CommandResetTransmitter, 0)
}

func (f *fakeRig) Calibrate(_ context.Context, glucose int) (cgm.PendingCommand, error) {
	if !cgm.ValidGlucose(glucose) {
		return cgm.PendingCommand{}, fmt.Errorf("%w: glucose %d", worker.ErrInvalidCommand, glucose)
	}
	return f.queue(cgm.CommandCalibrateSensor, glucose)
}

func (f *fakeRig) SetTransmitterID(_ context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return worker.ErrNoTransmitter
	}
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
	return nil
}

func (f *fakeRig) TriggerSync() bool { return f.syncable }

func sampleHistory() []cgm.Reading {
	var out []cgm.Reading
	for i, g := range []int{100, 104, 109, 115} {
		out = append(out, cgm.Reading{
			ReadTime:   t0.Add(time.Duration(i) * 5 * time.Minute),
			Glucose:    cgm.IntPtr(g),
			Unfiltered: float64(g) * 1000,
			Filtered:   float64(g) * 1000,
			Trend:      12,
			NoiseClass: cgm.NoiseClean,
		})
	}
	return out
}

func setup(f *fakeRig, tokens ...string) http.Handler {
	h := NewHandlers(f, NewControl(tokens), nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "cgmrig_up 1")
	})
	return NewServer(h, nil, metrics)
}

func do(t *testing.T, srv http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	srv := setup(&fakeRig{id: "8G1234"})

	rec := do(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st rig.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "8G1234", st.TransmitterID)
}

func TestGetGlucose(t *testing.T) {
	srv := setup(&fakeRig{history: sampleHistory()})

	tests := []struct {
		name  string
		query string
		want  []int
	}{
		{"all", "", []int{100, 104, 109, 115}},
		{"count", "?count=2", []int{109, 115}},
		{"count larger than history", "?count=50", []int{100, 104, 109, 115}},
		{"bad count ignored", "?count=abc", []int{100, 104, 109, 115}},
		{"from", "?from=" + t0.Add(10*time.Minute).Format(time.RFC3339), []int{109, 115}},
		{"range", "?from=" + t0.Add(5*time.Minute).Format(time.RFC3339) + "&to=" + t0.Add(10*time.Minute).Format(time.RFC3339), []int{104, 109}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/api/glucose"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var readings []cgm.Reading
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&readings))
			var got []int
			for _, r := range readings {
				got = append(got, r.GlucoseValue())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetGlucoseCSV(t *testing.T) {
	srv := setup(&fakeRig{history: sampleHistory()})

	rec := do(t, srv, http.MethodGet, "/api/glucose.csv?count=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,glucose,unfiltered,filtered,trend,direction,noise,noise_class,device_calibrated", lines[0])
	assert.Equal(t, "2026-04-02T09:15:00Z,115,115000,115000,12.00,FortyFiveUp,0.000,clean,false", lines[1])
}

func TestExportCSVWithoutGlucose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, []cgm.Reading{{ReadTime: t0, Unfiltered: 90000, Filtered: 91000}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-04-02T09:00:00Z,,90000,91000,0.00,,0.000,unknown,false", lines[1])
}

func TestGetCalibration(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f)

	rec := do(t, srv, http.MethodGet, "/api/calibration", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.curve = &cgm.CalibrationCurve{CreatedAt: t0, Slope: 900, Intercept: 25000, Scale: 1, Algorithm: cgm.AlgorithmLSR}
	rec = do(t, srv, http.MethodGet, "/api/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var curve cgm.CalibrationCurve
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&curve))
	assert.Equal(t, 900.0, curve.Slope)
}

func TestGetPendingEmpty(t *testing.T) {
	srv := setup(&fakeRig{})

	rec := do(t, srv, http.MethodGet, "/api/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/bgchecks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCommands(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f)

	for _, tc := range []struct {
		path string
		kind cgm.CommandKind
	}{
		{"/api/sensor/start", cgm.CommandStartSensor},
		{"/api/sensor/stop", cgm.CommandStopSensor},
		{"/api/sensor/backdated-start", cgm.CommandBackdatedStartSensor},
		{"/api/transmitter/reset", cgm.CommandResetTransmitter},
	} {
		rec := do(t, srv, http.MethodPost, tc.path, "")
		require.Equal(t, http.StatusAccepted, rec.Code, tc.path)
		var cmd cgm.PendingCommand
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&cmd))
		assert.Equal(t, tc.kind, cmd.Kind)
	}

	rec := do(t, srv, http.MethodGet, "/api/pending", "")
	var pending []cgm.PendingCommand
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	assert.Len(t, pending, 4)
}

func TestCommandWrongMethod(t *testing.T) {
	srv := setup(&fakeRig{})
	rec := do(t, srv, http.MethodGet, "/api/sensor/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCommandStoreFailure(t *testing.T) {
	srv := setup(&fakeRig{err: fmt.Errorf("disk full")})
	rec := do(t, srv, http.MethodPost, "/api/sensor/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk full")
}

func TestCalibrate(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f)

	rec := do(t, srv, http.MethodPost, "/api/calibrate", `{"glucose": 120}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var cmd cgm.PendingCommand
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cmd))
	assert.Equal(t, cgm.CommandCalibrateSensor, cmd.Kind)
	assert.Equal(t, 120, cmd.Glucose)

	rec = do(t, srv, http.MethodPost, "/api/calibrate", `{"glucose": 900}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/calibrate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTransmitter(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f)

	rec := do(t, srv, http.MethodPut, "/api/transmitter", `{"id": "8GABCD"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8GABCD", f.Status(context.Background()).TransmitterID)

	rec = do(t, srv, http.MethodPut, "/api/transmitter", `{"id": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerSync(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f)

	rec := do(t, srv, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.syncable = true
	rec = do(t, srv, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestControlTokens(t *testing.T) {
	f := &fakeRig{}
	srv := setup(f, "s3cret", " ")

	rec := do(t, srv, http.MethodPost, "/api/sensor/start", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sensor/start", "", "X-Control-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sensor/start", "", "X-Control-Token", "s3cret")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sensor/stop", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// reads stay open
	rec = do(t, srv, http.MethodGet, "/api/pending", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/control", "", "X-Control-Token", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ControlStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.True(t, st.Enabled)
	assert.True(t, st.Authorized)
}

func TestControlDisabled(t *testing.T) {
	c := NewControl(nil)
	assert.False(t, c.IsEnabled())
	assert.False(t, c.IsValidToken("anything"))
	assert.NoError(t, c.Authorize(httptest.NewRequest(http.MethodPost, "/", nil)))
}

func TestMetricsRoute(t *testing.T) {
	srv := setup(&fakeRig{})
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cgmrig_up 1")
}
