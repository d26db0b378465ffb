package rig

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/config"
	"github.com/pv/cgmrig/internal/storage"
	"github.com/pv/cgmrig/internal/worker"
)

type failingSpawner struct{}

func (failingSpawner) Spawn(context.Context, string) (worker.Session, error) {
	return nil, errors.New("no radio")
}

type emptyRemote struct{}

func (emptyRemote) LatestCalibration(context.Context) (*cgm.CalibrationCurve, error) { return nil, nil }
func (emptyRemote) SGVsSince(context.Context, time.Time, int) ([]cgm.Reading, error) { return nil, nil }
func (emptyRemote) BGChecksSince(context.Context, time.Time) ([]cgm.BGCheck, error)  { return nil, nil }
func (emptyRemote) LatestSensorInsert(context.Context) (*cgm.SensorInsert, error)    { return nil, nil }
func (emptyRemote) PostReading(context.Context, cgm.Reading) error                   { return nil }
func (emptyRemote) PostCalibration(context.Context, cgm.CalibrationCurve) error      { return nil }
func (emptyRemote) PostBGCheck(context.Context, cgm.BGCheck) error                   { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transmitter.ID = " 8G1234 "
	cfg.Transmitter.Command = "true"
	return cfg
}

func newRig(t *testing.T, opts ...Option) *Rig {
	t.Helper()
	opts = append([]Option{WithSpawner(failingSpawner{})}, opts...)
	r, err := New(testConfig(), nil, opts...)
	require.NoError(t, err)
	return r
}

func TestCommandsQueueInOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.StartSensor(ctx)
	require.NoError(t, err)
	_, err = r.ResetTransmitter(ctx)
	require.NoError(t, err)
	_, err = r.StopSensor(ctx)
	require.NoError(t, err)
	_, err = r.BackdatedStartSensor(ctx)
	require.NoError(t, err)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	var kinds []cgm.CommandKind
	for _, p := range pending {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, []cgm.CommandKind{
		cgm.CommandStartSensor,
		cgm.CommandResetTransmitter,
		cgm.CommandStopSensor,
		cgm.CommandBackdatedStartSensor,
	}, kinds)
}

func TestCalibrateRecordsBGCheck(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cmd, err := r.Calibrate(ctx, 120)
	require.NoError(t, err)
	assert.Equal(t, cgm.CommandCalibrateSensor, cmd.Kind)
	assert.Equal(t, 120, cmd.Glucose)

	checks, err := r.BGChecks(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, 120, checks[0].Glucose)
	assert.Equal(t, cgm.OriginLocal, checks[0].Origin)

	_, err = r.Calibrate(ctx, 5)
	assert.ErrorIs(t, err, worker.ErrInvalidCommand)
	checks, err = r.BGChecks(ctx)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, storage.SetJSON(ctx, store, storage.KeyGlucoseHistory, []cgm.Reading{
		{ReadTime: time.Now().Add(-10 * time.Minute), Glucose: cgm.IntPtr(110)},
		{ReadTime: time.Now().Add(-5 * time.Minute), Glucose: cgm.IntPtr(115)},
		{ReadTime: time.Now().Add(-time.Minute), Unfiltered: 90000},
	}))
	r := newRig(t, WithStore(store))

	_, err := r.StartSensor(ctx)
	require.NoError(t, err)

	st := r.Status(ctx)
	assert.Equal(t, "8G1234", st.TransmitterID)
	assert.Equal(t, 1, st.Pending)
	require.NotNil(t, st.Latest)
	assert.Nil(t, st.Latest.Glucose)
	require.NotNil(t, st.LastGlucose)
	assert.Equal(t, 115, st.LastGlucose.GlucoseValue())
	assert.Nil(t, st.Sync)
	assert.Empty(t, st.LastError)
	assert.False(t, r.TriggerSync())
}

func TestStartStopWithRemote(t *testing.T) {
	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Type: config.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "rig.db")}
	r, err := New(cfg, nil, WithSpawner(failingSpawner{}), WithRemote(emptyRemote{}))
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool {
		st := r.Status(context.Background())
		return st.Sync != nil && st.Sync.Cycles == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.TriggerSync())

	st := r.Status(context.Background())
	require.Len(t, st.Sync.Tasks, 3)
	for _, task := range st.Sync.Tasks {
		assert.Empty(t, task.Error, task.Name)
	}

	r.Stop()
	assert.Equal(t, worker.StateStopped, r.supervisor.State())
}

func TestMetricsHandler(t *testing.T) {
	r := newRig(t)
	srv := httptest.NewServer(r.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), "cgmrig_session_running")
}
