package nightscout

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pv/cgmrig/internal/cgm"
)

var t0 = time.Date(2026, 7, 4, 6, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "hunter2hunter2", time.Second, nil)
}

func TestClient_SecretHeader(t *testing.T) {
	sum := sha1.Sum([]byte("hunter2hunter2"))
	want := hex.EncodeToString(sum[:])

	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("api-secret")
		w.Write([]byte("[]"))
	})

	_, err := c.LatestCalibration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClient_LatestCalibration(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/entries/cal.json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("count"))
		json.NewEncoder(w).Encode([]Entry{{
			Type:      EntryCal,
			Date:      t0.UnixMilli(),
			Slope:     850,
			Intercept: 30000,
		}})
	})

	curve, err := c.LatestCalibration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, curve)
	assert.True(t, curve.CreatedAt.Equal(t0))
	assert.Equal(t, 850.0, curve.Slope)
	assert.Equal(t, 30000.0, curve.Intercept)
	assert.Equal(t, 1.0, curve.Scale)
	assert.Equal(t, cgm.AlgorithmNightscoutSynced, curve.Algorithm)
}

func TestClient_LatestCalibration_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})

	curve, err := c.LatestCalibration(context.Background())
	require.NoError(t, err)
	assert.Nil(t, curve)
}

func TestClient_SGVsSince(t *testing.T) {
	since := t0.Add(-time.Hour)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/entries/sgv.json", r.URL.Path)
		assert.Equal(t, "288", r.URL.Query().Get("count"))
		assert.Equal(t, "1783141200000", r.URL.Query().Get("find[date][$gte]"))

		// newest first, the way the diary returns them
		json.NewEncoder(w).Encode([]Entry{
			{Type: EntrySGV, Date: t0.Add(5 * time.Minute).UnixMilli(), SGV: 130, Direction: "FortyFiveUp", Noise: 1},
			{Type: EntrySGV, Date: t0.UnixMilli(), SGV: 120, Direction: "Flat", Unfiltered: 130000},
		})
	})

	readings, err := c.SGVsSince(context.Background(), since, 288)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.True(t, readings[0].ReadTime.Equal(t0))
	assert.Equal(t, 120, readings[0].GlucoseValue())
	assert.Equal(t, 130000.0, readings[0].Unfiltered)
	assert.Equal(t, 130, readings[1].GlucoseValue())
	assert.Equal(t, 15.0, readings[1].Trend)
	assert.Equal(t, cgm.NoiseClean, readings[1].NoiseClass)
}

func TestClient_BGChecksSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/treatments.json", r.URL.Path)
		assert.Equal(t, EventBGCheck, r.URL.Query().Get("find[eventType]"))
		json.NewEncoder(w).Encode([]Treatment{
			{EventType: EventBGCheck, CreatedAt: t0.Add(time.Hour).Format(time.RFC3339), Glucose: 140},
			{EventType: EventBGCheck, CreatedAt: "not a time", Glucose: 90},
			{EventType: EventBGCheck, CreatedAt: t0.Format(time.RFC3339Nano), Glucose: 101.6},
		})
	})

	checks, err := c.BGChecksSince(context.Background(), t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].Time.Equal(t0))
	assert.Equal(t, 102, checks[0].Glucose)
	assert.Equal(t, cgm.OriginRemote, checks[0].Origin)
	assert.Equal(t, 140, checks[1].Glucose)
}

func TestClient_LatestSensorInsert(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sensorInsertPattern, r.URL.Query().Get("find[eventType][$regex]"))
		json.NewEncoder(w).Encode([]Treatment{
			{EventType: "Sensor Start", CreatedAt: t0.Format(time.RFC3339)},
		})
	})

	insert, err := c.LatestSensorInsert(context.Background())
	require.NoError(t, err)
	require.NotNil(t, insert)
	assert.True(t, insert.Time.Equal(t0))
}

func TestClient_PostReading(t *testing.T) {
	var posted []Entry
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/entries.json", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.Write([]byte("[]"))
	})

	err := c.PostReading(context.Background(), cgm.Reading{
		ReadTime:   t0,
		Glucose:    cgm.IntPtr(123),
		Trend:      -25,
		Unfiltered: 140000,
		NoiseClass: cgm.NoiseLight,
	})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, EntrySGV, posted[0].Type)
	assert.Equal(t, t0.UnixMilli(), posted[0].Date)
	assert.Equal(t, 123, posted[0].SGV)
	assert.Equal(t, "SingleDown", posted[0].Direction)
	assert.Equal(t, 2, posted[0].Noise)
}

func TestClient_PostBGCheck(t *testing.T) {
	var posted []Treatment
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/treatments.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.Write([]byte("[]"))
	})

	err := c.PostBGCheck(context.Background(), cgm.BGCheck{Time: t0, Glucose: 111, Origin: cgm.OriginLocal})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, EventBGCheck, posted[0].EventType)
	assert.Equal(t, 111.0, posted[0].Glucose)
	assert.True(t, posted[0].Time().Equal(t0))
}

func TestClient_PostCalibration(t *testing.T) {
	var posted []Entry
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.Write([]byte("[]"))
	})

	err := c.PostCalibration(context.Background(), cgm.CalibrationCurve{CreatedAt: t0, Slope: 900, Intercept: 1000, Scale: 1})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, EntryCal, posted[0].Type)
	assert.Equal(t, 900.0, posted[0].Slope)
}

func TestClient_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	_, err := c.SGVsSince(context.Background(), t0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
