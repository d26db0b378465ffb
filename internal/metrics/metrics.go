// Package metrics exposes rig state to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/notify"
)

const namespace = "cgmrig"

// Metrics holds every rig metric. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	glucose        prometheus.Gauge
	trend          prometheus.Gauge
	noise          prometheus.Gauge
	noiseClass     prometheus.Gauge
	lastReading    prometheus.Gauge
	readings       *prometheus.CounterVec
	calSlope       prometheus.Gauge
	calIntercept   prometheus.Gauge
	calibrations   *prometheus.CounterVec
	pending        prometheus.Gauge
	sessionRunning prometheus.Gauge
	sessionEnds    *prometheus.CounterVec
	syncRuns       *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncRecords    *prometheus.CounterVec
	battery        *prometheus.GaugeVec
	sensorWipes    prometheus.Counter
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		glucose: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "glucose_mgdl",
			Help:      "Latest sensor glucose in mg/dL",
		}),
		trend: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trend_mgdl_per_10m",
			Help:      "Glucose rate of change per 10 minutes",
		}),
		noise: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_score",
			Help:      "Signal noise score, 0 smooth to 1 jagged",
		}),
		noiseClass: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_class",
			Help:      "Noise class: 0 unknown, 1 clean, 2 light, 3 medium, 4 heavy",
		}),
		lastReading: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_timestamp_seconds",
			Help:      "Unix time of the latest reading",
		}),
		readings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings processed, by whether they carried glucose",
		}, []string{"glucose"}),
		calSlope: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_slope",
			Help:      "Slope of the current calibration curve",
		}),
		calIntercept: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_intercept",
			Help:      "Intercept of the current calibration curve",
		}),
		calibrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibrations_total",
			Help:      "Calibration curves adopted, by algorithm",
		}, []string{"algorithm"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "Commands waiting for the transmitter session",
		}),
		sessionRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_running",
			Help:      "1 while a transmitter session process is running",
		}),
		sessionEnds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_exits_total",
			Help:      "Transmitter session exits, by reason",
		}, []string{"reason"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Reconciliation task runs, by task and result",
		}, []string{"task", "result"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Reconciliation task duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 240},
		}, []string{"task"}),
		syncRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Records moved by reconciliation, by task and direction",
		}, []string{"task", "direction"}),
		battery: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transmitter_battery",
			Help:      "Latest transmitter battery report",
		}, []string{"field"}),
		sensorWipes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_insert_wipes_total",
			Help:      "Local calibrations discarded after a sensor insert",
		}),
	}
}

// ObserveReading records a processed reading.
func (m *Metrics) ObserveReading(r cgm.Reading) {
	if m == nil {
		return
	}
	m.lastReading.Set(float64(r.ReadTime.Unix()))
	if r.Glucose == nil {
		m.readings.WithLabelValues("false").Inc()
		return
	}
	m.readings.WithLabelValues("true").Inc()
	m.glucose.Set(float64(*r.Glucose))
	m.trend.Set(r.Trend)
	m.noise.Set(r.Noise)
	m.noiseClass.Set(float64(r.NoiseClass))
}

// ObserveCalibration records a newly adopted curve.
func (m *Metrics) ObserveCalibration(c cgm.CalibrationCurve) {
	if m == nil {
		return
	}
	m.calSlope.Set(c.Slope)
	m.calIntercept.Set(c.Intercept)
	m.calibrations.WithLabelValues(string(c.Algorithm)).Inc()
}

// ObserveBattery records a battery report.
func (m *Metrics) ObserveBattery(b cgm.BatteryStatus) {
	if m == nil {
		return
	}
	m.battery.WithLabelValues("voltage_a").Set(b.VoltageA)
	m.battery.WithLabelValues("voltage_b").Set(b.VoltageB)
	m.battery.WithLabelValues("resistance").Set(b.Resistance)
	m.battery.WithLabelValues("runtime_days").Set(float64(b.Runtime))
	m.battery.WithLabelValues("temperature").Set(b.Temperature)
}

// ObserveSync records one reconciliation task.
func (m *Metrics) ObserveSync(task string, d time.Duration, imported, exported int, wiped bool, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncRuns.WithLabelValues(task, result).Inc()
	m.syncDuration.WithLabelValues(task).Observe(d.Seconds())
	m.syncRecords.WithLabelValues(task, "import").Add(float64(imported))
	m.syncRecords.WithLabelValues(task, "export").Add(float64(exported))
	if wiped {
		m.sensorWipes.Inc()
	}
}

// SessionStarted marks a session as running.
func (m *Metrics) SessionStarted(string) {
	if m == nil {
		return
	}
	m.sessionRunning.Set(1)
}

// SessionEnded counts a session exit.
func (m *Metrics) SessionEnded(_ string, reason string) {
	if m == nil {
		return
	}
	m.sessionRunning.Set(0)
	m.sessionEnds.WithLabelValues(reason).Inc()
}

// Notify tracks the queue length from pending events.
func (m *Metrics) Notify(e notify.Event) {
	if m == nil || e.Kind != notify.KindPending {
		return
	}
	if queue, ok := e.Payload.([]cgm.PendingCommand); ok {
		m.pending.Set(float64(len(queue)))
	}
}
