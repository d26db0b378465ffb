// Package processor is the glucose pipeline: it turns decoded session events
// into calibrated, scored history and forwards the result to the live
// channel and the remote diary.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pv/cgmrig/internal/calibration"
	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/metrics"
	"github.com/pv/cgmrig/internal/notify"
	"github.com/pv/cgmrig/internal/quality"
	"github.com/pv/cgmrig/internal/reconcile"
	"github.com/pv/cgmrig/internal/storage"
)

// qualityWindow is how many earlier readings feed noise and trend.
const qualityWindow = 12

// Uploader posts processed readings to the remote diary.
type Uploader interface {
	PostReading(ctx context.Context, r cgm.Reading) error
}

// Config bundles the pipeline collaborators. Notifier, Uploader and Metrics
// are optional.
type Config struct {
	Store       storage.Store
	Lock        *storage.Lock
	Notifier    notify.Notifier
	Uploader    Uploader
	Metrics     *metrics.Metrics
	Calibration calibration.Options
	Logger      *slog.Logger
}

// Processor implements worker.Handler.
type Processor struct {
	store    storage.Store
	lock     *storage.Lock
	notifier notify.Notifier
	uploader Uploader
	metrics  *metrics.Metrics
	opts     calibration.Options
	now      func() time.Time
	logger   *slog.Logger

	uploads sync.WaitGroup
}

// New creates a processor.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Calibration == (calibration.Options{}) {
		cfg.Calibration = calibration.DefaultOptions()
	}
	return &Processor{
		store:    cfg.Store,
		lock:     cfg.Lock,
		notifier: cfg.Notifier,
		uploader: cfg.Uploader,
		metrics:  cfg.Metrics,
		opts:     cfg.Calibration,
		now:      time.Now,
		logger:   cfg.Logger.With("component", "processor"),
	}
}

// SetClock replaces the time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// HandleGlucose calibrates and scores one reading, appends it to history,
// then publishes it.
func (p *Processor) HandleGlucose(ctx context.Context, r cgm.Reading) {
	out, curve, fresh, err := p.process(ctx, r)
	if err != nil {
		p.logger.Error("process reading failed", "read_time", r.ReadTime, "error", err)
		return
	}
	if !fresh {
		p.logger.Debug("duplicate reading ignored", "read_time", r.ReadTime)
		return
	}

	if curve != nil {
		p.metrics.ObserveCalibration(*curve)
	}
	p.metrics.ObserveReading(out)
	p.notifier.Notify(notify.NewEvent(notify.KindGlucose, out))

	p.logger.Info("reading",
		"read_time", out.ReadTime,
		"glucose", out.GlucoseValue(),
		"trend", out.Trend,
		"noise", out.NoiseClass.String(),
		"device_calibrated", out.DeviceCalibrated)

	if p.uploader != nil && out.HasValidGlucose() {
		p.upload(context.WithoutCancel(ctx), out)
	}
}

// upload posts the reading in the background so a slow diary never holds up
// the session loop.
func (p *Processor) upload(ctx context.Context, r cgm.Reading) {
	p.uploads.Add(1)
	go func() {
		defer p.uploads.Done()
		if err := p.uploader.PostReading(ctx, r); err != nil {
			// the next readings sync exports it
			p.logger.Warn("upload reading failed", "read_time", r.ReadTime, "error", err)
		}
	}()
}

// Wait blocks until in-flight uploads finish.
func (p *Processor) Wait() {
	p.uploads.Wait()
}

// process runs under the storage lock. It returns the stored reading, the
// curve adopted for it (nil when unchanged) and whether the reading was new.
func (p *Processor) process(ctx context.Context, r cgm.Reading) (cgm.Reading, *cgm.CalibrationCurve, bool, error) {
	if err := p.lock.Lock(ctx); err != nil {
		return r, nil, false, err
	}
	defer p.lock.Unlock()

	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyGlucoseHistory, &history); err != nil {
		return r, nil, false, fmt.Errorf("load history: %w", err)
	}
	cgm.SortReadings(history)

	if len(reconcile.Missing([]cgm.Reading{r}, history, readingTime, reconcile.Tolerance)) == 0 {
		return r, nil, false, nil
	}

	prior, err := p.loadCurve(ctx)
	if err != nil {
		return r, nil, false, err
	}

	var adopted *cgm.CalibrationCurve
	if r.DeviceCalibrated && r.Glucose != nil {
		adopted, err = p.liveCalibration(ctx, prior, history, r)
	} else {
		adopted, err = p.expiredCalibration(ctx, prior, history, &r)
	}
	if err != nil {
		return r, nil, false, err
	}
	if adopted != nil {
		if err := storage.SetJSON(ctx, p.store, storage.KeyCalibration, adopted); err != nil {
			return r, nil, false, fmt.Errorf("save calibration: %w", err)
		}
	}

	window := append(recent(history, r.ReadTime, qualityWindow), r)
	r.Noise = quality.CalcNoise(window)
	r.Trend = quality.CalcTrend(window)
	r.NoiseClass = quality.ClassifyNoise(r.Noise, window)

	history = cgm.InsertReading(history, r)
	history = cgm.PruneHistory(history, p.now())
	if err := storage.SetJSON(ctx, p.store, storage.KeyGlucoseHistory, history); err != nil {
		return r, nil, false, fmt.Errorf("save history: %w", err)
	}
	return r, adopted, true, nil
}

func (p *Processor) liveCalibration(ctx context.Context, prior *cgm.CalibrationCurve, history []cgm.Reading, r cgm.Reading) (*cgm.CalibrationCurve, error) {
	var events []cgm.DeviceCalibrationEvent
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyDeviceCalibrations, &events); err != nil {
		return nil, fmt.Errorf("load device calibrations: %w", err)
	}
	curve := calibration.ComputeLiveCalibration(prior, cgm.LatestDeviceCalibration(events), history, r)
	if curve != nil {
		p.logger.Info("live calibration", "algorithm", curve.Algorithm, "slope", curve.Slope, "intercept", curve.Intercept)
	}
	return curve, nil
}

// expiredCalibration fills in the glucose of a reading the device could not
// calibrate, from finger-stick checks or else the stored curve.
func (p *Processor) expiredCalibration(ctx context.Context, prior *cgm.CalibrationCurve, history []cgm.Reading, r *cgm.Reading) (*cgm.CalibrationCurve, error) {
	if r.Unfiltered <= 0 {
		return nil, nil
	}

	var checks []cgm.BGCheck
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyBGChecks, &checks); err != nil {
		return nil, fmt.Errorf("load bg checks: %w", err)
	}

	// a stored curve newer than the checks stays current
	curve := calibration.ComputeExpiredCalibration(p.opts, checks, history)
	var adopted *cgm.CalibrationCurve
	if curve != nil && (prior == nil || curve.CreatedAt.After(prior.CreatedAt)) {
		adopted = curve
		p.logger.Info("expired calibration", "algorithm", curve.Algorithm, "slope", curve.Slope, "intercept", curve.Intercept, "checks", len(checks))
	} else {
		curve = prior
	}
	if curve == nil || curve.Slope == 0 {
		return nil, nil
	}

	if r.Glucose == nil {
		g := calibration.CalcGlucose(*r, *curve)
		r.Glucose = &g
	}
	return adopted, nil
}

func (p *Processor) loadCurve(ctx context.Context) (*cgm.CalibrationCurve, error) {
	var curve cgm.CalibrationCurve
	found, err := storage.GetJSON(ctx, p.store, storage.KeyCalibration, &curve)
	if err != nil {
		return nil, fmt.Errorf("load calibration: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &curve, nil
}

// recent returns up to n readings strictly before t, oldest first.
func recent(history []cgm.Reading, t time.Time, n int) []cgm.Reading {
	end := 0
	for end < len(history) && history[end].ReadTime.Before(t) {
		end++
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]cgm.Reading, end-start, end-start+1)
	copy(out, history[start:end])
	return out
}

func readingTime(r cgm.Reading) time.Time { return r.ReadTime }
