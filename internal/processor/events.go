package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/pv/cgmrig/internal/calibration"
	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/notify"
	"github.com/pv/cgmrig/internal/reconcile"
	"github.com/pv/cgmrig/internal/storage"
)

// HandleCalibrationData records a device calibration, matched to the first
// reading that reflects it.
func (p *Processor) HandleCalibrationData(ctx context.Context, t time.Time, glucose int) {
	ev, added, err := p.addDeviceCalibration(ctx, t, glucose)
	if err != nil {
		p.logger.Error("record device calibration failed", "time", t, "error", err)
		return
	}
	if !added {
		return
	}
	p.logger.Info("device calibration", "time", ev.CreatedAt, "glucose", ev.ReportedGlucose, "matched", ev.MatchedUnfiltered != nil)
	p.notifier.Notify(notify.NewEvent(notify.KindCalibrationData, ev))
}

func (p *Processor) addDeviceCalibration(ctx context.Context, t time.Time, glucose int) (cgm.DeviceCalibrationEvent, bool, error) {
	ev := cgm.DeviceCalibrationEvent{CreatedAt: t, ReportedGlucose: glucose}

	if err := p.lock.Lock(ctx); err != nil {
		return ev, false, err
	}
	defer p.lock.Unlock()

	var events []cgm.DeviceCalibrationEvent
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyDeviceCalibrations, &events); err != nil {
		return ev, false, fmt.Errorf("load device calibrations: %w", err)
	}
	for _, e := range events {
		if e.CreatedAt.Equal(t) {
			return ev, false, nil
		}
	}

	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyGlucoseHistory, &history); err != nil {
		return ev, false, fmt.Errorf("load history: %w", err)
	}
	if r, ok := cgm.NearestLater(history, t, calibration.DeviceCalibrationSettle); ok {
		ev.MatchedUnfiltered = cgm.FloatPtr(r.Unfiltered)
	}

	events = append(events, ev)
	if err := storage.SetJSON(ctx, p.store, storage.KeyDeviceCalibrations, events); err != nil {
		return ev, false, fmt.Errorf("save device calibrations: %w", err)
	}
	return ev, true, nil
}

// HandleBattery stores the latest battery report.
func (p *Processor) HandleBattery(ctx context.Context, status cgm.BatteryStatus) {
	if status.Time.IsZero() {
		status.Time = p.now().UTC()
	}
	if err := storage.SetJSON(ctx, p.store, storage.KeyBatteryStatus, status); err != nil {
		p.logger.Error("save battery status failed", "error", err)
		return
	}
	p.metrics.ObserveBattery(status)
	p.notifier.Notify(notify.NewEvent(notify.KindBattery, status))
	p.logger.Info("battery", "voltage_a", status.VoltageA, "voltage_b", status.VoltageB, "runtime", status.Runtime)
}

// HandleBackfill merges readings the transmitter kept while out of range.
func (p *Processor) HandleBackfill(ctx context.Context, readings []cgm.Reading) {
	added, err := p.mergeBackfill(ctx, readings)
	if err != nil {
		p.logger.Error("merge backfill failed", "count", len(readings), "error", err)
		return
	}
	p.logger.Info("backfill merged", "received", len(readings), "added", added)
}

func (p *Processor) mergeBackfill(ctx context.Context, readings []cgm.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	now := p.now()
	cutoff := now.Add(-cgm.HistoryWindow)

	incoming := make([]cgm.Reading, 0, len(readings))
	for _, r := range readings {
		if r.ReadTime.After(cutoff) {
			incoming = append(incoming, r)
		}
	}
	cgm.SortReadings(incoming)

	if err := p.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer p.lock.Unlock()

	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyGlucoseHistory, &history); err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	cgm.SortReadings(history)

	missing := reconcile.Missing(incoming, history, readingTime, reconcile.Tolerance)
	if len(missing) == 0 {
		return 0, nil
	}
	for _, r := range missing {
		history = cgm.InsertReading(history, r)
	}
	history = cgm.PruneHistory(history, now)
	if err := storage.SetJSON(ctx, p.store, storage.KeyGlucoseHistory, history); err != nil {
		return 0, fmt.Errorf("save history: %w", err)
	}
	return len(missing), nil
}

// RecordBGCheck stores a finger-stick value entered on the rig. Signal is
// borrowed from the nearest reading when one is close enough.
func (p *Processor) RecordBGCheck(ctx context.Context, glucose int, at time.Time) (cgm.BGCheck, error) {
	check := cgm.BGCheck{Time: at.UTC().Truncate(time.Millisecond), Glucose: glucose, Origin: cgm.OriginLocal}
	if !cgm.ValidGlucose(glucose) {
		return check, fmt.Errorf("bg check glucose %d out of range", glucose)
	}

	if err := p.lock.Lock(ctx); err != nil {
		return check, err
	}
	defer p.lock.Unlock()

	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyGlucoseHistory, &history); err != nil {
		return check, fmt.Errorf("load history: %w", err)
	}
	if r, ok := cgm.Nearest(history, check.Time, calibration.BackfillWindow); ok {
		check.Unfiltered = cgm.FloatPtr(r.Unfiltered)
		check.Filtered = cgm.FloatPtr(r.Filtered)
	}

	var checks []cgm.BGCheck
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyBGChecks, &checks); err != nil {
		return check, fmt.Errorf("load bg checks: %w", err)
	}
	checks = append(checks, check)
	cgm.SortBGChecks(checks)
	if err := storage.SetJSON(ctx, p.store, storage.KeyBGChecks, checks); err != nil {
		return check, fmt.Errorf("save bg checks: %w", err)
	}
	p.logger.Info("bg check recorded", "glucose", glucose, "time", check.Time)
	return check, nil
}

// History returns the stored readings, oldest first.
func (p *Processor) History(ctx context.Context) ([]cgm.Reading, error) {
	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyGlucoseHistory, &history); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	cgm.SortReadings(history)
	return history, nil
}

// Calibration returns the current curve or nil.
func (p *Processor) Calibration(ctx context.Context) (*cgm.CalibrationCurve, error) {
	return p.loadCurve(ctx)
}

// Battery returns the last battery report or nil.
func (p *Processor) Battery(ctx context.Context) (*cgm.BatteryStatus, error) {
	var status cgm.BatteryStatus
	found, err := storage.GetJSON(ctx, p.store, storage.KeyBatteryStatus, &status)
	if err != nil {
		return nil, fmt.Errorf("load battery status: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &status, nil
}

// BGChecks returns the stored finger-stick checks, oldest first.
func (p *Processor) BGChecks(ctx context.Context) ([]cgm.BGCheck, error) {
	var checks []cgm.BGCheck
	if _, err := storage.GetJSON(ctx, p.store, storage.KeyBGChecks, &checks); err != nil {
		return nil, fmt.Errorf("load bg checks: %w", err)
	}
	cgm.SortBGChecks(checks)
	return checks, nil
}
