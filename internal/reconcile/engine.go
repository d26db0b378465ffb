package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/storage"
)

// Remote is the diary the engine reconciles against.
type Remote interface {
	LatestCalibration(ctx context.Context) (*cgm.CalibrationCurve, error)
	SGVsSince(ctx context.Context, since time.Time, limit int) ([]cgm.Reading, error)
	BGChecksSince(ctx context.Context, since time.Time) ([]cgm.BGCheck, error)
	LatestSensorInsert(ctx context.Context) (*cgm.SensorInsert, error)
	PostReading(ctx context.Context, r cgm.Reading) error
	PostCalibration(ctx context.Context, curve cgm.CalibrationCurve) error
	PostBGCheck(ctx context.Context, check cgm.BGCheck) error
}

// Options bound how much history one pass looks at.
type Options struct {
	// ReadingLimit caps the number of remote readings fetched
	ReadingLimit int
	// BGCheckWindow is how far back BG checks are reconciled and kept
	BGCheckWindow time.Duration
}

// DefaultOptions covers a day of 5-minute readings with margin and a week
// of BG checks.
func DefaultOptions() Options {
	return Options{
		ReadingLimit:  1000,
		BGCheckWindow: 7 * 24 * time.Hour,
	}
}

// Result counts what one pass changed.
type Result struct {
	Imported int
	Exported int
	Wiped    bool
}

// Engine runs the import and export passes for each record kind.
type Engine struct {
	store  storage.Store
	lock   *storage.Lock
	remote Remote
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine. The lock is shared with the glucose pipeline.
func NewEngine(store storage.Store, lock *storage.Lock, remote Remote, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.ReadingLimit <= 0 {
		opts.ReadingLimit = def.ReadingLimit
	}
	if opts.BGCheckWindow <= 0 {
		opts.BGCheckWindow = def.BGCheckWindow
	}
	return &Engine{
		store:  store,
		lock:   lock,
		remote: remote,
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "reconcile"),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func readingTime(r cgm.Reading) time.Time { return r.ReadTime }
func checkTime(c cgm.BGCheck) time.Time   { return c.Time }

// SyncCalibration applies the precedence rule: the curve with the strictly
// newer CreatedAt wins and is written to the side that is behind. A local
// curve older than the latest sensor insert is wiped first.
func (e *Engine) SyncCalibration(ctx context.Context) (Result, error) {
	var res Result

	insert, err := e.remote.LatestSensorInsert(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch sensor insert: %w", err)
	}
	remote, err := e.remote.LatestCalibration(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch remote calibration: %w", err)
	}
	if remote != nil && insert != nil && remote.CreatedAt.Before(insert.Time) {
		remote = nil
	}

	res, export, err := e.settleCalibration(ctx, remote, insert)
	if err != nil || export == nil {
		return res, err
	}

	if err := e.remote.PostCalibration(ctx, *export); err != nil {
		return res, fmt.Errorf("post calibration: %w", err)
	}
	res.Exported = 1
	e.logger.Info("exported local calibration", "created", export.CreatedAt, "algorithm", export.Algorithm)
	return res, nil
}

// settleCalibration does the store side of SyncCalibration under the lock.
// It returns the local curve when that one has to be posted.
func (e *Engine) settleCalibration(ctx context.Context, remote *cgm.CalibrationCurve, insert *cgm.SensorInsert) (Result, *cgm.CalibrationCurve, error) {
	var res Result

	if err := e.lock.Lock(ctx); err != nil {
		return res, nil, err
	}
	defer e.lock.Unlock()

	var local *cgm.CalibrationCurve
	var stored cgm.CalibrationCurve
	found, err := storage.GetJSON(ctx, e.store, storage.KeyCalibration, &stored)
	if err != nil {
		return res, nil, fmt.Errorf("load calibration: %w", err)
	}
	if found {
		local = &stored
	}

	if insert != nil {
		wiped, err := e.wipeBefore(ctx, insert.Time, local)
		if err != nil {
			return res, nil, err
		}
		if wiped {
			res.Wiped = true
			local = nil
		}
	}

	switch {
	case remote == nil && local == nil:
	case local == nil || (remote != nil && curveTime(remote).After(curveTime(local))):
		if err := storage.SetJSON(ctx, e.store, storage.KeyCalibration, remote); err != nil {
			return res, nil, fmt.Errorf("save calibration: %w", err)
		}
		res.Imported = 1
		e.logger.Info("imported remote calibration", "created", remote.CreatedAt, "slope", remote.Slope, "intercept", remote.Intercept)
	case remote == nil || curveTime(local).After(curveTime(remote)):
		return res, local, nil
	}
	return res, nil, nil
}

// curveTime is CreatedAt at the resolution the diary keeps entry dates.
func curveTime(c *cgm.CalibrationCurve) time.Time {
	return c.CreatedAt.Truncate(time.Millisecond)
}

// wipeBefore drops calibration-dependent records older than a sensor
// insert. It reports whether the local curve was removed.
func (e *Engine) wipeBefore(ctx context.Context, insert time.Time, local *cgm.CalibrationCurve) (bool, error) {
	var events []cgm.DeviceCalibrationEvent
	if _, err := storage.GetJSON(ctx, e.store, storage.KeyDeviceCalibrations, &events); err != nil {
		return false, fmt.Errorf("load device calibrations: %w", err)
	}
	kept := events[:0]
	for _, ev := range events {
		if !ev.CreatedAt.Before(insert) {
			kept = append(kept, ev)
		}
	}
	if len(kept) != len(events) {
		if err := storage.SetJSON(ctx, e.store, storage.KeyDeviceCalibrations, kept); err != nil {
			return false, fmt.Errorf("save device calibrations: %w", err)
		}
	}

	if local == nil || !local.CreatedAt.Before(insert) {
		return false, nil
	}
	if err := e.store.Delete(ctx, storage.KeyCalibration); err != nil {
		return false, fmt.Errorf("wipe calibration: %w", err)
	}
	e.logger.Info("sensor insert after calibration, wiped local calibration",
		"insert", insert, "calibration", local.CreatedAt)
	return true, nil
}

// SyncReadings merges the last day of readings in both directions.
func (e *Engine) SyncReadings(ctx context.Context) (Result, error) {
	var res Result
	since := e.now().Add(-cgm.HistoryWindow)

	remote, err := e.remote.SGVsSince(ctx, since, e.opts.ReadingLimit)
	if err != nil {
		return res, fmt.Errorf("fetch remote readings: %w", err)
	}
	cgm.SortReadings(remote)

	history, imported, err := e.importReadings(ctx, remote)
	if err != nil {
		return res, err
	}
	res.Imported = imported

	var candidates []cgm.Reading
	for _, r := range history {
		if r.HasValidGlucose() && !r.ReadTime.Before(since) {
			candidates = append(candidates, r)
		}
	}
	for _, r := range Missing(candidates, remote, readingTime, Tolerance) {
		if err := e.remote.PostReading(ctx, r); err != nil {
			return res, fmt.Errorf("post reading %s: %w", r.ReadTime.Format(time.RFC3339), err)
		}
		res.Exported++
	}

	if res.Imported > 0 || res.Exported > 0 {
		e.logger.Info("readings reconciled", "imported", res.Imported, "exported", res.Exported)
	}
	return res, nil
}

func (e *Engine) importReadings(ctx context.Context, remote []cgm.Reading) ([]cgm.Reading, int, error) {
	if err := e.lock.Lock(ctx); err != nil {
		return nil, 0, err
	}
	defer e.lock.Unlock()

	var history []cgm.Reading
	if _, err := storage.GetJSON(ctx, e.store, storage.KeyGlucoseHistory, &history); err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}

	inserted := 0
	for _, r := range Missing(remote, history, readingTime, Tolerance) {
		if r.Glucose != nil && !cgm.ValidGlucose(*r.Glucose) {
			continue
		}
		history = cgm.InsertReading(history, r)
		inserted++
	}
	history = cgm.PruneHistory(history, e.now())

	if inserted > 0 {
		if err := storage.SetJSON(ctx, e.store, storage.KeyGlucoseHistory, history); err != nil {
			return nil, 0, fmt.Errorf("save history: %w", err)
		}
	}
	return history, inserted, nil
}

// SyncBGChecks merges finger-stick checks in both directions. Checks older
// than the latest sensor insert are discarded on both sides.
func (e *Engine) SyncBGChecks(ctx context.Context) (Result, error) {
	var res Result
	since := e.now().Add(-e.opts.BGCheckWindow)

	insert, err := e.remote.LatestSensorInsert(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch sensor insert: %w", err)
	}
	if insert != nil && insert.Time.After(since) {
		since = insert.Time
	}

	remote, err := e.remote.BGChecksSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("fetch remote bg checks: %w", err)
	}
	remote = cgm.BGChecksAfter(remote, since.Add(-time.Nanosecond))
	cgm.SortBGChecks(remote)

	local, imported, err := e.importChecks(ctx, remote, since)
	if err != nil {
		return res, err
	}
	res.Imported = imported

	var candidates []cgm.BGCheck
	for _, c := range local {
		if cgm.ValidGlucose(c.Glucose) {
			candidates = append(candidates, c)
		}
	}
	for _, c := range Missing(candidates, remote, checkTime, Tolerance) {
		if err := e.remote.PostBGCheck(ctx, c); err != nil {
			return res, fmt.Errorf("post bg check %s: %w", c.Time.Format(time.RFC3339), err)
		}
		res.Exported++
	}

	if res.Imported > 0 || res.Exported > 0 {
		e.logger.Info("bg checks reconciled", "imported", res.Imported, "exported", res.Exported)
	}
	return res, nil
}

func (e *Engine) importChecks(ctx context.Context, remote []cgm.BGCheck, since time.Time) ([]cgm.BGCheck, int, error) {
	if err := e.lock.Lock(ctx); err != nil {
		return nil, 0, err
	}
	defer e.lock.Unlock()

	var stored []cgm.BGCheck
	if _, err := storage.GetJSON(ctx, e.store, storage.KeyBGChecks, &stored); err != nil {
		return nil, 0, fmt.Errorf("load bg checks: %w", err)
	}
	cgm.SortBGChecks(stored)
	local := cgm.BGChecksAfter(stored, since.Add(-time.Nanosecond))
	changed := len(local) != len(stored)

	inserted := 0
	for _, c := range Missing(remote, local, checkTime, Tolerance) {
		if !cgm.ValidGlucose(c.Glucose) {
			continue
		}
		c.Origin = cgm.OriginRemote
		local = append(local, c)
		inserted++
	}
	changed = changed || inserted > 0
	cgm.SortBGChecks(local)

	if changed {
		if err := storage.SetJSON(ctx, e.store, storage.KeyBGChecks, local); err != nil {
			return nil, 0, fmt.Errorf("save bg checks: %w", err)
		}
	}
	return local, inserted, nil
}
