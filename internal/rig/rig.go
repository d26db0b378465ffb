// Package rig wires the daemon together: storage, the glucose pipeline, the
// session supervisor, the sync scheduler and the notification fan-out.
package rig

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/config"
	"github.com/pv/cgmrig/internal/metrics"
	"github.com/pv/cgmrig/internal/nightscout"
	"github.com/pv/cgmrig/internal/notify"
	"github.com/pv/cgmrig/internal/processor"
	"github.com/pv/cgmrig/internal/reconcile"
	"github.com/pv/cgmrig/internal/scheduler"
	"github.com/pv/cgmrig/internal/storage"
	"github.com/pv/cgmrig/internal/worker"
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	store    storage.Store
	spawner  worker.Spawner
	unpairer worker.Unpairer
	remote   reconcile.Remote
}

func WithStore(s storage.Store) Option      { return func(o *options) { o.store = s } }
func WithSpawner(s worker.Spawner) Option   { return func(o *options) { o.spawner = s } }
func WithUnpairer(u worker.Unpairer) Option { return func(o *options) { o.unpairer = u } }
func WithRemote(r reconcile.Remote) Option  { return func(o *options) { o.remote = r } }

// Rig is one running daemon instance.
type Rig struct {
	cfg    *config.Config
	logger *slog.Logger

	store      storage.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	hub        *notify.Hub
	mqtt       *notify.MQTTPublisher
	processor  *processor.Processor
	queue      *worker.CommandQueue
	supervisor *worker.Supervisor
	scheduler  *scheduler.Scheduler

	startedAt time.Time

	mu        sync.RWMutex
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a rig from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Rig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	if id := strings.TrimSpace(cfg.Transmitter.ID); id != "" {
		if err := storage.SetJSON(context.Background(), store, storage.KeyTransmitterID, id); err != nil {
			store.Close()
			return nil, fmt.Errorf("save transmitter id: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewHostCollector(logger),
	)
	m := metrics.New(registry)

	hub := notify.NewHub(logger)
	notifiers := notify.Multi{hub, m}

	var pub *notify.MQTTPublisher
	if cfg.MQTT.Enabled {
		var err error
		pub, err = notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:       cfg.MQTT.Broker,
			Topic:        cfg.MQTT.Topic,
			ClientPrefix: cfg.MQTT.ClientPrefix,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			QoS:          cfg.MQTT.QoS,
			Retain:       cfg.MQTT.Retain,
		}, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, continuing without it", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			notifiers = append(notifiers, pub)
		}
	}

	remote := o.remote
	if remote == nil && cfg.Nightscout.URL != "" {
		remote = nightscout.NewClient(cfg.Nightscout.URL, cfg.Nightscout.APISecret, cfg.Nightscout.Timeout, logger)
	}

	lock := storage.NewLock()

	var uploader processor.Uploader
	if remote != nil {
		uploader = remote
	}
	proc := processor.New(processor.Config{
		Store:       store,
		Lock:        lock,
		Notifier:    notifiers,
		Uploader:    uploader,
		Metrics:     m,
		Calibration: cfg.Calibration,
		Logger:      logger,
	})

	queue := worker.NewCommandQueue(store, notifiers)

	spawner := o.spawner
	if spawner == nil {
		spawner = &worker.ExecSpawner{
			Command: cfg.Transmitter.Command,
			Args:    cfg.Transmitter.Args,
			Logger:  logger,
		}
	}
	unpairer := o.unpairer
	if unpairer == nil {
		unpairer = &worker.ExecUnpairer{
			Command: cfg.Transmitter.UnpairCommand,
			Args:    cfg.Transmitter.UnpairArgs,
		}
	}

	sup := worker.NewSupervisor(worker.Config{
		Spawner:  spawner,
		Unpairer: unpairer,
		Queue:    queue,
		Handler:  proc,
		Store:    store,
		Notifier: notifiers,
		Observer: m,
		Options: worker.Options{
			Watchdog: cfg.Transmitter.Watchdog,
			Backoff:  cfg.Transmitter.Backoff,
		},
		Logger: logger,
	})

	var sched *scheduler.Scheduler
	if remote != nil {
		engine := reconcile.NewEngine(store, lock, remote, reconcile.Options{
			ReadingLimit:  cfg.Sync.ReadingLimit,
			BGCheckWindow: cfg.Sync.BGCheckWindow,
		}, logger)
		sched = scheduler.New(scheduler.ReconcileTasks(engine), scheduler.Options{
			Interval:    cfg.Sync.Interval,
			TaskTimeout: cfg.Sync.TaskTimeout,
		}, m, logger)
	} else {
		logger.Info("no nightscout url, remote sync disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Rig{
		cfg:        cfg,
		logger:     logger.With("component", "rig"),
		store:      store,
		registry:   registry,
		metrics:    m,
		hub:        hub,
		mqtt:       pub,
		processor:  proc,
		queue:      queue,
		supervisor: sup,
		scheduler:  sched,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageSQLite:
		s, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return s, nil
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
}

// Start launches the supervisor and, when a remote diary is configured, the
// sync scheduler.
func (r *Rig) Start() {
	r.startedAt = time.Now()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.supervisor.Run(r.ctx); err != nil {
			r.setError(err)
			r.logger.Error("supervisor stopped", "error", err)
		}
	}()

	if r.scheduler != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.scheduler.Run(r.ctx)
		}()
	}

	r.logger.Info("Rig started", "command", r.cfg.Transmitter.Command, "sync", r.scheduler != nil)
}

// Stop shuts everything down and closes the store.
func (r *Rig) Stop() {
	r.cancel()
	r.wg.Wait()
	r.processor.Wait()
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close storage failed", "error", err)
	}
	r.logger.Info("Rig stopped")
}

func (r *Rig) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
}

// Hub is the live websocket channel.
func (r *Rig) Hub() *notify.Hub {
	return r.hub
}

// MetricsHandler serves the rig's Prometheus registry.
func (r *Rig) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Status collects the current rig state.
func (r *Rig) Status(ctx context.Context) Status {
	st := Status{
		TransmitterID: r.supervisor.TransmitterID(),
		Session: SessionStatus{
			State:    r.supervisor.State().String(),
			Started:  r.supervisor.SessionStarted(),
			Restarts: r.supervisor.Restarts(),
		},
		Host:      metrics.Snapshot(),
		Clients:   r.hub.ClientCount(),
		StartedAt: r.startedAt,
	}
	if st.TransmitterID == "" {
		if _, err := storage.GetJSON(ctx, r.store, storage.KeyTransmitterID, &st.TransmitterID); err != nil {
			r.setError(err)
		}
	}

	if history, err := r.processor.History(ctx); err != nil {
		r.setError(err)
	} else if len(history) > 0 {
		latest := history[len(history)-1]
		st.Latest = &latest
		if g, ok := cgm.LatestWithGlucose(history); ok {
			st.LastGlucose = &g
		}
	}
	if curve, err := r.processor.Calibration(ctx); err != nil {
		r.setError(err)
	} else {
		st.Calibration = curve
	}
	if battery, err := r.processor.Battery(ctx); err != nil {
		r.setError(err)
	} else {
		st.Battery = battery
	}
	if pending, err := r.queue.List(ctx); err != nil {
		r.setError(err)
	} else {
		st.Pending = len(pending)
	}
	if r.scheduler != nil {
		s := r.scheduler.Status()
		st.Sync = &s
	}

	r.mu.RLock()
	st.LastError = r.lastError
	r.mu.RUnlock()
	return st
}

// History returns the local reading history.
func (r *Rig) History(ctx context.Context) ([]cgm.Reading, error) {
	return r.processor.History(ctx)
}

// Calibration returns the current curve or nil.
func (r *Rig) Calibration(ctx context.Context) (*cgm.CalibrationCurve, error) {
	return r.processor.Calibration(ctx)
}

// BGChecks returns the stored finger-stick checks.
func (r *Rig) BGChecks(ctx context.Context) ([]cgm.BGCheck, error) {
	return r.processor.BGChecks(ctx)
}

// Pending returns the queued commands, oldest first.
func (r *Rig) Pending(ctx context.Context) ([]cgm.PendingCommand, error) {
	return r.queue.List(ctx)
}

func (r *Rig) StartSensor(ctx context.Context) (cgm.PendingCommand, error) {
	return r.enqueue(ctx, cgm.CommandStartSensor)
}

func (r *Rig) StopSensor(ctx context.Context) (cgm.PendingCommand, error) {
	return r.enqueue(ctx, cgm.CommandStopSensor)
}

func (r *Rig) BackdatedStartSensor(ctx context.Context) (cgm.PendingCommand, error) {
	return r.enqueue(ctx, cgm.CommandBackdatedStartSensor)
}

func (r *Rig) ResetTransmitter(ctx context.Context) (cgm.PendingCommand, error) {
	return r.enqueue(ctx, cgm.CommandResetTransmitter)
}

func (r *Rig) enqueue(ctx context.Context, kind cgm.CommandKind) (cgm.PendingCommand, error) {
	cmd, err := r.queue.Enqueue(ctx, kind, 0)
	if err != nil {
		return cmd, err
	}
	r.logger.Info("command queued", "kind", kind, "id", cmd.ID)
	return cmd, nil
}

// Calibrate queues a calibration for the transmitter and records the value
// as a local BG check.
func (r *Rig) Calibrate(ctx context.Context, glucose int) (cgm.PendingCommand, error) {
	cmd, err := r.queue.Enqueue(ctx, cgm.CommandCalibrateSensor, glucose)
	if err != nil {
		return cmd, err
	}
	r.logger.Info("calibration queued", "glucose", glucose, "id", cmd.ID)

	if _, err := r.processor.RecordBGCheck(ctx, glucose, cmd.IssuedAt); err != nil {
		r.logger.Warn("record bg check failed", "glucose", glucose, "error", err)
	}
	return cmd, nil
}

// SetTransmitterID switches the supervised transmitter.
func (r *Rig) SetTransmitterID(ctx context.Context, id string) error {
	return r.supervisor.SetTransmitterID(ctx, id)
}

// TriggerSync asks for an early sync cycle. It reports false when remote
// sync is disabled.
func (r *Rig) TriggerSync() bool {
	if r.scheduler == nil {
		return false
	}
	r.scheduler.Trigger()
	return true
}
