// Package worker supervises the out-of-process transmitter session: it
// restarts the session after exits and hangs, serves it the pending command
// queue, and hands its decoded events to the glucose pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/notify"
	"github.com/pv/cgmrig/internal/storage"
)

// ErrNoTransmitter is returned when an empty transmitter id is set.
var ErrNoTransmitter = errors.New("no transmitter id")

// Default timings
const (
	DefaultWatchdog = 6 * time.Minute
	DefaultBackoff  = time.Minute

	terminateGrace = 5 * time.Second
)

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateRunning
	StateBackoffWait
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateBackoffWait:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Exit reasons
const (
	ExitExited   = "exited"
	ExitTimedOut = "timed_out"
	ExitIDChange = "id_change"
	ExitShutdown = "shutdown"
)

// Handler consumes the session's decoded events.
type Handler interface {
	HandleGlucose(ctx context.Context, r cgm.Reading)
	HandleCalibrationData(ctx context.Context, t time.Time, glucose int)
	HandleBattery(ctx context.Context, status cgm.BatteryStatus)
	HandleBackfill(ctx context.Context, readings []cgm.Reading)
}

// Observer is told about session lifecycle changes.
type Observer interface {
	SessionStarted(transmitterID string)
	SessionEnded(transmitterID, reason string)
}

// Options tune the supervisor timers.
type Options struct {
	Watchdog time.Duration
	Backoff  time.Duration
}

// Supervisor runs one session at a time for the active transmitter id.
type Supervisor struct {
	spawner  Spawner
	unpairer Unpairer
	queue    *CommandQueue
	handler  Handler
	store    storage.Store
	notifier notify.Notifier
	observer Observer
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	state    State
	id       string
	started  time.Time
	restarts int

	idMu sync.Mutex
	idCh chan string
}

// Config bundles the supervisor collaborators.
type Config struct {
	Spawner  Spawner
	Unpairer Unpairer
	Queue    *CommandQueue
	Handler  Handler
	Store    storage.Store
	Notifier notify.Notifier
	Observer Observer
	Options  Options
	Logger   *slog.Logger
}

// NewSupervisor creates a supervisor in the idle state.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Options.Watchdog <= 0 {
		cfg.Options.Watchdog = DefaultWatchdog
	}
	if cfg.Options.Backoff <= 0 {
		cfg.Options.Backoff = DefaultBackoff
	}
	return &Supervisor{
		spawner:  cfg.Spawner,
		unpairer: cfg.Unpairer,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		opts:     cfg.Options,
		logger:   cfg.Logger.With("component", "supervisor"),
		idCh:     make(chan string, 1),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TransmitterID returns the active transmitter id.
func (s *Supervisor) TransmitterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// SessionStarted returns when the running session was spawned, zero when no
// session is running.
func (s *Supervisor) SessionStarted() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return time.Time{}
	}
	return s.started
}

// Restarts counts sessions spawned after the first.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("state", "state", st.String())
}

func (s *Supervisor) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// SetTransmitterID persists a new id and asks the running session, if any,
// to terminate so the next one starts with the new id.
func (s *Supervisor) SetTransmitterID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoTransmitter
	}

	s.idMu.Lock()
	defer s.idMu.Unlock()

	if err := storage.SetJSON(ctx, s.store, storage.KeyTransmitterID, id); err != nil {
		return fmt.Errorf("save transmitter id: %w", err)
	}
	s.notifier.Notify(notify.NewEvent(notify.KindID, id))

	// keep only the latest request
	select {
	case <-s.idCh:
	default:
	}
	s.idCh <- id
	return nil
}

func (s *Supervisor) loadID(ctx context.Context) string {
	var id string
	if _, err := storage.GetJSON(ctx, s.store, storage.KeyTransmitterID, &id); err != nil {
		s.logger.Warn("load transmitter id failed", "error", err)
	}
	return id
}

// Run drives the state machine until ctx is cancelled:
// Idle -> Spawning -> Running -> (Exited | TimedOut) -> BackoffWait -> Spawning.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	id := s.loadID(ctx)
	s.setID(id)
	spawned := 0

	for {
		if id == "" {
			s.setState(StateIdle)
			s.logger.Info("no transmitter id, waiting")
			select {
			case <-ctx.Done():
				return nil
			case id = <-s.idCh:
				s.setID(id)
				continue
			}
		}

		s.setState(StateSpawning)
		sess, err := s.spawner.Spawn(ctx, id)
		if err != nil {
			s.logger.Error("spawn session failed", "transmitter", id, "error", err)
		} else {
			if spawned > 0 {
				s.mu.Lock()
				s.restarts++
				s.mu.Unlock()
			}
			spawned++

			reason, next := s.runSession(ctx, sess, id)
			s.afterExit(ctx, id, reason, sess.Err())
			if next != "" {
				id = next
				s.setID(id)
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateBackoffWait)
		backoff := time.NewTimer(s.opts.Backoff)
	wait:
		for {
			select {
			case <-ctx.Done():
				backoff.Stop()
				return nil
			case next := <-s.idCh:
				id = next
				s.setID(id)
			case <-backoff.C:
				break wait
			}
		}
	}
}

// afterExit removes the stale pairing and reports the exit.
func (s *Supervisor) afterExit(ctx context.Context, id, reason string, exitErr error) {
	s.logger.Info("session ended", "transmitter", id, "reason", reason, "exit", exitErr)

	if s.unpairer != nil {
		// unpair even during shutdown
		uctx := context.WithoutCancel(ctx)
		if err := s.unpairer.Unpair(uctx, id); err != nil {
			s.logger.Warn("unpair failed", "transmitter", id, "error", err)
		}
	}
	if s.observer != nil {
		s.observer.SessionEnded(id, reason)
	}
}

// runSession serves one session until it exits. It returns the exit reason
// and, on an id change, the new id.
func (s *Supervisor) runSession(ctx context.Context, sess Session, id string) (string, string) {
	s.mu.Lock()
	s.state = StateRunning
	s.started = time.Now()
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.SessionStarted(id)
	}

	watchdog := time.NewTimer(s.opts.Watchdog)
	defer watchdog.Stop()

	frames := sess.Frames()
	var nextID string
	reason := ExitExited

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.dispatch(ctx, sess, f)

		case <-sess.Done():
			s.drain(ctx, sess, frames)
			return reason, nextID

		case <-watchdog.C:
			s.logger.Warn("session watchdog expired, killing", "transmitter", id, "after", s.opts.Watchdog)
			if err := sess.Kill(); err != nil {
				s.logger.Error("kill session failed", "error", err)
			}
			reason = ExitTimedOut

		case newID := <-s.idCh:
			if newID == id {
				continue
			}
			s.logger.Info("transmitter id changed, terminating session", "from", id, "to", newID)
			nextID = newID
			reason = ExitIDChange
			if err := sess.Terminate(); err != nil {
				s.logger.Warn("terminate session failed", "error", err)
			}

		case <-ctx.Done():
			reason = ExitShutdown
			if err := sess.Terminate(); err != nil {
				s.logger.Warn("terminate session failed", "error", err)
			}
			if !waitExit(sess, frames, terminateGrace) {
				if err := sess.Kill(); err != nil {
					s.logger.Warn("kill session failed", "error", err)
				}
				waitExit(sess, frames, terminateGrace)
			}
			return reason, nextID
		}
	}
}

// drain delivers frames still buffered after the process exited.
func (s *Supervisor) drain(ctx context.Context, sess Session, frames <-chan Frame) {
	for frames != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.dispatch(ctx, sess, f)
		default:
			return
		}
	}
}

// waitExit discards output until the session exits or grace elapses.
func waitExit(sess Session, frames <-chan Frame, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-sess.Done():
			return true
		case _, ok := <-frames:
			if !ok {
				frames = nil
			}
		case <-timer.C:
			return false
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, sess Session, f Frame) {
	msg, err := Decode(f)
	if err != nil {
		s.logger.Warn("dropping frame", "kind", f.Kind, "error", err)
		return
	}

	switch m := msg.(type) {
	case GetMessages:
		queue, err := s.queue.List(ctx)
		if err != nil {
			s.logger.Error("list pending commands failed", "error", err)
			return
		}
		out, err := MessagesFrame(queue)
		if err != nil {
			s.logger.Error("encode messages failed", "error", err)
			return
		}
		if err := sess.Send(out); err != nil {
			s.logger.Warn("send messages failed", "error", err)
		}

	case Glucose:
		s.handler.HandleGlucose(ctx, m.Reading)

	case MessageProcessed:
		head, err := s.queue.Pop(ctx)
		if err != nil {
			s.logger.Error("pop pending command failed", "error", err)
			return
		}
		if head == nil {
			s.logger.Debug("ack with empty queue")
			return
		}
		if m.ID != "" && m.ID != head.ID {
			s.logger.Warn("ack id does not match queue head", "ack", m.ID, "head", head.ID)
		}
		s.logger.Info("command processed", "kind", head.Kind, "id", head.ID)

	case CalibrationData:
		s.handler.HandleCalibrationData(ctx, m.Time, m.Glucose)

	case BatteryStatus:
		s.handler.HandleBattery(ctx, m.Status)

	case SawTransmitter:
		s.logger.Info("saw transmitter", "id", m.ID)
		s.notifier.Notify(notify.NewEvent(notify.KindSawTransmitter, m.ID))

	case BackfillData:
		s.handler.HandleBackfill(ctx, m.Readings)
	}
}
