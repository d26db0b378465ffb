package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/notify"
	"github.com/pv/cgmrig/internal/storage"
)

// ErrInvalidCommand is returned for commands the transmitter would reject.
var ErrInvalidCommand = errors.New("invalid command")

// CommandQueue is the persisted FIFO of commands waiting for the session.
// Every mutation is written to the store before it is announced, so the
// queue survives a daemon or session crash in order.
type CommandQueue struct {
	mu       sync.Mutex
	store    storage.Store
	notifier notify.Notifier
	now      func() time.Time
}

// NewCommandQueue creates a queue backed by store.
func NewCommandQueue(store storage.Store, notifier notify.Notifier) *CommandQueue {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &CommandQueue{
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

func (q *CommandQueue) load(ctx context.Context) ([]cgm.PendingCommand, error) {
	var queue []cgm.PendingCommand
	if _, err := storage.GetJSON(ctx, q.store, storage.KeyPendingCommands, &queue); err != nil {
		return nil, fmt.Errorf("load pending commands: %w", err)
	}
	return queue, nil
}

func (q *CommandQueue) save(ctx context.Context, queue []cgm.PendingCommand) error {
	if err := storage.SetJSON(ctx, q.store, storage.KeyPendingCommands, queue); err != nil {
		return fmt.Errorf("save pending commands: %w", err)
	}
	q.notifier.Notify(notify.NewEvent(notify.KindPending, queue))
	return nil
}

// Enqueue appends a command. glucose is only used by CalibrateSensor.
func (q *CommandQueue) Enqueue(ctx context.Context, kind cgm.CommandKind, glucose int) (cgm.PendingCommand, error) {
	if kind == cgm.CommandCalibrateSensor && !cgm.ValidGlucose(glucose) {
		return cgm.PendingCommand{}, fmt.Errorf("%w: calibration glucose %d out of range", ErrInvalidCommand, glucose)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return cgm.PendingCommand{}, fmt.Errorf("generate command id: %w", err)
	}
	cmd := cgm.PendingCommand{
		ID:       id.String(),
		IssuedAt: q.now().UTC(),
		Kind:     kind,
	}
	if kind == cgm.CommandCalibrateSensor {
		cmd.Glucose = glucose
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx)
	if err != nil {
		return cgm.PendingCommand{}, err
	}
	queue = append(queue, cmd)
	if err := q.save(ctx, queue); err != nil {
		return cgm.PendingCommand{}, err
	}
	return cmd, nil
}

// List returns the queue without modifying it.
func (q *CommandQueue) List(ctx context.Context) ([]cgm.PendingCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Pop removes the oldest command. It returns nil when the queue is empty.
func (q *CommandQueue) Pop(ctx context.Context) (*cgm.PendingCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	head := queue[0]
	if err := q.save(ctx, queue[1:]); err != nil {
		return nil, err
	}
	return &head, nil
}
