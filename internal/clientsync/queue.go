// Package clientsync holds the client's durable operation queue. Mutations are
// recorded locally first and replayed in FIFO order whenever the server is
// reachable.
package clientsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/clock"
	"waste-sync/internal/localstore"
	"waste-sync/internal/syncop"
)

const (
	QueueKey = "syncQueue"

	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Executor delivers one operation to the server.
type Executor interface {
	Execute(ctx context.Context, op syncop.QueuedOperation) error
}

type OnlineChecker interface {
	IsOnline() bool
}

// Optimist maintains the local optimistic view of queued mutations.
type Optimist interface {
	Apply(op syncop.QueuedOperation, intent syncop.Intent)
	Confirm(op syncop.QueuedOperation)
	Rollback(op syncop.QueuedOperation, err error)
}

// Notifier is told about every operation the queue gives up on, either
// because the server rejected it or because it ran out of attempts.
type Notifier interface {
	OperationFailed(op syncop.QueuedOperation, err error, exhausted bool)
}

type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration

	Clock    clock.Clock
	Optimist Optimist
	Notifier Notifier
}

type Queue struct {
	store  *localstore.Store
	exec   Executor
	online OnlineChecker
	opts   Options
	log    *zap.Logger

	mu           sync.Mutex
	ops          []syncop.QueuedOperation
	isProcessing bool

	lifecycle context.Context
	cancel    context.CancelFunc
	drains    sync.WaitGroup
}

func New(store *localstore.Store, exec Executor, online OnlineChecker, opts Options, log *zap.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "clientsync"))
	if opts.Optimist == nil {
		opts.Optimist = noopOptimist{}
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: log}
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:     store,
		exec:      exec,
		online:    online,
		opts:      opts,
		log:       log,
		lifecycle: lifecycle,
		cancel:    cancel,
	}
}

// Init restores the persisted queue and binds background drains to ctx.
func (q *Queue) Init(ctx context.Context) {
	q.cancel()
	lifecycle, cancel := context.WithCancel(ctx)

	var ops []syncop.QueuedOperation
	q.store.Retrieve(QueueKey, &ops)

	q.mu.Lock()
	q.lifecycle, q.cancel = lifecycle, cancel
	q.ops = ops
	q.isProcessing = false
	q.mu.Unlock()

	q.log.Info("queue restored", zap.Int("pending", len(ops)))
}

// Shutdown stops background drains and waits for the in-flight one to
// return. Unsent operations stay persisted.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.drains.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drain: %w", ctx.Err())
	}
}

// Enqueue validates intent, persists it and applies it optimistically. When
// online a drain is started in the background.
func (q *Queue) Enqueue(ctx context.Context, intent syncop.Intent) (syncop.QueuedOperation, error) {
	if err := ctx.Err(); err != nil {
		return syncop.QueuedOperation{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return syncop.QueuedOperation{}, fmt.Errorf("failed to generate operation id: %w", err)
	}

	op, err := syncop.NewOperation(id.String(), intent, q.opts.Clock.Now())
	if err != nil {
		return syncop.QueuedOperation{}, err
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.persistLocked()
	q.mu.Unlock()

	q.opts.Optimist.Apply(op, intent)

	q.log.Debug("operation enqueued",
		zap.String("id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("resource", op.Target.ResourceType))

	if q.online.IsOnline() {
		q.TriggerDrain()
	}
	return op, nil
}

// TriggerDrain starts a drain in the background. Overlapping triggers
// collapse into the drain already running.
func (q *Queue) TriggerDrain() {
	q.mu.Lock()
	ctx := q.lifecycle
	q.mu.Unlock()

	q.drains.Add(1)
	go func() {
		defer q.drains.Done()
		q.Drain(ctx)
	}()
}

// Drain processes the queue front to back, one operation at a time. It is a
// no-op when another drain holds the queue, the queue is empty, or the
// client is offline.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.isProcessing || len(q.ops) == 0 || !q.online.IsOnline() {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true
	q.mu.Unlock()

	for {
		if ctx.Err() != nil || !q.online.IsOnline() {
			q.idle()
			return
		}

		op, ok := q.front()
		if !ok {
			return
		}

		err := q.execute(ctx, op)
		if err == nil {
			q.remove(op.ID)
			q.opts.Optimist.Confirm(op)
			continue
		}
		if ctx.Err() != nil {
			// interrupted by shutdown, not a delivery failure
			q.idle()
			return
		}

		op.Attempts++
		if !apperrors.IsRetryable(err) {
			q.log.Warn("operation rejected", zap.String("id", op.ID), zap.Error(err))
			q.drop(op, err, false)
			continue
		}
		if op.Attempts >= q.opts.MaxAttempts {
			q.log.Error("operation permanently failed",
				zap.String("id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.String("endpoint", op.Target.Endpoint),
				zap.Int("attempts", op.Attempts),
				zap.Error(err))
			q.drop(op, err, true)
			continue
		}

		delay := q.opts.RetryDelay * time.Duration(op.Attempts)
		q.requeue(op)
		q.log.Info("retrying operation",
			zap.String("id", op.ID),
			zap.Int("attempt", op.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := q.opts.Clock.Sleep(ctx, delay); err != nil {
			q.idle()
			return
		}
	}
}

func (q *Queue) Status() syncop.SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	return syncop.SyncStatus{
		QueueLength:       len(q.ops),
		IsProcessing:      q.isProcessing,
		IsOnline:          q.online.IsOnline(),
		PendingOperations: q.snapshotLocked(),
	}
}

func (q *Queue) Pending() []syncop.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) execute(ctx context.Context, op syncop.QueuedOperation) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.RequestTimeout)
	defer cancel()
	return q.exec.Execute(ctx, op)
}

// front returns the head of the queue. An empty queue ends the drain under
// the same lock Enqueue appends with, so a concurrent enqueue either lands
// in this drain or finds the queue idle.
func (q *Queue) front() (syncop.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		q.isProcessing = false
		return syncop.QueuedOperation{}, false
	}
	return q.ops[0], true
}

func (q *Queue) idle() {
	q.mu.Lock()
	q.isProcessing = false
	q.mu.Unlock()
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.persistLocked()
}

// requeue puts op back at the front with its updated attempt count.
func (q *Queue) requeue(op syncop.QueuedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.ops = append([]syncop.QueuedOperation{op}, q.ops...)
	q.persistLocked()
}

func (q *Queue) drop(op syncop.QueuedOperation, err error, exhausted bool) {
	q.remove(op.ID)
	q.opts.Optimist.Rollback(op, err)
	q.opts.Notifier.OperationFailed(op, err, exhausted)
}

func (q *Queue) persistLocked() {
	q.store.Store(QueueKey, q.ops)
}

func (q *Queue) snapshotLocked() []syncop.QueuedOperation {
	out := make([]syncop.QueuedOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

type noopOptimist struct{}

func (noopOptimist) Apply(syncop.QueuedOperation, syncop.Intent) {}
func (noopOptimist) Confirm(syncop.QueuedOperation)              {}
func (noopOptimist) Rollback(syncop.QueuedOperation, error)      {}

// LogNotifier reports failed operations through the logger only.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) OperationFailed(op syncop.QueuedOperation, err error, exhausted bool) {
	n.Log.Error("sync operation dropped",
		zap.String("id", op.ID),
		zap.String("endpoint", op.Target.Endpoint),
		zap.Bool("exhausted", exhausted),
		zap.String("reason", apperrors.Message(err)))
}
