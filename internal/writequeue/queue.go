// Package writequeue serializes every write against the system of record.
// Operations run one at a time in arrival order, so two updates to the same
// waste transaction can never interleave.
package writequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/clock"
	"waste-sync/internal/domain"
	"waste-sync/internal/metrics"
	"waste-sync/internal/syncop"
)

const (
	DefaultMaxAttempts      = 3
	DefaultRetryDelay       = time.Second
	DefaultOperationTimeout = 10 * time.Second
	DefaultOutcomeTTL       = 24 * time.Hour
	DefaultMaxOutcomes      = 10000
)

var ErrShuttingDown = apperrors.Transient("server is shutting down", nil)

// Operation is a write waiting for its turn. Resource selects the executor
// branch; Filter identifies the record for everything but CREATE.
type Operation struct {
	ID         string
	Kind       syncop.Kind
	Resource   string
	Filter     syncop.Filter
	Payload    json.RawMessage
	Actor      domain.Actor
	EnqueuedAt time.Time
	Attempts   int
}

// Executor applies one operation and returns what the caller should see.
type Executor interface {
	Execute(ctx context.Context, op *Operation) (any, error)
}

type Result struct {
	Value any
	Err   error
}

type Options struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	OperationTimeout time.Duration
	// OutcomeTTL is how long the final result of a caller-identified
	// operation is kept to answer a resubmission of the same id.
	OutcomeTTL  time.Duration
	MaxOutcomes int
	Clock       clock.Clock
}

type item struct {
	op      *Operation
	key     string
	waiters []chan Result
}

type outcome struct {
	res Result
	at  time.Time
}

type outcomeRef struct {
	key string
	at  time.Time
}

type Queue struct {
	exec Executor
	opts Options
	log  *zap.Logger

	mu           sync.Mutex
	items        []*item
	isProcessing bool
	closed       bool

	// queued operations and recent final outcomes, by replayKey
	inflight map[string]*item
	outcomes map[string]outcome
	order    []outcomeRef

	lifecycle context.Context
	cancel    context.CancelFunc
	passes    sync.WaitGroup
}

func New(exec Executor, opts Options, log *zap.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.OutcomeTTL <= 0 {
		opts.OutcomeTTL = DefaultOutcomeTTL
	}
	if opts.MaxOutcomes <= 0 {
		opts.MaxOutcomes = DefaultMaxOutcomes
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:      exec,
		opts:      opts,
		log:       log.With(zap.String("component", "writequeue")),
		inflight:  make(map[string]*item),
		outcomes:  make(map[string]outcome),
		lifecycle: lifecycle,
		cancel:    cancel,
	}
}

// AddToQueue appends op and starts processing if the queue is idle. The
// outcome is only logged.
func (q *Queue) AddToQueue(op Operation) (string, error) {
	return q.add(op, nil)
}

// Submit appends op and waits for its final outcome: success, a permanent
// failure, or the last transient failure once attempts run out. If ctx ends
// first the operation still runs.
//
// An op whose caller-supplied id is still queued joins that operation
// instead of running twice, and one that already finished gets its recorded
// outcome. Only successes and permanent failures are recorded.
func (q *Queue) Submit(ctx context.Context, op Operation) (any, error) {
	done := make(chan Result, 1)
	if _, err := q.add(op, done); err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, apperrors.Transient("operation still queued", ctx.Err())
	}
}

// Trigger starts a pass bound to the queue's lifetime and returns a channel
// closed when it ends. Callers may stop waiting without affecting the pass.
func (q *Queue) Trigger() <-chan struct{} {
	done := make(chan struct{})

	q.mu.Lock()
	ctx := q.lifecycle
	q.passes.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.passes.Done()
		defer close(done)
		q.ProcessQueue(ctx)
	}()
	return done
}

func (q *Queue) add(op Operation, done chan Result) (string, error) {
	var key string
	if op.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate operation id: %w", err)
		}
		op.ID = id.String()
	} else {
		key = replayKey(&op)
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.opts.Clock.Now()
	}
	op.Attempts = 0

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrShuttingDown
	}

	if key != "" {
		if out, ok := q.outcomeLocked(key); ok {
			q.mu.Unlock()
			q.log.Debug("operation already finished, answering from its outcome", zap.String("id", op.ID))
			if done != nil {
				done <- out
			}
			return op.ID, nil
		}
		if it, ok := q.inflight[key]; ok {
			if done != nil {
				it.waiters = append(it.waiters, done)
			}
			q.mu.Unlock()
			q.log.Debug("operation already queued, joining it", zap.String("id", op.ID))
			return op.ID, nil
		}
	}

	it := &item{op: &op, key: key}
	if done != nil {
		it.waiters = append(it.waiters, done)
	}
	q.items = append(q.items, it)
	if key != "" {
		q.inflight[key] = it
	}
	metrics.QueueLength.Set(float64(len(q.items)))
	ctx := q.lifecycle
	q.passes.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.passes.Done()
		q.ProcessQueue(ctx)
	}()
	return op.ID, nil
}

// replayKey scopes a caller-supplied id to its user, like the idempotency
// keys it comes from.
func replayKey(op *Operation) string {
	return op.Actor.UserID + ":" + op.ID
}

// ProcessQueue runs one sequential pass until the queue is empty. A second
// caller while a pass is running returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.isProcessing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true
	q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			q.idle()
			return
		}

		it, ok := q.next()
		if !ok {
			return
		}
		op := it.op

		value, err := q.execute(ctx, op)
		if err == nil {
			q.finish(it, Result{Value: value}, metrics.OutcomeSucceeded)
			continue
		}
		if ctx.Err() != nil {
			q.idle()
			return
		}

		q.mu.Lock()
		op.Attempts++
		attempts := op.Attempts
		q.mu.Unlock()

		if !apperrors.IsRetryable(err) {
			q.log.Warn("operation rejected",
				zap.String("id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.String("resource", op.Resource),
				zap.Error(err))
			q.finish(it, Result{Err: err}, metrics.OutcomeRejected)
			continue
		}
		if attempts >= q.opts.MaxAttempts {
			q.log.Error("operation permanently failed",
				zap.String("id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.String("resource", op.Resource),
				zap.Int("attempts", attempts),
				zap.Error(err))
			q.finish(it, Result{Err: err}, metrics.OutcomeExhausted)
			continue
		}

		delay := q.opts.RetryDelay * time.Duration(attempts)
		metrics.QueueRetriesTotal.Inc()
		q.log.Info("retrying operation",
			zap.String("id", op.ID),
			zap.Int("attempt", attempts),
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

	pending := make([]syncop.QueuedOperation, 0, len(q.items))
	for _, it := range q.items {
		pending = append(pending, it.op.queued())
	}
	return syncop.SyncStatus{
		QueueLength:       len(q.items),
		IsProcessing:      q.isProcessing,
		IsOnline:          !q.closed,
		PendingOperations: pending,
	}
}

// Shutdown refuses new work and drains what is queued. Operations still
// pending when ctx ends are failed back to their waiters.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	remaining := len(q.items)
	q.mu.Unlock()

	q.log.Info("draining queue", zap.Int("pending", remaining))

	done := make(chan struct{})
	go func() {
		q.passes.Wait()
		q.ProcessQueue(ctx)
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
	}

	q.cancel()
	<-done

	q.mu.Lock()
	lost := q.items
	q.items = nil
	q.inflight = make(map[string]*item)
	metrics.QueueLength.Set(0)
	waiters := make([][]chan Result, len(lost))
	for i, it := range lost {
		waiters[i] = it.waiters
	}
	q.mu.Unlock()

	for i, it := range lost {
		q.log.Error("operation lost at shutdown", zap.String("id", it.op.ID), zap.String("resource", it.op.Resource))
		for _, w := range waiters[i] {
			w <- Result{Err: ErrShuttingDown}
		}
	}
	return fmt.Errorf("queue drain interrupted with %d operations pending: %w", len(lost), ctx.Err())
}

func (q *Queue) execute(ctx context.Context, op *Operation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OperationTimeout)
	defer cancel()
	return q.exec.Execute(ctx, op)
}

// next returns the head of the queue. On an empty queue it ends the pass
// under the same lock add uses, so an item appended concurrently always
// finds either a running pass or an idle queue.
func (q *Queue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.isProcessing = false
		return nil, false
	}
	return q.items[0], true
}

func (q *Queue) idle() {
	q.mu.Lock()
	q.isProcessing = false
	q.mu.Unlock()
}

func (q *Queue) finish(it *item, res Result, result string) {
	q.mu.Lock()
	for i := range q.items {
		if q.items[i] == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if it.key != "" {
		delete(q.inflight, it.key)
		if result != metrics.OutcomeExhausted {
			q.recordLocked(it.key, res)
		}
	}
	waiters := it.waiters
	metrics.QueueLength.Set(float64(len(q.items)))
	q.mu.Unlock()

	metrics.QueueOperationsTotal.WithLabelValues(string(it.op.Kind), result).Inc()
	for _, w := range waiters {
		w <- res
	}
}

func (q *Queue) outcomeLocked(key string) (Result, bool) {
	out, ok := q.outcomes[key]
	if !ok {
		return Result{}, false
	}
	if q.opts.Clock.Now().Sub(out.at) > q.opts.OutcomeTTL {
		delete(q.outcomes, key)
		return Result{}, false
	}
	return out.res, true
}

// recordLocked keeps res for key and evicts the oldest outcomes past the TTL
// or the size cap. An order entry only evicts the outcome it was written for.
func (q *Queue) recordLocked(key string, res Result) {
	now := q.opts.Clock.Now()
	q.outcomes[key] = outcome{res: res, at: now}
	q.order = append(q.order, outcomeRef{key: key, at: now})

	for len(q.order) > 0 {
		head := q.order[0]
		if len(q.order) <= q.opts.MaxOutcomes && now.Sub(head.at) <= q.opts.OutcomeTTL {
			break
		}
		if out, ok := q.outcomes[head.key]; ok && out.at.Equal(head.at) {
			delete(q.outcomes, head.key)
		}
		q.order = q.order[1:]
	}
}

func (op *Operation) queued() syncop.QueuedOperation {
	var filter json.RawMessage
	if op.Filter.ID != "" {
		filter, _ = json.Marshal(op.Filter)
	}
	return syncop.QueuedOperation{
		ID:         op.ID,
		Kind:       op.Kind,
		Target:     syncop.Target{ResourceType: op.Resource},
		Payload:    op.Payload,
		Filter:     filter,
		EnqueuedAt: op.EnqueuedAt,
		Attempts:   op.Attempts,
	}
}
