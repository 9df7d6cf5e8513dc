// Package queue holds deferred remote operations and drains them when the
// network is up, ordered by priority then enqueue order, with bounded
// exponential-backoff retry.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/draftsync/internal/logging"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// Operation types. save is the workhorse; the rest exist so the factory
// registry can rebuild any persisted operation after a restart.
const (
	OpSave   = "save"
	OpUpload = "upload"
	OpSubmit = "submit"
	OpDelete = "delete"
	OpUpdate = "update"
)

// Operation is a no-argument async callable executed against the remote
// system. It returns nil on success or an error on failure; a panic is
// treated identically to a returned error.
type Operation func(ctx context.Context) error

// Request describes an operation to enqueue.
type Request struct {
	Type        string
	StepID      schema.OnboardingStep
	Operation   Operation
	Payload     []byte
	Description string
	Priority    int // lower = higher priority
	MaxRetries  int
	OnSuccess   func()
	OnError     func(error)
	OnRetry     func(retryCount int, err error)
}

// OnlineChecker is satisfied by the network monitor.
type OnlineChecker interface {
	IsOnline() bool
}

// Config holds queue tuning. Zero values fall back to defaults.
type Config struct {
	Backoff BackoffPolicy
}

type queuedOp struct {
	rec       *store.OperationRecord
	run       Operation
	seq       int64 // enqueue order tiebreaker within a priority bucket
	onSuccess func()
	onError   func(error)
	onRetry   func(int, error)
}

// OperationQueue is a durable, priority-ordered queue of deferred remote
// operations. Only one drain pass runs at a time; concurrent ProcessQueue
// calls while a drain is in flight are no-ops.
type OperationQueue struct {
	store     store.Store
	online    OnlineChecker
	sessionID string
	logger    *slog.Logger
	backoff   BackoffPolicy

	mu              sync.Mutex
	ops             []*queuedOp
	nextSeq         int64
	completed       int
	processing      bool
	lastProcessedAt *time.Time

	lifecycleMu sync.Mutex
	kick        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewOperationQueue creates an OperationQueue persisting its projection to s.
func NewOperationQueue(s store.Store, online OnlineChecker, sessionID string, cfg Config, logger *slog.Logger) *OperationQueue {
	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = DefaultBackoffPolicy()
	}
	return &OperationQueue{
		store:     s,
		online:    online,
		sessionID: sessionID,
		logger:    logger,
		backoff:   backoff,
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue adds an operation and persists its serializable projection
// (never the callable). Returns the operation id.
func (q *OperationQueue) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.Operation == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "enqueue: operation callable is required")
	}
	if req.Type == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "enqueue: operation type is required")
	}
	if req.MaxRetries < 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "enqueue: maxRetries must be >= 0")
	}

	rec := &store.OperationRecord{
		ID:          uuid.NewString(),
		SessionID:   q.sessionID,
		Type:        req.Type,
		StepID:      req.StepID,
		Payload:     req.Payload,
		Description: req.Description,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		Status:      store.OpStatusPending,
		EnqueuedAt:  time.Now().UTC(),
	}

	// Persistence failures are confined: the operation still runs this
	// session, it just will not survive a reload.
	if err := q.store.SaveOperation(ctx, rec); err != nil {
		logging.LogWith(ctx, q.logger).Warn("persist queued operation",
			slog.String("operation_id", rec.ID), slog.String("error", err.Error()))
	}

	q.mu.Lock()
	q.nextSeq++
	q.ops = append(q.ops, &queuedOp{
		rec:       rec,
		run:       req.Operation,
		seq:       q.nextSeq,
		onSuccess: req.OnSuccess,
		onError:   req.OnError,
		onRetry:   req.OnRetry,
	})
	q.mu.Unlock()

	q.Kick()
	return rec.ID, nil
}

// Kick nudges the drain loop without blocking. A no-op when the loop is
// not running or a kick is already buffered.
func (q *OperationQueue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start launches the background drain loop serving Kick signals.
func (q *OperationQueue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.done != nil {
		return fmt.Errorf("operation queue already started")
	}

	drainCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		for {
			select {
			case <-drainCtx.Done():
				return
			case <-q.kick:
				q.ProcessQueue(drainCtx)
			}
		}
	}()

	q.logger.Info("operation queue started")
	return nil
}

// Stop shuts down the drain loop; backoff waits in a running pass are
// cancelled through the loop context.
func (q *OperationQueue) Stop() error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil
	q.logger.Info("operation queue stopped")
	return nil
}

// ProcessQueue drains pending operations in priority order while online.
// A re-entrant call while a drain is in flight is a no-op.
func (q *OperationQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil || !q.online.IsOnline() {
			return
		}
		op := q.nextPending()
		if op == nil {
			return
		}
		if !q.execute(ctx, op) {
			// Interrupted mid-operation (offline or cancelled); the
			// operation stays pending with its retry count preserved.
			return
		}
	}
}

// nextPending returns the highest-priority pending operation, FIFO within
// a priority bucket.
func (q *OperationQueue) nextPending() *queuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*queuedOp
	for _, op := range q.ops {
		if op.rec.Status == store.OpStatusPending {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].rec.Priority != pending[j].rec.Priority {
			return pending[i].rec.Priority < pending[j].rec.Priority
		}
		return pending[i].seq < pending[j].seq
	})
	return pending[0]
}

// execute runs one operation to completion, failure, or interruption.
// Returns false when the drain pass should stop (offline/cancelled).
func (q *OperationQueue) execute(ctx context.Context, op *queuedOp) bool {
	opCtx := logging.WithOperationID(ctx, op.rec.ID)
	log := logging.LogWith(opCtx, q.logger).With(
		slog.String("type", op.rec.Type),
		slog.String("step", string(op.rec.StepID)))

	for {
		now := time.Now().UTC()
		op.rec.LastAttemptAt = &now
		err := runSafely(opCtx, op.run)

		if err == nil {
			q.complete(opCtx, op)
			log.Debug("operation completed",
				slog.Int("retries", op.rec.RetryCount))
			return true
		}

		if ctx.Err() != nil {
			q.persist(opCtx, op)
			return false
		}

		retryable := IsRetryableError(err)
		if retryable && op.rec.RetryCount < op.rec.MaxRetries {
			delay := q.backoff.Delay(op.rec.RetryCount)
			op.rec.RetryCount++
			errMsg := err.Error()
			op.rec.LastError = errMsg
			errAt := time.Now().UTC()
			op.rec.LastErrorAt = &errAt
			q.persist(opCtx, op)

			log.Warn("operation failed, retrying",
				slog.Int("retry_count", op.rec.RetryCount),
				slog.Int("max_retries", op.rec.MaxRetries),
				slog.Duration("backoff", delay),
				slog.String("error", errMsg))
			if op.onRetry != nil {
				op.onRetry(op.rec.RetryCount, err)
			}

			if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
				q.persist(opCtx, op)
				return false
			}
			if !q.online.IsOnline() {
				// Went offline during backoff; defer, don't fail.
				return false
			}
			continue
		}

		q.fail(opCtx, op, err)
		log.Error("operation failed permanently",
			slog.Int("attempts", op.rec.RetryCount+1),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()))
		if op.onError != nil {
			op.onError(err)
		}
		return true
	}
}

// runSafely executes the callable, converting a panic into an error so a
// misbehaving operation cannot take down the drain loop.
func runSafely(ctx context.Context, run Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "operation panicked: %v", r)
		}
	}()
	return run(ctx)
}

func (q *OperationQueue) complete(ctx context.Context, op *queuedOp) {
	q.mu.Lock()
	op.rec.Status = store.OpStatusCompleted
	q.completed++
	now := time.Now().UTC()
	q.lastProcessedAt = &now
	for i, o := range q.ops {
		if o == op {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err := q.store.DeleteOperation(ctx, op.rec.ID); err != nil {
		logging.LogWith(ctx, q.logger).Warn("delete completed operation",
			slog.String("error", err.Error()))
	}
	if op.onSuccess != nil {
		op.onSuccess()
	}
}

func (q *OperationQueue) fail(ctx context.Context, op *queuedOp, cause error) {
	q.mu.Lock()
	op.rec.Status = store.OpStatusFailed
	op.rec.LastError = cause.Error()
	now := time.Now().UTC()
	op.rec.LastErrorAt = &now
	q.lastProcessedAt = &now
	q.mu.Unlock()

	q.persist(ctx, op)
}

func (q *OperationQueue) persist(ctx context.Context, op *queuedOp) {
	if err := q.store.SaveOperation(ctx, op.rec); err != nil {
		logging.LogWith(ctx, q.logger).Warn("persist operation state",
			slog.String("operation_id", op.rec.ID), slog.String("error", err.Error()))
	}
}

// RetryFailed resets the retry count of every failed operation and
// triggers a new drain.
func (q *OperationQueue) RetryFailed(ctx context.Context) int {
	q.mu.Lock()
	rearmed := 0
	for _, op := range q.ops {
		if op.rec.Status == store.OpStatusFailed {
			op.rec.Status = store.OpStatusPending
			op.rec.RetryCount = 0
			rearmed++
		}
	}
	q.mu.Unlock()

	if rearmed > 0 {
		q.logger.Info("re-armed failed operations", slog.Int("count", rearmed))
		q.Kick()
	}
	return rearmed
}

// Clear drops every queued operation, both in memory and persisted.
func (q *OperationQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	for _, op := range ops {
		if err := q.store.DeleteOperation(ctx, op.rec.ID); err != nil {
			logging.LogWith(ctx, q.logger).Warn("clear queued operation",
				slog.String("operation_id", op.rec.ID), slog.String("error", err.Error()))
		}
	}
}

// Counts returns a snapshot of queue occupancy.
func (q *OperationQueue) Counts() schema.QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := schema.QueueCounts{
		Completed:    q.completed,
		IsProcessing: q.processing,
	}
	for _, op := range q.ops {
		switch op.rec.Status {
		case store.OpStatusPending:
			counts.Pending++
		case store.OpStatusFailed:
			counts.Failed++
		}
	}
	counts.Total = counts.Pending + counts.Failed + q.completed
	return counts
}

// FailedOperations returns copies of the records that exhausted their retries.
func (q *OperationQueue) FailedOperations() []*store.OperationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []*store.OperationRecord
	for _, op := range q.ops {
		if op.rec.Status == store.OpStatusFailed {
			cp := *op.rec
			failed = append(failed, &cp)
		}
	}
	return failed
}

// LastProcessedAt returns the completion time of the most recent attempt
// that finished a drain step, or nil when nothing has been processed.
func (q *OperationQueue) LastProcessedAt() *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessedAt
}

// restore re-adds a persisted operation with a reconstructed callable.
// Used by Rebuild; the record keeps its id, retry count, and status.
func (q *OperationQueue) restore(rec *store.OperationRecord, run Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.ops = append(q.ops, &queuedOp{rec: rec, run: run, seq: q.nextSeq})
}
