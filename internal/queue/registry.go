package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// Factory reconstructs an operation callable from its persisted record.
// Callables cannot be serialized, so after a restart the registry turns
// each surviving record back into something runnable.
type Factory func(rec *store.OperationRecord) (Operation, error)

// Registry maps operation types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to an operation type, replacing any previous
// binding for that type.
func (r *Registry) Register(opType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[opType] = f
}

// Get returns the factory for opType.
func (r *Registry) Get(opType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[opType]
	return f, ok
}

// Has reports whether a factory is registered for opType.
func (r *Registry) Has(opType string) bool {
	_, ok := r.Get(opType)
	return ok
}

// Count returns the number of registered factories.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Rebuild loads the session's persisted pending and failed operations and
// re-adds them to the queue with factory-built callables. Records whose
// type has no factory are dropped from the store and counted as skipped.
func (r *Registry) Rebuild(ctx context.Context, s store.Store, q *OperationQueue, sessionID string, logger *slog.Logger) (restored, skipped int, err error) {
	recs, err := s.ListOperations(ctx, store.OperationFilter{SessionID: sessionID})
	if err != nil {
		return 0, 0, schema.NewError(schema.ErrCodeStore, "rebuild: list persisted operations").WithCause(err)
	}

	for _, rec := range recs {
		if rec.Status != store.OpStatusPending && rec.Status != store.OpStatusFailed {
			continue
		}
		factory, ok := r.Get(rec.Type)
		if !ok {
			logger.Warn("no factory for persisted operation, dropping",
				slog.String("operation_id", rec.ID), slog.String("type", rec.Type))
			if delErr := s.DeleteOperation(ctx, rec.ID); delErr != nil {
				logger.Warn("drop orphaned operation", slog.String("error", delErr.Error()))
			}
			skipped++
			continue
		}
		run, buildErr := factory(rec)
		if buildErr != nil {
			logger.Warn("factory failed for persisted operation, dropping",
				slog.String("operation_id", rec.ID), slog.String("type", rec.Type),
				slog.String("error", buildErr.Error()))
			if delErr := s.DeleteOperation(ctx, rec.ID); delErr != nil {
				logger.Warn("drop unbuildable operation", slog.String("error", delErr.Error()))
			}
			skipped++
			continue
		}
		q.restore(rec, run)
		restored++
	}

	if restored > 0 {
		logger.Info("rebuilt persisted operations",
			slog.Int("restored", restored), slog.Int("skipped", skipped))
		q.Kick()
	}
	return restored, skipped, nil
}
