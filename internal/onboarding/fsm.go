package onboarding

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.ApplicationStatus) error

// EventAppender is satisfied by the Store; FSMs emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ApplicationStatus
}

// StatusFSM validates application-status transitions initiated locally and
// emits a status_changed event for each one. Remote status updates bypass
// it entirely; the backend is authoritative (see StateStore.ApplyRemoteStatus).
type StatusFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM emitting events via the given appender.
func NewStatusFSM(appender EventAppender) *StatusFSM {
	return &StatusFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts
// the transition.
func (f *StatusFSM) OnBefore(from, to schema.ApplicationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *StatusFSM) OnAfter(from, to schema.ApplicationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a status transition. The caller is
// responsible for persisting the new status.
func (f *StatusFSM) Transition(ctx context.Context, sessionID string, from, to schema.ApplicationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid status transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
	event := &store.Event{
		SessionID: sessionID,
		Type:      schema.EventStatusChanged,
		Payload:   payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit status event: %s", err.Error()).WithCause(err)
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.ApplicationStatus) bool {
	allowed, ok := schema.ValidStatusTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
