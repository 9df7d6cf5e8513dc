package store

import (
	"context"

	"github.com/rendis/draftsync/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Canonical onboarding state (one record per session)
	SaveState(ctx context.Context, rec *StateRecord) error
	LoadState(ctx context.Context, sessionID string) (*StateRecord, error)
	DeleteState(ctx context.Context, sessionID string) error

	// Drafts (keyed by session + step)
	SaveDraft(ctx context.Context, draft *DraftRecord) error
	GetDraft(ctx context.Context, sessionID string, step schema.OnboardingStep) (*DraftRecord, error)
	ListDrafts(ctx context.Context, sessionID string) ([]*DraftRecord, error)
	DeleteDraft(ctx context.Context, sessionID string, step schema.OnboardingStep) error

	// Queue projection (callables excluded; see queue.Registry)
	SaveOperation(ctx context.Context, op *OperationRecord) error
	UpdateOperation(ctx context.Context, id string, update OperationUpdate) error
	ListOperations(ctx context.Context, filter OperationFilter) ([]*OperationRecord, error)
	DeleteOperation(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
