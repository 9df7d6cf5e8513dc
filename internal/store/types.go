package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/draftsync/pkg/schema"
)

// StateRecord is the persisted canonical onboarding state, one row per
// session. FormData holds the per-step form-data objects keyed by step ID.
// LastSaved is serialized as RFC3339 text; a value in any other format is
// treated as a legacy record and discarded on load (see LoadState).
type StateRecord struct {
	SessionID       string                               `json:"session_id"`
	CurrentStep     schema.OnboardingStep                `json:"current_step"`
	CompletedSteps  []schema.OnboardingStep              `json:"completed_steps"`
	FormData        map[schema.OnboardingStep]json.RawMessage `json:"form_data"`
	Status          schema.ApplicationStatus             `json:"application_status"`
	Progress        float64                              `json:"progress_percentage"`
	EstimatedMins   int                                  `json:"estimated_time_remaining"`
	HasUnsaved      bool                                 `json:"has_unsaved_changes"`
	LastSaved       *time.Time                           `json:"last_saved,omitempty"`
	SubmissionDate  *time.Time                           `json:"submission_date,omitempty"`
	ReferenceNumber string                               `json:"reference_number,omitempty"`
	UpdatedAt       time.Time                            `json:"updated_at"`
}

// DraftRecord is a per-step snapshot of unsaved form data, held separately
// from the canonical state until committed.
type DraftRecord struct {
	SessionID string                `json:"session_id"`
	StepID    schema.OnboardingStep `json:"step_id"`
	Data      json.RawMessage       `json:"data"`
	Hash      string                `json:"hash"`
	SavedAt   time.Time             `json:"saved_at"`
}

// Operation status values for the persisted queue projection.
const (
	OpStatusPending   = "pending"
	OpStatusFailed    = "failed"
	OpStatusCompleted = "completed"
)

// OperationRecord is the serializable projection of a queued operation.
// The callable itself is never persisted; it is reconstructed from the
// operation factory registry keyed by Type.
type OperationRecord struct {
	ID            string                `json:"id"`
	SessionID     string                `json:"session_id"`
	Type          string                `json:"type"`
	StepID        schema.OnboardingStep `json:"step_id,omitempty"`
	Payload       json.RawMessage       `json:"payload,omitempty"`
	Description   string                `json:"description,omitempty"`
	Priority      int                   `json:"priority"`
	RetryCount    int                   `json:"retry_count"`
	MaxRetries    int                   `json:"max_retries"`
	Status        string                `json:"status"`
	LastError     string                `json:"last_error,omitempty"`
	LastErrorAt   *time.Time            `json:"last_error_at,omitempty"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
	LastAttemptAt *time.Time            `json:"last_attempt_at,omitempty"`
}

// Event is an immutable entry in the session event log.
type Event struct {
	ID        int64                 `json:"id"`
	SessionID string                `json:"session_id"`
	StepID    schema.OnboardingStep `json:"step_id,omitempty"`
	Type      string                `json:"event_type"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Sequence  int64                 `json:"sequence"`
}

// OperationFilter specifies criteria for listing queued operations.
type OperationFilter struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Type      string `json:"type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// OperationUpdate specifies mutable fields of a queued operation.
type OperationUpdate struct {
	RetryCount    *int       `json:"retry_count,omitempty"`
	Status        string     `json:"status,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	SessionID string                `json:"session_id,omitempty"`
	StepID    schema.OnboardingStep `json:"step_id,omitempty"`
	EventType string                `json:"event_type,omitempty"`
	Since     *time.Time            `json:"since,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
}
