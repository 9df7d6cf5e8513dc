// Package onboarding holds the canonical wizard state: current step,
// completed steps, per-step form data, and application status. It is the
// single mutable source of truth; every writer goes through its methods so
// last-writer-wins stays explicit and auditable in the event log.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/draftsync/internal/logging"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/internal/validation"
	"github.com/rendis/draftsync/pkg/schema"
)

// StateStore owns the canonical onboarding state for one session. Every
// mutation persists the full record before returning, so a reload observes
// the last completed write.
type StateStore struct {
	store     store.Store
	validator validation.Validator
	fsm       *StatusFSM
	sessionID string
	logger    *slog.Logger

	mu  sync.RWMutex
	rec *store.StateRecord
}

// NewStateStore loads the session's persisted state, falling back to a
// fresh default record when none exists (or when the persisted record was
// discarded as unreadable).
func NewStateStore(ctx context.Context, s store.Store, validator validation.Validator, fsm *StatusFSM, sessionID string, logger *slog.Logger) (*StateStore, error) {
	st := &StateStore{
		store:     s,
		validator: validator,
		fsm:       fsm,
		sessionID: sessionID,
		logger:    logger,
	}

	rec, err := s.LoadState(ctx, sessionID)
	if err != nil {
		var syncErr *schema.SyncError
		if !errors.As(err, &syncErr) || syncErr.Code != schema.ErrCodeNotFound {
			return nil, schema.NewError(schema.ErrCodeStore, "load onboarding state").WithCause(err)
		}
		rec = defaultRecord(sessionID)
		logging.LogWith(ctx, st.logger).Info("initialized fresh onboarding state")
	}
	st.rec = rec
	return st, nil
}

func defaultRecord(sessionID string) *store.StateRecord {
	return &store.StateRecord{
		SessionID:     sessionID,
		CurrentStep:   schema.StepBasicInfo,
		FormData:      make(map[schema.OnboardingStep]json.RawMessage),
		Status:        schema.StatusDraft,
		EstimatedMins: totalRequiredMinutes(),
	}
}

func totalRequiredMinutes() int {
	total := 0
	for _, s := range schema.RequiredSteps() {
		total += schema.Definitions[s].EstimatedMinutes
	}
	return total
}

// Snapshot returns a copy of the current record. FormData values are raw
// JSON and must not be mutated by callers.
func (st *StateStore) Snapshot() store.StateRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	cp := *st.rec
	cp.CompletedSteps = append([]schema.OnboardingStep(nil), st.rec.CompletedSteps...)
	cp.FormData = make(map[schema.OnboardingStep]json.RawMessage, len(st.rec.FormData))
	for k, v := range st.rec.FormData {
		cp.FormData[k] = v
	}
	return cp
}

func (st *StateStore) CurrentStep() schema.OnboardingStep {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.CurrentStep
}

func (st *StateStore) Status() schema.ApplicationStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.Status
}

func (st *StateStore) CompletedSteps() []schema.OnboardingStep {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]schema.OnboardingStep(nil), st.rec.CompletedSteps...)
}

func (st *StateStore) Progress() float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.Progress
}

func (st *StateStore) EstimatedMinutesRemaining() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.EstimatedMins
}

func (st *StateStore) HasUnsavedChanges() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.HasUnsaved
}

func (st *StateStore) LastSaved() *time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rec.LastSaved
}

// IsStepCompleted reports whether step is in the completed set.
func (st *StateStore) IsStepCompleted(step schema.OnboardingStep) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.completedLocked(step)
}

func (st *StateStore) completedLocked(step schema.OnboardingStep) bool {
	for _, s := range st.rec.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// CanAccessStep reports whether the wizard may navigate to step: the
// current step, any completed step, or the immediate successor of a
// completed current step. Completion is monotonic, so access never regresses.
func (st *StateStore) CanAccessStep(step schema.OnboardingStep) bool {
	if !schema.ValidStep(step) {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	if step == st.rec.CurrentStep || st.completedLocked(step) {
		return true
	}
	next, ok := schema.NextStep(st.rec.CurrentStep)
	return ok && step == next && st.completedLocked(st.rec.CurrentStep)
}

// CanEditStep reports whether step data may still change: accessible and
// the application has not passed submission.
func (st *StateStore) CanEditStep(step schema.OnboardingStep) bool {
	if st.Status().Locked() {
		return false
	}
	return st.CanAccessStep(step)
}

// SetCurrentStep navigates to an accessible step and persists.
func (st *StateStore) SetCurrentStep(ctx context.Context, step schema.OnboardingStep) error {
	if !st.CanAccessStep(step) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s is not accessible from %s", step, st.CurrentStep()).WithStep(step)
	}

	st.mu.Lock()
	st.rec.CurrentStep = step
	st.mu.Unlock()

	return st.persist(ctx)
}

// UpdateStepData shallow-merges data into the step's form data, marks the
// state dirty, and persists. The first data update moves a draft
// application to in_progress.
func (st *StateStore) UpdateStepData(ctx context.Context, step schema.OnboardingStep, data map[string]any) error {
	if !st.CanEditStep(step) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s is not editable", step).WithStep(step)
	}

	st.mu.Lock()
	existing := st.stepDataLocked(step)
	for k, v := range data {
		existing[k] = v
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		st.mu.Unlock()
		return schema.NewError(schema.ErrCodeSerialization, "marshal step data").WithStep(step).WithCause(err)
	}
	if st.rec.FormData == nil {
		st.rec.FormData = make(map[schema.OnboardingStep]json.RawMessage)
	}
	st.rec.FormData[step] = raw
	st.rec.HasUnsaved = true
	fromDraft := st.rec.Status == schema.StatusDraft
	st.mu.Unlock()

	if fromDraft {
		if err := st.fsm.Transition(ctx, st.sessionID, schema.StatusDraft, schema.StatusInProgress); err != nil {
			logging.LogWith(ctx, st.logger).Warn("draft to in_progress transition",
				slog.String("error", err.Error()))
		} else {
			st.mu.Lock()
			st.rec.Status = schema.StatusInProgress
			st.mu.Unlock()
		}
	}

	st.appendEvent(ctx, schema.EventStepDataUpdated, step, nil)
	return st.persist(ctx)
}

// StepData returns the step's form data as a map, nil when absent.
func (st *StateStore) StepData(step schema.OnboardingStep) map[string]any {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if _, ok := st.rec.FormData[step]; !ok {
		return nil
	}
	return st.stepDataLocked(step)
}

func (st *StateStore) stepDataLocked(step schema.OnboardingStep) map[string]any {
	data := make(map[string]any)
	if raw, ok := st.rec.FormData[step]; ok {
		// Corrupt persisted data degrades to empty, never panics.
		_ = json.Unmarshal(raw, &data)
	}
	return data
}

// FormState projects the full form data for rule validation.
func (st *StateStore) FormState() validation.FormState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	state := make(validation.FormState, len(st.rec.FormData))
	for step := range st.rec.FormData {
		state[step] = st.stepDataLocked(step)
	}
	return state
}

// ValidateStep delegates to the step validator against current form data.
func (st *StateStore) ValidateStep(step schema.OnboardingStep) *schema.ValidationResult {
	return st.validator.ValidateStep(step, st.StepData(step), st.FormState())
}

// MarkStepCompleted idempotently adds step to the completed set and
// recomputes progress and the remaining-time estimate.
func (st *StateStore) MarkStepCompleted(ctx context.Context, step schema.OnboardingStep) error {
	if !schema.ValidStep(step) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step %s", step).WithStep(step)
	}

	st.mu.Lock()
	if st.completedLocked(step) {
		st.mu.Unlock()
		return nil
	}
	st.rec.CompletedSteps = append(st.rec.CompletedSteps, step)
	st.recomputeLocked()
	st.mu.Unlock()

	st.appendEvent(ctx, schema.EventStepCompleted, step, nil)
	return st.persist(ctx)
}

// recomputeLocked refreshes progress (completed required / total required)
// and the estimated minutes over required, not-yet-completed steps.
func (st *StateStore) recomputeLocked() {
	required := schema.RequiredSteps()
	completed := 0
	remaining := 0
	for _, s := range required {
		if st.completedLocked(s) {
			completed++
		} else {
			remaining += schema.Definitions[s].EstimatedMinutes
		}
	}
	st.rec.Progress = float64(completed) / float64(len(required)) * 100
	st.rec.EstimatedMins = remaining
}

// ApplyRemoteStatus overwrites the local status with the backend's. No
// transition check: the remote is authoritative even when the local table
// would forbid the move.
func (st *StateStore) ApplyRemoteStatus(ctx context.Context, status schema.ApplicationStatus) error {
	st.mu.Lock()
	prev := st.rec.Status
	st.rec.Status = status
	st.mu.Unlock()

	if prev != status {
		payload, _ := json.Marshal(map[string]string{
			"from": string(prev), "to": string(status), "source": "remote",
		})
		st.appendEvent(ctx, schema.EventStatusChanged, "", payload)
		logging.LogWith(ctx, st.logger).Info("applied remote status",
			slog.String("from", string(prev)), slog.String("to", string(status)))
	}
	return st.persist(ctx)
}

// AdvanceStatus executes a locally-initiated, FSM-checked status transition.
func (st *StateStore) AdvanceStatus(ctx context.Context, to schema.ApplicationStatus) error {
	from := st.Status()
	if err := st.fsm.Transition(ctx, st.sessionID, from, to); err != nil {
		return err
	}

	st.mu.Lock()
	st.rec.Status = to
	st.mu.Unlock()

	return st.persist(ctx)
}

// SetSubmissionDetails records the submission outcome.
func (st *StateStore) SetSubmissionDetails(ctx context.Context, details schema.SubmissionDetails) error {
	st.mu.Lock()
	submitted := details.SubmittedAt
	st.rec.SubmissionDate = &submitted
	st.rec.ReferenceNumber = details.ReferenceNumber
	st.mu.Unlock()

	return st.persist(ctx)
}

// MarkSaved records a successful remote save and clears the dirty flag.
func (st *StateStore) MarkSaved(ctx context.Context, at time.Time) error {
	st.mu.Lock()
	saved := at.UTC()
	st.rec.LastSaved = &saved
	st.rec.HasUnsaved = false
	st.mu.Unlock()

	return st.persist(ctx)
}

// ClearFormData wipes all form data and progress but keeps the application
// status. A rejected applicant starting over stays rejected until the
// backend says otherwise.
func (st *StateStore) ClearFormData(ctx context.Context) error {
	st.mu.Lock()
	status := st.rec.Status
	st.rec = defaultRecord(st.sessionID)
	st.rec.Status = status
	st.mu.Unlock()

	st.appendEvent(ctx, schema.EventFormDataCleared, "", nil)
	return st.persist(ctx)
}

// Reset discards all local state and reinitializes defaults.
func (st *StateStore) Reset(ctx context.Context) error {
	if err := st.store.DeleteState(ctx, st.sessionID); err != nil {
		var syncErr *schema.SyncError
		if !errors.As(err, &syncErr) || syncErr.Code != schema.ErrCodeNotFound {
			return schema.NewError(schema.ErrCodeStore, "reset onboarding state").WithCause(err)
		}
	}

	st.mu.Lock()
	st.rec = defaultRecord(st.sessionID)
	st.mu.Unlock()

	st.appendEvent(ctx, schema.EventStateReset, "", nil)
	return st.persist(ctx)
}

// persist writes the full record. Persistence failures are surfaced to the
// caller; background writers log and continue.
func (st *StateStore) persist(ctx context.Context) error {
	st.mu.Lock()
	st.rec.UpdatedAt = time.Now().UTC()
	cp := *st.rec
	st.mu.Unlock()

	if err := st.store.SaveState(ctx, &cp); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist onboarding state").WithCause(err)
	}
	return nil
}

// appendEvent writes a log entry; event-log failures never fail the mutation.
func (st *StateStore) appendEvent(ctx context.Context, eventType string, step schema.OnboardingStep, payload json.RawMessage) {
	event := &store.Event{
		SessionID: st.sessionID,
		StepID:    step,
		Type:      eventType,
		Payload:   payload,
	}
	if err := st.store.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, st.logger).Warn("append event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}
