// Package sync coordinates draft persistence with remote synchronization:
// it decides when steps sync, feeds the operation queue, reacts to network
// transitions, and runs the periodic maintenance jobs.
package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/draftsync/internal/api"
	"github.com/rendis/draftsync/internal/draft"
	"github.com/rendis/draftsync/internal/logging"
	"github.com/rendis/draftsync/internal/onboarding"
	"github.com/rendis/draftsync/internal/queue"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// Network is the slice of the network monitor the coordinator consumes.
type Network interface {
	IsOnline() bool
	Status() schema.NetworkStatus
	OnReconnect(fn func(schema.NetworkStatus))
}

// Config holds coordinator tuning. Zero values fall back to defaults.
type Config struct {
	SyncOnStepCompletion bool
	ClearDraftOnSync     bool
	SyncPriority         int
	SyncMaxRetries       int
	StaleDraftGrace      time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.SyncPriority <= 0 {
		c.SyncPriority = 1
	}
	if c.SyncMaxRetries <= 0 {
		c.SyncMaxRetries = 5
	}
	if c.StaleDraftGrace <= 0 {
		c.StaleDraftGrace = 5 * time.Minute
	}
	return c
}

// Coordinator owns sync policy. Sync failures surface on Status as a
// syncError string and the step joins the failed set; they are never
// returned to the caller of SyncNow.
type Coordinator struct {
	state      *onboarding.StateStore
	drafts     *draft.Manager
	queue      *queue.OperationQueue
	client     api.Client
	projection *api.StatusProjection
	network    Network
	store      store.Store
	sessionID  string
	cfg        Config
	logger     *slog.Logger

	mu                 sync.Mutex
	syncError          string
	failedSteps        map[schema.OnboardingStep]struct{}
	lastSyncAttempt    *time.Time
	lastSuccessfulSync *time.Time
}

// NewCoordinator wires the coordinator and registers its reconnect hook:
// retry previously failed syncs first, then sync pending steps, so stale
// failures are not masked by fresh ones.
func NewCoordinator(state *onboarding.StateStore, drafts *draft.Manager, q *queue.OperationQueue, client api.Client, projection *api.StatusProjection, network Network, s store.Store, sessionID string, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		state:       state,
		drafts:      drafts,
		queue:       q,
		client:      client,
		projection:  projection,
		network:     network,
		store:       s,
		sessionID:   sessionID,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		failedSteps: make(map[schema.OnboardingStep]struct{}),
	}

	network.OnReconnect(func(schema.NetworkStatus) {
		ctx := context.Background()
		c.RetryFailedSyncs(ctx)
		c.SyncNow(ctx)
	})

	return c
}

// SyncNow enqueues a save operation for the given steps, or for every step
// with pending changes when none are named. Offline enqueues still happen;
// the queue drains on reconnect.
func (c *Coordinator) SyncNow(ctx context.Context, steps ...schema.OnboardingStep) {
	if len(steps) == 0 {
		steps = c.stepsWithPendingChanges(ctx)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSyncAttempt = &now
	c.mu.Unlock()

	for _, step := range steps {
		c.enqueueSave(ctx, step)
	}
}

// stepsWithPendingChanges returns every step carrying staged or persisted
// draft data, or the dirty current step when no draft exists anywhere.
// Persisted drafts matter after a restart: the staging maps are empty but
// the store still holds unsynced content.
func (c *Coordinator) stepsWithPendingChanges(ctx context.Context) []schema.OnboardingStep {
	seen := make(map[schema.OnboardingStep]struct{})
	for _, step := range schema.StepSequence {
		if c.drafts.PendingData(step) != nil {
			seen[step] = struct{}{}
		}
	}

	recs, err := c.store.ListDrafts(ctx, c.sessionID)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("list drafts for sync",
			slog.String("error", err.Error()))
	}
	for _, rec := range recs {
		seen[rec.StepID] = struct{}{}
	}

	if len(seen) == 0 && c.state.HasUnsavedChanges() {
		seen[c.state.CurrentStep()] = struct{}{}
	}

	steps := make([]schema.OnboardingStep, 0, len(seen))
	for step := range seen {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return schema.StepIndex(steps[i]) < schema.StepIndex(steps[j])
	})
	return steps
}

// resolveStepData picks the freshest content for a step: staged data,
// then the persisted draft, then the canonical step data.
func (c *Coordinator) resolveStepData(ctx context.Context, step schema.OnboardingStep) map[string]any {
	if data := c.drafts.PendingData(step); data != nil {
		return data
	}
	data, ok, err := c.drafts.RestoreDraft(ctx, step)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("restore draft for sync",
			slog.String("step", string(step)), slog.String("error", err.Error()))
	}
	if ok {
		return data
	}
	return c.state.StepData(step)
}

// enqueueSave queues one step's draft-or-canonical payload.
func (c *Coordinator) enqueueSave(ctx context.Context, step schema.OnboardingStep) {
	data := c.resolveStepData(ctx, step)
	if data == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("marshal sync payload",
			slog.String("step", string(step)), slog.String("error", err.Error()))
		return
	}

	_, err = c.queue.Enqueue(ctx, queue.Request{
		Type:        queue.OpSave,
		StepID:      step,
		Payload:     payload,
		Description: "save step " + string(step),
		Priority:    c.cfg.SyncPriority,
		MaxRetries:  c.cfg.SyncMaxRetries,
		Operation: func(opCtx context.Context) error {
			// Re-resolve at execution time so a re-armed retry sends the
			// step's freshest content, not the enqueue-time snapshot.
			payload := c.resolveStepData(opCtx, step)
			if payload == nil {
				payload = data
			}
			return c.client.SaveStepData(opCtx, step, payload)
		},
		OnSuccess: func() { c.onSyncSuccess(step) },
		OnError:   func(err error) { c.onSyncFailure(step, err) },
		OnRetry: func(retryCount int, err error) {
			c.appendEvent(context.Background(), schema.EventSyncRetrying, step)
		},
	})
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("enqueue sync",
			slog.String("step", string(step)), slog.String("error", err.Error()))
		return
	}

	c.appendEvent(ctx, schema.EventSyncEnqueued, step)
}

func (c *Coordinator) onSyncSuccess(step schema.OnboardingStep) {
	ctx := context.Background()
	now := time.Now().UTC()

	c.mu.Lock()
	delete(c.failedSteps, step)
	c.lastSuccessfulSync = &now
	if len(c.failedSteps) == 0 {
		c.syncError = ""
	}
	c.mu.Unlock()

	if err := c.state.MarkSaved(ctx, now); err != nil {
		c.logger.Warn("mark state saved", slog.String("error", err.Error()))
	}
	if c.cfg.ClearDraftOnSync {
		if err := c.drafts.ClearDraft(ctx, step); err != nil {
			c.logger.Warn("clear synced draft",
				slog.String("step", string(step)), slog.String("error", err.Error()))
		}
	}
	c.appendEvent(ctx, schema.EventSyncSucceeded, step)
}

func (c *Coordinator) onSyncFailure(step schema.OnboardingStep, err error) {
	c.mu.Lock()
	c.failedSteps[step] = struct{}{}
	c.syncError = err.Error()
	c.mu.Unlock()

	// The draft stays intact for retry.
	c.appendEvent(context.Background(), schema.EventSyncFailed, step)
	c.logger.Warn("step sync failed",
		slog.String("step", string(step)), slog.String("error", err.Error()))
}

// MarkStepCompleted validates, marks the step complete, optionally syncs
// it, then clears its draft. Completion wins over an in-flight draft.
func (c *Coordinator) MarkStepCompleted(ctx context.Context, step schema.OnboardingStep) error {
	if result := c.state.ValidateStep(step); !result.CanProceed() {
		return result.ToError()
	}

	if err := c.state.MarkStepCompleted(ctx, step); err != nil {
		return err
	}

	if c.cfg.SyncOnStepCompletion {
		c.SyncNow(ctx, step)
	}

	if err := c.drafts.ClearDraft(ctx, step); err != nil {
		logging.LogWith(ctx, c.logger).Warn("clear draft on completion",
			slog.String("step", string(step)), slog.String("error", err.Error()))
	}
	return nil
}

// RetryFailedSyncs re-arms every failed queue operation. Each re-armed
// save re-reads its step's freshest data when it runs, so no fresh
// enqueue is needed; one operation per step stays one remote save.
func (c *Coordinator) RetryFailedSyncs(ctx context.Context) {
	if n := c.queue.RetryFailed(ctx); n > 0 {
		logging.LogWith(ctx, c.logger).Info("re-armed failed syncs", slog.Int("count", n))
	}
}

// ClearSyncError drops the surfaced error without touching the failed set.
func (c *Coordinator) ClearSyncError() {
	c.mu.Lock()
	c.syncError = ""
	c.mu.Unlock()
}

// Status returns the derived sync view for UI consumers.
func (c *Coordinator) Status() schema.SyncStatus {
	counts := c.queue.Counts()

	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make([]schema.OnboardingStep, 0, len(c.failedSteps))
	for step := range c.failedSteps {
		failed = append(failed, step)
	}
	sort.Slice(failed, func(i, j int) bool {
		return schema.StepIndex(failed[i]) < schema.StepIndex(failed[j])
	})

	return schema.SyncStatus{
		IsSyncing:          counts.IsProcessing,
		LastSyncAttempt:    c.lastSyncAttempt,
		LastSuccessfulSync: c.lastSuccessfulSync,
		SyncError:          c.syncError,
		PendingSyncCount:   counts.Pending,
		HasPendingChanges:  c.state.HasUnsavedChanges(),
		FailedSteps:        failed,
	}
}

// Indicator combines draft, network, and queue state into the save badge.
func (c *Coordinator) Indicator(ctx context.Context, step schema.OnboardingStep) schema.SaveIndicator {
	online := c.network.IsOnline()
	status := c.drafts.Status(step)
	hasUnsaved := c.state.HasUnsavedChanges()

	ind := schema.SaveIndicator{
		Status:            status,
		IsDraftAvailable:  c.drafts.PendingData(step) != nil || c.drafts.HasDraft(ctx, step),
		HasUnsavedChanges: hasUnsaved,
		LastSaved:         c.state.LastSaved(),
		IsOnline:          online,
	}

	switch {
	case !online:
		ind.Message = "Offline"
		ind.Color = "orange"
	case status == schema.AutoSaveSaving:
		ind.Message = "Saving..."
		ind.Color = "blue"
	case status == schema.AutoSaveError || c.Status().SyncError != "":
		ind.Message = "Sync Error"
		ind.Color = "red"
	case status == schema.AutoSaveSaved:
		ind.Message = "Saved"
		ind.Color = "green"
	case hasUnsaved:
		ind.Message = "Unsaved"
		ind.Color = "yellow"
	default:
		ind.Message = "Up to date"
		ind.Color = "gray"
	}
	return ind
}

// Submit finalizes the application: every required step must validate,
// then the submission posts directly (not through the queue; the user is
// present and the outcome must be immediate).
func (c *Coordinator) Submit(ctx context.Context) (*schema.SubmissionDetails, error) {
	if !c.network.IsOnline() {
		return nil, schema.NewError(schema.ErrCodeOffline, "cannot submit while offline")
	}

	if result := c.state.ValidateStep(schema.StepReview); !result.CanProceed() {
		return nil, result.ToError()
	}

	formData := make(map[string]any)
	for step, data := range c.state.FormState() {
		formData[string(step)] = data
	}
	payload := map[string]any{"formData": formData}

	details, err := c.client.SubmitApplication(ctx, payload)
	if err != nil {
		return nil, err
	}

	if err := c.state.AdvanceStatus(ctx, schema.StatusSubmitted); err != nil {
		logging.LogWith(ctx, c.logger).Warn("advance to submitted",
			slog.String("error", err.Error()))
	}
	if err := c.state.SetSubmissionDetails(ctx, *details); err != nil {
		return nil, err
	}

	for _, step := range schema.StepSequence {
		if err := c.drafts.ClearDraft(ctx, step); err != nil {
			logging.LogWith(ctx, c.logger).Warn("clear draft after submit",
				slog.String("step", string(step)), slog.String("error", err.Error()))
		}
	}

	c.appendEvent(ctx, schema.EventApplicationSubmitted, "")
	logging.LogWith(ctx, c.logger).Info("application submitted",
		slog.String("reference", details.ReferenceNumber))
	return details, nil
}

// PollRemoteStatus fetches the backend's authoritative view and applies
// it: status overwrites unconditionally, and every step before the remote
// current step is inferred completed.
func (c *Coordinator) PollRemoteStatus(ctx context.Context) {
	if !c.network.IsOnline() {
		return
	}

	doc, err := c.client.FetchStatus(ctx)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("fetch remote status",
			slog.String("error", err.Error()))
		return
	}

	if status, ok := c.projection.ApplicationStatus(ctx, doc); ok {
		if err := c.state.ApplyRemoteStatus(ctx, status); err != nil {
			logging.LogWith(ctx, c.logger).Warn("apply remote status",
				slog.String("error", err.Error()))
		}
	}

	if remoteStep, ok := c.projection.CurrentStep(ctx, doc); ok {
		remoteIdx := schema.StepIndex(remoteStep)
		for _, step := range schema.StepSequence {
			if schema.StepIndex(step) >= remoteIdx {
				break
			}
			if err := c.state.MarkStepCompleted(ctx, step); err != nil {
				logging.LogWith(ctx, c.logger).Warn("infer completed step",
					slog.String("step", string(step)), slog.String("error", err.Error()))
			}
		}
	}
}

// CleanupStaleDrafts purges drafts of completed steps whose snapshot is
// older than the grace window. The window avoids deleting a draft from a
// completion whose own sync has not finished.
func (c *Coordinator) CleanupStaleDrafts(ctx context.Context) {
	recs, err := c.store.ListDrafts(ctx, c.sessionID)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("list drafts for cleanup",
			slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().Add(-c.cfg.StaleDraftGrace)
	for _, rec := range recs {
		if !c.state.IsStepCompleted(rec.StepID) || rec.SavedAt.After(cutoff) {
			continue
		}
		if err := c.store.DeleteDraft(ctx, c.sessionID, rec.StepID); err != nil {
			logging.LogWith(ctx, c.logger).Warn("purge stale draft",
				slog.String("step", string(rec.StepID)), slog.String("error", err.Error()))
			continue
		}
		c.appendEvent(ctx, schema.EventDraftPurged, rec.StepID)
		logging.LogWith(ctx, c.logger).Info("purged stale draft",
			slog.String("step", string(rec.StepID)))
	}
}

// VacuumStore compacts the backing database. Draft and event churn leaves
// free pages behind; the nightly run keeps the on-disk file small.
func (c *Coordinator) VacuumStore(ctx context.Context) {
	if err := c.store.Vacuum(ctx); err != nil {
		logging.LogWith(ctx, c.logger).Warn("vacuum store",
			slog.String("error", err.Error()))
		return
	}
	logging.LogWith(ctx, c.logger).Info("vacuumed store")
}

func (c *Coordinator) appendEvent(ctx context.Context, eventType string, step schema.OnboardingStep) {
	event := &store.Event{
		SessionID: c.sessionID,
		StepID:    step,
		Type:      eventType,
	}
	if err := c.store.AppendEvent(ctx, event); err != nil {
		c.logger.Warn("append sync event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}
