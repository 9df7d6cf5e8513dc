package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftsync/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var syncErr *schema.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, schema.ErrCodeNotFound, syncErr.Code)
}

// --- State ---

func TestSaveAndLoadState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved := time.Now().UTC().Truncate(time.Second)
	rec := &StateRecord{
		SessionID:      "session-1",
		CurrentStep:    schema.StepCredentials,
		CompletedSteps: []schema.OnboardingStep{schema.StepBasicInfo},
		FormData: map[schema.OnboardingStep]json.RawMessage{
			schema.StepBasicInfo: json.RawMessage(`{"firstName":"Amina"}`),
		},
		Status:        schema.StatusInProgress,
		Progress:      20,
		EstimatedMins: 50,
		HasUnsaved:    true,
		LastSaved:     &saved,
	}
	require.NoError(t, s.SaveState(ctx, rec))

	got, err := s.LoadState(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepCredentials, got.CurrentStep)
	assert.Equal(t, []schema.OnboardingStep{schema.StepBasicInfo}, got.CompletedSteps)
	assert.JSONEq(t, `{"firstName":"Amina"}`, string(got.FormData[schema.StepBasicInfo]))
	assert.Equal(t, schema.StatusInProgress, got.Status)
	assert.Equal(t, float64(20), got.Progress)
	assert.Equal(t, 50, got.EstimatedMins)
	assert.True(t, got.HasUnsaved)
	require.NotNil(t, got.LastSaved)
	assert.True(t, saved.Equal(*got.LastSaved))
}

func TestSaveStateUpsertsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &StateRecord{SessionID: "session-1", CurrentStep: schema.StepBasicInfo, Status: schema.StatusDraft}
	require.NoError(t, s.SaveState(ctx, rec))

	rec.CurrentStep = schema.StepDocuments
	rec.Status = schema.StatusInProgress
	require.NoError(t, s.SaveState(ctx, rec))

	got, err := s.LoadState(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepDocuments, got.CurrentStep)
	assert.Equal(t, schema.StatusInProgress, got.Status)
}

func TestLoadStateMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadState(context.Background(), "nonexistent")
	requireNotFound(t, err)
}

func TestLoadStateDiscardsLegacyTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &StateRecord{SessionID: "session-1", CurrentStep: schema.StepBasicInfo, Status: schema.StatusDraft}
	require.NoError(t, s.SaveState(ctx, rec))

	// Simulate a pre-migration record with a locale-formatted timestamp.
	_, err := s.DB().ExecContext(ctx,
		`UPDATE onboarding_state SET last_saved = '03/15/2026 10:30 AM' WHERE session_id = ?`,
		"session-1")
	require.NoError(t, err)

	_, err = s.LoadState(ctx, "session-1")
	requireNotFound(t, err)

	// The whole row was discarded, not repaired.
	_, err = s.LoadState(ctx, "session-1")
	requireNotFound(t, err)
}

// --- Drafts ---

func TestDraftRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &DraftRecord{
		SessionID: "session-1",
		StepID:    schema.StepBasicInfo,
		Data:      json.RawMessage(`{"firstName":"Amina"}`),
		Hash:      "abc123",
		SavedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveDraft(ctx, d))

	got, err := s.GetDraft(ctx, "session-1", schema.StepBasicInfo)
	require.NoError(t, err)
	assert.JSONEq(t, `{"firstName":"Amina"}`, string(got.Data))
	assert.Equal(t, "abc123", got.Hash)

	d.Data = json.RawMessage(`{"firstName":"Bola"}`)
	d.Hash = "def456"
	require.NoError(t, s.SaveDraft(ctx, d))

	got, err = s.GetDraft(ctx, "session-1", schema.StepBasicInfo)
	require.NoError(t, err)
	assert.Equal(t, "def456", got.Hash)
}

func TestListDraftsScopedToSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, step := range []schema.OnboardingStep{schema.StepBasicInfo, schema.StepCredentials} {
		require.NoError(t, s.SaveDraft(ctx, &DraftRecord{
			SessionID: "session-1", StepID: step, Data: json.RawMessage(`{}`), Hash: "h",
		}))
	}
	require.NoError(t, s.SaveDraft(ctx, &DraftRecord{
		SessionID: "session-2", StepID: schema.StepBasicInfo, Data: json.RawMessage(`{}`), Hash: "h",
	}))

	drafts, err := s.ListDrafts(ctx, "session-1")
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
}

func TestDeleteDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDraft(ctx, &DraftRecord{
		SessionID: "session-1", StepID: schema.StepBasicInfo, Data: json.RawMessage(`{}`), Hash: "h",
	}))
	require.NoError(t, s.DeleteDraft(ctx, "session-1", schema.StepBasicInfo))

	_, err := s.GetDraft(ctx, "session-1", schema.StepBasicInfo)
	requireNotFound(t, err)
}

// --- Queue projection ---

func seedOperation(t *testing.T, s *LibSQLStore, priority int, status string) *OperationRecord {
	t.Helper()
	op := &OperationRecord{
		ID:         uuid.NewString(),
		SessionID:  "session-1",
		Type:       "save",
		StepID:     schema.StepBasicInfo,
		Payload:    json.RawMessage(`{"firstName":"Amina"}`),
		Priority:   priority,
		MaxRetries: 3,
		Status:     status,
		EnqueuedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveOperation(context.Background(), op))
	return op
}

func TestListOperationsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := seedOperation(t, s, 5, OpStatusPending)
	high := seedOperation(t, s, 1, OpStatusPending)
	seedOperation(t, s, 1, OpStatusFailed)

	ops, err := s.ListOperations(ctx, OperationFilter{SessionID: "session-1", Status: OpStatusPending})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, high.ID, ops[0].ID, "lower priority value drains first")
	assert.Equal(t, low.ID, ops[1].ID)
}

func TestUpdateOperationPartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := seedOperation(t, s, 1, OpStatusPending)

	rc := 2
	msg := "backend unavailable"
	require.NoError(t, s.UpdateOperation(ctx, op.ID, OperationUpdate{
		RetryCount: &rc,
		Status:     OpStatusFailed,
		LastError:  &msg,
	}))

	ops, err := s.ListOperations(ctx, OperationFilter{SessionID: "session-1"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RetryCount)
	assert.Equal(t, OpStatusFailed, ops[0].Status)
	assert.Equal(t, msg, ops[0].LastError)
	assert.Equal(t, 3, ops[0].MaxRetries, "untouched fields keep their values")
}

func TestUpdateOperationMissing(t *testing.T) {
	s := newTestStore(t)
	status := OpStatusCompleted
	err := s.UpdateOperation(context.Background(), "nonexistent", OperationUpdate{Status: status})
	requireNotFound(t, err)
}

func TestDeleteOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := seedOperation(t, s, 1, OpStatusPending)
	require.NoError(t, s.DeleteOperation(ctx, op.ID))
	requireNotFound(t, s.DeleteOperation(ctx, op.ID))
}

// --- Events ---

func TestAppendEventSequencesPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			SessionID: "session-1", Type: schema.EventDraftSaved, StepID: schema.StepBasicInfo,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{
		SessionID: "session-2", Type: schema.EventDraftSaved,
	}))

	events, err := s.GetEvents(ctx, "session-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other, err := s.GetEvents(ctx, "session-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per session")
}

func TestGetEventsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			SessionID: "session-1", Type: schema.EventSyncSucceeded,
		}))
	}

	events, err := s.GetEvents(ctx, "session-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "session-1", Type: schema.EventNetworkOffline}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "session-1", Type: schema.EventNetworkOnline}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "session-1", Type: schema.EventNetworkOffline}))

	events, err := s.GetEventsByType(ctx, schema.EventNetworkOffline, EventFilter{SessionID: "session-1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
