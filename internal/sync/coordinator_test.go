package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftsync/internal/api"
	"github.com/rendis/draftsync/internal/draft"
	"github.com/rendis/draftsync/internal/onboarding"
	"github.com/rendis/draftsync/internal/queue"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/internal/validation"
	"github.com/rendis/draftsync/pkg/schema"
)

// --- mocks ---

type mockStore struct {
	store.Store

	mu         sync.Mutex
	states     map[string]*store.StateRecord
	drafts     map[string]*store.DraftRecord
	operations map[string]*store.OperationRecord
	events     []*store.Event
	vacuums    int
}

func newMockStore() *mockStore {
	return &mockStore{
		states:     make(map[string]*store.StateRecord),
		drafts:     make(map[string]*store.DraftRecord),
		operations: make(map[string]*store.OperationRecord),
	}
}

func (m *mockStore) SaveState(_ context.Context, rec *store.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.states[rec.SessionID] = &cp
	return nil
}

func (m *mockStore) LoadState(_ context.Context, sessionID string) (*store.StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[sessionID]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "state not found")
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) DeleteState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

func dkey(sessionID string, step schema.OnboardingStep) string {
	return sessionID + "/" + string(step)
}

func (m *mockStore) SaveDraft(_ context.Context, rec *store.DraftRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.drafts[dkey(rec.SessionID, rec.StepID)] = &cp
	return nil
}

func (m *mockStore) GetDraft(_ context.Context, sessionID string, step schema.OnboardingStep) (*store.DraftRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drafts[dkey(sessionID, step)]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "draft not found")
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) ListDrafts(_ context.Context, sessionID string) ([]*store.DraftRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.DraftRecord
	for _, rec := range m.drafts {
		if rec.SessionID == sessionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteDraft(_ context.Context, sessionID string, step schema.OnboardingStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dkey(sessionID, step)
	if _, ok := m.drafts[key]; !ok {
		return schema.NewError(schema.ErrCodeNotFound, "draft not found")
	}
	delete(m.drafts, key)
	return nil
}

func (m *mockStore) SaveOperation(_ context.Context, op *store.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.operations[op.ID] = &cp
	return nil
}

func (m *mockStore) DeleteOperation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.operations, id)
	return nil
}

func (m *mockStore) ListOperations(_ context.Context, filter store.OperationFilter) ([]*store.OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.OperationRecord
	for _, op := range m.operations {
		if filter.SessionID != "" && op.SessionID != filter.SessionID {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) Vacuum(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vacuums++
	return nil
}

func (m *mockStore) hasDraft(sessionID string, step schema.OnboardingStep) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.drafts[dkey(sessionID, step)]
	return ok
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
	hooks  []func(schema.NetworkStatus)
}

func (f *fakeNetwork) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeNetwork) Status() schema.NetworkStatus {
	return schema.NetworkStatus{IsOnline: f.IsOnline()}
}

func (f *fakeNetwork) OnReconnect(fn func(schema.NetworkStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeNetwork) reconnect() {
	f.mu.Lock()
	f.online = true
	hooks := append(([]func(schema.NetworkStatus))(nil), f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(schema.NetworkStatus{IsOnline: true})
	}
}

type fakeClient struct {
	mu        sync.Mutex
	saveCalls []schema.OnboardingStep
	payloads  map[schema.OnboardingStep]map[string]any
	failures  map[schema.OnboardingStep]int
	failWith  error
	statusDoc map[string]any
	fetchErr  error
	submitted int
	submitErr error
	submitRef string
}

func (f *fakeClient) SaveStepData(_ context.Context, step schema.OnboardingStep, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls = append(f.saveCalls, step)
	if f.payloads == nil {
		f.payloads = make(map[schema.OnboardingStep]map[string]any)
	}
	f.payloads[step] = data
	if n := f.failures[step]; n > 0 {
		f.failures[step] = n - 1
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("backend unavailable")
	}
	return nil
}

func (f *fakeClient) FetchStatus(_ context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.statusDoc, nil
}

func (f *fakeClient) SubmitApplication(_ context.Context, _ map[string]any) (*schema.SubmissionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &schema.SubmissionDetails{
		SubmittedAt:     time.Now().UTC(),
		ReferenceNumber: f.submitRef,
	}, nil
}

func (f *fakeClient) calls() []schema.OnboardingStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.OnboardingStep(nil), f.saveCalls...)
}

func (f *fakeClient) payload(step schema.OnboardingStep) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[step]
}

// --- harness ---

type harness struct {
	store   *mockStore
	network *fakeNetwork
	client  *fakeClient
	state   *onboarding.StateStore
	drafts  *draft.Manager
	queue   *queue.OperationQueue
	coord   *Coordinator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, online bool, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, online, cfg, newMockStore())
}

// newHarnessWithStore builds a second coordinator over the same store,
// mimicking a process restart where staged data is gone.
func newHarnessWithStore(t *testing.T, online bool, cfg Config, ms *mockStore) *harness {
	t.Helper()

	network := &fakeNetwork{online: online}
	client := &fakeClient{failures: make(map[schema.OnboardingStep]int), submitRef: "APP-2026-00042"}
	logger := testLogger()

	v, err := validation.NewStepValidator()
	require.NoError(t, err)

	state, err := onboarding.NewStateStore(context.Background(), ms, v,
		onboarding.NewStatusFSM(ms), "session-1", logger)
	require.NoError(t, err)

	drafts := draft.NewManager(ms, state, "session-1",
		draft.Config{AutoSaveEnabled: true}, logger)

	q := queue.NewOperationQueue(ms, network, "session-1", queue.Config{
		Backoff: queue.BackoffPolicy{Base: time.Millisecond, Cap: 4 * time.Millisecond},
	}, logger)

	coord := NewCoordinator(state, drafts, q, client, api.NewStatusProjection(),
		network, ms, "session-1", cfg, logger)
	return &harness{store: ms, network: network, client: client, state: state, drafts: drafts, queue: q, coord: coord}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.queue.ProcessQueue(context.Background())
}

func fillAllSteps(t *testing.T, state *onboarding.StateStore) {
	t.Helper()
	ctx := context.Background()
	steps := map[schema.OnboardingStep]map[string]any{
		schema.StepBasicInfo: {
			"firstName": "Amina", "lastName": "Bello",
			"email": "amina@example.com", "phone": "+2348012345678",
		},
		schema.StepCredentials: {
			"barNumber": "LAG/2019/12345", "nin": "12345678901",
			"ninVerified": true, "photograph": "uploads/photo.jpg",
		},
		schema.StepSpecializations: {
			"specializations": []any{"family-law"},
		},
		schema.StepDocuments: {
			"barCertificate": "uploads/cert.pdf", "practicingLicense": "uploads/license.pdf",
		},
	}
	for _, step := range schema.StepSequence[:4] {
		require.NoError(t, state.UpdateStepData(ctx, step, steps[step]))
		require.NoError(t, state.MarkStepCompleted(ctx, step))
		require.NoError(t, state.SetCurrentStep(ctx, step))
	}
}

// --- tests ---

func TestSyncNowSuccess(t *testing.T) {
	h := newHarness(t, true, Config{ClearDraftOnSync: true})
	ctx := context.Background()

	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))
	require.NoError(t, h.drafts.UpdatePendingData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))

	h.coord.SyncNow(ctx, schema.StepBasicInfo)
	h.drain(t)

	assert.Equal(t, []schema.OnboardingStep{schema.StepBasicInfo}, h.client.calls())
	assert.False(t, h.state.HasUnsavedChanges())

	status := h.coord.Status()
	assert.NotNil(t, status.LastSuccessfulSync)
	assert.Empty(t, status.SyncError)
	assert.Nil(t, h.drafts.PendingData(schema.StepBasicInfo), "draft cleared after sync")
}

func TestSyncFailureSurfacesAsStatusNotError(t *testing.T) {
	h := newHarness(t, true, Config{SyncMaxRetries: 1})
	ctx := context.Background()

	h.client.failures[schema.StepBasicInfo] = 100
	h.client.failWith = schema.NewError(schema.ErrCodeNonRetryable, "rejected payload")

	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))

	// SyncNow has no error return; failures only surface on Status.
	h.coord.SyncNow(ctx, schema.StepBasicInfo)
	h.drain(t)

	status := h.coord.Status()
	assert.Contains(t, status.SyncError, "rejected payload")
	assert.Equal(t, []schema.OnboardingStep{schema.StepBasicInfo}, status.FailedSteps)
	assert.True(t, h.state.HasUnsavedChanges(), "failed sync leaves the dirty flag set")
}

func TestSyncNowWithoutStepsTargetsPendingChanges(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	require.NoError(t, h.drafts.UpdatePendingData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))
	require.NoError(t, h.drafts.UpdatePendingData(ctx, schema.StepCredentials,
		map[string]any{"barNumber": "123"}))

	h.coord.SyncNow(ctx)
	h.drain(t)

	assert.ElementsMatch(t,
		[]schema.OnboardingStep{schema.StepBasicInfo, schema.StepCredentials},
		h.client.calls())
}

func TestSyncNowPrefersPersistedDraftOverCanonicalData(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Old"}))
	saved, err := h.drafts.SaveDraft(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "New"})
	require.NoError(t, err)
	require.True(t, saved)

	// After a restart the staging maps are gone; only the stored draft
	// and the canonical step data survive.
	fresh := newHarnessWithStore(t, true, Config{}, h.store)
	fresh.coord.SyncNow(ctx, schema.StepBasicInfo)
	fresh.drain(t)

	require.Equal(t, []schema.OnboardingStep{schema.StepBasicInfo}, fresh.client.calls())
	assert.Equal(t, "New", fresh.client.payload(schema.StepBasicInfo)["firstName"])
}

func TestSyncNowWithoutStepsIncludesPersistedDrafts(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	saved, err := h.drafts.SaveDraft(ctx, schema.StepCredentials,
		map[string]any{"barNumber": "LAG/2019/12345"})
	require.NoError(t, err)
	require.True(t, saved)

	fresh := newHarnessWithStore(t, true, Config{}, h.store)
	fresh.coord.SyncNow(ctx)
	fresh.drain(t)

	require.Equal(t, []schema.OnboardingStep{schema.StepCredentials}, fresh.client.calls())
	assert.Equal(t, "LAG/2019/12345", fresh.client.payload(schema.StepCredentials)["barNumber"])
}

func TestReconnectRetriesFailedBeforePending(t *testing.T) {
	h := newHarness(t, true, Config{SyncMaxRetries: 1})
	ctx := context.Background()

	// Step A fails and lands in the failed set.
	h.client.failures[schema.StepBasicInfo] = 2
	h.client.failWith = schema.NewError(schema.ErrCodeNonRetryable, "rejected")
	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))
	h.coord.SyncNow(ctx, schema.StepBasicInfo)
	h.drain(t)
	require.NotEmpty(t, h.coord.Status().FailedSteps)

	// Step B has fresh pending changes while offline.
	h.network.mu.Lock()
	h.network.online = false
	h.network.mu.Unlock()
	require.NoError(t, h.drafts.UpdatePendingData(ctx, schema.StepCredentials,
		map[string]any{"barNumber": "123"}))

	h.client.mu.Lock()
	h.client.saveCalls = nil
	h.client.failures = map[schema.OnboardingStep]int{}
	h.client.mu.Unlock()

	// Reconnect: the failed step must hit the backend before the pending one.
	h.network.reconnect()
	h.drain(t)

	calls := h.client.calls()
	require.Len(t, calls, 2, "one remote save per step")
	assert.Equal(t, schema.StepBasicInfo, calls[0], "failed sync retried first")
	assert.Equal(t, schema.StepCredentials, calls[1])
	assert.Empty(t, h.coord.Status().FailedSteps)
}

func TestRetryFailedSyncsClearsFailedSetOnSuccess(t *testing.T) {
	h := newHarness(t, true, Config{SyncMaxRetries: 1})
	ctx := context.Background()

	h.client.failures[schema.StepBasicInfo] = 2
	h.client.failWith = schema.NewError(schema.ErrCodeNonRetryable, "rejected")
	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Amina"}))
	h.coord.SyncNow(ctx, schema.StepBasicInfo)
	h.drain(t)
	require.NotEmpty(t, h.coord.Status().FailedSteps)

	before := len(h.client.calls())
	h.coord.RetryFailedSyncs(ctx)
	h.drain(t)

	status := h.coord.Status()
	assert.Empty(t, status.FailedSteps)
	assert.Empty(t, status.SyncError)
	assert.Len(t, h.client.calls(), before+1, "retry replays the queued operation once")
}

func TestMarkStepCompletedValidates(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	// Empty credentials: completion refused with field errors.
	require.NoError(t, h.state.SetCurrentStep(ctx, schema.StepBasicInfo))
	err := h.coord.MarkStepCompleted(ctx, schema.StepCredentials)
	require.Error(t, err)
	assert.NotContains(t, h.state.CompletedSteps(), schema.StepCredentials)
}

func TestMarkStepCompletedSyncsAndClearsDraft(t *testing.T) {
	h := newHarness(t, true, Config{SyncOnStepCompletion: true})
	ctx := context.Background()

	data := map[string]any{
		"firstName": "Amina", "lastName": "Bello",
		"email": "amina@example.com", "phone": "+2348012345678",
	}
	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo, data))
	_, err := h.drafts.SaveDraft(ctx, schema.StepBasicInfo, data)
	require.NoError(t, err)

	require.NoError(t, h.coord.MarkStepCompleted(ctx, schema.StepBasicInfo))
	h.drain(t)

	assert.Contains(t, h.state.CompletedSteps(), schema.StepBasicInfo)
	assert.Contains(t, h.client.calls(), schema.StepBasicInfo)
	assert.False(t, h.store.hasDraft("session-1", schema.StepBasicInfo),
		"completion always wins over an in-flight draft")
}

func TestCleanupStaleDrafts(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()

	// Completed step with an old draft: purged.
	require.NoError(t, h.state.UpdateStepData(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "A"}))
	require.NoError(t, h.state.MarkStepCompleted(ctx, schema.StepBasicInfo))
	require.NoError(t, h.store.SaveDraft(ctx, &store.DraftRecord{
		SessionID: "session-1", StepID: schema.StepBasicInfo,
		Data: []byte(`{}`), Hash: "h1", SavedAt: old,
	}))

	// Completed step with a fresh draft: inside the grace window, kept.
	require.NoError(t, h.state.MarkStepCompleted(ctx, schema.StepCredentials))
	require.NoError(t, h.store.SaveDraft(ctx, &store.DraftRecord{
		SessionID: "session-1", StepID: schema.StepCredentials,
		Data: []byte(`{}`), Hash: "h2", SavedAt: fresh,
	}))

	// Old draft on an incomplete step: kept.
	require.NoError(t, h.store.SaveDraft(ctx, &store.DraftRecord{
		SessionID: "session-1", StepID: schema.StepDocuments,
		Data: []byte(`{}`), Hash: "h3", SavedAt: old,
	}))

	h.coord.CleanupStaleDrafts(ctx)

	assert.False(t, h.store.hasDraft("session-1", schema.StepBasicInfo))
	assert.True(t, h.store.hasDraft("session-1", schema.StepCredentials))
	assert.True(t, h.store.hasDraft("session-1", schema.StepDocuments))
}

func TestVacuumStoreCompactsDatabase(t *testing.T) {
	h := newHarness(t, true, Config{})

	h.coord.VacuumStore(context.Background())

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, 1, h.store.vacuums)
}

func TestSubmitRequiresFullValidation(t *testing.T) {
	h := newHarness(t, true, Config{})

	_, err := h.coord.Submit(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.client.submitted)
}

func TestSubmitHappyPath(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	fillAllSteps(t, h.state)
	_, err := h.drafts.SaveDraft(ctx, schema.StepBasicInfo, map[string]any{"firstName": "Amina"})
	require.NoError(t, err)

	details, err := h.coord.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "APP-2026-00042", details.ReferenceNumber)
	assert.Equal(t, 1, h.client.submitted)
	assert.Equal(t, schema.StatusSubmitted, h.state.Status())

	snap := h.state.Snapshot()
	assert.Equal(t, "APP-2026-00042", snap.ReferenceNumber)
	assert.False(t, h.store.hasDraft("session-1", schema.StepBasicInfo),
		"drafts cleared after submission")
}

func TestSubmitRefusedOffline(t *testing.T) {
	h := newHarness(t, false, Config{})
	fillAllSteps(t, h.state)

	_, err := h.coord.Submit(context.Background())
	require.Error(t, err)
	syncErr, ok := err.(*schema.SyncError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeOffline, syncErr.Code)
	assert.Zero(t, h.client.submitted)
}

func TestPollRemoteStatusAppliesAuthoritativeView(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	h.client.statusDoc = map[string]any{
		"data": map[string]any{
			"applicationStatus": "under_review",
			"currentStep":       "specializations",
		},
	}

	h.coord.PollRemoteStatus(ctx)

	assert.Equal(t, schema.StatusUnderReview, h.state.Status())
	assert.Contains(t, h.state.CompletedSteps(), schema.StepBasicInfo)
	assert.Contains(t, h.state.CompletedSteps(), schema.StepCredentials)
	assert.NotContains(t, h.state.CompletedSteps(), schema.StepSpecializations)
}

func TestPollRemoteStatusSkippedOffline(t *testing.T) {
	h := newHarness(t, false, Config{})
	h.client.statusDoc = map[string]any{"applicationStatus": "approved"}

	h.coord.PollRemoteStatus(context.Background())

	assert.Equal(t, schema.StatusDraft, h.state.Status())
}

func TestIndicatorOffline(t *testing.T) {
	h := newHarness(t, false, Config{})

	ind := h.coord.Indicator(context.Background(), schema.StepBasicInfo)
	assert.Equal(t, "Offline", ind.Message)
	assert.Equal(t, "orange", ind.Color)
	assert.False(t, ind.IsOnline)
}

func TestIndicatorUnsaved(t *testing.T) {
	h := newHarness(t, true, Config{})
	require.NoError(t, h.state.UpdateStepData(context.Background(), schema.StepBasicInfo,
		map[string]any{"firstName": "A"}))

	ind := h.coord.Indicator(context.Background(), schema.StepBasicInfo)
	assert.Equal(t, "Unsaved", ind.Message)
	assert.True(t, ind.HasUnsavedChanges)
}

func TestIndicatorReflectsStoredDraft(t *testing.T) {
	h := newHarness(t, true, Config{})
	ctx := context.Background()

	ind := h.coord.Indicator(ctx, schema.StepBasicInfo)
	assert.False(t, ind.IsDraftAvailable)

	saved, err := h.drafts.SaveDraft(ctx, schema.StepBasicInfo,
		map[string]any{"firstName": "Dana"})
	require.NoError(t, err)
	require.True(t, saved)

	// A fresh coordinator has no staged data; only the stored draft remains.
	fresh := newHarnessWithStore(t, true, Config{}, h.store)
	ind = fresh.coord.Indicator(ctx, schema.StepBasicInfo)
	assert.True(t, ind.IsDraftAvailable)
}
