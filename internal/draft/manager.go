package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/draftsync/internal/logging"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// StateView is the slice of onboarding state the manager consults. The
// manager references the canonical state, it never owns it.
type StateView interface {
	HasUnsavedChanges() bool
	LastSaved() *time.Time
}

// Cipher seals sensitive fields on the way to disk and opens them on
// restore. A nil cipher stores drafts as plaintext.
type Cipher interface {
	EncryptFields(data map[string]any) (map[string]any, error)
	DecryptFields(data map[string]any) (map[string]any, error)
}

// Config holds draft manager tuning. Zero values fall back to defaults.
type Config struct {
	AutoSaveEnabled  bool
	AutoSaveInterval time.Duration // default 30s
	StatusHoldTime   time.Duration // how long saved/error badges linger, default 2s
	Cipher           Cipher
}

func (c Config) withDefaults() Config {
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = 30 * time.Second
	}
	if c.StatusHoldTime <= 0 {
		c.StatusHoldTime = 2 * time.Second
	}
	return c
}

type autoSaveLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the per-step draft snapshots and their hashes. A draft
// write only happens when the content hash changed; identical saves are
// no-ops against the store.
type Manager struct {
	store     store.Store
	state     StateView
	sessionID string
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[schema.OnboardingStep]map[string]any
	lastHash map[schema.OnboardingStep]string
	statuses map[schema.OnboardingStep]schema.AutoSaveStatus
	reverts  map[schema.OnboardingStep]*time.Timer
	loops    map[schema.OnboardingStep]*autoSaveLoop

	onSave    func(step schema.OnboardingStep, data map[string]any)
	onRestore func(step schema.OnboardingStep, data map[string]any)
}

// NewManager creates a draft manager for one session.
func NewManager(s store.Store, state StateView, sessionID string, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		state:     state,
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		pending:   make(map[schema.OnboardingStep]map[string]any),
		lastHash:  make(map[schema.OnboardingStep]string),
		statuses:  make(map[schema.OnboardingStep]schema.AutoSaveStatus),
		reverts:   make(map[schema.OnboardingStep]*time.Timer),
		loops:     make(map[schema.OnboardingStep]*autoSaveLoop),
	}
}

// OnSave registers a callback fired after each successful draft write.
func (m *Manager) OnSave(fn func(step schema.OnboardingStep, data map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSave = fn
}

// OnRestore registers a callback fired after each successful restore.
func (m *Manager) OnRestore(fn func(step schema.OnboardingStep, data map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestore = fn
}

// SaveDraft persists the step's draft when its content hash differs from
// the last saved hash. Returns true when a write happened.
func (m *Manager) SaveDraft(ctx context.Context, step schema.OnboardingStep, data map[string]any) (bool, error) {
	if !schema.ValidStep(step) {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %s", step).WithStep(step)
	}

	hash, err := ContentHash(data)
	if err != nil {
		m.setStatus(step, schema.AutoSaveError)
		return false, err
	}

	m.mu.Lock()
	if m.lastHash[step] == hash {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	m.setStatus(step, schema.AutoSaveSaving)

	// The hash gates on plaintext; only the persisted copy is sealed.
	payload := data
	if m.cfg.Cipher != nil {
		payload, err = m.cfg.Cipher.EncryptFields(data)
		if err != nil {
			m.setStatus(step, schema.AutoSaveError)
			return false, schema.NewError(schema.ErrCodeCrypto, "seal draft").WithStep(step).WithCause(err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		m.setStatus(step, schema.AutoSaveError)
		return false, schema.NewError(schema.ErrCodeSerialization, "marshal draft").WithStep(step).WithCause(err)
	}

	rec := &store.DraftRecord{
		SessionID: m.sessionID,
		StepID:    step,
		Data:      raw,
		Hash:      hash,
		SavedAt:   time.Now().UTC(),
	}
	if err := m.store.SaveDraft(ctx, rec); err != nil {
		m.setStatus(step, schema.AutoSaveError)
		return false, schema.NewError(schema.ErrCodeStore, "persist draft").WithStep(step).WithCause(err)
	}

	m.mu.Lock()
	m.lastHash[step] = hash
	onSave := m.onSave
	m.mu.Unlock()

	m.appendEvent(ctx, schema.EventDraftSaved, step)
	m.setStatus(step, schema.AutoSaveSaved)
	logging.LogWith(logging.WithStepID(ctx, string(step)), m.logger).Debug("draft saved",
		slog.String("hash", hash[:8]))

	if onSave != nil {
		onSave(step, data)
	}
	return true, nil
}

// RestoreDraft loads the step's persisted draft. The second return is
// false when no draft exists.
func (m *Manager) RestoreDraft(ctx context.Context, step schema.OnboardingStep) (map[string]any, bool, error) {
	rec, err := m.store.GetDraft(ctx, m.sessionID, step)
	if err != nil {
		var syncErr *schema.SyncError
		if errors.As(err, &syncErr) && syncErr.Code == schema.ErrCodeNotFound {
			return nil, false, nil
		}
		return nil, false, schema.NewError(schema.ErrCodeStore, "load draft").WithStep(step).WithCause(err)
	}

	data := make(map[string]any)
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		// Unreadable draft: discard rather than feed garbage to the form.
		_ = m.store.DeleteDraft(ctx, m.sessionID, step)
		return nil, false, nil
	}

	if m.cfg.Cipher != nil {
		opened, err := m.cfg.Cipher.DecryptFields(data)
		if err != nil {
			// Wrong key or tampered record; same treatment as corrupt JSON.
			_ = m.store.DeleteDraft(ctx, m.sessionID, step)
			return nil, false, nil
		}
		data = opened
	}

	m.mu.Lock()
	m.lastHash[step] = rec.Hash
	onRestore := m.onRestore
	m.mu.Unlock()

	m.appendEvent(ctx, schema.EventDraftRestored, step)
	if onRestore != nil {
		onRestore(step, data)
	}
	return data, true, nil
}

// ClearDraft removes the step's draft and stops its timers. Called on
// step completion, where the committed data supersedes any draft.
func (m *Manager) ClearDraft(ctx context.Context, step schema.OnboardingStep) error {
	m.StopAutoSave(step)

	m.mu.Lock()
	delete(m.pending, step)
	delete(m.lastHash, step)
	if timer, ok := m.reverts[step]; ok {
		timer.Stop()
		delete(m.reverts, step)
	}
	m.statuses[step] = schema.AutoSaveIdle
	m.mu.Unlock()

	err := m.store.DeleteDraft(ctx, m.sessionID, step)
	if err != nil {
		var syncErr *schema.SyncError
		if errors.As(err, &syncErr) && syncErr.Code == schema.ErrCodeNotFound {
			return nil
		}
		return schema.NewError(schema.ErrCodeStore, "clear draft").WithStep(step).WithCause(err)
	}

	m.appendEvent(ctx, schema.EventDraftCleared, step)
	return nil
}

// UpdatePendingData stages form data for the next auto-save tick. When
// auto-save is disabled the draft is written immediately.
func (m *Manager) UpdatePendingData(ctx context.Context, step schema.OnboardingStep, data map[string]any) error {
	if !m.cfg.AutoSaveEnabled {
		_, err := m.SaveDraft(ctx, step, data)
		return err
	}

	m.mu.Lock()
	m.pending[step] = data
	m.mu.Unlock()
	return nil
}

// PendingData returns the currently staged data for a step, nil when none.
func (m *Manager) PendingData(step schema.OnboardingStep) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[step]
}

// StartAutoSave launches the step's auto-save loop: exactly one restore
// before the first tick, then a save per tick while the staged data's hash
// differs and the state reports unsaved changes. Starting an already
// running step is an error.
func (m *Manager) StartAutoSave(ctx context.Context, step schema.OnboardingStep) error {
	if !schema.ValidStep(step) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step %s", step).WithStep(step)
	}

	m.mu.Lock()
	if _, running := m.loops[step]; running {
		m.mu.Unlock()
		return fmt.Errorf("auto-save already running for step %s", step)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &autoSaveLoop{cancel: cancel, done: make(chan struct{})}
	m.loops[step] = loop
	m.mu.Unlock()

	go m.runLoop(loopCtx, step, loop)
	return nil
}

// StopAutoSave stops the step's auto-save loop if running.
func (m *Manager) StopAutoSave(step schema.OnboardingStep) {
	m.mu.Lock()
	loop, ok := m.loops[step]
	if ok {
		delete(m.loops, step)
	}
	m.mu.Unlock()

	if ok {
		loop.cancel()
		<-loop.done
	}
}

// StopAll stops every running auto-save loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var steps []schema.OnboardingStep
	for step := range m.loops {
		steps = append(steps, step)
	}
	m.mu.Unlock()

	for _, step := range steps {
		m.StopAutoSave(step)
	}
}

func (m *Manager) runLoop(ctx context.Context, step schema.OnboardingStep, loop *autoSaveLoop) {
	defer close(loop.done)

	if data, ok, err := m.RestoreDraft(ctx, step); err != nil {
		logging.LogWith(ctx, m.logger).Warn("restore draft",
			slog.String("step", string(step)), slog.String("error", err.Error()))
	} else if ok {
		m.mu.Lock()
		if _, staged := m.pending[step]; !staged {
			m.pending[step] = data
		}
		m.mu.Unlock()
	}

	ticker := time.NewTicker(m.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, step)
		}
	}
}

// tick saves the staged data when it changed and the canonical state is
// dirty. Save failures are logged and retried on the next tick.
func (m *Manager) tick(ctx context.Context, step schema.OnboardingStep) {
	m.mu.Lock()
	data, staged := m.pending[step]
	m.mu.Unlock()
	if !staged || !m.state.HasUnsavedChanges() {
		return
	}

	if _, err := m.SaveDraft(ctx, step, data); err != nil {
		logging.LogWith(ctx, m.logger).Warn("auto-save draft",
			slog.String("step", string(step)), slog.String("error", err.Error()))
	}
}

// Status returns the step's save-badge state.
func (m *Manager) Status(step schema.OnboardingStep) schema.AutoSaveStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[step]; ok {
		return s
	}
	return schema.AutoSaveIdle
}

// HasDraft reports whether a persisted draft exists for the step.
func (m *Manager) HasDraft(ctx context.Context, step schema.OnboardingStep) bool {
	_, err := m.store.GetDraft(ctx, m.sessionID, step)
	return err == nil
}

// setStatus records the badge state; saved and error revert to idle after
// the hold time so the badge does not stick.
func (m *Manager) setStatus(step schema.OnboardingStep, status schema.AutoSaveStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[step] = status
	if timer, ok := m.reverts[step]; ok {
		timer.Stop()
		delete(m.reverts, step)
	}
	if status == schema.AutoSaveSaved || status == schema.AutoSaveError {
		m.reverts[step] = time.AfterFunc(m.cfg.StatusHoldTime, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.statuses[step] == status {
				m.statuses[step] = schema.AutoSaveIdle
			}
		})
	}
}

func (m *Manager) appendEvent(ctx context.Context, eventType string, step schema.OnboardingStep) {
	event := &store.Event{
		SessionID: m.sessionID,
		StepID:    step,
		Type:      eventType,
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, m.logger).Warn("append draft event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}
