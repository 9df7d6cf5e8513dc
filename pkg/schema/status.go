package schema

import "time"

// NetworkStatus is the coalesced view of connectivity produced by the
// network monitor. Quality fields are best-effort: when the platform offers
// no signal they stay nil, never zero.
type NetworkStatus struct {
	IsOnline      bool           `json:"is_online"`
	RTT           *time.Duration `json:"rtt,omitempty"`
	DownlinkMbps  *float64       `json:"downlink_mbps,omitempty"`
	EffectiveType *string        `json:"effective_type,omitempty"`
	SaveData      *bool          `json:"save_data,omitempty"`
	LastOnlineAt  *time.Time     `json:"last_online_at,omitempty"`
	LastOfflineAt *time.Time     `json:"last_offline_at,omitempty"`
}

// OfflineDuration returns how long the connection has been down, or zero
// when online (or when no offline transition has been observed yet).
func (s NetworkStatus) OfflineDuration(now time.Time) time.Duration {
	if s.IsOnline || s.LastOfflineAt == nil {
		return 0
	}
	return now.Sub(*s.LastOfflineAt)
}

// SyncStatus is the derived view combining queue and draft state, exposed
// to UI consumers for badges and retry affordances.
type SyncStatus struct {
	IsSyncing          bool       `json:"is_syncing"`
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	SyncError          string     `json:"sync_error,omitempty"`
	PendingSyncCount   int        `json:"pending_sync_count"`
	HasPendingChanges  bool       `json:"has_pending_changes"`
	FailedSteps        []OnboardingStep `json:"failed_steps,omitempty"`
}

// AutoSaveStatus tracks the draft manager's save-state badge lifecycle.
type AutoSaveStatus string

const (
	AutoSaveIdle   AutoSaveStatus = "idle"
	AutoSaveSaving AutoSaveStatus = "saving"
	AutoSaveSaved  AutoSaveStatus = "saved"
	AutoSaveError  AutoSaveStatus = "error"
)

// QueueCounts is a snapshot of operation queue occupancy.
type QueueCounts struct {
	Total        int  `json:"total"`
	Pending      int  `json:"pending"`
	Failed       int  `json:"failed"`
	Completed    int  `json:"completed"`
	IsProcessing bool `json:"is_processing"`
}

// SaveIndicator is the combined draft/network/queue view rendered as a
// save-state badge by UI consumers.
type SaveIndicator struct {
	Status            AutoSaveStatus `json:"status"`
	Message           string         `json:"message"`
	Color             string         `json:"color"`
	IsDraftAvailable  bool           `json:"is_draft_available"`
	HasUnsavedChanges bool           `json:"has_unsaved_changes"`
	LastSaved         *time.Time     `json:"last_saved,omitempty"`
	IsOnline          bool           `json:"is_online"`
}
