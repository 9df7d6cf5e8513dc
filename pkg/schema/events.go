package schema

// Event type constants for the append-only session event log.
const (
	EventStatusChanged   = "status_changed"
	EventStepCompleted   = "step_completed"
	EventStepDataUpdated = "step_data_updated"
	EventStateReset      = "state_reset"
	EventFormDataCleared = "form_data_cleared"

	EventDraftSaved    = "draft_saved"
	EventDraftRestored = "draft_restored"
	EventDraftCleared  = "draft_cleared"
	EventDraftPurged   = "draft_purged"

	EventSyncEnqueued  = "sync_enqueued"
	EventSyncSucceeded = "sync_succeeded"
	EventSyncFailed    = "sync_failed"
	EventSyncRetrying  = "sync_retrying"

	EventNetworkOnline  = "network_online"
	EventNetworkOffline = "network_offline"

	EventApplicationSubmitted = "application_submitted"
)
