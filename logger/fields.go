package logger

// Standard field names for consistent structured logging across the store.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldEntityID = "entity_id"
	FieldWriteID  = "write_id"

	// Versioning
	FieldVersion         = "version"
	FieldExpectedVersion = "expected_version"
	FieldRemoteVersion   = "remote_version"

	// Sync
	FieldSyncState = "sync_state"
	FieldQueueLen  = "queue_len"
	FieldAttempt   = "attempt"
	FieldBackoff   = "backoff"

	// Errors
	FieldError = "error"

	// Status
	FieldHealthy = "healthy"

	// Network
	FieldURL = "url"
)
