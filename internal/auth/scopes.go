package auth

// Scopes understood by the sync service.
const (
	ScopeSyncTrigger = "sync:trigger"
)
