package sync

import (
	"context"
	"time"
)

// Status describes a snapshot of the engine for status displays.
type Status struct {
	Running      bool      `json:"running"`
	Syncing      bool      `json:"syncing"`
	LastSync     time.Time `json:"last_sync"`
	LastError    string    `json:"last_error,omitempty"`
	PendingCount int       `json:"pending_count"`
}

// CycleReport summarizes one drain cycle for observers.
type CycleReport struct {
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Deferred  int       `json:"deferred"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Syncer is the engine surface exposed to the rest of the application.
type Syncer interface {
	// Start begins the background drain loop. Idempotent.
	Start()
	// Stop cancels the next scheduled cycle and waits for the loop to
	// exit. An in-flight cycle finishes naturally.
	Stop()
	// ForceSync asks the running loop to drain now instead of waiting
	// for the timer. No-op when the loop is stopped.
	ForceSync()
	// Sync runs exactly one drain cycle. Concurrent calls beyond the
	// first fail with ErrSyncInProgress.
	Sync(ctx context.Context) (*CycleReport, error)
	// Subscribe registers an observer notified after every cycle.
	Subscribe(fn func(CycleReport))
	// Status reports the engine's current state.
	Status() Status
	// LastSync returns when the last cycle completed.
	LastSync() time.Time
}
