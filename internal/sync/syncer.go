package sync

import (
	"context"
	"time"
)

// Syncer is the part of Client the background scheduler drives.
// It allows for fakes in tests.
type Syncer interface {
	// SyncNow performs one synchronization cycle.
	SyncNow(ctx context.Context) (*SyncResult, error)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of operations waiting to be pushed.
	PendingChanges(ctx context.Context) (int, error)

	// LastError returns the error of the last failed cycle.
	LastError() error
}

var _ Syncer = (*Client)(nil)
