package locking

import (
	"context"
)

// DistributedLocker defines an interface for a distributed locking mechanism
// guarding a synchronization run, so that at most one orchestrator drives a
// given run at a time.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns
	// a lease ID if successful. An empty lease ID means the lock is held
	// elsewhere.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease on the lock.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock
	// periodically until ctx is cancelled.
	StartLockRenewal(ctx context.Context, lockName string)
}
