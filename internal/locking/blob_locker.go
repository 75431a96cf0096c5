package locking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/katasec/tablesync/internal/logging"
)

var log = logging.GetLogger()

// staleLockAge is how old an existing lease must be before it is considered
// abandoned and broken.
const staleLockAge = 2 * time.Minute

// BlobLocker guards a synchronization run with an Azure blob lease. The
// lease blob lives in the configured container, one blob per run.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string
	leaseID       string

	azblobClient    *azblob.Client
	blockblobClient *blockblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker creates the container and lease blob if needed.
func NewBlobLocker(connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(context.TODO(), containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "ContainerAlreadyExists") {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(context.TODO(), []byte{}, nil)
	if err != nil && !strings.Contains(err.Error(), "BlobAlreadyExists") && !strings.Contains(err.Error(), "412 There is currently a lease") {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName: containerName,
		lockTTL:       -1 * time.Second, // infinite lease, kept honest by StartLockRenewal
		lockName:      lockName,

		azblobClient:    azblobClient,
		blockblobClient: blockblobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire the run lease. If an existing lease is older
// than staleLockAge it is treated as abandoned and broken. An empty lease ID
// with a nil error means another orchestrator holds a valid lease.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	log.Debug("Attempting to acquire run lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err == nil {
		bl.leaseID = *resp.LeaseID
		log.Info("Run lock acquired", "blob", bl.lockName, "leaseID", *resp.LeaseID)
		return *resp.LeaseID, nil
	}
	if !strings.Contains(err.Error(), "There is already a lease present") {
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	// A lease exists; check its age before giving up.
	blobClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
	}
	lockAge := time.Since(*props.LastModified)

	if lockAge <= staleLockAge {
		log.Info("Run is already locked and the lease is still valid",
			"blob", bl.lockName, "lockAge", lockAge)
		return "", nil
	}

	log.Info("Breaking stale run lease", "blob", bl.lockName, "lockAge", lockAge)
	if _, err := bl.blobLeaseClient.BreakLease(ctx, nil); err != nil {
		return "", fmt.Errorf("failed to break lease for %s: %w", bl.lockName, err)
	}
	// Give the service a moment to fully break the lease.
	time.Sleep(time.Second)

	resp, err = bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease after breaking for %s: %w", bl.lockName, err)
	}
	bl.leaseID = *resp.LeaseID
	log.Info("Run lock acquired after breaking stale lease", "blob", bl.lockName)
	return *resp.LeaseID, nil
}

// RenewLock extends the lease and re-uploads the lease blob under it.
// Renewing a lease does not touch the blob's last-modified time, and the
// staleness check reads last-modified, so a healthy long run must bump it
// on every renewal or a competing orchestrator would break its lease.
func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	_, err := bl.blockblobClient.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: &bl.leaseID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to refresh lock blob %s: %w", lockName, err)
	}
	log.Debug("Run lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease so another orchestrator can take the run.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	log.Info("Run lock released", "blob", bl.lockName)
	return nil
}

// StartLockRenewal renews the lease every minute until ctx is cancelled.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	log.Debug("Starting run lock renewal", "blob", lockName)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, lockName); err != nil {
					log.Error("Failed to renew run lock", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				log.Debug("Stopping run lock renewal", "blob", lockName)
				return
			}
		}
	}()
}
