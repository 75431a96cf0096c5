package locking

import (
	"fmt"
	"strings"

	"github.com/katasec/tablesync/internal/utils"
)

// LockerFactory creates DistributedLocker instances based on the configured
// lock provider.
type LockerFactory struct {
	configType         string
	connectionString   string
	containerName      string
	dbConnectionString string // Target connection string, used for lock name scoping
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType, connectionString, containerName, dbConnectionString string) *LockerFactory {
	return &LockerFactory{
		configType:         configType,
		connectionString:   connectionString,
		containerName:      containerName,
		dbConnectionString: dbConnectionString,
	}
}

// CreateLocker creates a DistributedLocker for the specified lock name
func (f *LockerFactory) CreateLocker(lockName string) (DistributedLocker, error) {
	switch f.configType {
	case "azure_blob":
		return NewBlobLocker(
			f.connectionString,
			f.containerName,
			lockName,
		)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for a run, scoped under the target
// server name so runs against different servers never collide.
func (f *LockerFactory) GetLockName(runID string) string {
	switch f.configType {
	case "azure_blob":
		if f.dbConnectionString != "" {
			serverName, err := utils.ExtractServerNameFromConnectionString(f.dbConnectionString)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + GetBlobLockName(runID)
			}
		}
		return GetBlobLockName(runID)
	default:
		return runID
	}
}

// GetBlobLockName returns the lock blob name for a given run ID using the
// blob locker naming convention.
func GetBlobLockName(runID string) string {
	return runID + ".lock"
}
