package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Defaults applied by Validate when the corresponding field is unset.
const (
	DefaultBatchSize         = 10000
	DefaultWorkerConcurrency = 8
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = "500ms"
	DefaultMaxBackoff        = "30s"
)

// SyncConfig holds the configuration for one table synchronization run.
// This is read from a JSON config file or stdin.
type SyncConfig struct {
	Driver                 string   `json:"driver"`                   // "sqlserver" or "sqlite"
	SourceConnectionString string   `json:"source_connection_string"` // Delta database connection string
	TargetConnectionString string   `json:"target_connection_string"` // Base database connection string
	SourceTable            string   `json:"source_table"`             // Table holding the delta rows
	TargetTable            string   `json:"target_table"`             // Base table being updated
	KeyColumn              string   `json:"key_column"`               // Join identifier column
	Columns                []string `json:"columns"`                  // Target columns updated from the delta

	RunID             string `json:"run_id"`             // Optional; generated when empty
	BatchSize         int    `json:"batch_size"`         // Max rows per batch
	WorkerConcurrency int    `json:"worker_concurrency"` // Concurrent in-flight batch applies
	LookAhead         int    `json:"look_ahead"`         // Batches pulled ahead of dispatch (default 2x workers)
	MaxRetries        *int   `json:"max_retries"`        // Retry budget for transient apply failures; 0 disables retries
	BackoffBase       string `json:"backoff_base"`       // First retry delay (e.g. "500ms")
	MaxBackoff        string `json:"max_backoff"`        // Backoff ceiling (e.g. "30s")

	Checkpoint CheckpointConfig `json:"checkpoint"`
	Lock       LockConfig       `json:"lock"`
}

// CheckpointConfig selects where commit watermarks are persisted.
type CheckpointConfig struct {
	Type  string `json:"type"`            // "table" (default) or "file"
	Table string `json:"table,omitempty"` // Checkpoint table name for type "table"
	Path  string `json:"path,omitempty"`  // Checkpoint file path for type "file"
}

// LockConfig represents the configuration for the optional distributed run
// lock, which keeps two orchestrators from driving the same run.
type LockConfig struct {
	Type             string `json:"type"`              // Lock provider type (e.g. "azure_blob")
	ConnectionString string `json:"connection_string"` // Connection string for the lock provider
	ContainerName    string `json:"container_name"`    // Name of the container used for lock blobs
}

// GetBackoffBase returns the BackoffBase as a time.Duration
func (c *SyncConfig) GetBackoffBase() (time.Duration, error) {
	return time.ParseDuration(c.BackoffBase)
}

// GetMaxBackoff returns the MaxBackoff as a time.Duration
func (c *SyncConfig) GetMaxBackoff() (time.Duration, error) {
	return time.ParseDuration(c.MaxBackoff)
}

// GetMaxRetries returns the retry budget, defaulting when unset. An
// explicitly configured 0 disables retries.
func (c *SyncConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// LoadFromJSON loads and validates a configuration from JSON input
func LoadFromJSON(jsonData []byte) (*SyncConfig, error) {
	var cfg SyncConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads and validates a configuration from a JSON file
func LoadFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadFromJSON(data)
}

// Validate checks required fields and fills in defaults.
func (c *SyncConfig) Validate() error {
	switch c.Driver {
	case "sqlserver", "sqlite":
	case "":
		return fmt.Errorf("missing required config: driver")
	default:
		return fmt.Errorf("unsupported driver: %s", c.Driver)
	}
	if c.SourceConnectionString == "" {
		return fmt.Errorf("missing required config: source_connection_string")
	}
	if c.TargetConnectionString == "" {
		return fmt.Errorf("missing required config: target_connection_string")
	}
	if c.SourceTable == "" {
		return fmt.Errorf("missing required config: source_table")
	}
	if c.TargetTable == "" {
		return fmt.Errorf("missing required config: target_table")
	}
	if c.KeyColumn == "" {
		return fmt.Errorf("missing required config: key_column")
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("missing required config: columns")
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if c.LookAhead <= 0 {
		c.LookAhead = 2 * c.WorkerConcurrency
	}
	if c.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.MaxRetries = &retries
	} else if *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.BackoffBase == "" {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxBackoff == "" {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if _, err := c.GetBackoffBase(); err != nil {
		return fmt.Errorf("invalid backoff_base: %w", err)
	}
	if _, err := c.GetMaxBackoff(); err != nil {
		return fmt.Errorf("invalid max_backoff: %w", err)
	}

	switch c.Checkpoint.Type {
	case "":
		c.Checkpoint.Type = "table"
	case "table", "file":
	default:
		return fmt.Errorf("unsupported checkpoint type: %s", c.Checkpoint.Type)
	}
	if c.Checkpoint.Type == "file" && c.Checkpoint.Path == "" {
		return fmt.Errorf("missing required config: checkpoint.path")
	}

	if c.Lock.Type != "" {
		if c.Lock.ConnectionString == "" {
			return fmt.Errorf("missing required config: lock.connection_string")
		}
		if c.Lock.ContainerName == "" {
			return fmt.Errorf("missing required config: lock.container_name")
		}
	}

	return nil
}
