package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu     sync.Mutex
	logger hclog.Logger
)

// SetLogger sets the global logger for the engine
func SetLogger(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// GetLogger returns the global logger, initializing a default one on first use
func GetLogger() hclog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tablesync",
			Level:  hclog.LevelFromString(os.Getenv("TABLESYNC_LOG_LEVEL")),
			Output: os.Stderr,
		})
	}
	return logger
}
