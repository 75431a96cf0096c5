package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/katasec/tablesync/engine"
	"github.com/katasec/tablesync/internal/config"
	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/pkg/tablesync"
)

func main() {
	configPath := flag.String("config", "tablesync.json", "path to the sync configuration file")
	resumeRunID := flag.String("resume", "", "resume the run with this ID from its checkpoint")
	flag.Parse()

	log := logging.GetLogger()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	eng, err := engine.FromConfig(cfg)
	if err != nil {
		log.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	// SIGINT/SIGTERM cancel the run cooperatively: in-flight batches finish
	// and the checkpoint is preserved for a later resume.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var run *tablesync.SyncRun
	done := make(chan struct{})
	go reportProgress(ctx, eng, cfg, *resumeRunID, done)

	if *resumeRunID != "" {
		run, err = eng.Resume(ctx, *resumeRunID)
	} else {
		run, err = eng.Start(ctx)
	}
	close(done)

	if run != nil {
		snapshot := run.Snapshot()
		log.Info("Synchronization finished",
			"runID", snapshot.RunID,
			"state", snapshot.State,
			"rowsCommitted", snapshot.RowsCommitted,
			"rowsPlanned", snapshot.RowsPlanned,
			"batchesFailed", snapshot.BatchesFailed)
		if len(snapshot.FailedKeys) > 0 {
			log.Warn("Keys requiring a follow-up run", "keys", snapshot.FailedKeys)
		}
	}
	if err != nil {
		log.Error("Synchronization failed", "error", err)
		os.Exit(1)
	}
}

// reportProgress logs a progress snapshot every few seconds while the run is
// active.
func reportProgress(ctx context.Context, eng *engine.Engine, cfg *config.SyncConfig, resumeRunID string, done <-chan struct{}) {
	runID := cfg.RunID
	if resumeRunID != "" {
		runID = resumeRunID
	}
	if runID == "" {
		// Generated run IDs are not known here; final report covers them.
		return
	}

	log := logging.GetLogger()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if progress, err := eng.Progress(runID); err == nil {
				log.Info("Progress",
					"runID", progress.RunID,
					"rowsCommitted", progress.RowsCommitted,
					"rowsPlanned", progress.RowsPlanned,
					"batchesFailed", progress.BatchesFailed)
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
