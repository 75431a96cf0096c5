// Package tablesync provides the public interfaces and types for the bulk
// table synchronization engine.
//
// The package defines the core interfaces like SourceReader for streaming
// delta rows, TargetStore for applying set-based batch updates, and
// CheckpointStore for durable resume points, plus types like Batch and
// SyncRun that flow between the engine components. These interfaces and
// types are meant to be used by external applications that want to plug
// their own stores into the sync engine.
//
// Key Components:
//   - SourceReader: Interface for reading the delta dataset in order
//   - TargetStore: Interface for applying one batch transactionally
//   - CheckpointStore: Interface for durable commit watermarks
//   - Batch: A bounded group of delta rows applied as one transaction
//   - SyncRun: Aggregate state and progress of one synchronization run
package tablesync
