package config

import "time"

const (
	// DefaultServerPort is the metrics and status port. 0 disables the server.
	DefaultServerPort = 0

	DefaultMongoDBOperationTimeout = 5 * time.Minute
	DisconnectTimeout              = 5 * time.Second
	CloseCursorTimeout             = 10 * time.Second
)

// Oplog replication defaults.
const (
	DefaultAwait              = time.Second
	DefaultQueueSize          = 4096
	DefaultSuperviseInterval  = 10 * time.Second
	DefaultCheckpointInterval = 5 * time.Second
	DefaultCheckpointFile     = "oplog.ts"
	DefaultDrainTimeout       = time.Minute

	// RestartBackoffMax caps the wait between restarts of a failing tracker.
	RestartBackoffMax = 5 * time.Minute
)

// Checkpoint stores.
const (
	CheckpointStoreFile   = "file"
	CheckpointStoreTarget = "target"

	// MongoSyncDatabase holds the target-side checkpoint collection.
	MongoSyncDatabase     = "percona_mongosync"
	CheckpointsCollection = "checkpoints"
)

// Bulk sync defaults.
const (
	DefaultChunkSize        = 128
	DefaultKeyPullChunkSize = 1000
	DefaultReplicationKey   = "datetime"
	DefaultBulkTimes        = 1
	DefaultBulkParallelism  = 2
)
