package config

import (
	"github.com/percona/percona-mongosync/errors"
)

// Validate checks the replication job for required fields and value ranges.
func Validate(cfg *Config) error {
	err := validatePort(cfg.Port)
	if err != nil {
		return err
	}

	switch {
	case cfg.Source == "" && cfg.Target == "":
		return errors.New("source URI and target URI are empty")
	case cfg.Source == "":
		return errors.New("source URI is empty")
	case cfg.Target == "":
		return errors.New("target URI is empty")
	case cfg.Source == cfg.Target:
		return errors.New("source URI and target URI are identical")
	}

	return ValidateOplog(&cfg.Oplog)
}

// ValidateFreeze checks the settings freeze needs: the source and the
// checkpoint store. The target and the database map are only required by
// the target store, the map only when no job id is set.
func ValidateFreeze(cfg *Config) error {
	if cfg.Source == "" {
		return errors.New("source URI is empty")
	}

	err := validateStore(&cfg.Oplog)
	if err != nil {
		return err
	}

	if cfg.Oplog.CheckpointStore != CheckpointStoreTarget {
		return nil
	}

	switch {
	case cfg.Target == "":
		return errors.New("target URI is empty")
	case cfg.Source == cfg.Target:
		return errors.New("source URI and target URI are identical")
	case cfg.Oplog.JobID == "" && len(cfg.Oplog.DBMap) == 0:
		return errors.New("job-id or db-map is required by the target checkpoint store")
	}

	return nil
}

func validatePort(port int) error {
	if port != 0 && (port <= 1024 || port > 65535) {
		return errors.New("port value is outside the supported range [1024 - 65535]")
	}

	return nil
}

func validateStore(cfg *OplogConfig) error {
	switch cfg.CheckpointStore {
	case "", CheckpointStoreFile:
		if cfg.CheckpointFile == "" {
			return errors.New("checkpoint-file is empty")
		}
	case CheckpointStoreTarget:
	default:
		return errors.Errorf("unknown checkpoint-store %q", cfg.CheckpointStore)
	}

	return nil
}

// ValidateOplog checks the replication settings.
func ValidateOplog(cfg *OplogConfig) error {
	if len(cfg.DBMap) == 0 {
		return errors.New("db-map is empty")
	}

	err := validateStore(cfg)
	if err != nil {
		return err
	}

	switch cfg.InitialSync {
	case "", "insert", "update", "auto":
	default:
		return errors.Errorf("unknown initial-sync mode %q", cfg.InitialSync)
	}

	if cfg.InitialSync != "" && cfg.Start != "" {
		return errors.New("start cannot be combined with initial-sync")
	}

	if cfg.QueueSize < 0 {
		return errors.New("queue-size must not be negative")
	}

	if cfg.ChunkSize < 0 {
		return errors.New("chunk-size must not be negative")
	}

	if cfg.Await < 0 || cfg.SuperviseInterval < 0 || cfg.CheckpointInterval < 0 {
		return errors.New("intervals must not be negative")
	}

	return nil
}
