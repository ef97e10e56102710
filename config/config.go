// Package config provides configuration management for pmsync using Viper.
package config

import (
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/sel"
)

const envPrefix = "PMSYNC"

// Config holds the oplog replication job configuration.
type Config struct {
	Port   int    `mapstructure:"port"`
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Oplog OplogConfig `mapstructure:",squash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	OperationTimeout  time.Duration `mapstructure:"mongodb-operation-timeout"`
	TargetCompressors []string      `mapstructure:"target-compressors"`
}

// OplogConfig holds the replication job settings.
type OplogConfig struct {
	// DBMap maps source databases to target databases.
	DBMap sel.DBMap `mapstructure:"db-map"`
	// IncludeNamespaces and ExcludeNamespaces narrow the mapped databases
	// ("db.coll" or "db.*").
	IncludeNamespaces []string `mapstructure:"include-namespaces"`
	ExcludeNamespaces []string `mapstructure:"exclude-namespaces"`

	// CheckpointStore is "file" or "target".
	CheckpointStore string `mapstructure:"checkpoint-store"`
	CheckpointFile  string `mapstructure:"checkpoint-file"`
	// JobID keys the checkpoint document in the target store.
	JobID string `mapstructure:"job-id"`

	// Await is the poll wait when the oplog has no new entries.
	Await time.Duration `mapstructure:"await"`
	// Start and End are position strings; empty means unset.
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`

	QueueSize          int           `mapstructure:"queue-size"`
	SuperviseInterval  time.Duration `mapstructure:"supervise-interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint-interval"`

	// UpsertInserts replays inserts as upserts keyed by _id.
	UpsertInserts bool `mapstructure:"upsert-inserts"`

	// InitialSync is the bulk sync mode run before tailing; empty skips it.
	InitialSync string `mapstructure:"initial-sync"`
	ChunkSize   int    `mapstructure:"chunk-size"`
}

// Load reads flags, environment variables and the optional --config file.
// Flags take precedence over the environment, which takes precedence over the file.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if cmd.PersistentFlags() != nil {
		_ = v.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = v.BindPFlags(cmd.Flags())
	}

	bindEnvVars(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)

		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %q", path)
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			dbMapHookFunc(),
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	cfg.MongoDB.TargetCompressors = filterCompressors(cfg.MongoDB.TargetCompressors)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("mongodb-operation-timeout", DefaultMongoDBOperationTimeout)
	v.SetDefault("checkpoint-store", CheckpointStoreFile)
	v.SetDefault("checkpoint-file", DefaultCheckpointFile)
	v.SetDefault("await", DefaultAwait)
	v.SetDefault("queue-size", DefaultQueueSize)
	v.SetDefault("supervise-interval", DefaultSuperviseInterval)
	v.SetDefault("checkpoint-interval", DefaultCheckpointInterval)
	v.SetDefault("chunk-size", DefaultChunkSize)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("source", envPrefix+"_SOURCE_URI")
	_ = v.BindEnv("target", envPrefix+"_TARGET_URI")
}

//nolint:gochecknoglobals
var allowedCompressors = []string{"zstd", "zlib", "snappy"}

func filterCompressors(compressors []string) []string {
	if len(compressors) == 0 {
		return nil
	}

	filtered := make([]string, 0, len(allowedCompressors))

	for _, c := range compressors {
		c = strings.TrimSpace(c)
		if slices.Contains(allowedCompressors, c) && !slices.Contains(filtered, c) {
			filtered = append(filtered, c)
		}
	}

	return filtered
}
