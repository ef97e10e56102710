package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/msync"
	"github.com/percona/percona-mongosync/msync/bulk"
	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/topo"
	"github.com/percona/percona-mongosync/util"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	MaxRequestSize          = humanize.MiByte
	ServerResponseTimeout   = 5 * time.Second
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.1.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

func configFrom(cmd *cobra.Command) *config.Config {
	return cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "pmsync",
	Short: "Percona MongoSync: oplog replication and collection sync for MongoDB",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

//nolint:gochecknoglobals
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the status of a running oplog replication",
	RunE: func(cmd *cobra.Command, _ []string) error {
		port := configFrom(cmd).Port
		if port == 0 {
			return errors.New("required flag --port not set")
		}

		return NewClient(port).Status(cmd.Context())
	},
}

//nolint:gochecknoglobals
var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Replicate the source oplog to the target",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := configFrom(cmd)

		log.Ctx(cmd.Context()).Info("Percona MongoSync " + buildVersion())

		return runOplog(cmd.Context(), cfg)
	},
}

//nolint:gochecknoglobals
var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Pin the checkpoint to the current source oplog head",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runFreeze(cmd.Context(), configFrom(cmd))
	},
}

//nolint:gochecknoglobals
var syncCmd = &cobra.Command{
	Use:   "sync FILE...",
	Short: "Run bulk collection sync jobs from job files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showProgress, _ := cmd.Flags().GetBool("progress")

		return runSync(cmd.Context(), configFrom(cmd), args, showProgress)
	},
}

// jobFlags registers the oplog replication job flags on cmd.
func jobFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "MongoDB connection string for the source")
	cmd.Flags().String("target", "", "MongoDB connection string for the target")
	cmd.Flags().String("db-map", "",
		`Source to target database map (e.g. "shop=shop_copy,users")`)
	cmd.Flags().StringSlice("include-namespaces", nil,
		"Namespaces to include in the replication (e.g. db1.collection1,db2.*)")
	cmd.Flags().StringSlice("exclude-namespaces", nil,
		"Namespaces to exclude from the replication (e.g. db3.collection3,db4.*)")

	cmd.Flags().String("checkpoint-store", config.CheckpointStoreFile,
		`Where the checkpoint is kept: "file" or "target"`)
	cmd.Flags().String("checkpoint-file", config.DefaultCheckpointFile, "Checkpoint file path")
	cmd.Flags().String("job-id", "", "Checkpoint id in the target store (default: the db map)")

	cmd.Flags().String("start", "", `Start position ("T.I", "YYYYMMDD", RFC 3339 or unix seconds)`)
	cmd.Flags().String("end", "", "End position, exclusive; empty replicates until stopped")
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output log in JSON format")
	rootCmd.PersistentFlags().Bool("log-no-color", false, "Disable log color")
	rootCmd.PersistentFlags().Int("port", config.DefaultServerPort,
		"Port of the status and metrics server (0 disables it)")

	// MongoDB client timeout (visible: commonly needed for debugging)
	rootCmd.PersistentFlags().String("mongodb-operation-timeout", config.DefaultMongoDBOperationTimeout.String(),
		"Timeout for MongoDB operations (e.g., 30s, 5m)")

	jobFlags(oplogCmd)
	oplogCmd.Flags().Duration("await", config.DefaultAwait, "Wait between oplog polls when no entries are new")
	oplogCmd.Flags().Int("queue-size", config.DefaultQueueSize, "Capacity of the entry queue")
	oplogCmd.Flags().Duration("supervise-interval", config.DefaultSuperviseInterval,
		"Interval of liveness checks (0 disables restarts)")
	oplogCmd.Flags().Duration("checkpoint-interval", config.DefaultCheckpointInterval,
		"Minimal interval between checkpoint writes")
	oplogCmd.Flags().Bool("upsert-inserts", false, "Replay inserts as upserts by _id")
	oplogCmd.Flags().String("initial-sync", "",
		`Copy mapped collections before tailing: "insert", "update" or "auto"`)
	oplogCmd.Flags().Int("chunk-size", config.DefaultChunkSize, "Documents per initial sync chunk")

	jobFlags(freezeCmd)

	syncCmd.Flags().Bool("progress", false, "Show per-collection progress")

	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		oplogCmd,
		freezeCmd,
		syncCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		zerolog.Ctx(context.Background()).Fatal().Err(err).Msg("")
	}
}

// runOplog replicates until interrupted or, with an end position, until
// every entry before it is applied.
func runOplog(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	opts, err := managerOptions(&cfg.Oplog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := openJob(ctx, cfg)
	if err != nil {
		return err
	}

	defer j.Close(context.WithoutCancel(ctx))

	if cfg.Oplog.InitialSync != "" {
		mode, err := bulk.ParseMode(cfg.Oplog.InitialSync)
		if err != nil {
			return errors.Wrap(err, "initial sync")
		}

		head, err := j.InitialSync(ctx, mode)
		if err != nil {
			return errors.Wrap(err, "initial sync")
		}

		opts.Start = head
	}

	m, err := j.NewManager(opts)
	if err != nil {
		return errors.Wrap(err, "new manager")
	}

	if cfg.Port != 0 {
		serve(ctx, cfg.Port, NewServer(m).Handler())
	}

	err = m.Start(ctx)

	m.Close(context.WithoutCancel(ctx))

	if err != nil {
		return errors.Wrap(err, "oplog replication")
	}

	status := m.Status()
	log.Ctx(ctx).Infof("Oplog replication %s: %s applied, %s skipped, %s failed",
		status.State,
		humanize.Comma(status.Applied),
		humanize.Comma(status.Skipped),
		humanize.Comma(status.Failed))

	return nil
}

// runFreeze saves the current source oplog head as the job checkpoint.
func runFreeze(ctx context.Context, cfg *config.Config) error {
	err := config.ValidateFreeze(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	source, err := connect(ctx, "source", cfg.Source, cfg)
	if err != nil {
		return err
	}

	defer disconnect(ctx, "source", source)

	var target *mongo.Client

	if cfg.Oplog.CheckpointStore == config.CheckpointStoreTarget {
		target, err = connect(ctx, "target", cfg.Target, cfg)
		if err != nil {
			return err
		}

		defer disconnect(ctx, "target", target)
	}

	head, err := msync.FreezeCheckpoint(ctx,
		oplog.NewMongoSource(source), newCheckpointStore(&cfg.Oplog, target))
	if err != nil {
		return errors.Wrap(err, "freeze")
	}

	log.New("cli").Info("OK: checkpoint frozen at " + oplog.FormatPosition(head))

	return nil
}

// runSync runs the bulk job files one after another.
func runSync(ctx context.Context, cfg *config.Config, paths []string, showProgress bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := bulk.RunnerOptions{
		Logger: log.New("sync"),
	}

	if showProgress {
		bars := newProgress(os.Stderr)
		defer bars.Finish()

		opts.Progress = bars.Add
	}

	runner := bulk.NewRunner(dialCluster(cfg), opts)

	results, err := runner.RunFiles(ctx, paths)

	for _, res := range results {
		log.New("sync").With(log.Str("file", res.Path)).
			Infof("Synced %d collections (%d failed): %s documents in %s",
				len(res.Collections),
				res.Failed,
				humanize.Comma(res.Documents()),
				res.Elapsed.Round(time.Millisecond))
	}

	return err
}

// dialCluster connects bulk jobs to MongoDB.
func dialCluster(cfg *config.Config) bulk.Dialer {
	return func(ctx context.Context, uri string) (bulk.Cluster, func(context.Context) error, error) {
		m, err := topo.Connect(ctx, uri, cfg)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}

		disconnect := func(ctx context.Context) error {
			return util.CtxWithTimeout(ctx, config.DisconnectTimeout, m.Disconnect)
		}

		return bulk.NewMongoCluster(m), disconnect, nil
	}
}
