package main

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/msync"
	"github.com/percona/percona-mongosync/msync/bulk"
	"github.com/percona/percona-mongosync/msync/checkpoint"
	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
	"github.com/percona/percona-mongosync/util"
)

// job is an oplog replication job with open cluster connections.
type job struct {
	cfg    *config.Config
	source *mongo.Client
	target *mongo.Client
	mapper *sel.Mapper
}

// openJob builds the namespace mapper and connects to both clusters.
func openJob(ctx context.Context, cfg *config.Config) (*job, error) {
	filter := sel.MakeFilter(cfg.Oplog.IncludeNamespaces, cfg.Oplog.ExcludeNamespaces)

	mapper, err := sel.NewMapper(cfg.Oplog.DBMap, filter)
	if err != nil {
		return nil, errors.Wrap(err, "db-map")
	}

	source, err := connect(ctx, "source", cfg.Source, cfg)
	if err != nil {
		return nil, err
	}

	target, err := connect(ctx, "target", cfg.Target, cfg)
	if err != nil {
		disconnect(ctx, "source", source)

		return nil, err
	}

	log.Ctx(ctx).Infof("Database map: %s", cfg.Oplog.DBMap)

	return &job{cfg: cfg, source: source, target: target, mapper: mapper}, nil
}

func connect(ctx context.Context, name, uri string, cfg *config.Config) (*mongo.Client, error) {
	m, err := topo.Connect(ctx, uri, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s cluster", name)
	}

	version, err := topo.Version(ctx, m)
	if err != nil {
		disconnect(ctx, name, m)

		return nil, errors.Wrapf(err, "%s version", name)
	}

	hosts := ""
	if cs, err := connstring.Parse(uri); err == nil {
		hosts = cs.Scheme + "://" + strings.Join(cs.Hosts, ",")
	}

	log.Ctx(ctx).Infof("Connected to %s cluster [%s]: %s", name, version.FullString(), hosts)

	return m, nil
}

func disconnect(ctx context.Context, name string, m *mongo.Client) {
	err := util.CtxWithTimeout(ctx, config.DisconnectTimeout, m.Disconnect)
	if err != nil {
		log.Ctx(ctx).Warnf("Disconnect %s cluster: %s", name, err.Error())
	}
}

// Close disconnects both clusters.
func (j *job) Close(ctx context.Context) {
	disconnect(ctx, "source", j.source)
	disconnect(ctx, "target", j.target)
}

// managerOptions converts the job configuration.
func managerOptions(cfg *config.OplogConfig) (msync.Options, error) {
	opts := msync.Options{
		QueueSize:          cfg.QueueSize,
		Await:              cfg.Await,
		SuperviseInterval:  cfg.SuperviseInterval,
		CheckpointInterval: cfg.CheckpointInterval,
		UpsertInserts:      cfg.UpsertInserts,
		DrainTimeout:       config.DefaultDrainTimeout,
		Logger:             log.New("oplog"),
	}

	var err error

	if cfg.Start != "" {
		opts.Start, err = oplog.ParsePosition(cfg.Start)
		if err != nil {
			return opts, errors.Wrap(err, "start")
		}
	}

	if cfg.End != "" {
		opts.End, err = oplog.ParsePosition(cfg.End)
		if err != nil {
			return opts, errors.Wrap(err, "end")
		}
	}

	return opts, nil
}

// newCheckpointStore returns the configured checkpoint store. The target
// store is keyed by the job id, or by the database map when no id is set.
func newCheckpointStore(cfg *config.OplogConfig, target *mongo.Client) checkpoint.Store {
	if cfg.CheckpointStore == config.CheckpointStoreTarget {
		id := cfg.JobID
		if id == "" {
			id = cfg.DBMap.String()
		}

		return checkpoint.NewMongoStore(target, id)
	}

	return checkpoint.NewFileStore(cfg.CheckpointFile)
}

// NewManager creates the replication manager of the job.
func (j *job) NewManager(opts msync.Options) (*msync.Manager, error) {
	//nolint:wrapcheck
	return msync.NewManager(
		oplog.NewMongoSource(j.source),
		oplog.NewMongoTarget(j.target),
		j.mapper,
		newCheckpointStore(&j.cfg.Oplog, j.target),
		opts)
}

// InitialSync copies every mapped collection and returns the oplog head
// captured before the copy. Replicating from it replays the writes the copy
// may have missed. A collection that fails is logged and skipped.
func (j *job) InitialSync(ctx context.Context, mode bulk.Mode) (bson.Timestamp, error) {
	head, err := oplog.NewMongoSource(j.source).Head(ctx)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "oplog head")
	}

	lg := log.New("initial-sync")
	lg.Infof("Initial sync in %s mode, oplog head %s", mode, oplog.FormatPosition(head))

	source := bulk.NewMongoCluster(j.source)
	target := bulk.NewMongoCluster(j.target)

	var (
		docs   int64
		failed int
	)

	for _, db := range j.mapper.Databases() {
		dm, _ := j.mapper.Database(db)

		pairs, err := bulk.Pairs(ctx, source, dm)
		if err != nil {
			return bson.Timestamp{}, err
		}

		for _, p := range pairs {
			dst, ok := j.mapper.Map(p.Source)
			if !ok {
				continue
			}

			cs := bulk.NewCollectionSync(source.Collection(p.Source), target.Collection(dst), bulk.Options{
				ChunkSize: j.cfg.Oplog.ChunkSize,
				Logger:    lg,
			})

			res, err := cs.Sync(ctx, mode)
			if err != nil {
				if ctx.Err() != nil {
					return bson.Timestamp{}, errors.Wrap(ctx.Err(), "canceled")
				}

				lg.With(log.NS(p.Source.Database, p.Source.Collection)).Error(err, "Collection sync failed")
				failed++

				continue
			}

			docs += res.Documents
		}
	}

	lg.Infof("Initial sync finished: %s documents, %d collections failed",
		humanize.Comma(docs), failed)

	return head, nil
}
