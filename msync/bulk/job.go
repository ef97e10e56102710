package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/sel"
)

// Cluster opens the collections of one deployment.
type Cluster interface {
	ListCollections(ctx context.Context, db string) ([]string, error)
	Collection(ns sel.Namespace) Collection
}

// Dialer connects to a deployment. The returned function disconnects.
type Dialer func(ctx context.Context, uri string) (Cluster, func(context.Context) error, error)

// RunnerOptions configures a [Runner].
type RunnerOptions struct {
	Progress ProgressFunc
	Logger   *log.Logger
}

// Runner executes bulk sync jobs.
type Runner struct {
	dial     Dialer
	progress ProgressFunc
	lg       *log.Logger
}

func NewRunner(dial Dialer, opts RunnerOptions) *Runner {
	return &Runner{
		dial:     dial,
		progress: opts.Progress,
		lg:       log.OrNop(opts.Logger).Named("sync"),
	}
}

// JobResult summarizes a job run.
type JobResult struct {
	Path        string
	Collections []*Result
	// Failed counts collections that could not be read.
	Failed  int
	Elapsed time.Duration
}

// Documents returns the number of documents written by the job.
func (r *JobResult) Documents() int64 {
	var n int64
	for _, c := range r.Collections {
		n += c.Documents
	}

	return n
}

// Mapping builds the namespace mapping of a job.
func Mapping(m *config.SyncMapper) (*sel.DatabaseMapping, error) {
	//nolint:wrapcheck
	return sel.NewDatabaseMapping(sel.DatabaseMappingOptions{
		Source:      m.SourceDB,
		Target:      m.TargetDB,
		Renames:     m.ColMap,
		Collections: m.Collections,
		Match:       m.Match,
	})
}

// Pairs resolves the collections a job copies.
func Pairs(ctx context.Context, source Cluster, mapping *sel.DatabaseMapping) ([]sel.Pair, error) {
	names, err := source.ListCollections(ctx, mapping.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "list collections of %q", mapping.Source)
	}

	return mapping.Select(names), nil
}

// Run executes job Times times. Collections are copied with at most
// Parallelism at once. A collection that fails does not stop the others.
func (r *Runner) Run(ctx context.Context, job *config.BulkJob) (*JobResult, error) {
	startedAt := time.Now()
	res := &JobResult{Path: job.Path}

	mapping, err := Mapping(&job.Mapper)
	if err != nil {
		return res, errors.Wrap(err, "mapping")
	}

	lg := r.lg
	if job.Path != "" {
		lg = lg.With(log.Str("file", job.Path))
	}

	source, closeSource, err := r.dial(ctx, job.Mapper.Source)
	if err != nil {
		return res, errors.Wrap(err, "connect to source")
	}

	defer closeSource(context.WithoutCancel(ctx)) //nolint:errcheck

	target, closeTarget, err := r.dial(ctx, job.Mapper.Target)
	if err != nil {
		return res, errors.Wrap(err, "connect to target")
	}

	defer closeTarget(context.WithoutCancel(ctx)) //nolint:errcheck

	pairs, err := Pairs(ctx, source, mapping)
	if err != nil {
		return res, err
	}

	if len(pairs) == 0 {
		lg.Warnf("No collection of %q matches", mapping.Source)

		return res, nil
	}

	lg.Infof("Syncing %d collections %s -> %s (%s, %d times)",
		len(pairs), mapping.Source, mapping.Target, job.Method, job.Times)

	var mu sync.Mutex

	for pass := 1; pass <= job.Times; pass++ {
		eg, grpCtx := errgroup.WithContext(ctx)
		eg.SetLimit(max(job.Parallelism, 1))

		for _, pair := range pairs {
			eg.Go(func() error {
				cres, err := r.syncPair(grpCtx, job, source.Collection(pair.Source),
					target.Collection(pair.Target))

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					if grpCtx.Err() != nil {
						return grpCtx.Err()
					}

					res.Failed++
					lg.With(log.NS(pair.Source.Database, pair.Source.Collection)).
						Errorf(err, "Sync %q (pass %d)", pair.Source, pass)

					return nil
				}

				res.Collections = append(res.Collections, cres)

				return nil
			})
		}

		err := eg.Wait()
		if err != nil {
			res.Elapsed = time.Since(startedAt)

			return res, errors.Wrapf(err, "pass %d", pass)
		}
	}

	res.Elapsed = time.Since(startedAt)

	lg.With(log.Count(res.Documents()), log.Elapsed(res.Elapsed)).
		Infof("Job done: %s documents in %s, %d failed collections",
			humanize.Comma(res.Documents()), res.Elapsed.Round(time.Millisecond), res.Failed)

	return res, nil
}

func (r *Runner) syncPair(ctx context.Context, job *config.BulkJob, source, target Collection) (*Result, error) {
	if job.Method == config.MethodKeyPull {
		return KeyPull(ctx, source, target, KeyPullOptions{
			Key:       job.Key,
			ChunkSize: job.Chunk,
			Progress:  r.progress,
			Logger:    r.lg,
		})
	}

	mode, err := ParseMode(job.Method)
	if err != nil {
		return nil, err
	}

	cs := NewCollectionSync(source, target, Options{
		ChunkSize: job.Chunk,
		Progress:  r.progress,
		Logger:    r.lg,
	})

	return cs.Sync(ctx, mode)
}

// RunFiles loads and runs job files one after another. A file that cannot
// be loaded or run is logged and skipped.
func (r *Runner) RunFiles(ctx context.Context, paths []string) ([]*JobResult, error) {
	var (
		results []*JobResult
		errs    []error
	)

	for _, path := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())

			break
		}

		lg := r.lg.With(log.Str("file", path))

		job, err := config.LoadBulkJob(path)
		if err != nil {
			lg.Error(err, "Skip job file")
			errs = append(errs, err)

			continue
		}

		lg.Info("Starting job")

		res, err := r.Run(ctx, job)
		if err != nil {
			lg.Error(err, "Job failed")
			errs = append(errs, errors.Wrap(err, path))

			continue
		}

		results = append(results, res)
	}

	return results, errors.Join(errs...)
}
