// Package bulk copies whole collections between clusters.
package bulk

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
)

// Collection is one side of a copy.
type Collection interface {
	Namespace() sel.Namespace
	// Scan reads documents matching filter in natural order and calls fn
	// with chunks of at most size documents.
	Scan(ctx context.Context, filter bson.D, size int, fn func(docs []bson.Raw) error) error
	IsEmpty(ctx context.Context) (bool, error)
	InsertMany(ctx context.Context, docs []bson.Raw) (int, error)
	// UpsertMany sets the fields of each document on the document with the
	// same _id, creating it when absent.
	UpsertMany(ctx context.Context, docs []bson.Raw) (int, error)
	// MaxKey returns the greatest value of key, false for an empty collection.
	MaxKey(ctx context.Context, key string) (bson.RawValue, bool, error)
	Indexes(ctx context.Context) ([]*topo.IndexSpecification, error)
	CreateIndex(ctx context.Context, spec *topo.IndexSpecification) error
}

// Mode selects how [CollectionSync] writes documents.
type Mode string

const (
	// ModeInsert bulk-inserts every document, then copies indexes.
	ModeInsert Mode = "insert"
	// ModeUpdate copies indexes, then upserts every document by _id.
	ModeUpdate Mode = "update"
	// ModeAuto uses ModeInsert for an empty target and ModeUpdate otherwise.
	ModeAuto Mode = "auto"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeInsert, ModeUpdate, ModeAuto:
		return m, nil
	}

	return "", errors.Errorf("unknown sync mode %q", s)
}

// ProgressFunc is called after each written chunk with the number of
// documents in it.
type ProgressFunc func(ns sel.Namespace, n int)

// Options configures a [CollectionSync].
type Options struct {
	ChunkSize int
	Progress  ProgressFunc
	Logger    *log.Logger
}

// Result summarizes one collection copy.
type Result struct {
	Source sel.Namespace
	Target sel.Namespace
	Mode   Mode

	Documents     int64
	Size          int64
	FailedChunks  int
	Indexes       int
	FailedIndexes int
	Elapsed       time.Duration
}

// CollectionSync copies one collection and its indexes.
type CollectionSync struct {
	source Collection
	target Collection
	chunk  int
	onPart ProgressFunc
	lg     *log.Logger
}

func NewCollectionSync(source, target Collection, opts Options) *CollectionSync {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}

	src, dst := source.Namespace(), target.Namespace()

	return &CollectionSync{
		source: source,
		target: target,
		chunk:  opts.ChunkSize,
		onPart: opts.Progress,
		lg: log.OrNop(opts.Logger).Named("bulk").
			With(log.NS(src.Database, src.Collection), log.TargetNS(dst.Database, dst.Collection)),
	}
}

// Sync copies the collection. A failed chunk or index is logged and
// skipped. The returned error is set only when the source cannot be read.
func (s *CollectionSync) Sync(ctx context.Context, mode Mode) (*Result, error) {
	startedAt := time.Now()

	res := &Result{
		Source: s.source.Namespace(),
		Target: s.target.Namespace(),
		Mode:   mode,
	}

	if mode == ModeAuto {
		empty, err := s.target.IsEmpty(ctx)
		if err != nil {
			return res, errors.Wrap(err, "check target")
		}

		mode = ModeUpdate
		if empty {
			mode = ModeInsert
		}

		s.lg.Debugf("Auto mode selected %q", mode)
		res.Mode = mode
	}

	var err error

	switch mode {
	case ModeInsert:
		err = s.copy(ctx, res, s.target.InsertMany)
		if err == nil {
			err = s.SyncIndexes(ctx, res)
		}

	case ModeUpdate:
		err = s.SyncIndexes(ctx, res)
		if err == nil {
			err = s.copy(ctx, res, s.target.UpsertMany)
		}

	default:
		return res, errors.Errorf("unknown sync mode %q", mode)
	}

	res.Elapsed = time.Since(startedAt)

	if err != nil {
		return res, err
	}

	s.lg.With(log.Count(res.Documents), log.Size(res.Size), log.Elapsed(res.Elapsed)).
		Infof("Collection synced (%s): %d documents, %s in %s",
			res.Mode, res.Documents, humanize.Bytes(uint64(res.Size)), //nolint:gosec
			res.Elapsed.Round(time.Millisecond))

	return res, nil
}

type writeFunc func(ctx context.Context, docs []bson.Raw) (int, error)

func (s *CollectionSync) copy(ctx context.Context, res *Result, write writeFunc) error {
	method := string(res.Mode)
	n := 0

	err := s.source.Scan(ctx, nil, s.chunk, func(docs []bson.Raw) error {
		n++

		written, size, err := writeChunk(ctx, docs, write)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			res.FailedChunks++
			metrics.IncBulkChunkFailures(method)
			s.lg.With(log.Chunk(n), log.Count(int64(len(docs)))).
				Errorf(err, "%s sync: chunk %d failed", method, n)

			return nil
		}

		res.Documents += int64(written)
		res.Size += size
		metrics.AddBulkDocuments(method, written)
		s.lg.With(log.Chunk(n), log.Count(int64(written))).Tracef("%s sync: chunk %d", method, n)

		if s.onPart != nil {
			s.onPart(res.Source, len(docs))
		}

		return nil
	})

	return errors.Wrapf(err, "read %q", res.Source)
}

func writeChunk(ctx context.Context, docs []bson.Raw, write writeFunc) (int, int64, error) {
	startedAt := time.Now()

	written, err := write(ctx, docs)
	if err != nil {
		return 0, 0, err
	}

	metrics.ObserveBulkChunkDuration(time.Since(startedAt))

	var size int64
	for _, doc := range docs {
		size += int64(len(doc))
	}

	return written, size, nil
}
