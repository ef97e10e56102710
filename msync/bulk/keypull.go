package bulk

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
)

const methodKeyPull = config.MethodKeyPull

// KeyPullOptions configures [KeyPull].
type KeyPullOptions struct {
	// Key is the replication key. Defaults to "datetime".
	Key       string
	ChunkSize int
	Progress  ProgressFunc
	Logger    *log.Logger
}

// KeyPull appends the source documents whose key is greater than the
// greatest key on the target. The key is expected to grow monotonically and
// copied documents to never change, so repeated runs copy only new
// documents. A failed chunk is logged and skipped.
func KeyPull(ctx context.Context, source, target Collection, opts KeyPullOptions) (*Result, error) {
	if opts.Key == "" {
		opts.Key = config.DefaultReplicationKey
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultKeyPullChunkSize
	}

	startedAt := time.Now()
	src, dst := source.Namespace(), target.Namespace()
	lg := log.OrNop(opts.Logger).Named("key_pull").
		With(log.NS(src.Database, src.Collection), log.TargetNS(dst.Database, dst.Collection))

	res := &Result{Source: src, Target: dst, Mode: methodKeyPull}

	maxKey, found, err := target.MaxKey(ctx, opts.Key)
	if err != nil {
		return res, errors.Wrapf(err, "max %q on %q", opts.Key, dst)
	}

	var filter bson.D
	if found {
		filter = bson.D{{opts.Key, bson.D{{"$gt", maxKey}}}}
		lg.Debugf("Pulling documents with %s > %s", opts.Key, maxKey)
	}

	n := 0

	err = source.Scan(ctx, filter, opts.ChunkSize, func(docs []bson.Raw) error {
		n++

		written, size, err := writeChunk(ctx, docs, target.InsertMany)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			res.FailedChunks++
			metrics.IncBulkChunkFailures(methodKeyPull)
			lg.With(log.Chunk(n), log.Count(int64(len(docs)))).
				Errorf(err, "key_pull: chunk %d failed", n)

			return nil
		}

		res.Documents += int64(written)
		res.Size += size
		metrics.AddBulkDocuments(methodKeyPull, written)
		lg.With(log.Count(res.Documents)).Infof("%s | %d", dst, res.Documents)

		if opts.Progress != nil {
			opts.Progress(src, len(docs))
		}

		return nil
	})

	res.Elapsed = time.Since(startedAt)

	return res, errors.Wrapf(err, "read %q", src)
}
