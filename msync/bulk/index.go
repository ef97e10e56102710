package bulk

import (
	"context"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/topo"
)

// SyncIndexes creates the source indexes, except _id_, on the target.
// An index that cannot be created is logged and counted in res.
func (s *CollectionSync) SyncIndexes(ctx context.Context, res *Result) error {
	indexes, err := s.source.Indexes(ctx)
	if err != nil {
		if errors.Is(err, topo.ErrNotFound) {
			s.lg.Warn("Source collection does not exist; no indexes to copy")

			return nil
		}

		return errors.Wrap(err, "list source indexes")
	}

	for _, spec := range indexes {
		if spec.IsID() {
			continue
		}

		lg := s.lg.With(log.Str("index", spec.Name))

		err := s.target.CreateIndex(ctx, spec.ForCreate())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			res.FailedIndexes++
			metrics.IncBulkIndexes(false)
			lg.Error(err, "Create index")

			continue
		}

		res.Indexes++
		metrics.IncBulkIndexes(true)
		lg.Infof("Index %q created", spec.Name)
	}

	return nil
}
