package oplog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/util"
)

// ErrCursor wraps a failure of the tailing cursor.
var ErrCursor = errors.New("oplog cursor")

// Source is the oplog of the source cluster.
type Source interface {
	// Tail opens a tailable cursor over entries with position > start,
	// position < end when end is not zero, and matching filter.
	Tail(ctx context.Context, start, end bson.Timestamp, filter bson.D) (Cursor, error)
	// Head returns the position of the most recent oplog entry.
	Head(ctx context.Context) (bson.Timestamp, error)
}

// Cursor iterates raw oplog documents.
type Cursor interface {
	TryNext(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	// ID is 0 once the server closed the cursor.
	ID() int64
	Close(ctx context.Context) error
}

// Checkpoints loads a persisted position.
type Checkpoints interface {
	Load(ctx context.Context) (bson.Timestamp, bool, error)
}

// StartFrom tells where a resolved start position came from.
type StartFrom string

const (
	StartExplicit   StartFrom = "explicit"
	StartCheckpoint StartFrom = "checkpoint"
	StartHead       StartFrom = "head"
)

// ResolveStart picks the tailing start position: explicit if given, else
// the checkpoint, else the current oplog head.
func ResolveStart(
	ctx context.Context,
	explicit *bson.Timestamp,
	cp Checkpoints,
	source Source,
) (bson.Timestamp, StartFrom, error) {
	if explicit != nil && !explicit.IsZero() {
		return *explicit, StartExplicit, nil
	}

	if cp != nil {
		ts, found, err := cp.Load(ctx)
		if err != nil {
			return bson.Timestamp{}, "", errors.Wrap(err, "load checkpoint")
		}

		if found {
			return ts, StartCheckpoint, nil
		}
	}

	ts, err := source.Head(ctx)
	if err != nil {
		return bson.Timestamp{}, "", errors.Wrap(err, "oplog head")
	}

	return ts, StartHead, nil
}

// TrackerOptions configures a [Tracker].
type TrackerOptions struct {
	// Wait is the pause after the cursor has no new entries.
	Wait time.Duration
	// Clock drives the wait. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to a no-op logger.
	Logger *log.Logger
}

// Tracker tails the source oplog into a channel.
type Tracker struct {
	source Source
	filter bson.D
	wait   time.Duration
	clock  clockwork.Clock
	lg     *log.Logger

	lastRead atomic.Pointer[bson.Timestamp]
}

// NewTracker creates a tracker reading entries that match filter.
func NewTracker(source Source, filter bson.D, opts TrackerOptions) *Tracker {
	t := &Tracker{
		source: source,
		filter: filter,
		wait:   opts.Wait,
		clock:  opts.Clock,
		lg:     log.OrNop(opts.Logger).Named("tracker"),
	}

	if t.wait <= 0 {
		t.wait = config.DefaultAwait
	}

	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}

	return t
}

// LastRead returns the position of the last entry handed to the channel.
func (t *Tracker) LastRead() (bson.Timestamp, bool) {
	ts := t.lastRead.Load()
	if ts == nil {
		return bson.Timestamp{}, false
	}

	return *ts, true
}

// Run tails entries after start into out. With a non-zero end it returns
// once every entry before end has been sent. It returns nil when ctx is
// canceled and an [ErrCursor] error when the cursor fails.
func (t *Tracker) Run(ctx context.Context, start, end bson.Timestamp, out chan<- *Entry) error {
	lg := t.lg.With(log.OpTime(start.T, start.I))
	lg.Info("Tailing oplog")

	pos := start

	for {
		cur, err := t.source.Tail(ctx, pos, end, t.filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Join(ErrCursor, errors.Wrap(err, "open"))
		}

		last, reopen, err := t.drain(ctx, cur, end, out)

		closeErr := util.CtxWithTimeout(context.Background(), config.CloseCursorTimeout, cur.Close)
		if closeErr != nil {
			t.lg.Warn("Close oplog cursor: " + closeErr.Error())
		}

		if last != nil {
			pos = *last
		}

		if err != nil || !reopen {
			return err
		}

		t.lg.Debug("Oplog cursor is closed by the server; reopening")

		if !t.sleep(ctx) {
			return nil
		}
	}
}

// drain reads cur until the context is done, the bounded range is complete,
// the cursor fails, or the server closes the cursor (reopen is true).
func (t *Tracker) drain(
	ctx context.Context,
	cur Cursor,
	end bson.Timestamp,
	out chan<- *Entry,
) (*bson.Timestamp, bool, error) {
	var last *bson.Timestamp

	for {
		if ctx.Err() != nil {
			return last, false, nil
		}

		if cur.TryNext(ctx) {
			metrics.IncEntriesRead()

			entry, err := DecodeEntry(cur.Current())
			if err != nil {
				t.lg.Error(err, "Skip undecodable oplog entry")

				continue
			}

			select {
			case out <- entry:
			case <-ctx.Done():
				return last, false, nil
			}

			pos := entry.Position
			last = &pos
			t.lastRead.Store(&pos)

			continue
		}

		err := cur.Err()
		if err != nil {
			if ctx.Err() != nil {
				return last, false, nil
			}

			return last, false, errors.Join(ErrCursor, err)
		}

		if !end.IsZero() {
			done, err := t.reachedEnd(ctx, end)
			if err != nil {
				return last, false, err
			}

			if done {
				t.lg.Infof("Reached end position %s", FormatPosition(end))

				return last, false, nil
			}
		}

		if cur.ID() == 0 {
			return last, true, nil
		}

		if !t.sleep(ctx) {
			return last, false, nil
		}
	}
}

// reachedEnd reports whether no entry before end can still arrive.
func (t *Tracker) reachedEnd(ctx context.Context, end bson.Timestamp) (bool, error) {
	head, err := t.source.Head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}

		return false, errors.Join(ErrCursor, errors.Wrap(err, "oplog head"))
	}

	return !head.Before(end), nil
}

func (t *Tracker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-t.clock.After(t.wait):
		return true
	}
}
