package oplog

import (
	"context"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
	"github.com/percona/percona-mongosync/util"
)

// Target applies writes to the target cluster.
type Target interface {
	Insert(ctx context.Context, ns sel.Namespace, doc bson.Raw) error
	Replace(ctx context.Context, ns sel.Namespace, filter any, doc bson.Raw, upsert bool) error
	Update(ctx context.Context, ns sel.Namespace, filter any, update any, upsert bool) error
	Delete(ctx context.Context, ns sel.Namespace, filter any) error
	RunCommand(ctx context.Context, db string, cmd bson.D) error
}

// Result tells whether an entry changed the target.
type Result int

const (
	Skipped Result = iota
	Applied
)

func (r Result) String() string {
	if r == Applied {
		return "applied"
	}

	return "skipped"
}

// Commands replayed from the oplog. Everything else is ignored.
const (
	cmdCreate   = "create"
	cmdDrop     = "drop"
	cmdApplyOps = "applyOps"
)

const namespaceExistsCode = 48

// ExecutorOptions configures an [Executor].
type ExecutorOptions struct {
	// UpsertInserts replays inserts as replace-by-_id upserts.
	UpsertInserts bool
	// DrainTimeout bounds the writes done after a stop request.
	DrainTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *log.Logger
}

// Executor applies oplog entries to the target in the order received.
type Executor struct {
	target Target
	mapper *sel.Mapper
	opts   ExecutorOptions
	lg     *log.Logger

	lastApplied atomic.Pointer[bson.Timestamp]
	applied     atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
}

// NewExecutor creates an executor writing mapped namespaces to target.
func NewExecutor(target Target, mapper *sel.Mapper, opts ExecutorOptions) *Executor {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = config.DefaultDrainTimeout
	}

	return &Executor{
		target: target,
		mapper: mapper,
		opts:   opts,
		lg:     log.OrNop(opts.Logger).Named("executor"),
	}
}

// LastApplied returns the position of the last successfully applied entry.
func (e *Executor) LastApplied() (bson.Timestamp, bool) {
	ts := e.lastApplied.Load()
	if ts == nil {
		return bson.Timestamp{}, false
	}

	return *ts, true
}

// SetLastApplied seeds the position, e.g. for a replacement executor.
func (e *Executor) SetLastApplied(ts bson.Timestamp) {
	e.lastApplied.Store(&ts)
}

// Stats returns the applied, skipped and failed counters.
func (e *Executor) Stats() (int64, int64, int64) {
	return e.applied.Load(), e.skipped.Load(), e.failed.Load()
}

// Run applies entries from in until ctx is canceled or in is closed.
// After cancellation it keeps applying what is already queued until in is
// empty. A failed entry is logged and skipped.
func (e *Executor) Run(ctx context.Context, in <-chan *Entry) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx, in)

			return

		case entry, ok := <-in:
			if !ok {
				return
			}

			e.handle(ctx, entry)
			metrics.SetQueueLength(len(in))
		}
	}
}

func (e *Executor) drain(ctx context.Context, in <-chan *Entry) {
	drainCtx, cancel := util.Detached(ctx, e.opts.DrainTimeout)
	defer cancel()

	n := 0

	for {
		select {
		case entry, ok := <-in:
			if !ok {
				e.lg.Debugf("Drained %d queued entries", n)

				return
			}

			e.handle(drainCtx, entry)
			n++

		default:
			metrics.SetQueueLength(0)
			e.lg.Debugf("Drained %d queued entries", n)

			return
		}
	}
}

func (e *Executor) handle(ctx context.Context, entry *Entry) {
	_, err := e.Apply(ctx, entry)
	if err != nil {
		e.lg.With(
			log.OpTime(entry.Position.T, entry.Position.I),
			log.Op(entry.Kind.String()),
			log.NS(entry.NS.Database, entry.NS.Collection),
		).Error(err, "Apply oplog entry")
	}
}

// Apply replays one entry. Entries outside the mapping are skipped without
// error. The last applied position advances only when the entry was applied.
func (e *Executor) Apply(ctx context.Context, entry *Entry) (Result, error) {
	res, err := e.apply(ctx, entry)
	if err != nil {
		e.failed.Add(1)
		metrics.IncEntriesFailed(entry.Kind.String())

		return Skipped, err
	}

	if res == Skipped {
		e.skipped.Add(1)
		metrics.IncEntriesSkipped(entry.Kind.String())

		return Skipped, nil
	}

	e.applied.Add(1)
	metrics.IncEntriesApplied(entry.Kind.String())
	e.advance(entry.Position)

	return Applied, nil
}

func (e *Executor) advance(ts bson.Timestamp) {
	for {
		cur := e.lastApplied.Load()
		if cur != nil && !ts.After(*cur) {
			return
		}

		if e.lastApplied.CompareAndSwap(cur, &ts) {
			metrics.SetLastAppliedTime(ts.T)

			return
		}
	}
}

func (e *Executor) apply(ctx context.Context, entry *Entry) (Result, error) {
	switch entry.Kind {
	case OpInsert:
		return e.applyInsert(ctx, entry)
	case OpUpdate:
		return e.applyUpdate(ctx, entry)
	case OpDelete:
		return e.applyDelete(ctx, entry)
	case OpCommand:
		return e.applyCommand(ctx, entry)
	case OpNoop, OpUnknown:
	}

	return Skipped, nil
}

func (e *Executor) applyInsert(ctx context.Context, entry *Entry) (Result, error) {
	ns, ok := e.mapper.Map(entry.NS)
	if !ok {
		return Skipped, nil
	}

	doc := entry.Payload
	if entry.NS.Collection == "system.indexes" {
		var err error

		doc, err = withoutField(doc, "v")
		if err != nil {
			return Skipped, err
		}
	}

	if e.opts.UpsertInserts {
		id, err := doc.LookupErr("_id")
		if err == nil {
			err = e.target.Replace(ctx, ns, bson.D{{"_id", id}}, doc, true)
			if err != nil {
				return Skipped, errors.Wrapf(err, "replace into %q", ns)
			}

			return Applied, nil
		}
	}

	err := e.target.Insert(ctx, ns, doc)
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return Skipped, errors.Wrapf(err, "insert into %q", ns)
		}

		e.lg.With(log.TargetNS(ns.Database, ns.Collection),
			log.OpTime(entry.Position.T, entry.Position.I)).
			Warn("Insert is already applied (duplicate key)")
	}

	return Applied, nil
}

func (e *Executor) applyUpdate(ctx context.Context, entry *Entry) (Result, error) {
	ns, ok := e.mapper.Map(entry.NS)
	if !ok {
		return Skipped, nil
	}

	if len(entry.Match) == 0 {
		return Skipped, errors.New("update without o2 filter")
	}

	plan, err := planUpdate(entry.Payload)
	if err != nil {
		return Skipped, err
	}

	if plan.replacement != nil {
		err := e.target.Replace(ctx, ns, entry.Match, plan.replacement, true)
		if err != nil {
			return Skipped, errors.Wrapf(err, "replace in %q", ns)
		}

		return Applied, nil
	}

	for _, update := range plan.updates {
		err := e.target.Update(ctx, ns, entry.Match, update, true)
		if err != nil {
			return Skipped, errors.Wrapf(err, "update in %q", ns)
		}
	}

	return Applied, nil
}

func (e *Executor) applyDelete(ctx context.Context, entry *Entry) (Result, error) {
	ns, ok := e.mapper.Map(entry.NS)
	if !ok {
		return Skipped, nil
	}

	err := e.target.Delete(ctx, ns, entry.Payload)
	if err != nil {
		return Skipped, errors.Wrapf(err, "delete from %q", ns)
	}

	return Applied, nil
}

func (e *Executor) applyCommand(ctx context.Context, entry *Entry) (Result, error) {
	elems, err := entry.Payload.Elements()
	if err != nil {
		return Skipped, errors.Wrap(err, "read command")
	}

	if len(elems) == 0 {
		return Skipped, nil
	}

	name := elems[0].Key()

	switch name {
	case cmdCreate, cmdDrop:
		return e.applyCollectionCommand(ctx, entry, elems)
	case cmdApplyOps:
		return e.applyOps(ctx, entry, elems[0].Value())
	}

	e.lg.With(log.NS(entry.NS.Database, entry.NS.Collection), log.Op(name)).
		Debug("Ignore command")

	return Skipped, nil
}

func (e *Executor) applyCollectionCommand(
	ctx context.Context,
	entry *Entry,
	elems []bson.RawElement,
) (Result, error) {
	name := elems[0].Key()

	coll, ok := elems[0].Value().StringValueOK()
	if !ok {
		return Skipped, errors.Errorf("%s: collection name is not a string", name)
	}

	ns, ok := e.mapper.Map(sel.Namespace{Database: entry.NS.Database, Collection: coll})
	if !ok {
		return Skipped, nil
	}

	cmd := bson.D{{name, ns.Collection}}

	for _, el := range elems[1:] {
		// idIndex carries the source namespace on older servers
		if el.Key() == "idIndex" {
			continue
		}

		cmd = append(cmd, bson.E{Key: el.Key(), Value: el.Value()})
	}

	err := e.target.RunCommand(ctx, ns.Database, cmd)
	if err != nil {
		var se mongo.ServerError
		if (name == cmdDrop && topo.IsNamespaceNotFound(err)) ||
			(name == cmdCreate && errors.As(err, &se) && se.HasErrorCode(namespaceExistsCode)) {
			return Applied, nil
		}

		return Skipped, errors.Wrapf(err, "%s %q", name, ns)
	}

	return Applied, nil
}

// applyOps replays each member operation through the regular path. The
// members are not applied atomically.
func (e *Executor) applyOps(ctx context.Context, entry *Entry, ops bson.RawValue) (Result, error) {
	arr, ok := ops.ArrayOK()
	if !ok {
		return Skipped, errors.New("applyOps is not an array")
	}

	values, err := arr.Values()
	if err != nil {
		return Skipped, errors.Wrap(err, "read applyOps")
	}

	res := Skipped

	var errs []error

	for i, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			errs = append(errs, errors.Errorf("applyOps[%d] is not a document", i))

			continue
		}

		var raw rawEntry

		err := bson.Unmarshal(doc, &raw)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "applyOps[%d]", i))

			continue
		}

		raw.TS = entry.Position
		sub := newEntry(raw)

		r, err := e.apply(ctx, sub)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "applyOps[%d] %s %q", i, sub.Kind, sub.NS))

			continue
		}

		if r == Applied {
			res = Applied
		}
	}

	if len(errs) != 0 {
		return Skipped, errors.Join(errs...)
	}

	return res, nil
}
