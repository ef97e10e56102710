/*
Package msync replicates writes from a source MongoDB cluster to a target.

  - Manager: wires the oplog tracker and executor, persists the checkpoint
    and restarts dead workers.

  - oplog: tails the source oplog and applies entries to the target.

  - checkpoint: stores the position replication resumes from.

  - bulk: copies whole collections before or instead of oplog replication.
*/
package msync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/log"
	"github.com/percona/percona-mongosync/metrics"
	"github.com/percona/percona-mongosync/msync/checkpoint"
	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/util"
)

// State of a [Manager].
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Options configures a [Manager].
type Options struct {
	// Start overrides the checkpoint when not zero.
	Start bson.Timestamp
	// End bounds the run when not zero.
	End bson.Timestamp

	QueueSize int
	// Await is the tracker poll wait.
	Await time.Duration
	// SuperviseInterval is how often Start calls CheckLiveness. 0 disables
	// supervision: a tracker failure ends Start with the error.
	SuperviseInterval time.Duration
	// CheckpointInterval is how often the checkpoint is written while running.
	CheckpointInterval time.Duration
	UpsertInserts      bool
	DrainTimeout       time.Duration

	Clock  clockwork.Clock
	Logger *log.Logger
}

// Manager runs one oplog replication job.
type Manager struct {
	source oplog.Source
	target oplog.Target
	mapper *sel.Mapper
	store  checkpoint.Store
	opts   Options
	clock  clockwork.Clock
	lg     *log.Logger
	runID  string

	queue chan *oplog.Entry

	mu    sync.Mutex
	state State
	err   error

	start     bson.Timestamp
	startFrom oplog.StartFrom

	trackerCtx    context.Context //nolint:containedctx
	trackerCancel context.CancelFunc
	tracker       *oplog.Tracker
	trackerW      *worker
	trackerBO     *backoff.ExponentialBackOff
	nextRestart   time.Time
	restartPos    bson.Timestamp
	restarts      int64

	execCtx    context.Context //nolint:containedctx
	execCancel context.CancelFunc
	executor   *oplog.Executor
	executorW  *worker

	saved   *bson.Timestamp
	savedAt time.Time
	frozen  bool
}

// NewManager validates the job and creates an idle manager.
func NewManager(
	source oplog.Source,
	target oplog.Target,
	mapper *sel.Mapper,
	store checkpoint.Store,
	opts Options,
) (*Manager, error) {
	switch {
	case source == nil:
		return nil, errors.New("source is required")
	case target == nil:
		return nil, errors.New("target is required")
	case mapper == nil:
		return nil, errors.New("namespace mapping is required")
	case store == nil:
		return nil, errors.New("checkpoint store is required")
	}

	if !opts.Start.IsZero() && !opts.End.IsZero() && !opts.Start.Before(opts.End) {
		return nil, errors.Errorf("start %s is not before end %s",
			oplog.FormatPosition(opts.Start), oplog.FormatPosition(opts.End))
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}

	if opts.Await <= 0 {
		opts.Await = config.DefaultAwait
	}

	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = config.DefaultCheckpointInterval
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	runID := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.Await
	bo.MaxInterval = config.RestartBackoffMax
	bo.MaxElapsedTime = 0
	bo.Clock = opts.Clock

	m := &Manager{
		source:    source,
		target:    target,
		mapper:    mapper,
		store:     store,
		opts:      opts,
		clock:     opts.Clock,
		lg:        log.OrNop(opts.Logger).Named("manager").With(log.RunID(runID)),
		runID:     runID,
		queue:     make(chan *oplog.Entry, opts.QueueSize),
		state:     StateIdle,
		trackerBO: bo,
	}

	return m, nil
}

// RunID identifies this manager in logs and status.
func (m *Manager) RunID() string {
	return m.runID
}

// Start resolves the start position, launches the tracker and the executor
// and blocks. It returns when ctx is canceled or, for a bounded run, when
// every entry before the end position has been applied. Queued entries are
// applied before it returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.state != StateIdle {
		m.mu.Unlock()

		return errors.Errorf("cannot start: %s", m.state)
	}

	var explicit *bson.Timestamp
	if !m.opts.Start.IsZero() {
		explicit = &m.opts.Start
	}

	start, from, err := oplog.ResolveStart(ctx, explicit, m.store, m.source)
	if err != nil {
		m.state = StateFailed
		m.err = err
		m.mu.Unlock()

		return errors.Wrap(err, "resolve start")
	}

	m.start = start
	m.startFrom = from
	m.restartPos = start

	m.lg.With(log.OpTime(start.T, start.I), log.Str("from", string(from))).
		Infof("Starting oplog replication from %s", oplog.FormatPosition(start))

	m.trackerCtx, m.trackerCancel = context.WithCancel(ctx)
	m.execCtx, m.execCancel = context.WithCancel(context.WithoutCancel(ctx))

	m.launchExecutor(start)
	m.launchTracker(start)
	m.state = StateRunning
	m.mu.Unlock()

	err = m.supervise(ctx)

	m.stop(ctx, err)

	return err
}

// supervise waits for the end of the run. The checkpoint is saved on its own
// interval whether or not liveness checks are enabled.
func (m *Manager) supervise(ctx context.Context) error {
	var tick <-chan time.Time

	if m.opts.SuperviseInterval > 0 {
		ticker := m.clock.NewTicker(m.opts.SuperviseInterval)
		defer ticker.Stop()

		tick = ticker.Chan()
	}

	cpTicker := m.clock.NewTicker(m.opts.CheckpointInterval)
	defer cpTicker.Stop()

	var handled *worker

	for {
		m.mu.Lock()
		w := m.trackerW
		m.mu.Unlock()

		var done <-chan struct{}
		if w != handled {
			done = w.done
		}

		select {
		case <-ctx.Done():
			return nil

		case <-done:
			handled = w

			if ctx.Err() != nil {
				return nil
			}

			if w.err == nil {
				m.lg.Info("Oplog tracker finished")

				return nil
			}

			m.lg.Error(w.err, "Oplog tracker failed")

			if tick == nil {
				return w.err
			}

		case <-tick:
			err := m.CheckLiveness(ctx)
			if err != nil {
				m.lg.Error(err, "Check liveness")
			}

		case <-cpTicker.Chan():
			err := m.checkpointRunning(ctx)
			if err != nil {
				m.lg.Error(err, "Periodic checkpoint")
			}
		}
	}
}

func (m *Manager) stop(ctx context.Context, runErr error) {
	m.mu.Lock()
	m.trackerCancel()
	tw := m.trackerW
	m.mu.Unlock()

	<-tw.done

	// a dead executor is replaced until the queue is drained
	for {
		m.mu.Lock()

		if m.executorW.finished() && len(m.queue) != 0 {
			last, _ := m.executor.LastApplied()

			m.lg.Warn("Oplog executor is dead; restarting to drain the queue")
			metrics.IncRestarts("executor")
			m.launchExecutor(last)
		}

		m.execCancel()
		ew := m.executorW
		m.mu.Unlock()

		<-ew.done

		if len(m.queue) == 0 {
			break
		}
	}

	saveCtx, cancel := util.Detached(ctx, config.DisconnectTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.saveCheckpoint(saveCtx)
	if err != nil {
		m.lg.Error(err, "Save checkpoint on stop")
	}

	if runErr != nil {
		m.state = StateFailed
		m.err = runErr
	} else {
		m.state = StateStopped
	}

	applied, skipped, failed := m.executor.Stats()
	m.lg.With(log.Int64("applied", applied), log.Int64("skipped", skipped), log.Int64("failed", failed)).
		Info("Oplog replication stopped")
}

// CheckLiveness restarts a dead tracker from its last read position and a
// dead executor from its last applied position, and saves the checkpoint
// when the checkpoint interval has passed.
func (m *Manager) CheckLiveness(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return nil
	}

	now := m.clock.Now()

	if m.trackerW.finished() {
		if m.trackerW.err != nil && m.trackerCtx.Err() == nil && !now.Before(m.nextRestart) {
			m.restartTracker(now)
		}
	} else if pos, ok := m.tracker.LastRead(); ok && pos.After(m.restartPos) {
		m.trackerBO.Reset()
	}

	if m.executorW.finished() && m.execCtx.Err() == nil {
		last, _ := m.executor.LastApplied()

		m.lg.Errorf(m.executorW.err, "Oplog executor is dead; restarting from %s",
			oplog.FormatPosition(last))
		metrics.IncRestarts("executor")
		m.launchExecutor(last)
	}

	if m.frozen || now.Sub(m.savedAt) < m.opts.CheckpointInterval {
		return nil
	}

	return m.saveCheckpoint(ctx)
}

func (m *Manager) checkpointRunning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return nil
	}

	return m.saveCheckpoint(ctx)
}

func (m *Manager) restartTracker(now time.Time) {
	pos, ok := m.tracker.LastRead()
	if !ok || pos.Before(m.restartPos) {
		pos = m.restartPos
	}

	delay := m.trackerBO.NextBackOff()
	m.nextRestart = now.Add(delay)
	m.restartPos = pos
	m.restarts++

	m.lg.With(log.OpTime(pos.T, pos.I)).
		Warnf("Restarting oplog tracker from %s (restart #%d, next not before %s)",
			oplog.FormatPosition(pos), m.restarts, delay.Round(time.Millisecond))
	metrics.IncRestarts("tracker")

	m.launchTracker(pos)
}

func (m *Manager) launchTracker(start bson.Timestamp) {
	tracker := oplog.NewTracker(m.source, m.mapper.OplogFilter(), oplog.TrackerOptions{
		Wait:   m.opts.Await,
		Clock:  m.clock,
		Logger: m.lg,
	})

	ctx := m.trackerCtx
	end := m.opts.End

	m.tracker = tracker
	m.trackerW = spawn(func() error {
		return tracker.Run(ctx, start, end, m.queue)
	})
}

func (m *Manager) launchExecutor(lastApplied bson.Timestamp) {
	executor := oplog.NewExecutor(m.target, m.mapper, oplog.ExecutorOptions{
		UpsertInserts: m.opts.UpsertInserts,
		DrainTimeout:  m.opts.DrainTimeout,
		Logger:        m.lg,
	})
	executor.SetLastApplied(lastApplied)

	ctx := m.execCtx

	m.executor = executor
	m.executorW = spawn(func() error {
		executor.Run(ctx, m.queue)

		return nil
	})
}

// saveCheckpoint writes the executor position if it changed. Callers hold mu.
func (m *Manager) saveCheckpoint(ctx context.Context) error {
	if m.frozen || m.executor == nil {
		return nil
	}

	ts, ok := m.executor.LastApplied()
	if !ok || (m.saved != nil && ts.Equal(*m.saved)) {
		m.savedAt = m.clock.Now()

		return nil
	}

	err := m.store.Save(ctx, ts)
	metrics.IncCheckpointSaves(err == nil)

	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}

	m.saved = &ts
	m.savedAt = m.clock.Now()
	m.lg.Tracef("Checkpoint saved at %s", oplog.FormatPosition(ts))

	return nil
}

// FreezeCheckpoint saves the current oplog head of source to store.
func FreezeCheckpoint(ctx context.Context, source oplog.Source, store checkpoint.Store) (bson.Timestamp, error) {
	head, err := source.Head(ctx)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "oplog head")
	}

	err = store.Save(ctx, head)
	metrics.IncCheckpointSaves(err == nil)

	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "save checkpoint")
	}

	return head, nil
}

// Freeze pins the checkpoint to the current oplog head. Later checkpoint
// writes by this manager are disabled so the pinned position survives.
func (m *Manager) Freeze(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := FreezeCheckpoint(ctx, m.source, m.store)
	if err != nil {
		return err
	}

	m.frozen = true
	m.saved = &head
	m.savedAt = m.clock.Now()

	m.lg.With(log.OpTime(head.T, head.I)).
		Infof("Checkpoint frozen at %s", oplog.FormatPosition(head))

	return nil
}

// Close saves the checkpoint one last time. Failures are logged only.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.saveCheckpoint(ctx)
	if err != nil {
		m.lg.Warn("Final checkpoint is not saved: " + err.Error())
	}
}

// worker is a goroutine whose panic is reported as its error.
type worker struct {
	done chan struct{}
	err  error
}

func spawn(fn func() error) *worker {
	w := &worker{done: make(chan struct{})}

	go func() {
		defer close(w.done)

		defer func() {
			if r := recover(); r != nil {
				w.err = errors.Errorf("panic: %v", r)
			}
		}()

		w.err = fn()
	}()

	return w
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
