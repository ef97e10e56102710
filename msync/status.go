package msync

import (
	"github.com/percona/percona-mongosync/msync/oplog"
)

// Status is a snapshot of a [Manager].
type Status struct {
	State State  `json:"state"`
	RunID string `json:"runId"`
	Error string `json:"error,omitempty"`

	StartFrom oplog.StartFrom `json:"startFrom,omitempty"`
	Start     string          `json:"start,omitempty"`
	End       string          `json:"end,omitempty"`

	LastRead    string `json:"lastRead,omitempty"`
	LastApplied string `json:"lastApplied,omitempty"`
	Checkpoint  string `json:"checkpoint,omitempty"`
	Frozen      bool   `json:"frozen,omitempty"`

	Applied         int64 `json:"applied"`
	Skipped         int64 `json:"skipped"`
	Failed          int64 `json:"failed"`
	QueueLength     int   `json:"queueLength"`
	TrackerRestarts int64 `json:"trackerRestarts"`
}

// Status returns the current state and counters.
func (m *Manager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Status{
		State:           m.state,
		RunID:           m.runID,
		StartFrom:       m.startFrom,
		Frozen:          m.frozen,
		QueueLength:     len(m.queue),
		TrackerRestarts: m.restarts,
	}

	if m.err != nil {
		s.Error = m.err.Error()
	}

	if m.state == StateIdle {
		return s
	}

	s.Start = oplog.FormatPosition(m.start)

	if !m.opts.End.IsZero() {
		s.End = oplog.FormatPosition(m.opts.End)
	}

	if m.tracker != nil {
		if ts, ok := m.tracker.LastRead(); ok {
			s.LastRead = oplog.FormatPosition(ts)
		}
	}

	if m.executor != nil {
		if ts, ok := m.executor.LastApplied(); ok {
			s.LastApplied = oplog.FormatPosition(ts)
		}

		s.Applied, s.Skipped, s.Failed = m.executor.Stats()
	}

	if m.saved != nil {
		s.Checkpoint = oplog.FormatPosition(*m.saved)
	}

	return s
}
