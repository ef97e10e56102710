package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "percona_mongosync"

// Oplog replication metrics.
var (
	//nolint:gochecknoglobals
	entriesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "oplog_entries_read_total",
		Help:      "Total number of oplog entries read from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	entriesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_applied_total",
		Help:      "Total number of oplog entries applied to the target.",
		Namespace: metricNamespace,
	}, []string{"op"})

	//nolint:gochecknoglobals
	entriesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_skipped_total",
		Help:      "Total number of oplog entries skipped without a write.",
		Namespace: metricNamespace,
	}, []string{"reason"})

	//nolint:gochecknoglobals
	entriesFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_failed_total",
		Help:      "Total number of oplog entries that failed to apply.",
		Namespace: metricNamespace,
	}, []string{"op"})

	//nolint:gochecknoglobals
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "oplog_queue_length",
		Help:      "Number of entries waiting between the tracker and the executor.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	lastAppliedTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "oplog_last_applied_timestamp_seconds",
		Help:      "Oplog time of the last applied entry.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	checkpointSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "checkpoint_saves_total",
		Help:      "Total number of checkpoint writes by result.",
		Namespace: metricNamespace,
	}, []string{"result"})

	//nolint:gochecknoglobals
	restartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "worker_restarts_total",
		Help:      "Total number of tracker or executor restarts by the liveness check.",
		Namespace: metricNamespace,
	}, []string{"worker"})
)

// Bulk copy metrics.
var (
	//nolint:gochecknoglobals
	bulkDocumentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "bulk_documents_total",
		Help:      "Total number of documents written by bulk sync.",
		Namespace: metricNamespace,
	}, []string{"method"})

	//nolint:gochecknoglobals
	bulkChunkFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "bulk_chunk_failures_total",
		Help:      "Total number of bulk sync chunks that failed to write.",
		Namespace: metricNamespace,
	}, []string{"method"})

	//nolint:gochecknoglobals
	bulkIndexesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "bulk_indexes_total",
		Help:      "Total number of index definitions copied by result.",
		Namespace: metricNamespace,
	}, []string{"result"})

	//nolint:gochecknoglobals
	bulkChunkDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "bulk_chunk_duration_seconds",
		Help:      "Duration of a bulk sync chunk write in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

// Init registers all collectors with reg.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		entriesReadTotal,
		entriesAppliedTotal,
		entriesSkippedTotal,
		entriesFailedTotal,
		queueLength,
		lastAppliedTimestamp,
		checkpointSavesTotal,
		restartsTotal,
		bulkDocumentsTotal,
		bulkChunkFailuresTotal,
		bulkIndexesTotal,
		bulkChunkDurationSeconds,
	)
}

func IncEntriesRead() {
	entriesReadTotal.Inc()
}

func IncEntriesApplied(op string) {
	entriesAppliedTotal.WithLabelValues(op).Inc()
}

func IncEntriesSkipped(reason string) {
	entriesSkippedTotal.WithLabelValues(reason).Inc()
}

func IncEntriesFailed(op string) {
	entriesFailedTotal.WithLabelValues(op).Inc()
}

func SetQueueLength(v int) {
	queueLength.Set(float64(v))
}

func SetLastAppliedTime(t uint32) {
	lastAppliedTimestamp.Set(float64(t))
}

// IncCheckpointSaves counts a checkpoint write. ok is false for a failed write.
func IncCheckpointSaves(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}

	checkpointSavesTotal.WithLabelValues(result).Inc()
}

func IncRestarts(worker string) {
	restartsTotal.WithLabelValues(worker).Inc()
}

func AddBulkDocuments(method string, v int) {
	bulkDocumentsTotal.WithLabelValues(method).Add(float64(v))
}

func IncBulkChunkFailures(method string) {
	bulkChunkFailuresTotal.WithLabelValues(method).Inc()
}

func IncBulkIndexes(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}

	bulkIndexesTotal.WithLabelValues(result).Inc()
}

func ObserveBulkChunkDuration(d time.Duration) {
	bulkChunkDurationSeconds.Observe(d.Seconds())
}
