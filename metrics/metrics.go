// Package metrics declares the Prometheus collectors exported by a bookie
// process. Collectors are package-level variables in the style of
// go.gazette.dev/core/metrics, registered by the process entry point
// (cmd/bookie) rather than at package init, so that tests may construct
// a bookie without mutating the default Prometheus registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values used across the request and checkpoint counters below.
const (
	LabelOK   = "ok"
	LabelFail = "fail"
)

var (
	// AddEntryRequestsTotal counts addEntry/recoveryAddEntry calls, by outcome.
	AddEntryRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookie_add_entry_requests_total",
		Help: "Cumulative number of addEntry requests, partitioned by outcome.",
	}, []string{"outcome"})

	// ReadEntryRequestsTotal counts readEntry calls, by outcome.
	ReadEntryRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookie_read_entry_requests_total",
		Help: "Cumulative number of readEntry requests, partitioned by outcome.",
	}, []string{"outcome"})

	// FenceLedgerRequestsTotal counts fenceLedger calls, by outcome.
	FenceLedgerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookie_fence_ledger_requests_total",
		Help: "Cumulative number of fenceLedger requests, partitioned by outcome.",
	}, []string{"outcome"})

	// JournalQueuedRecords is the current depth of the journal's append queue.
	JournalQueuedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bookie_journal_queued_records",
		Help: "Number of records enqueued to the journal writer awaiting group commit.",
	})

	// JournalFsyncSecondsTotal accumulates time spent fsync'ing journal segments.
	JournalFsyncSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bookie_journal_fsync_seconds_total",
		Help: "Cumulative number of seconds spent fsync'ing journal segments.",
	})

	// CheckpointQueuedRequests is the current depth of the sync engine's request queue.
	CheckpointQueuedRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bookie_checkpoint_queued_requests",
		Help: "Number of checkpoint/flush requests queued to the sync engine.",
	})

	// CheckpointsCompletedTotal counts completed checkpoints, by outcome.
	CheckpointsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookie_checkpoints_completed_total",
		Help: "Cumulative number of sync-engine checkpoint/flush requests processed, partitioned by outcome.",
	}, []string{"outcome"})

	// DirectoryFreeBytes reports free space of each configured storage directory.
	DirectoryFreeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bookie_directory_free_bytes",
		Help: "Free space of a configured storage directory, in bytes.",
	}, []string{"directory"})

	// Mode reports the current bookie mode as a gauge (1 for the active mode, 0 otherwise).
	Mode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bookie_mode",
		Help: "Current bookie mode; 1 for the active mode and 0 for all others.",
	}, []string{"mode"})
)

// Collectors returns every collector a bookie process should register.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AddEntryRequestsTotal,
		ReadEntryRequestsTotal,
		FenceLedgerRequestsTotal,
		JournalQueuedRecords,
		JournalFsyncSecondsTotal,
		CheckpointQueuedRequests,
		CheckpointsCompletedTotal,
		DirectoryFreeBytes,
		Mode,
	}
}
