package bookie

import (
	"sync"
	"time"

	"go.bookie.dev/core/checkpoint"
	"go.bookie.dev/core/coordinator"
	"go.bookie.dev/core/dirs"
	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/handles"
	"go.bookie.dev/core/journal"
	"go.bookie.dev/core/pipeline"
	"go.bookie.dev/core/storage"
	"go.bookie.dev/core/task"
)

// Config parameterizes a Bookie's local resources, coordinator identity,
// and behavior flags. It carries no ambient concerns (logging is
// configured process-wide by mainboilerplate.InitLog); Config is meant to
// be built from mainboilerplate/go-flags-parsed structs in cmd/bookie.
type Config struct {
	// BookieID identifies this bookie within the coordinator's keyspace.
	BookieID string
	// BookieAddress is the client-facing address recorded in the Cookie.
	BookieAddress string

	JournalDir string
	LedgerDir  string

	CoordinatorRoot string
	LeaseTTL        time.Duration

	MinFreeBytes     uint64
	DiskPollInterval time.Duration

	// ReadOnlyModeEnabled gates the Writable->ReadOnly transition; if
	// false, whatever would have triggered read-only instead triggers
	// shutdown.
	ReadOnlyModeEnabled bool

	HandleCacheSize int

	// CompressJournalBatches snappy-frames group-commit batches of more
	// than one record before they are written to the journal. Disabled
	// by default: it trades a small amount of writer-side CPU for
	// reduced journal I/O under write-heavy, multi-record-batch load.
	CompressJournalBatches bool
}

// Bookie wires the write pipeline, sync engine, coordinator client, and
// directory manager into one process-wide storage node. Construction and
// teardown are both explicit (Open/Shutdown); there is no package-level
// singleton state.
type Bookie struct {
	cfg Config

	dirs        *dirs.Manager
	journal     *journal.Journal
	storage     storage.Backend
	handles     *handles.Cache
	pipeline    *pipeline.Pipeline
	checkpoint  *checkpoint.Engine
	coordinator *coordinator.Client
	mode        *ModeService

	// watchers runs the disk-event and coordinator-session-loss listener
	// goroutines, cancellation-linked so both exit together on Shutdown.
	watchers *task.Group

	shutdownOnce sync.Once
	shutdownErr  error
	exitCode     errs.ExitCode
}

// TransitionToReadOnly satisfies pipeline.ReadOnlyTransitioner and
// checkpoint.ReadOnlyTransitioner by delegating to the mode state
// machine; both write paths and the sync engine drive read-only
// transitions through the same single-threaded state service.
func (b *Bookie) TransitionToReadOnly(reason error) { b.mode.TransitionToReadOnly(reason) }

// Mode reports the bookie's current mode.
func (b *Bookie) Mode() Mode { return b.mode.Mode() }

// AddEntry authenticates and durably appends payload.
func (b *Bookie) AddEntry(payload, masterKey []byte, done pipeline.Completion) {
	b.pipeline.AddEntry(payload, masterKey, done)
}

// RecoveryAddEntry is AddEntry without the fenced check, for ledger recovery.
func (b *Bookie) RecoveryAddEntry(payload, masterKey []byte, done pipeline.Completion) {
	b.pipeline.RecoveryAddEntry(payload, masterKey, done)
}

// FenceLedger permanently fences ledgerID.
func (b *Bookie) FenceLedger(ledgerID uint64, masterKey []byte) *pipeline.FenceFuture {
	return b.pipeline.FenceLedger(ledgerID, masterKey)
}

// ReadEntry returns a previously durable entry.
func (b *Bookie) ReadEntry(ledgerID, entryID uint64) ([]byte, error) {
	return b.pipeline.ReadEntry(ledgerID, entryID)
}

// ReadLastAddConfirmed returns ledgerID's current LAC.
func (b *Bookie) ReadLastAddConfirmed(ledgerID uint64) (int64, error) {
	return b.pipeline.ReadLastAddConfirmed(ledgerID)
}

// WaitForLastAddConfirmedUpdate registers observer against ledgerID's LAC.
func (b *Bookie) WaitForLastAddConfirmedUpdate(ledgerID uint64, previousLAC int64, observer func(lac int64)) error {
	return b.pipeline.WaitForLastAddConfirmedUpdate(ledgerID, previousLAC, observer)
}

// RequestCheckpoint asks the sync engine to checkpoint up to the
// journal's current tail, returning a channel that resolves once
// complete.
func (b *Bookie) RequestCheckpoint() <-chan error { return b.checkpoint.RequestCheckpoint() }
