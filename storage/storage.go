// Package storage defines the ledger storage backend interface the write
// pipeline and sync engine depend on, and supplies one concrete, local,
// file-based implementation sufficient to exercise it end-to-end. The
// bit-exact on-disk entry-log and index encoding of a production storage
// backend is explicitly out of scope; FileBackend is deliberately the
// simplest backend that satisfies the interface.
package storage

import (
	"go.bookie.dev/core/errs"
)

// Backend is the external interface a ledger storage implementation must
// provide.
type Backend interface {
	// AddEntry buffers payload (which begins with the
	// (ledgerId, entryId) header) against its ledger, extending that
	// ledger's lastAddConfirmed, and returns the parsed ledgerId/entryId.
	// Applying an (ledgerId, entryId) already present is a no-op
	// overwrite with identical bytes.
	AddEntry(payload []byte) (ledgerID, entryID uint64, err error)

	// GetEntry returns the previously added payload for (ledgerID, entryID).
	// Returns *errs.Error{Code: errs.NoLedger} or errs.NoEntry as appropriate.
	GetEntry(ledgerID, entryID uint64) ([]byte, error)

	// Flush fsyncs every ledger with buffered, unsynced content.
	Flush() error

	// Checkpoint fsyncs every ledger with content buffered up to "now".
	// It is semantically a Flush from the storage backend's point of
	// view; the distinction between "checkpoint up to a mark" and "full
	// flush" is meaningful only to the journal/sync-engine, which decide
	// *when* to call Checkpoint vs Flush.
	Checkpoint() error

	// ReadMasterKey returns the master key last recorded for ledgerID,
	// via SetMasterKey, or errs.NoLedger if none was ever recorded.
	ReadMasterKey(ledgerID uint64) ([]byte, error)

	// SetMasterKey records ledgerID's master key the first time a ledger
	// is referenced (by a live write or by journal replay); like other
	// buffered state it is made durable by the next Flush or Checkpoint.
	SetMasterKey(ledgerID uint64, key []byte) error

	// SetFenced marks ledgerID permanently fenced, returning whether it
	// was already fenced. Idempotent.
	SetFenced(ledgerID uint64) (alreadyFenced bool, err error)

	// IsFenced reports whether ledgerID has been fenced.
	IsFenced(ledgerID uint64) (bool, error)

	// LastAddConfirmed returns the ledger's LAC, or -1 if the ledger is
	// empty.
	LastAddConfirmed(ledgerID uint64) (int64, error)

	// WaitForLACUpdate registers observer to be invoked, at-least-once,
	// the next time ledgerID's LAC exceeds previousLAC.
	WaitForLACUpdate(ledgerID uint64, previousLAC int64, observer func(lac int64))

	// Close releases all resources held by the backend.
	Close() error
}

// notFoundLedger returns the standard NoLedger failure for ledgerID.
func notFoundLedger(ledgerID uint64) error {
	return errs.NewError(errs.NoLedger, "no such ledger %d", ledgerID)
}

// notFoundEntry returns the standard NoEntry failure for (ledgerID, entryID).
func notFoundEntry(ledgerID, entryID uint64) error {
	return errs.NewError(errs.NoEntry, "no such entry %d in ledger %d", entryID, ledgerID)
}
