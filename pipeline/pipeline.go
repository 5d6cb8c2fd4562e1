// Package pipeline implements the bookie's write pipeline: the sequence
// from an authenticated client request through the handle cache, the
// ledger storage backend, and the journal, to the durable acknowledgment
// fired back to the caller. Grounded on Bookie.java's addEntry/
// recoveryAddEntry/fenceLedger/readEntry (original_source) for exact
// ordering and idempotence semantics, and on gazette's broker/pipeline.go
// and broker/append_fsm.go for the Go-idiomatic shape of a request that
// moves through several owned collaborators before its completion fires.
//
// The one-time LEDGER_KEY meta-record Bookie.java writes via
// masterKeyCache.putIfAbsent is not written here: it is the handle
// cache's responsibility (handles.Cache's OnFirstSeen hook), since only
// the cache can guarantee no other goroutine observes a new ledger's
// Descriptor before that record is enqueued.
package pipeline

import (
	"fmt"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/handles"
	"go.bookie.dev/core/journal"
	"go.bookie.dev/core/metrics"
	"go.bookie.dev/core/storage"
)

// outcomeLabel maps an error to the "outcome" label used across the
// request counters in package metrics.
func outcomeLabel(err error) string {
	if err != nil {
		return metrics.LabelFail
	}
	return metrics.LabelOK
}

// Completion fires exactly once per AddEntry/RecoveryAddEntry call, after
// the entry's bytes have been fsync'd to the journal (err == nil) or with
// the failure that prevented that.
type Completion func(ledgerID, entryID uint64, err error)

// ReadOnlyTransitioner is the subset of the bookie's mode state machine
// the pipeline drives directly: a write that discovers every ledger
// directory is full must flip the bookie to read-only before reporting
// failure, per the storage backend's NoWritableLedgerDir contract.
type ReadOnlyTransitioner interface {
	TransitionToReadOnly(reason error)
}

// Pipeline is the bookie's write pipeline. It is safe for concurrent use;
// per-ledger writes are serialized by the handle cache's per-ledger locks
// (handles.Cache.LockLedger), so concurrent writers to different ledgers
// never contend with each other.
type Pipeline struct {
	handles *handles.Cache
	storage storage.Backend
	journal *journal.Journal
	mode    ReadOnlyTransitioner
}

// New builds a Pipeline over the given collaborators. mode may be nil in
// tests that do not exercise the read-only transition.
func New(h *handles.Cache, s storage.Backend, j *journal.Journal, mode ReadOnlyTransitioner) *Pipeline {
	return &Pipeline{handles: h, storage: s, journal: j, mode: mode}
}

// AddEntry authenticates payload's ledger against masterKey, rejects it if
// the ledger is fenced, and durably appends it. done fires from the
// journal's completion.
func (p *Pipeline) AddEntry(payload, masterKey []byte, done Completion) {
	p.addEntry(payload, masterKey, done, false)
}

// RecoveryAddEntry is identical to AddEntry but bypasses the fenced check:
// it is the only write a fenced ledger still accepts, for use by the
// ledger-recovery collaborator replicating entries across an ensemble.
func (p *Pipeline) RecoveryAddEntry(payload, masterKey []byte, done Completion) {
	p.addEntry(payload, masterKey, done, true)
}

func (p *Pipeline) addEntry(payload, masterKey []byte, done Completion, recovery bool) {
	var instrumentedDone = func(ledgerID, entryID uint64, err error) {
		metrics.AddEntryRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		done(ledgerID, entryID, err)
	}

	ledgerID, parsedEntryID, err := journal.ParseLedgerEntryIDs(payload)
	if err != nil {
		instrumentedDone(0, 0, err)
		return
	}
	if journal.IsMetaEntryID(parsedEntryID) {
		instrumentedDone(ledgerID, 0, fmt.Errorf("entry id %#x of ledger %d is reserved for journal meta-records", parsedEntryID, ledgerID))
		return
	}

	_, _, err = p.handles.GetHandle(ledgerID, masterKey)
	if err != nil {
		instrumentedDone(ledgerID, 0, err)
		return
	}

	var unlock = p.handles.LockLedger(ledgerID)
	defer unlock()

	if !recovery {
		fenced, ferr := p.storage.IsFenced(ledgerID)
		if ferr != nil {
			instrumentedDone(ledgerID, 0, ferr)
			return
		}
		if fenced {
			instrumentedDone(ledgerID, 0, errs.NewError(errs.LedgerFenced, "ledger %d is fenced", ledgerID))
			return
		}
	}

	_, entryID, err := p.storage.AddEntry(payload)
	if err != nil {
		p.maybeTransitionReadOnly(err)
		instrumentedDone(ledgerID, 0, err)
		return
	}

	p.journal.Append(payload, func(_ journal.LogMark, err error) {
		instrumentedDone(ledgerID, entryID, err)
	})
}

func (p *Pipeline) maybeTransitionReadOnly(err error) {
	if p.mode != nil && errs.CodeOf(err) == errs.NoWritableLedgerDir {
		p.mode.TransitionToReadOnly(err)
	}
}

// FenceFuture is the handle fenceLedger returns: it resolves once the
// FENCE_KEY meta-record (or, if the ledger was already fenced, nothing)
// is durable.
type FenceFuture struct {
	done          chan struct{}
	alreadyFenced bool
	err           error
}

// Wait blocks until the fence operation is durable, returning whether the
// ledger was already fenced before this call.
func (f *FenceFuture) Wait() (alreadyFenced bool, err error) {
	<-f.done
	return f.alreadyFenced, f.err
}

func readyFuture(alreadyFenced bool, err error) *FenceFuture {
	var f = &FenceFuture{done: make(chan struct{})}
	f.alreadyFenced, f.err = alreadyFenced, err
	close(f.done)
	return f
}

// FenceLedger authenticates masterKey, then permanently fences the
// ledger: subsequent non-recovery AddEntry calls fail with LedgerFenced.
// Fencing an already-fenced ledger is a no-op that resolves immediately
// with alreadyFenced == true.
func (p *Pipeline) FenceLedger(ledgerID uint64, masterKey []byte) *FenceFuture {
	if _, _, err := p.handles.GetHandle(ledgerID, masterKey); err != nil {
		metrics.FenceLedgerRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return readyFuture(false, err)
	}

	var unlock = p.handles.LockLedger(ledgerID)
	defer unlock()

	alreadyFenced, err := p.storage.SetFenced(ledgerID)
	if err != nil {
		metrics.FenceLedgerRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return readyFuture(false, err)
	}
	if alreadyFenced {
		metrics.FenceLedgerRequestsTotal.WithLabelValues(metrics.LabelOK).Inc()
		return readyFuture(true, nil)
	}

	var f = &FenceFuture{done: make(chan struct{})}
	var rec = journal.EncodeFenceKeyRecord(ledgerID)
	p.journal.Append(rec, func(_ journal.LogMark, err error) {
		metrics.FenceLedgerRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		f.err = err
		close(f.done)
	})
	return f
}

// ReadEntry returns a previously durable entry, bypassing the journal
// and any master-key check: reads need no authentication per the write
// pipeline's external contract.
func (p *Pipeline) ReadEntry(ledgerID, entryID uint64) (_ []byte, err error) {
	defer func() { metrics.ReadEntryRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc() }()

	if _, err = p.handles.GetReadOnlyHandle(ledgerID); err != nil {
		return nil, err
	}
	var payload []byte
	payload, err = p.storage.GetEntry(ledgerID, entryID)
	return payload, err
}

// ReadLastAddConfirmed returns the ledger's current LAC, or -1 if empty.
func (p *Pipeline) ReadLastAddConfirmed(ledgerID uint64) (int64, error) {
	if _, err := p.handles.GetReadOnlyHandle(ledgerID); err != nil {
		return 0, err
	}
	return p.storage.LastAddConfirmed(ledgerID)
}

// WaitForLastAddConfirmedUpdate registers observer to fire, at-least-once,
// the next time ledgerID's LAC exceeds previousLAC.
func (p *Pipeline) WaitForLastAddConfirmedUpdate(ledgerID uint64, previousLAC int64, observer func(lac int64)) error {
	if _, err := p.handles.GetReadOnlyHandle(ledgerID); err != nil {
		return err
	}
	p.storage.WaitForLACUpdate(ledgerID, previousLAC, observer)
	return nil
}
