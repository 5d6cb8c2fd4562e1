// Package journal implements the bookie's write-ahead log: an ordered,
// append-only byte stream providing durability for arbitrary opaque
// records via group commit, plus a replayable stream and a persistable
// log-mark.
//
// The writer goroutine's batching shape follows the condition-variable
// driven single writer of mit-pdos-go-journal's wal/logger.go (collect
// everything queued under a lock, release the lock, write it, fsync once,
// wake waiters) adapted to variable-length byte records framed per
// record.go instead of fixed-size disk blocks. The on-disk segment-file
// shape follows blb's pkg/wal/fs_log.go.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/metrics"
)

const (
	// maxBatchRecords bounds how many queued appends are written in a
	// single group-commit batch.
	maxBatchRecords = 256
	// maxBatchDelay bounds how long the writer waits, after the first
	// queued record of a batch arrives, for stragglers to join it.
	maxBatchDelay = 2 * time.Millisecond
	// maxQueueDepth bounds the append queue; Append blocks the caller
	// once it is reached rather than growing unbounded.
	maxQueueDepth = 4096
	// maxSegmentBytes bounds a segment's size before the writer rolls to a new one.
	maxSegmentBytes = 128 << 20
)

// Completion is invoked exactly once per append, after the record's bytes
// have been fsync'd (err == nil) or an unrecoverable error has occurred.
// On success mark is the journal position immediately after the batch
// holding the record, so persisting it as the log-mark makes replay resume
// after that record.
type Completion func(mark LogMark, err error)

type pendingAppend struct {
	payload []byte
	done    Completion
}

// Journal is a single append-only write-ahead log rooted at a directory.
// It is safe for concurrent use by many appending goroutines; exactly one
// dedicated writer goroutine owns the underlying segment files.
type Journal struct {
	dir      string
	compress bool

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []pendingAppend
	shuttingDown bool

	cur    *segment
	nextID uint64

	failed  atomic.Bool
	failErr atomic.Value // error

	stopped chan struct{}
}

// Open opens (or creates) the journal rooted at dir, which must already
// exist: the directory manager is responsible for creating it and its
// "current/" convention. When compress is true, group-commit batches of
// more than one record are snappy-framed before being written as a
// single on-disk record; batches of one record are always written raw,
// since framing overhead would outweigh any savings.
func Open(dir string, compress bool) (*Journal, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	var j = &Journal{
		dir:      dir,
		compress: compress,
		stopped:  make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)

	if len(ids) == 0 {
		seg, err := createSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		j.cur, j.nextID = seg, 1
	} else {
		var lastID = ids[len(ids)-1]
		seg, err := openSegmentForAppend(dir, lastID)
		if err != nil {
			return nil, err
		}
		j.cur, j.nextID = seg, lastID+1
	}
	return j, nil
}

// Start launches the dedicated writer goroutine. Start must be called
// before Append, and must be called at most once.
func (j *Journal) Start() {
	go j.writerLoop()
}

// Append schedules payload for group commit. done fires exactly once,
// after payload's bytes are fsync'd to a segment file (err == nil), or
// with a non-nil err if the journal has failed and can accept no further
// writes. Append blocks the caller if the queue is at its bound.
func (j *Journal) Append(payload []byte, done Completion) {
	j.mu.Lock()
	for len(j.pending) >= maxQueueDepth && !j.failed.Load() {
		j.cond.Wait()
	}
	if j.failed.Load() {
		var err, _ = j.failErr.Load().(error)
		j.mu.Unlock()
		done(LogMark{}, err)
		return
	}
	j.pending = append(j.pending, pendingAppend{payload: payload, done: done})
	metrics.JournalQueuedRecords.Inc()
	j.cond.Broadcast()
	j.mu.Unlock()
}

// writerLoop is the journal's single dedicated writer. It batches queued
// records by size or time, writes them to the current segment, fsyncs
// once per batch, and only then fires every batch member's completion, in
// arrival order.
func (j *Journal) writerLoop() {
	defer close(j.stopped)

	j.mu.Lock()
	for {
		for len(j.pending) == 0 && !j.shuttingDown {
			j.cond.Wait()
		}
		if len(j.pending) == 0 && j.shuttingDown {
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		// Grace period to let stragglers join this batch (time threshold).
		time.Sleep(maxBatchDelay)

		j.mu.Lock()
		var batch []pendingAppend
		if len(j.pending) > maxBatchRecords {
			batch = j.pending[:maxBatchRecords:maxBatchRecords]
			j.pending = j.pending[maxBatchRecords:]
		} else {
			batch = j.pending
			j.pending = nil
		}
		j.cond.Broadcast() // Wake any Appends blocked on queue depth.
		j.mu.Unlock()

		j.commitBatch(batch)
		for range batch {
			metrics.JournalQueuedRecords.Dec()
		}

		j.mu.Lock()
	}
}

// commitBatch packs every record in batch into a single envelope
// (snappy-framed if the journal was opened with compress), writes it to
// the current segment as one record, rolling to a new segment first if
// needed, fsyncs once, and fires every completion in arrival order.
// Every member of the batch receives the same LogMark, the segment
// position immediately after the envelope: no consumer depends on
// per-record offsets within a batch, only on the tail position after a
// committed batch (see RequestCheckpoint). A failed
// fsync is fatal to the journal: the journal records a sticky error and
// fails this and every subsequent append.
func (j *Journal) commitBatch(batch []pendingAppend) {
	if len(batch) == 0 {
		return
	}
	if j.failed.Load() {
		var err, _ = j.failErr.Load().(error)
		for _, p := range batch {
			p.done(LogMark{}, err)
		}
		return
	}

	if j.cur.off >= maxSegmentBytes {
		if err := j.roll(); err != nil {
			j.fail(batch, err)
			return
		}
	}

	var payloads = make([][]byte, len(batch))
	for i, p := range batch {
		payloads[i] = p.payload
	}
	var envelope = encodeBatch(payloads, j.compress)

	if _, err := j.cur.append(envelope); err != nil {
		j.fail(batch, err)
		return
	}
	var mark = LogMark{SegmentID: j.cur.id, Offset: j.cur.off}

	var start = time.Now()
	var syncErr = j.cur.sync()
	metrics.JournalFsyncSecondsTotal.Add(time.Since(start).Seconds())

	if syncErr != nil {
		j.fail(batch, errors.Wrap(syncErr, "fsync of journal segment failed"))
		return
	}

	for _, p := range batch {
		p.done(mark, nil)
	}
}

// fail marks the journal permanently failed and fails every pending
// completion in batch. err is tagged errs.JournalIoError if it is not
// already a typed error, so callers can branch on the failure kind.
func (j *Journal) fail(batch []pendingAppend, err error) {
	if errs.CodeOf(err) == -1 {
		err = errs.NewError(errs.JournalIoError, "%s", err)
	}
	j.failErr.Store(err)
	j.failed.Store(true)
	log.WithField("err", err).Error("journal write failed; journal is now fatally broken")

	j.mu.Lock()
	j.cond.Broadcast() // Unblock any Appends waiting on queue depth.
	j.mu.Unlock()

	for _, p := range batch {
		p.done(LogMark{}, err)
	}
}

// roll closes the current segment and opens a new one. Must be called
// only from commitBatch (the single writer).
func (j *Journal) roll() error {
	if err := j.cur.sync(); err != nil {
		return errors.Wrap(err, "fsyncing segment before roll")
	}
	if err := j.cur.close(); err != nil {
		return errors.Wrap(err, "closing segment before roll")
	}
	seg, err := createSegment(j.dir, j.nextID)
	if err != nil {
		return err
	}
	j.cur, j.nextID = seg, j.nextID+1
	return nil
}

// Err returns the journal's sticky fatal error, if any.
func (j *Journal) Err() error {
	if !j.failed.Load() {
		return nil
	}
	var err, _ = j.failErr.Load().(error)
	return err
}

// RequestCheckpoint returns the current journal tail position: the
// LogMark immediately after the most recently written record, which the
// writer may not have fsync'd yet. A caller
// (the sync engine) uses this as a candidate log-mark for a checkpoint.
// Only the writer goroutine mutates j.cur, so this is safe to call from
// any goroutine without additional locking beyond a memory barrier; we
// take the queue mutex to obtain one cheaply and consistently.
func (j *Journal) RequestCheckpoint() LogMark {
	j.mu.Lock()
	defer j.mu.Unlock()
	return LogMark{SegmentID: j.cur.id, Offset: j.cur.off}
}

// PersistLogMark atomically replaces the persisted log-mark. Callers must
// have fsync'd all dependent storage state first; PersistLogMark does not
// itself touch ledger storage.
func (j *Journal) PersistLogMark(mark LogMark) error {
	return persistLogMark(j.dir, mark)
}

// LoadLogMark returns the last persisted log-mark, or the zero LogMark if
// none has ever been persisted.
func (j *Journal) LoadLogMark() (LogMark, error) {
	return loadLogMark(j.dir)
}

// Reclaimable returns the ids of segments strictly before mark.SegmentID,
// which are safe to delete once mark is durably persisted.
func (j *Journal) Reclaimable(mark LogMark) ([]uint64, error) {
	return listSegmentIDsBefore(j.dir, mark.SegmentID)
}

// Reclaim deletes every journal segment strictly before mark.SegmentID.
func (j *Journal) Reclaim(mark LogMark) ([]uint64, error) {
	return removeSegmentsBefore(j.dir, mark.SegmentID)
}

func listSegmentIDsBefore(dir string, before uint64) ([]uint64, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, id := range ids {
		if id < before {
			out = append(out, id)
		}
	}
	return out, nil
}

// Shutdown drains queued records, stops the writer goroutine, and closes
// the current segment file. Shutdown blocks until the writer has exited
// or ctx is done.
func (j *Journal) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	j.shuttingDown = true
	j.cond.Broadcast()
	j.mu.Unlock()

	select {
	case <-j.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cur.close()
}
