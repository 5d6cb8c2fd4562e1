// Package checkpoint implements the sync engine: the single consumer that
// safely reclaims journal space by flushing ledger storage and advancing
// the durable log-mark. Grounded on gazette's broker/fragment/persister.go
// for the queue/single-consumer/rotation shape, generalized from
// persister's async-fire-and-forget spools to a FIFO of explicit
// Checkpoint/Flush requests each carrying its own completion, per
// original_source's SyncThread. Shutdown drains the request queue
// deterministically via a sentinel value rather than the flag-flip the
// original source uses, which can leave an in-flight request unprocessed
// if the consumer has already dequeued the item ahead of it.
package checkpoint

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/journal"
	"go.bookie.dev/core/metrics"
	"go.bookie.dev/core/storage"
)

type kind int

const (
	kindCheckpoint kind = iota
	kindFlush
	kindSentinel
)

type request struct {
	kind kind
	mark journal.LogMark
	done chan error
}

// ReadOnlyTransitioner is the subset of the bookie's mode state machine
// the sync engine drives directly.
type ReadOnlyTransitioner interface {
	TransitionToReadOnly(reason error)
}

// Engine is the bookie's sync engine: a single-consumer FIFO of
// Checkpoint and Flush requests, each of which flushes ledger storage and
// (for a Checkpoint) advances the persisted journal log-mark. It is safe
// to call Request* from any goroutine.
type Engine struct {
	storage storage.Backend
	journal *journal.Journal
	mode    ReadOnlyTransitioner

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*request
	suspended bool

	stopped chan struct{}
}

// New builds a sync Engine over storage and journal. mode may be nil in
// tests that do not exercise the read-only transition.
func New(s storage.Backend, j *journal.Journal, mode ReadOnlyTransitioner) *Engine {
	var e = &Engine{storage: s, journal: j, mode: mode, stopped: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the engine's dedicated consumer goroutine.
func (e *Engine) Start() {
	go e.serve()
}

// RequestCheckpoint enqueues a checkpoint of ledger storage up to the
// journal's current tail position, returning a channel that receives the
// outcome (nil on success) exactly once.
func (e *Engine) RequestCheckpoint() <-chan error {
	return e.enqueue(&request{kind: kindCheckpoint, mark: e.journal.RequestCheckpoint()})
}

// RequestFlush enqueues a full flush of everything currently buffered in
// ledger storage, used at startup (after replay) and at shutdown.
func (e *Engine) RequestFlush() <-chan error {
	return e.enqueue(&request{kind: kindFlush})
}

func (e *Engine) enqueue(r *request) <-chan error {
	r.done = make(chan error, 1)
	e.mu.Lock()
	e.queue = append(e.queue, r)
	metrics.CheckpointQueuedRequests.Inc()
	e.cond.Broadcast()
	e.mu.Unlock()
	return r.done
}

// Suspend blocks the consumer before it processes its next request. Used
// by tests that need to control exactly when a checkpoint runs.
func (e *Engine) Suspend() {
	e.mu.Lock()
	e.suspended = true
	e.mu.Unlock()
}

// Resume releases a consumer blocked by Suspend.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.suspended = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) serve() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			e.cond.Wait()
		}
		for e.suspended {
			e.cond.Wait()
		}
		var r = e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		metrics.CheckpointQueuedRequests.Dec()

		if r.kind == kindSentinel {
			close(r.done)
			return
		}
		e.process(r)
	}
}

func (e *Engine) process(r *request) {
	var err error
	if r.kind == kindCheckpoint {
		err = e.storage.Checkpoint()
	} else {
		err = e.storage.Flush()
	}

	if err != nil {
		metrics.CheckpointsCompletedTotal.WithLabelValues(metrics.LabelFail).Inc()
		if errs.CodeOf(err) == errs.NoWritableLedgerDir {
			e.transitionReadOnly(err)
		}
		log.WithField("err", err).Warn("sync engine flush failed")
		r.done <- err
		return
	}

	if r.kind == kindCheckpoint {
		if perr := e.journal.PersistLogMark(r.mark); perr != nil {
			// Any failure to persist the log-mark, regardless of kind,
			// means we can no longer prove the reclaim invariant holds;
			// stop accepting new writes rather than risk data loss.
			e.transitionReadOnly(perr)
			metrics.CheckpointsCompletedTotal.WithLabelValues(metrics.LabelFail).Inc()
			r.done <- perr
			return
		}
		if _, rerr := e.journal.Reclaim(r.mark); rerr != nil {
			log.WithField("err", rerr).Warn("failed to reclaim journal segments behind persisted log-mark")
		}
	}

	metrics.CheckpointsCompletedTotal.WithLabelValues(metrics.LabelOK).Inc()
	r.done <- nil
}

func (e *Engine) transitionReadOnly(reason error) {
	if e.mode != nil {
		e.mode.TransitionToReadOnly(reason)
	}
}

// Shutdown enqueues one final full flush, then drains the request queue
// deterministically: a sentinel is appended behind every already-queued
// request, and Shutdown waits for the consumer to reach it. This avoids
// the flag-flip race of naively signaling "stop" out of band, which can
// abandon a request enqueued concurrently with shutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	var flushDone = e.RequestFlush()

	var sentinel = &request{kind: kindSentinel, done: make(chan error)}
	e.mu.Lock()
	e.queue = append(e.queue, sentinel)
	e.cond.Broadcast()
	e.mu.Unlock()

	select {
	case <-sentinel.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-e.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-flushDone:
		return err
	default:
		return nil
	}
}
