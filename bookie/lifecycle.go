package bookie

import (
	"context"

	log "github.com/sirupsen/logrus"

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

// Open performs the bookie's full startup sequence: directory layout
// validation, coordinator environment/cookie check, opening the
// journal/handle-cache/storage backend, starting the sync engine ahead of
// replay, replaying the journal, a full flush, and finally registering
// disk-event listeners and the bookie itself as writable. Free space is
// not checked during startup: it is first polled when the directory
// manager starts, after replay and the full flush. coord must
// already be Dial'd; it is an injected collaborator, not constructed here.
func Open(ctx context.Context, cfg Config, coord *coordinator.Client) (*Bookie, error) {
	dm, err := dirs.New([]string{cfg.JournalDir, cfg.LedgerDir}, cfg.MinFreeBytes, cfg.DiskPollInterval)
	if err != nil {
		return nil, err
	}
	var journalDir, ledgerDir = dm.Dirs()[0], dm.Dirs()[1]

	if _, err := checkEnvironment(ctx, coord, cfg.BookieAddress, dm.Dirs()); err != nil {
		return nil, err
	}

	j, err := journal.Open(journalDir, cfg.CompressJournalBatches)
	if err != nil {
		return nil, err
	}
	j.Start()

	sb, err := storage.OpenFileBackend(ledgerDir)
	if err != nil {
		return nil, err
	}

	var b = &Bookie{cfg: cfg, dirs: dm, journal: j, storage: sb, coordinator: coord}
	b.mode = NewModeService(coord, cfg.ReadOnlyModeEnabled, b.onModeShutdown)
	b.mode.Start()

	hc, err := handles.NewCache(cfg.HandleCacheSize, sb, b.onFirstSeenLedger)
	if err != nil {
		return nil, err
	}
	b.handles = hc
	b.pipeline = pipeline.New(hc, sb, j, b.mode)
	b.checkpoint = checkpoint.New(sb, j, b.mode)
	b.checkpoint.Start()

	if err := j.Replay(b.replayVisitor); err != nil {
		return nil, err
	}

	if err := <-b.checkpoint.RequestFlush(); err != nil {
		return nil, err
	}

	b.watchers = task.NewGroup(ctx)
	var events = dm.Subscribe()
	dm.Start()
	b.watchers.Queue("watchDiskEvents", func() error { return b.watchDiskEvents(events) })
	b.watchers.Queue("watchCoordinatorSession", b.watchCoordinatorSession)
	b.watchers.GoRun()

	b.mode.TransitionToWritable()

	return b, nil
}

// onFirstSeenLedger is handles.Cache's OnFirstSeen hook: it appends the
// ledger's one LEDGER_KEY meta-record and blocks until it is durable. It
// runs with the handle cache's lock held, so every other handle-cache
// access briefly serializes behind this fsync — an accepted cost of the
// single-writer masterKeyCache design (see handles.Cache's OnFirstSeen doc).
func (b *Bookie) onFirstSeenLedger(ledgerID uint64, masterKey []byte) error {
	var rec = journal.EncodeLedgerKeyRecord(ledgerID, masterKey)
	var errCh = make(chan error, 1)
	b.journal.Append(rec, func(_ journal.LogMark, err error) { errCh <- err })
	return <-errCh
}

// replayVisitor reconstructs storage state from journal records committed
// after the last persisted log-mark.
func (b *Bookie) replayVisitor(_ journal.LogMark, payload []byte) error {
	_, entryID, err := journal.ParseLedgerEntryIDs(payload)
	if err != nil {
		return err
	}

	switch entryID {
	case journal.MetaEntryLedgerKey:
		ledgerID, masterKey, err := journal.DecodeLedgerKeyRecord(payload)
		if err != nil {
			return err
		}
		return b.storage.SetMasterKey(ledgerID, masterKey)

	case journal.MetaEntryFenceKey:
		ledgerID, err := journal.DecodeFenceKeyRecord(payload)
		if err != nil {
			return err
		}
		_, err = b.storage.SetFenced(ledgerID)
		if errs.CodeOf(err) == errs.NoLedger {
			return nil // Ledger was deleted after the journal write.
		}
		return err

	default:
		_, _, err := b.storage.AddEntry(payload)
		if errs.CodeOf(err) == errs.NoLedger {
			return nil
		}
		return err
	}
}

func (b *Bookie) watchDiskEvents(events <-chan dirs.Event) error {
	var ctx = b.watchers.Context()
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case dirs.AllDisksFull:
				b.mode.TransitionToReadOnly(errs.NewError(errs.NoWritableLedgerDir, "every configured storage directory is full"))
			case dirs.DiskWritable:
				b.mode.TransitionToWritable()
			case dirs.DiskFailed:
				b.mode.TriggerShutdown(e.Err, errs.ExitFatal)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bookie) watchCoordinatorSession() error {
	var ctx = b.watchers.Context()
	for {
		select {
		case <-b.coordinator.Lost():
		case <-ctx.Done():
			return nil
		}
		log.Warn("coordinator session lost; reconnecting with backoff")
		if _, err := b.coordinator.Reconnect(ctx); err != nil {
			b.mode.TriggerShutdown(err, errs.ExitFatal)
			return nil
		}
	}
}

// onModeShutdown is the ModeService's onShutdown callback: it drives the
// bookie's own teardown asynchronously, since it runs on the mode state
// service's single goroutine and must not block waiting on that same
// goroutine's Stop().
func (b *Bookie) onModeShutdown(reason error, code errs.ExitCode) {
	go func() { _, _ = b.Shutdown(context.Background(), reason, code) }()
}

// Shutdown runs the bookie's shutdown sequence at most once — idempotent,
// a second call returns the first exit code — in reverse dependency
// order: sync engine, directory monitors, journal, storage, coordinator,
// state service.
func (b *Bookie) Shutdown(ctx context.Context, reason error, code errs.ExitCode) (errs.ExitCode, error) {
	b.shutdownOnce.Do(func() {
		log.WithFields(log.Fields{"reason": reason, "code": code}).Warn("bookie shutting down")
		b.exitCode = code
		b.shutdownErr = b.teardown(ctx)
	})
	return b.exitCode, b.shutdownErr
}

func (b *Bookie) teardown(ctx context.Context) error {
	b.mode.MarkShuttingDown()
	b.watchers.Cancel()

	var firstErr error
	var record = func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(b.watchers.Wait())
	record(b.checkpoint.Shutdown(ctx))
	b.dirs.Stop()
	record(b.journal.Shutdown(ctx))
	record(b.storage.Close())
	record(b.coordinator.Deregister(ctx))
	record(b.coordinator.Close())
	b.mode.Stop()

	return firstErr
}
