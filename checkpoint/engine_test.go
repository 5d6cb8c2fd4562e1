package checkpoint

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/journal"
)

// fakeBackend is a minimal storage.Backend double that lets tests inject
// Checkpoint/Flush failures without depending on FileBackend's on-disk
// behavior.
type fakeBackend struct {
	checkpointErr error
	flushErr      error
	checkpoints   int
	flushes       int
}

func (f *fakeBackend) AddEntry(payload []byte) (uint64, uint64, error) { return 0, 0, nil }
func (f *fakeBackend) GetEntry(ledgerID, entryID uint64) ([]byte, error) {
	return nil, errs.NewError(errs.NoEntry, "unused")
}
func (f *fakeBackend) Flush() error {
	f.flushes++
	return f.flushErr
}
func (f *fakeBackend) Checkpoint() error {
	f.checkpoints++
	return f.checkpointErr
}
func (f *fakeBackend) ReadMasterKey(ledgerID uint64) ([]byte, error) {
	return nil, errs.NewError(errs.NoLedger, "unused")
}
func (f *fakeBackend) SetMasterKey(ledgerID uint64, key []byte) error   { return nil }
func (f *fakeBackend) SetFenced(ledgerID uint64) (bool, error)         { return false, nil }
func (f *fakeBackend) IsFenced(ledgerID uint64) (bool, error)          { return false, nil }
func (f *fakeBackend) LastAddConfirmed(ledgerID uint64) (int64, error) { return -1, nil }
func (f *fakeBackend) WaitForLACUpdate(ledgerID uint64, previousLAC int64, observer func(lac int64)) {
}
func (f *fakeBackend) Close() error { return nil }

type fakeMode struct {
	calls []error
}

func (m *fakeMode) TransitionToReadOnly(reason error) {
	m.calls = append(m.calls, reason)
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir(), false)
	require.NoError(t, err)
	j.Start()
	t.Cleanup(func() { j.Shutdown(context.Background()) })
	return j
}

func waitFor(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("sync engine request did not complete")
		return nil
	}
}

func TestCheckpointPersistsJournalTailAsLogMark(t *testing.T) {
	var backend = &fakeBackend{}
	var j = newTestJournal(t)
	var mode = &fakeMode{}
	var e = New(backend, j, mode)
	e.Start()

	require.NoError(t, waitFor(t, e.RequestCheckpoint()))
	require.Equal(t, 1, backend.checkpoints)
	require.Empty(t, mode.calls)

	mark, err := j.LoadLogMark()
	require.NoError(t, err)
	require.Equal(t, j.RequestCheckpoint(), mark)
}

func TestFlushDoesNotPersistLogMark(t *testing.T) {
	var backend = &fakeBackend{}
	var j = newTestJournal(t)
	var e = New(backend, j, nil)
	e.Start()

	require.NoError(t, waitFor(t, e.RequestFlush()))
	require.Equal(t, 1, backend.flushes)

	mark, err := j.LoadLogMark()
	require.NoError(t, err)
	require.Equal(t, journal.LogMark{}, mark)
}

func TestCheckpointNoWritableLedgerDirTransitionsReadOnly(t *testing.T) {
	var backend = &fakeBackend{checkpointErr: errs.NewError(errs.NoWritableLedgerDir, "no space")}
	var j = newTestJournal(t)
	var mode = &fakeMode{}
	var e = New(backend, j, mode)
	e.Start()

	err := waitFor(t, e.RequestCheckpoint())
	require.Error(t, err)
	require.Equal(t, errs.NoWritableLedgerDir, errs.CodeOf(err))
	require.Len(t, mode.calls, 1)

	mark, err := j.LoadLogMark()
	require.NoError(t, err)
	require.Equal(t, journal.LogMark{}, mark)
}

func TestCheckpointOtherFlushErrorDoesNotTransitionReadOnly(t *testing.T) {
	var backend = &fakeBackend{checkpointErr: errs.NewError(errs.DiskError, "transient")}
	var j = newTestJournal(t)
	var mode = &fakeMode{}
	var e = New(backend, j, mode)
	e.Start()

	err := waitFor(t, e.RequestCheckpoint())
	require.Error(t, err)
	require.Empty(t, mode.calls)
}

func TestCheckpointLogMarkPersistFailureTransitionsReadOnly(t *testing.T) {
	var backend = &fakeBackend{}
	var dir = t.TempDir()
	var j, err = journal.Open(dir, false)
	require.NoError(t, err)
	j.Start()
	t.Cleanup(func() { j.Shutdown(context.Background()) })

	var mode = &fakeMode{}
	var e = New(backend, j, mode)
	e.Start()

	// Remove the journal directory out from under persistLogMark so it
	// fails regardless of the test process's privileges.
	require.NoError(t, os.RemoveAll(dir))

	err = waitFor(t, e.RequestCheckpoint())
	require.Error(t, err)
	require.Len(t, mode.calls, 1)
}

func TestSuspendBlocksProcessingUntilResume(t *testing.T) {
	var backend = &fakeBackend{}
	var j = newTestJournal(t)
	var e = New(backend, j, nil)
	e.Suspend()
	e.Start()

	var done = e.RequestFlush()
	select {
	case <-done:
		t.Fatal("flush completed while engine was suspended")
	case <-time.After(50 * time.Millisecond):
	}

	e.Resume()
	require.NoError(t, waitFor(t, done))
}

func TestShutdownDrainsQueueAndFlushes(t *testing.T) {
	var backend = &fakeBackend{}
	var j = newTestJournal(t)
	var e = New(backend, j, nil)
	e.Start()

	var first = e.RequestCheckpoint()
	require.NoError(t, waitFor(t, first))

	require.NoError(t, e.Shutdown(context.Background()))
	require.Equal(t, 1, backend.flushes)
}
