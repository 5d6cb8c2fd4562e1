package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/handles"
	"go.bookie.dev/core/journal"
	"go.bookie.dev/core/storage"
)

func payload(ledgerID, entryID uint64, body string) []byte {
	var buf = make([]byte, 16+len(body))
	binary.BigEndian.PutUint64(buf[0:8], ledgerID)
	binary.BigEndian.PutUint64(buf[8:16], entryID)
	copy(buf[16:], body)
	return buf
}

type testBookie struct {
	backend storage.Backend
	journal *journal.Journal
	pipe    *Pipeline
	roCalls []error
}

func newTestBookie(t *testing.T) *testBookie {
	t.Helper()

	b, err := storage.OpenFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	j, err := journal.Open(t.TempDir(), false)
	require.NoError(t, err)
	j.Start()
	t.Cleanup(func() { j.Shutdown(context.Background()) })

	var tb = &testBookie{backend: b, journal: j}

	h, err := handles.NewCache(16, b, func(ledgerID uint64, masterKey []byte) error {
		var errCh = make(chan error, 1)
		j.Append(journal.EncodeLedgerKeyRecord(ledgerID, masterKey), func(_ journal.LogMark, err error) {
			errCh <- err
		})
		return <-errCh
	})
	require.NoError(t, err)

	tb.pipe = New(h, b, j, tb)
	return tb
}

func (tb *testBookie) TransitionToReadOnly(reason error) {
	tb.roCalls = append(tb.roCalls, reason)
}

func addEntrySync(t *testing.T, p *Pipeline, payload, masterKey []byte) (uint64, uint64, error) {
	t.Helper()
	var ledgerCh = make(chan uint64, 1)
	var entryCh = make(chan uint64, 1)
	var errCh = make(chan error, 1)
	p.AddEntry(payload, masterKey, func(ledgerID, entryID uint64, err error) {
		ledgerCh <- ledgerID
		entryCh <- entryID
		errCh <- err
	})
	select {
	case err := <-errCh:
		return <-ledgerCh, <-entryCh, err
	case <-time.After(5 * time.Second):
		t.Fatal("addEntry did not complete")
		return 0, 0, nil
	}
}

func TestAddEntryDurableAndReadable(t *testing.T) {
	tb := newTestBookie(t)

	ledgerID, entryID, err := addEntrySync(t, tb.pipe, payload(7, 0, "hello"), []byte("mk"))
	require.NoError(t, err)
	require.EqualValues(t, 7, ledgerID)
	require.EqualValues(t, 0, entryID)

	got, err := tb.pipe.ReadEntry(7, 0)
	require.NoError(t, err)
	require.Equal(t, payload(7, 0, "hello"), got)

	lac, err := tb.pipe.ReadLastAddConfirmed(7)
	require.NoError(t, err)
	require.EqualValues(t, 0, lac)
}

func TestAddEntryAuthMismatch(t *testing.T) {
	tb := newTestBookie(t)

	_, _, err := addEntrySync(t, tb.pipe, payload(8, 0, "a"), []byte("k1"))
	require.NoError(t, err)

	_, _, err = addEntrySync(t, tb.pipe, payload(8, 1, "b"), []byte("k2"))
	var be *errs.Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, errs.UnauthorizedAccess, be.Code)
}

func TestFenceSemantics(t *testing.T) {
	tb := newTestBookie(t)

	_, _, err := addEntrySync(t, tb.pipe, payload(9, 0, "a"), []byte("mk"))
	require.NoError(t, err)

	alreadyFenced, err := tb.pipe.FenceLedger(9, []byte("mk")).Wait()
	require.NoError(t, err)
	require.False(t, alreadyFenced)

	_, _, err = addEntrySync(t, tb.pipe, payload(9, 1, "b"), []byte("mk"))
	var be *errs.Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, errs.LedgerFenced, be.Code)

	var recoveryLedger, recoveryEntry uint64
	var recoveryErr error
	var recoveryDone = make(chan struct{})
	tb.pipe.RecoveryAddEntry(payload(9, 1, "recovered"), []byte("mk"), func(ledgerID, entryID uint64, err error) {
		recoveryLedger, recoveryEntry, recoveryErr = ledgerID, entryID, err
		close(recoveryDone)
	})
	<-recoveryDone
	require.NoError(t, recoveryErr)
	require.EqualValues(t, 9, recoveryLedger)
	require.EqualValues(t, 1, recoveryEntry)

	got, err := tb.pipe.ReadEntry(9, 1)
	require.NoError(t, err)
	require.Equal(t, payload(9, 1, "recovered"), got)
}

func TestFenceLedgerIdempotent(t *testing.T) {
	tb := newTestBookie(t)

	_, _, err := addEntrySync(t, tb.pipe, payload(10, 0, "a"), []byte("mk"))
	require.NoError(t, err)

	alreadyFenced, err := tb.pipe.FenceLedger(10, []byte("mk")).Wait()
	require.NoError(t, err)
	require.False(t, alreadyFenced)

	alreadyFenced, err = tb.pipe.FenceLedger(10, []byte("mk")).Wait()
	require.NoError(t, err)
	require.True(t, alreadyFenced)
}

func TestReadEntryUnknownLedger(t *testing.T) {
	tb := newTestBookie(t)

	_, err := tb.pipe.ReadEntry(999, 0)
	var be *errs.Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, errs.NoLedger, be.Code)
}

func TestWaitForLastAddConfirmedUpdateFires(t *testing.T) {
	tb := newTestBookie(t)

	_, _, err := addEntrySync(t, tb.pipe, payload(11, 0, "a"), []byte("mk"))
	require.NoError(t, err)

	var fired = make(chan int64, 1)
	require.NoError(t, tb.pipe.WaitForLastAddConfirmedUpdate(11, 0, func(lac int64) { fired <- lac }))

	_, _, err = addEntrySync(t, tb.pipe, payload(11, 1, "b"), []byte("mk"))
	require.NoError(t, err)

	select {
	case lac := <-fired:
		require.EqualValues(t, 1, lac)
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not fire")
	}
}
