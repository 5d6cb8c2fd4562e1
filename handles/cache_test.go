package handles

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	b, err := storage.OpenFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	c, err := NewCache(4, b, nil)
	require.NoError(t, err)
	return c
}

func TestGetHandleFirstSeenOnce(t *testing.T) {
	c := newTestCache(t)

	d1, firstSeen, err := c.GetHandle(1, []byte("mk"))
	require.NoError(t, err)
	require.True(t, firstSeen)
	require.EqualValues(t, 1, d1.LedgerID)
	require.False(t, d1.ReadOnly())

	d2, firstSeen, err := c.GetHandle(1, []byte("mk"))
	require.NoError(t, err)
	require.False(t, firstSeen)
	require.Same(t, d1, d2)
}

func TestGetHandleMasterKeyMismatch(t *testing.T) {
	c := newTestCache(t)

	_, _, err := c.GetHandle(1, []byte("mk"))
	require.NoError(t, err)

	_, _, err = c.GetHandle(1, []byte("other"))
	var be *errs.Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, errs.UnauthorizedAccess, be.Code)
}

func TestGetHandleReloadsAfterEviction(t *testing.T) {
	c := newTestCache(t)

	d1, firstSeen, err := c.GetHandle(9, []byte("mk"))
	require.NoError(t, err)
	require.True(t, firstSeen)

	c.Evict(9)
	require.Zero(t, c.Len())

	d2, firstSeen, err := c.GetHandle(9, []byte("mk"))
	require.NoError(t, err)
	require.False(t, firstSeen, "the backend already has a master key on record for ledger 9")
	require.NotSame(t, d1, d2)
	require.Equal(t, d1.MasterKey(), d2.MasterKey())
}

func TestGetReadOnlyHandleUnknownLedger(t *testing.T) {
	c := newTestCache(t)

	_, err := c.GetReadOnlyHandle(42)
	var be *errs.Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, errs.NoLedger, be.Code)
}

func TestGetHandleInvokesOnFirstSeenExactlyOnce(t *testing.T) {
	b, err := storage.OpenFileBackend(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	var calls int
	c, err := NewCache(4, b, func(ledgerID uint64, masterKey []byte) error {
		calls++
		require.EqualValues(t, 11, ledgerID)
		require.Equal(t, []byte("mk"), masterKey)
		return nil
	})
	require.NoError(t, err)

	_, firstSeen, err := c.GetHandle(11, []byte("mk"))
	require.NoError(t, err)
	require.True(t, firstSeen)

	_, firstSeen, err = c.GetHandle(11, []byte("mk"))
	require.NoError(t, err)
	require.False(t, firstSeen)

	require.Equal(t, 1, calls)
}

func TestGetHandlePropagatesOnFirstSeenError(t *testing.T) {
	b, err := storage.OpenFileBackend(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	var boom = errors.New("journal is down")
	c, err := NewCache(4, b, func(uint64, []byte) error { return boom })
	require.NoError(t, err)

	_, _, err = c.GetHandle(1, []byte("mk"))
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Len(), "a Descriptor must not be cached when onFirstSeen fails")
}

func TestGetReadOnlyHandleDoesNotCheckMasterKey(t *testing.T) {
	c := newTestCache(t)

	_, _, err := c.GetHandle(3, []byte("mk"))
	require.NoError(t, err)
	c.Evict(3)

	d, err := c.GetReadOnlyHandle(3)
	require.NoError(t, err)
	require.True(t, d.ReadOnly())
	require.Equal(t, []byte("mk"), d.MasterKey())
}

func TestLockLedgerSurvivesDescriptorEviction(t *testing.T) {
	c := newTestCache(t) // size 4

	_, _, err := c.GetHandle(1, []byte("mk"))
	require.NoError(t, err)

	var unlock = c.LockLedger(1)

	// Push ledger 1's Descriptor out of the bounded LRU while its lock is
	// held: GetHandle for four unrelated ledgers evicts ledger 1 under the
	// size-4 cache, but LockLedger(1) must still hand out the same lock.
	for ledgerID := uint64(100); ledgerID < 104; ledgerID++ {
		_, _, err = c.GetHandle(ledgerID, []byte("mk"))
		require.NoError(t, err)
	}
	require.Equal(t, 4, c.Len())

	var acquired = make(chan struct{})
	go func() {
		var unlock2 = c.LockLedger(1)
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockLedger(1) acquired while the first holder still held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second LockLedger(1) never acquired after the first unlock")
	}
}

func TestLockLedgerDoesNotSerializeDistinctLedgers(t *testing.T) {
	c := newTestCache(t)

	var unlock1 = c.LockLedger(1)
	defer unlock1()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var unlock2 = c.LockLedger(2)
		unlock2()
	}()
	wg.Wait() // would hang if LockLedger serialized unrelated ledgers
}
