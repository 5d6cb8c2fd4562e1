package handles

import (
	"bytes"
	"sync"

	"github.com/hashicorp/golang-lru"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/storage"
)

// DefaultSize bounds the number of open Descriptors a Cache retains before
// evicting the least recently used one. Eviction only drops the in-memory
// handle; the ledger's master key and fenced/LAC state live in the backend
// and are reloaded transparently on next access.
const DefaultSize = 16384

// OnFirstSeen is invoked synchronously, with the cache's internal lock
// still held, the first time a ledger is ever referenced (a new master
// key being established in the backend). The write pipeline uses this to
// append the ledger's one LEDGER_KEY journal meta-record strictly before
// releasing the lock — and therefore strictly before any other goroutine
// can even observe the new Descriptor and enqueue a data entry for it.
type OnFirstSeen func(ledgerID uint64, masterKey []byte) error

// Cache is the authenticated, bounded handle cache the write pipeline uses
// to resolve a ledger ID into a Descriptor. It owns the single point at
// which a ledger's master key is first established in the storage backend,
// so that concurrent first writes to the same new ledger race down to
// exactly one winner.
type Cache struct {
	backend     storage.Backend
	onFirstSeen OnFirstSeen

	mu  sync.Mutex
	lru *lru.Cache

	// ledgerLocks holds one write-serialization lock per ledger ever
	// referenced. Unlike a Descriptor, whose LRU entry can be evicted out
	// from under a caller still holding it (see LockLedger), an entry
	// here is never removed: two concurrent callers for the same ledger
	// always contend on the same *sync.Mutex, for the Cache's lifetime.
	locksMu     sync.Mutex
	ledgerLocks map[uint64]*sync.Mutex
}

// NewCache builds a Cache of at most size Descriptors backed by backend.
// onFirstSeen may be nil.
func NewCache(size int, backend storage.Backend, onFirstSeen OnFirstSeen) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		backend:     backend,
		onFirstSeen: onFirstSeen,
		lru:         l,
		ledgerLocks: make(map[uint64]*sync.Mutex),
	}, nil
}

// LockLedger acquires ledgerID's write-serialization lock and returns the
// function that releases it. Callers must hold it across a ledger's
// fenced-check, storage write, and journal append enqueue, so a
// concurrent FenceLedger for the same ledger cannot interleave with an
// in-flight AddEntry. Unlike locking a Descriptor borrowed from the
// bounded LRU, this lock's identity cannot be evicted out from under a
// holder: enough cold-ledger traffic to evict ledgerID's Descriptor would
// otherwise let a concurrent GetHandle mint a second Descriptor with a
// distinct mutex, letting two callers enter the same ledger's critical
// section at once.
func (c *Cache) LockLedger(ledgerID uint64) (unlock func()) {
	c.locksMu.Lock()
	l, ok := c.ledgerLocks[ledgerID]
	if !ok {
		l = new(sync.Mutex)
		c.ledgerLocks[ledgerID] = l
	}
	c.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// GetHandle resolves ledgerID to a writable Descriptor, authenticating
// masterKey against whatever key is on record for the ledger. If no key is
// on record — this bookie has never seen ledgerID before, whether from a
// live write or from journal replay — masterKey is adopted as the ledger's
// key and onFirstSeen runs before GetHandle returns.
func (c *Cache) GetHandle(ledgerID uint64, masterKey []byte) (d *Descriptor, firstSeen bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A read-only Descriptor cached by GetReadOnlyHandle is not returned
	// here; it is replaced below by a writable one.
	if v, ok := c.lru.Get(ledgerID); ok && !v.(*Descriptor).readOnly {
		d = v.(*Descriptor)
		if !bytes.Equal(d.masterKey, masterKey) {
			return nil, false, errs.NewError(errs.UnauthorizedAccess, "master key mismatch for ledger %d", ledgerID)
		}
		return d, false, nil
	}

	existing, err := c.backend.ReadMasterKey(ledgerID)
	switch errs.CodeOf(err) {
	case errs.OK:
		if !bytes.Equal(existing, masterKey) {
			return nil, false, errs.NewError(errs.UnauthorizedAccess, "master key mismatch for ledger %d", ledgerID)
		}
		d = newDescriptor(ledgerID, existing, false)
		c.lru.Add(ledgerID, d)
		return d, false, nil

	case errs.NoLedger:
		if err := c.backend.SetMasterKey(ledgerID, masterKey); err != nil {
			return nil, false, err
		}
		if c.onFirstSeen != nil {
			if err := c.onFirstSeen(ledgerID, masterKey); err != nil {
				return nil, false, err
			}
		}
		d = newDescriptor(ledgerID, masterKey, false)
		c.lru.Add(ledgerID, d)
		return d, true, nil

	default:
		return nil, false, err
	}
}

// GetReadOnlyHandle resolves ledgerID to a Descriptor for reads and
// recovery, without presenting or checking a master key: the cached
// Descriptor if there is one (which may be writable), otherwise a new
// read-only Descriptor. An uncached ledger must already be known to the
// backend (errs.NoLedger otherwise).
func (c *Cache) GetReadOnlyHandle(ledgerID uint64) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(ledgerID); ok {
		return v.(*Descriptor), nil
	}

	key, err := c.backend.ReadMasterKey(ledgerID)
	if err != nil {
		return nil, err
	}
	var d = newDescriptor(ledgerID, key, true)
	c.lru.Add(ledgerID, d)
	return d, nil
}

// Evict drops ledgerID's cached Descriptor, if any, forcing the next
// GetHandle/GetReadOnlyHandle to reload its state from the backend. The
// ledger's lock (LockLedger) is left in place.
func (c *Cache) Evict(ledgerID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(ledgerID)
}

// Len reports the number of Descriptors currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
