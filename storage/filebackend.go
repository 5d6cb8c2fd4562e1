package storage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"go.bookie.dev/core/errs"
)

// entriesLogName and ledgerDBName name the two files FileBackend keeps
// under its storage directory. A single shared entries.log holds entry
// bytes for every ledger (mirroring how a real BookKeeper entry log
// multiplexes many ledgers into one file), indexed per-ledger by
// ledgerdb, a small embedded KV store (github.com/boltdb/bolt, as used
// by westerndigitalcorporation-blb for local on-disk metadata).
const (
	entriesLogName = "entries.log"
	ledgerDBName   = "ledgers.db"
)

var metaBucket = []byte("meta")

type entryLoc struct {
	offset int64
	length int64
}

type ledgerState struct {
	mu        sync.Mutex
	masterKey []byte
	haveKey   bool
	fenced    bool
	lac       int64 // -1 if empty.
	index     map[uint64]entryLoc
	dirty     bool // Has state not yet committed to ledgerdb.
	waiters   []waiter
}

type waiter struct {
	previousLAC int64
	observer    func(lac int64)
}

// FileBackend is the reference Backend implementation: entry bytes in one
// append-only shared log file, per-ledger metadata and index persisted in
// an embedded boltdb database, both fsync'd together on Checkpoint/Flush.
// Until a Checkpoint or Flush, both the log file's new bytes and the
// index updates they imply are only buffered (in the OS page cache and in
// memory respectively); durability comes from the journal, not from
// FileBackend itself, until a checkpoint runs.
type FileBackend struct {
	dir string

	logMu sync.Mutex // Serializes entries.log writes; held briefly per AddEntry.
	log   *os.File
	tail  int64

	db *bolt.DB

	stateMu sync.Mutex // Guards the ledgers map itself (not its entries).
	ledgers map[uint64]*ledgerState
}

// OpenFileBackend opens (or initializes) a FileBackend rooted at dir.
func OpenFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating storage directory %s", dir)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, entriesLogName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening entries log")
	}
	tail, err := logFile.Seek(0, os.SEEK_END)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "seeking entries log")
	}

	db, err := bolt.Open(filepath.Join(dir, ledgerDBName), 0644, nil)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "opening ledger metadata database")
	}

	var b = &FileBackend{
		dir:     dir,
		log:     logFile,
		tail:    tail,
		db:      db,
		ledgers: make(map[uint64]*ledgerState),
	}
	if err := b.loadAll(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) loadAll() error {
	return b.db.View(func(tx *bolt.Tx) error {
		var root = tx.Bucket(metaBucket)
		if root == nil {
			return nil
		}
		return root.ForEach(func(name, v []byte) error {
			if v != nil || len(name) != 8 {
				return nil // Not a per-ledger sub-bucket.
			}
			var lb = root.Bucket(name)
			ledgerID := binary.BigEndian.Uint64(name)
			st := &ledgerState{lac: -1, index: make(map[uint64]entryLoc)}

			if v := lb.Get([]byte("masterKey")); v != nil {
				st.masterKey = append([]byte(nil), v...)
				st.haveKey = true
			}
			if v := lb.Get([]byte("fenced")); v != nil && len(v) == 1 && v[0] == 1 {
				st.fenced = true
			}
			if v := lb.Get([]byte("lac")); v != nil && len(v) == 8 {
				st.lac = int64(binary.BigEndian.Uint64(v))
			}
			if idxBucket := lb.Bucket([]byte("idx")); idxBucket != nil {
				_ = idxBucket.ForEach(func(k, v []byte) error {
					if len(k) == 8 && len(v) == 16 {
						st.index[binary.BigEndian.Uint64(k)] = entryLoc{
							offset: int64(binary.BigEndian.Uint64(v[0:8])),
							length: int64(binary.BigEndian.Uint64(v[8:16])),
						}
					}
					return nil
				})
			}
			b.ledgers[ledgerID] = st
			return nil
		})
	})
}

func (b *FileBackend) ledgerLocked(ledgerID uint64, create bool) *ledgerState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	st, ok := b.ledgers[ledgerID]
	if !ok {
		if !create {
			return nil
		}
		st = &ledgerState{lac: -1, index: make(map[uint64]entryLoc)}
		b.ledgers[ledgerID] = st
	}
	return st
}

// AddEntry implements Backend.
func (b *FileBackend) AddEntry(payload []byte) (ledgerID, entryID uint64, err error) {
	if len(payload) < 16 {
		return 0, 0, errors.New("payload too short to contain ledgerId/entryId header")
	}
	ledgerID = binary.BigEndian.Uint64(payload[0:8])
	entryID = binary.BigEndian.Uint64(payload[8:16])

	var st = b.ledgerLocked(ledgerID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	if loc, ok := st.index[entryID]; ok {
		// Idempotent no-op overwrite: trust identical bytes.
		_ = loc
		return ledgerID, entryID, nil
	}

	b.logMu.Lock()
	offset := b.tail
	n, werr := b.log.WriteAt(payload, offset)
	if werr == nil {
		b.tail += int64(n)
	}
	b.logMu.Unlock()
	if werr != nil {
		return 0, 0, errors.Wrap(werr, "appending to entries log")
	}

	st.index[entryID] = entryLoc{offset: offset, length: int64(len(payload))}
	st.dirty = true
	if int64(entryID) > st.lac {
		st.lac = int64(entryID)
		b.fireWaitersLocked(st)
	}
	return ledgerID, entryID, nil
}

func (b *FileBackend) fireWaitersLocked(st *ledgerState) {
	var remaining []waiter
	for _, w := range st.waiters {
		if st.lac > w.previousLAC {
			w.observer(st.lac)
		} else {
			remaining = append(remaining, w)
		}
	}
	st.waiters = remaining
}

// GetEntry implements Backend.
func (b *FileBackend) GetEntry(ledgerID, entryID uint64) ([]byte, error) {
	var st = b.ledgerLocked(ledgerID, false)
	if st == nil {
		return nil, notFoundLedger(ledgerID)
	}
	st.mu.Lock()
	loc, ok := st.index[entryID]
	st.mu.Unlock()
	if !ok {
		return nil, notFoundEntry(ledgerID, entryID)
	}

	var buf = make([]byte, loc.length)
	if _, err := b.log.ReadAt(buf, loc.offset); err != nil {
		return nil, errors.Wrapf(err, "reading entry %d of ledger %d", entryID, ledgerID)
	}
	return buf, nil
}

// Flush implements Backend: fsync everything, unconditionally.
func (b *FileBackend) Flush() error {
	return b.checkpoint()
}

// Checkpoint implements Backend.
func (b *FileBackend) Checkpoint() error {
	return b.checkpoint()
}

func (b *FileBackend) checkpoint() error {
	b.logMu.Lock()
	err := b.log.Sync()
	b.logMu.Unlock()
	if err != nil {
		return errs.NewError(errs.DiskError, "fsyncing entries log: %v", err)
	}

	b.stateMu.Lock()
	var dirty = make(map[uint64]*ledgerState, len(b.ledgers))
	for id, st := range b.ledgers {
		if st.dirty {
			dirty[id] = st
		}
	}
	b.stateMu.Unlock()
	if len(dirty) == 0 {
		return nil
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		for id, st := range dirty {
			st.mu.Lock()
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], id)
			lb, err := root.CreateBucketIfNotExists(key[:])
			if err != nil {
				st.mu.Unlock()
				return err
			}
			if st.haveKey {
				if err := lb.Put([]byte("masterKey"), st.masterKey); err != nil {
					st.mu.Unlock()
					return err
				}
			}
			if st.fenced {
				if err := lb.Put([]byte("fenced"), []byte{1}); err != nil {
					st.mu.Unlock()
					return err
				}
			}
			var lacBuf [8]byte
			binary.BigEndian.PutUint64(lacBuf[:], uint64(st.lac))
			if err := lb.Put([]byte("lac"), lacBuf[:]); err != nil {
				st.mu.Unlock()
				return err
			}

			idxBucket, err := lb.CreateBucketIfNotExists([]byte("idx"))
			if err != nil {
				st.mu.Unlock()
				return err
			}
			for entryID, loc := range st.index {
				var k [8]byte
				binary.BigEndian.PutUint64(k[:], entryID)
				var v [16]byte
				binary.BigEndian.PutUint64(v[0:8], uint64(loc.offset))
				binary.BigEndian.PutUint64(v[8:16], uint64(loc.length))
				if err := idxBucket.Put(k[:], v[:]); err != nil {
					st.mu.Unlock()
					return err
				}
			}
			st.dirty = false
			st.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return errs.NewError(errs.DiskError, "committing ledger metadata: %v", err)
	}
	return nil
}

// ReadMasterKey implements Backend.
func (b *FileBackend) ReadMasterKey(ledgerID uint64) ([]byte, error) {
	var st = b.ledgerLocked(ledgerID, false)
	if st == nil {
		return nil, notFoundLedger(ledgerID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.haveKey {
		return nil, notFoundLedger(ledgerID)
	}
	return append([]byte(nil), st.masterKey...), nil
}

// SetMasterKey implements Backend.
func (b *FileBackend) SetMasterKey(ledgerID uint64, key []byte) error {
	var st = b.ledgerLocked(ledgerID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.haveKey {
		if !bytes.Equal(st.masterKey, key) {
			return errs.NewError(errs.UnauthorizedAccess, "master key mismatch for ledger %d", ledgerID)
		}
		return nil
	}
	st.masterKey = append([]byte(nil), key...)
	st.haveKey = true
	st.dirty = true
	return nil
}

// SetFenced implements Backend.
func (b *FileBackend) SetFenced(ledgerID uint64) (alreadyFenced bool, err error) {
	var st = b.ledgerLocked(ledgerID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.fenced {
		return true, nil
	}
	st.fenced = true
	st.dirty = true
	return false, nil
}

// IsFenced implements Backend.
func (b *FileBackend) IsFenced(ledgerID uint64) (bool, error) {
	var st = b.ledgerLocked(ledgerID, false)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fenced, nil
}

// LastAddConfirmed implements Backend.
func (b *FileBackend) LastAddConfirmed(ledgerID uint64) (int64, error) {
	var st = b.ledgerLocked(ledgerID, false)
	if st == nil {
		return -1, notFoundLedger(ledgerID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lac, nil
}

// WaitForLACUpdate implements Backend.
func (b *FileBackend) WaitForLACUpdate(ledgerID uint64, previousLAC int64, observer func(lac int64)) {
	var st = b.ledgerLocked(ledgerID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lac > previousLAC {
		observer(st.lac)
		return
	}
	st.waiters = append(st.waiters, waiter{previousLAC: previousLAC, observer: observer})
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	var errLog = b.log.Close()
	var errDB = b.db.Close()
	if errLog != nil {
		return errLog
	}
	return errDB
}
