// Package handles implements the in-memory, authenticated ledger handle
// cache: resolving a ledger id to a LedgerDescriptor, establishing its
// master key on first use and checking it on every subsequent use. It is
// grounded on LedgerDescriptorImpl.java's getHandle/getReadOnlyHandle
// master-key check (original_source) and on the bounded-LRU shape of
// github.com/hashicorp/golang-lru, so that a bookie serving many cold
// ledgers does not retain unbounded handle state.
package handles

// Descriptor is an in-memory, authenticated handle to one ledger: its
// master key and whether it grants write access. The cache exclusively
// owns Descriptors and evicts them under LRU pressure; write
// serialization does not live here (a Descriptor's identity is not
// stable across eviction) but on Cache.LockLedger, whose lock table is
// never evicted.
type Descriptor struct {
	LedgerID uint64

	masterKey []byte
	readOnly  bool
}

func newDescriptor(ledgerID uint64, masterKey []byte, readOnly bool) *Descriptor {
	return &Descriptor{LedgerID: ledgerID, masterKey: append([]byte(nil), masterKey...), readOnly: readOnly}
}

// ReadOnly reports whether this Descriptor was obtained via
// Cache.GetReadOnlyHandle, in which case it grants no write rights.
func (d *Descriptor) ReadOnly() bool { return d.readOnly }

// MasterKey returns the master key this Descriptor was authenticated
// against (or, for a read-only handle, the key on record).
func (d *Descriptor) MasterKey() []byte { return append([]byte(nil), d.masterKey...) }
