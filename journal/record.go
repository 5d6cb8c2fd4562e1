package journal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Reserved entryId values identifying meta-records within the journal
// stream. Any entryId whose bits match one of these reserved patterns is
// a meta-record; all other entryIds are ordinary ledger data. Clients
// must never produce entries with these ids — that is enforced at the
// client-facing boundary (the write pipeline), not here.
const (
	MetaEntryLedgerKey uint64 = 0xFFFFFFFFFFFFF000
	MetaEntryFenceKey  uint64 = 0xFFFFFFFFFFFFE000
)

// ErrCorruptRecord is returned by readRecord when a length/checksum
// mismatch is detected, indicating the segment tail is torn (a partial
// write from a crash) or genuinely corrupt.
var ErrCorruptRecord = errors.New("corrupt journal record")

// crcTable is reused across all record (de)serialization, following the
// precedent of precomputing the CRC table once (blb's pkg/wal/record.go).
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// writeRecord appends one length-prefixed, checksummed record to w.
// On-disk layout (all integers little-endian):
//
//	length(4) | payload(length) | crc32(4)
//
// The checksum covers the length prefix and the payload.
func writeRecord(w io.Writer, payload []byte) (n int, err error) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	var sum = crc32.Update(0, crcTable, header[:])
	sum = crc32.Update(sum, crcTable, payload)

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)

	var buf = make([]byte, 0, 4+len(payload)+4)
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	buf = append(buf, trailer[:]...)

	n, err = w.Write(buf)
	return n, err
}

// readRecord reads and verifies one record from r. It returns io.EOF if r
// was exhausted before any bytes of a new record were read, and
// io.ErrUnexpectedEOF if a record was partially present (a torn write).
func readRecord(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // Propagate clean io.EOF as-is.
	}
	var length = binary.LittleEndian.Uint32(header[:])

	var body = make([]byte, length+4)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var payload = body[:length]
	var wantSum = binary.LittleEndian.Uint32(body[length:])

	var gotSum = crc32.Update(0, crcTable, header[:])
	gotSum = crc32.Update(gotSum, crcTable, payload)

	if gotSum != wantSum {
		return nil, ErrCorruptRecord
	}
	return payload, nil
}

// ParseLedgerEntryIDs reads the (ledgerId, entryId) header prefixing every
// client payload, without consuming or copying the remainder of payload.
func ParseLedgerEntryIDs(payload []byte) (ledgerID, entryID uint64, err error) {
	if len(payload) < 16 {
		return 0, 0, errors.New("payload too short to contain ledgerId/entryId header")
	}
	ledgerID = binary.BigEndian.Uint64(payload[0:8])
	entryID = binary.BigEndian.Uint64(payload[8:16])
	return ledgerID, entryID, nil
}

// IsMetaEntryID reports whether entryID matches a reserved meta-record
// pattern and thus must never be produced by a client.
func IsMetaEntryID(entryID uint64) bool {
	return entryID == MetaEntryLedgerKey || entryID == MetaEntryFenceKey
}

// EncodeLedgerKeyRecord builds the payload of a LEDGER_KEY meta-record:
//
//	ledgerId(8) | MetaEntryLedgerKey(8) | keyLen(4) | key[keyLen]
func EncodeLedgerKeyRecord(ledgerID uint64, masterKey []byte) []byte {
	var buf = make([]byte, 20+len(masterKey))
	binary.BigEndian.PutUint64(buf[0:8], ledgerID)
	binary.BigEndian.PutUint64(buf[8:16], MetaEntryLedgerKey)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(masterKey)))
	copy(buf[20:], masterKey)
	return buf
}

// EncodeFenceKeyRecord builds the payload of a FENCE_KEY meta-record:
//
//	ledgerId(8) | MetaEntryFenceKey(8)
func EncodeFenceKeyRecord(ledgerID uint64) []byte {
	var buf = make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], ledgerID)
	binary.BigEndian.PutUint64(buf[8:16], MetaEntryFenceKey)
	return buf
}

// DecodeLedgerKeyRecord extracts the ledgerId and masterKey from a
// LEDGER_KEY meta-record payload.
func DecodeLedgerKeyRecord(payload []byte) (ledgerID uint64, masterKey []byte, err error) {
	if len(payload) < 20 {
		return 0, nil, errors.New("truncated LEDGER_KEY record")
	}
	ledgerID = binary.BigEndian.Uint64(payload[0:8])
	var keyLen = binary.BigEndian.Uint32(payload[16:20])
	if uint32(len(payload)-20) < keyLen {
		return 0, nil, errors.New("truncated LEDGER_KEY record key")
	}
	masterKey = append([]byte(nil), payload[20:20+keyLen]...)
	return ledgerID, masterKey, nil
}

// DecodeFenceKeyRecord extracts the ledgerId from a FENCE_KEY meta-record payload.
func DecodeFenceKeyRecord(payload []byte) (ledgerID uint64, err error) {
	if len(payload) < 16 {
		return 0, errors.New("truncated FENCE_KEY record")
	}
	return binary.BigEndian.Uint64(payload[0:8]), nil
}
