package journal

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// batchFlag identifies how a batch envelope's body is encoded on disk.
type batchFlag byte

const (
	batchFlagRaw    batchFlag = 0
	batchFlagSnappy batchFlag = 1
)

// encodeBatch packs every payload in payloads into a single envelope
// written as one on-disk record, each sub-payload prefixed with its own
// 4-byte length so decodeBatch can split them back apart. When compress
// is true and the batch holds more than one record, the packed body is
// snappy-framed with the same streaming snappy.Writer idiom used
// elsewhere in the pack for bulk-blob compression (raftkv/store.go,
// curator/durable/fsm_snapshot.go); a lone record skips compression,
// where framing overhead would outweigh any savings.
func encodeBatch(payloads [][]byte, compress bool) []byte {
	var body bytes.Buffer
	for _, p := range payloads {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		body.Write(lenBuf[:])
		body.Write(p)
	}

	var flag = batchFlagRaw
	var encoded = body.Bytes()
	if compress && len(payloads) > 1 {
		var compressed bytes.Buffer
		var w = snappy.NewBufferedWriter(&compressed)
		_, _ = w.Write(body.Bytes())
		_ = w.Flush()
		flag, encoded = batchFlagSnappy, compressed.Bytes()
	}

	var out = make([]byte, 0, 5+len(encoded))
	out = append(out, byte(flag))
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(payloads)))
	out = append(out, countBuf[:]...)
	out = append(out, encoded...)
	return out
}

// decodeBatch reverses encodeBatch, returning the original sub-payloads
// in order.
func decodeBatch(envelope []byte) ([][]byte, error) {
	if len(envelope) < 5 {
		return nil, errors.Wrap(ErrCorruptRecord, "batch envelope too short")
	}
	var flag = batchFlag(envelope[0])
	var count = binary.BigEndian.Uint32(envelope[1:5])
	var body = envelope[5:]

	switch flag {
	case batchFlagRaw:
	case batchFlagSnappy:
		decompressed, err := io.ReadAll(snappy.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, errors.Wrap(err, "decompressing snappy batch envelope")
		}
		body = decompressed
	default:
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown batch envelope flag %d", flag)
	}

	var out = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < 4 {
			return nil, errors.Wrap(ErrCorruptRecord, "truncated batch envelope")
		}
		var n = binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < n {
			return nil, errors.Wrap(ErrCorruptRecord, "truncated batch envelope payload")
		}
		out = append(out, body[:n:n])
		body = body[n:]
	}
	return out, nil
}
