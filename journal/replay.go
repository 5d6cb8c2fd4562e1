package journal

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Visitor is invoked once per record found during replay, in strict
// journal order, with the LogMark identifying where that record begins.
// Visitor implementations (the bookie's replay visitor, which applies
// records to the ledger storage backend) must be idempotent: a record whose (ledgerId, entryId) is
// already present is a no-op overwrite with identical bytes.
type Visitor func(mark LogMark, payload []byte) error

// CurrentVersion is the journal format version this implementation
// writes and is prepared to replay. Versions >= 3 understand LEDGER_KEY
// meta-records and versions >= 4 additionally understand FENCE_KEY; this
// implementation only ever writes CurrentVersion, so replay need not
// branch on version, but the constant is retained to document the format
// lineage and for a future forward compatible reader to reference.
const CurrentVersion = 4

// Replay invokes visitor once for every record committed strictly after
// the journal's last persisted log-mark, in strict order. Replay is
// at-least-once per record position: the persisted log-mark advances only
// on a checkpoint, not on a flush (including the one at shutdown), so
// after any restart, clean or not, records already applied to storage may
// be replayed again, which is why visitor is required to be idempotent.
func (j *Journal) Replay(visitor Visitor) error {
	mark, err := j.LoadLogMark()
	if err != nil {
		return err
	}
	return replayFrom(j.dir, mark, visitor)
}

func replayFrom(dir string, from LogMark, visitor Visitor) error {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id < from.SegmentID {
			continue
		}
		if err := replaySegment(dir, id, from, visitor); err != nil {
			return errors.Wrapf(err, "replaying journal segment %d", id)
		}
	}
	return nil
}

func replaySegment(dir string, id uint64, from LogMark, visitor Visitor) error {
	f, err := os.Open(segmentPath(dir, id))
	if err != nil {
		return err
	}
	defer f.Close()

	var r = bufio.NewReader(f)
	var offset int64

	for {
		var recordStart = offset
		envelope, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF || err == ErrCorruptRecord {
			// A torn tail write from an in-flight batch at crash time, or
			// (at the very end of the very last segment) a record that
			// was group-committed but whose completion was never
			// delivered. Either way replay stops here: there is nothing
			// further to read past a torn record.
			return nil
		}
		if err != nil {
			return err
		}

		offset += 4 + int64(len(envelope)) + 4

		if id == from.SegmentID && recordStart < from.Offset {
			continue // Strictly after the log-mark only.
		}

		payloads, err := decodeBatch(envelope)
		if err != nil {
			return err
		}

		// Every record the envelope batched together was fsync'd
		// together, so they all share the same log-mark: the envelope's
		// own start position.
		var mark = LogMark{SegmentID: id, Offset: recordStart}
		for _, payload := range payloads {
			if err := visitor(mark, payload); err != nil {
				return err
			}
		}
	}
}
