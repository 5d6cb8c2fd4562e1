package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// segmentPrefix and segmentSuffix name journal segment files on disk, as
// "journal-<id>.log" under the journal directory's "current/" subdirectory.
const (
	segmentPrefix = "journal-"
	segmentSuffix = ".log"
)

// segment is one numbered, append-only file of the journal stream.
type segment struct {
	id uint64
	f  *os.File
	// off is the file offset through which bytes have been written
	// (not necessarily fsync'd).
	off int64
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

// createSegment creates a new, empty segment file with the given id.
func createSegment(dir string, id uint64) (*segment, error) {
	var path = segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating journal segment %s", path)
	}
	return &segment{id: id, f: f}, nil
}

// openSegmentForAppend opens an existing segment file positioned at its end,
// which is both the offset appends will occur at, and the result of replay.
func openSegmentForAppend(dir string, id uint64) (*segment, error) {
	var path = segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal segment %s", path)
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seeking journal segment %s", path)
	}
	return &segment{id: id, f: f, off: off}, nil
}

// append writes payload to the segment, returning the offset it was written at.
func (s *segment) append(payload []byte) (offset int64, err error) {
	offset = s.off
	n, err := writeRecord(s.f, payload)
	if err != nil {
		return offset, errors.Wrapf(err, "writing journal record")
	}
	s.off += int64(n)
	return offset, nil
}

// sync fsyncs the segment file to disk. A failed fsync is fatal to the
// journal: there is no weaker durability fallback to degrade to.
func (s *segment) sync() error {
	return s.f.Sync()
}

func (s *segment) close() error {
	return s.f.Close()
}

// listSegmentIDs returns the ids of every segment file present in dir, sorted ascending.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading journal directory %s", dir)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var name = e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		var idStr = strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// removeSegmentsBefore deletes every segment file in dir with id < before,
// returning the ids it removed. Used by the sync engine to reclaim journal
// space once the persisted log-mark has advanced past them.
func removeSegmentsBefore(dir string, before uint64) ([]uint64, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	var removed []uint64
	for _, id := range ids {
		if id >= before {
			continue
		}
		if err := os.Remove(segmentPath(dir, id)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "removing reclaimed journal segment %d", id)
		}
		removed = append(removed, id)
	}
	return removed, nil
}
