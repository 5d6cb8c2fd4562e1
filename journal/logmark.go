package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LogMark identifies a point in the journal stream: segment id plus byte
// offset within that segment. It is the unit persisted durably so crash
// recovery knows where to resume replay from.
type LogMark struct {
	SegmentID uint64
	Offset    int64
}

// Less reports whether m precedes other in journal order.
func (m LogMark) Less(other LogMark) bool {
	if m.SegmentID != other.SegmentID {
		return m.SegmentID < other.SegmentID
	}
	return m.Offset < other.Offset
}

func (m LogMark) String() string {
	return fmt.Sprintf("%d:%d", m.SegmentID, m.Offset)
}

const logMarkFileName = "lastMark"

// loadLogMark reads the persisted LogMark from dir, returning the zero
// LogMark if none has ever been persisted (a fresh environment).
func loadLogMark(dir string) (LogMark, error) {
	var path = filepath.Join(dir, logMarkFileName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return LogMark{}, nil
	} else if err != nil {
		return LogMark{}, errors.Wrapf(err, "reading log-mark file %s", path)
	}

	var parts = strings.SplitN(strings.TrimSpace(string(b)), ":", 2)
	if len(parts) != 2 {
		return LogMark{}, errors.Errorf("malformed log-mark file %s", path)
	}
	segID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return LogMark{}, errors.Wrapf(err, "malformed log-mark segment id in %s", path)
	}
	off, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return LogMark{}, errors.Wrapf(err, "malformed log-mark offset in %s", path)
	}
	return LogMark{SegmentID: segID, Offset: off}, nil
}

// persistLogMark atomically replaces the persisted LogMark in dir. Callers
// must have fsync'd all state the mark depends on first; persistLogMark
// itself fsyncs the mark file and its containing directory entry so the
// replacement is itself durable.
func persistLogMark(dir string, mark LogMark) error {
	var final = filepath.Join(dir, logMarkFileName)
	var tmp = final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating temporary log-mark file %s", tmp)
	}
	if _, err = f.WriteString(mark.String()); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing temporary log-mark file %s", tmp)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsyncing temporary log-mark file %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing temporary log-mark file %s", tmp)
	}
	if err = os.Rename(tmp, final); err != nil {
		return errors.Wrapf(err, "renaming log-mark file %s", final)
	}

	// Fsync the containing directory so the rename is itself durable
	// across a crash, matching the journal's own fsync-before-ack discipline.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
