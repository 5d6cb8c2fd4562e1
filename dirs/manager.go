// Package dirs owns the bookie's configured storage directories: their
// on-disk layout convention, and the free-space poll that drives the
// writable/read-only mode transition. Grounded on Bookie.java's
// LedgerDirsManager/DiskChecker region (original_source) for the event
// taxonomy (diskFull/diskAlmostFull/diskFailed/allDisksFull/diskWritable/
// diskJustWritable), and on westerndigitalcorporation-blb's use of
// github.com/cloudfoundry/gosigar for disk-status polling
// (internal/tractserver/status.go, internal/master/status.go).
package dirs

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/metrics"
)

const currentSubdir = "current"

var legacyGlobs = []string{"*.txn", "*.idx", "*.log"}

// EventKind names the disk-health events a Manager publishes.
type EventKind int

const (
	// DiskFailed reports an I/O error polling a directory's free space.
	DiskFailed EventKind = iota
	// AllDisksFull reports that every configured directory has fallen
	// below the configured free-space floor.
	AllDisksFull
	// DiskJustWritable reports that one specific directory has risen
	// back above the free-space floor.
	DiskJustWritable
	// DiskWritable reports the aggregate transition: at least one
	// directory is writable again, after all were full.
	DiskWritable
)

// Event is one disk-health observation published to a Manager's
// subscribers.
type Event struct {
	Kind EventKind
	Dir  string // Empty for the aggregate DiskWritable/AllDisksFull events.
	Err  error  // Set only for DiskFailed.
}

// freeSpaceFunc reports a directory's free and total bytes. It is a seam
// so tests can simulate disk-full conditions without needing an actually
// full filesystem; the production default wraps gosigar.
type freeSpaceFunc func(dir string) (free, total uint64, err error)

// Manager owns a fixed set of configured storage directories and polls
// their free space on an interval, publishing Events describing
// writable/full transitions to every Subscribe'd channel.
type Manager struct {
	dirs         []string
	minFreeBytes uint64
	pollInterval time.Duration
	freeSpace    freeSpaceFunc

	mu          sync.Mutex
	subscribers []chan Event
	writable    map[string]bool
	allFull     bool

	stop chan struct{}
	done chan struct{}
}

// New validates dirs' on-disk layout (creating "current/" where absent,
// rejecting directories with a pre-upgrade layout) and returns a Manager
// that has not yet started polling.
func New(dirs []string, minFreeBytes uint64, pollInterval time.Duration) (*Manager, error) {
	for _, d := range dirs {
		if err := ensureLayout(d); err != nil {
			return nil, err
		}
	}
	return &Manager{
		dirs:         append([]string(nil), dirs...),
		minFreeBytes: minFreeBytes,
		pollInterval: pollInterval,
		freeSpace:    sigarFreeSpace,
		writable:     make(map[string]bool),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// ensureLayout creates dir's "current/" subdirectory if absent, and
// fails fatally if dir carries pre-v3 layout files beside it: those must
// be migrated by an operator before this bookie can use the directory.
func ensureLayout(dir string) error {
	for _, pattern := range legacyGlobs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return errors.Wrapf(err, "checking %s for legacy layout", dir)
		}
		if len(matches) > 0 {
			return errors.Errorf("directory %s has legacy files (%s) beside current/; needs upgrade", dir, matches[0])
		}
	}
	return os.MkdirAll(filepath.Join(dir, currentSubdir), 0755)
}

// Dirs returns the configured directories' "current/" paths.
func (m *Manager) Dirs() []string {
	var out = make([]string, len(m.dirs))
	for i, d := range m.dirs {
		out[i] = filepath.Join(d, currentSubdir)
	}
	return out
}

// Subscribe registers a channel to receive every future Event. The
// channel is never closed by Manager; callers stop reading from it when
// they no longer care. Subscribe must be called before Start to avoid
// missing the initial poll's events.
func (m *Manager) Subscribe() <-chan Event {
	var ch = make(chan Event, 16)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Start launches the Manager's dedicated polling goroutine.
func (m *Manager) Start() {
	go m.pollLoop()
}

// Stop halts polling and blocks until the polling goroutine has exited.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) pollLoop() {
	defer close(m.done)

	m.pollOnce()
	var ticker = time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pollOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) pollOnce() {
	var anyWritable bool
	for _, dir := range m.dirs {
		free, total, err := m.freeSpace(dir)
		if err != nil {
			m.publish(Event{Kind: DiskFailed, Dir: dir, Err: errs.NewError(errs.DiskError, "statfs %s: %s", dir, err)})
			continue
		}
		metrics.DirectoryFreeBytes.WithLabelValues(dir).Set(float64(free))

		var writable = free >= m.minFreeBytes
		m.mu.Lock()
		var wasWritable, known = m.writable[dir]
		m.writable[dir] = writable
		m.mu.Unlock()

		if writable {
			anyWritable = true
			if known && !wasWritable {
				log.WithFields(log.Fields{"dir": dir, "free": humanize.Bytes(free), "total": humanize.Bytes(total)}).
					Info("storage directory is writable again")
				m.publish(Event{Kind: DiskJustWritable, Dir: dir})
			}
		}
	}

	m.mu.Lock()
	var wasAllFull = m.allFull
	m.allFull = !anyWritable
	var becameAllFull = m.allFull && !wasAllFull
	var becameWritable = wasAllFull && anyWritable
	m.mu.Unlock()

	if becameAllFull {
		log.Warn("every configured storage directory is full")
		m.publish(Event{Kind: AllDisksFull})
	}
	if becameWritable {
		m.publish(Event{Kind: DiskWritable})
	}
}

func (m *Manager) publish(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- e:
		default:
			log.WithField("kind", e.Kind).Warn("dropping disk event; subscriber channel is full")
		}
	}
}

// FreeBytes reports dir's current free space, for diagnostics/status use.
func (m *Manager) FreeBytes(dir string) (uint64, error) {
	free, _, err := m.freeSpace(dir)
	return free, err
}

func sigarFreeSpace(dir string) (free, total uint64, err error) {
	var usage sigar.FileSystemUsage
	if err := usage.Get(dir); err != nil {
		return 0, 0, err
	}
	const kilobyte = 1024
	return usage.Free * kilobyte, usage.Total * kilobyte, nil
}
