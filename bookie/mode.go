// Package bookie assembles the write pipeline, sync engine, coordinator
// client, and directory manager into the bookie's mode state machine and
// startup/shutdown lifecycle. Grounded on Bookie.java's StateManager
// region (original_source) for the transition table, and on
// broker/service.go (gazette) for driving state transitions off a
// dedicated, single-threaded command queue rather than ad-hoc locking.
package bookie

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/metrics"
)

// Mode is one state of the bookie's mode state machine.
type Mode int32

const (
	ModeInitializing Mode = iota
	ModeWritable
	ModeReadOnly
	ModeShuttingDown
)

func (m Mode) String() string {
	switch m {
	case ModeInitializing:
		return "Initializing"
	case ModeWritable:
		return "Writable"
	case ModeReadOnly:
		return "ReadOnly"
	case ModeShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

var allModes = []Mode{ModeInitializing, ModeWritable, ModeReadOnly, ModeShuttingDown}

// setModeGauge sets metrics.Mode to 1 for m and 0 for every other known
// mode, so the gauge always reflects exactly one active mode.
func setModeGauge(m Mode) {
	for _, mode := range allModes {
		var v float64
		if mode == m {
			v = 1
		}
		metrics.Mode.WithLabelValues(mode.String()).Set(v)
	}
}

// Registrar is the subset of the coordinator client the mode state
// machine drives directly.
type Registrar interface {
	RegisterWritable(ctx context.Context) error
	RegisterReadOnly(ctx context.Context) error
}

// ModeService is the bookie's single-threaded state service: every
// transition request is a function enqueued onto tasks and run in
// enqueue order by exactly one goroutine, so concurrent disk events and
// coordinator callbacks coalesce onto one serialized decision.
type ModeService struct {
	mode            int32 // atomic Mode
	readOnlyEnabled bool
	registrar       Registrar
	onShutdown      func(reason error, code errs.ExitCode)

	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
}

// NewModeService builds a ModeService in ModeInitializing. onShutdown is
// invoked at most once, the first time any transition decides the bookie
// must stop; it is expected to drive the bookie's own Shutdown.
func NewModeService(registrar Registrar, readOnlyEnabled bool, onShutdown func(reason error, code errs.ExitCode)) *ModeService {
	setModeGauge(ModeInitializing)
	return &ModeService{
		mode:            int32(ModeInitializing),
		readOnlyEnabled: readOnlyEnabled,
		registrar:       registrar,
		onShutdown:      onShutdown,
		tasks:           make(chan func(), 64),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the state service's dedicated goroutine.
func (s *ModeService) Start() { go s.serve() }

// Stop halts the state service. It does not itself transition the mode;
// callers set ModeShuttingDown (via TriggerShutdown or MarkShuttingDown)
// first.
func (s *ModeService) Stop() {
	close(s.stop)
	<-s.done
}

func (s *ModeService) serve() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.stop:
			return
		}
	}
}

// Mode returns the current mode. Safe for concurrent use.
func (s *ModeService) Mode() Mode { return Mode(atomic.LoadInt32(&s.mode)) }

// MarkShuttingDown forces ModeShuttingDown directly, bypassing the
// task queue. Used by Bookie's teardown, which runs on every shutdown
// path (operator-initiated or via onShutdown), is already tearing down
// every collaborator unconditionally, and cannot
// risk the queued TriggerShutdown task losing a race against Stop's
// channel close in the state service's select.
func (s *ModeService) MarkShuttingDown() { atomic.StoreInt32(&s.mode, int32(ModeShuttingDown)) }

// submit enqueues fn onto the state service. Called from any goroutine;
// fn itself always runs on the single state-service goroutine.
func (s *ModeService) submit(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.stop:
	}
}

// TransitionToWritable requests Writable mode, a no-op unless the bookie
// is currently ReadOnly (or, at startup, Initializing).
func (s *ModeService) TransitionToWritable() {
	s.submit(s.doTransitionToWritable)
}

// TransitionToReadOnly requests ReadOnly mode, a no-op unless the bookie
// is currently Writable. Satisfies pipeline.ReadOnlyTransitioner and
// checkpoint.ReadOnlyTransitioner.
func (s *ModeService) TransitionToReadOnly(reason error) {
	s.submit(func() { s.doTransitionToReadOnly(reason) })
}

// TriggerShutdown requests ModeShuttingDown from any mode. Idempotent:
// only the first caller's reason/code is delivered to onShutdown.
func (s *ModeService) TriggerShutdown(reason error, code errs.ExitCode) {
	s.submit(func() { s.doShutdown(reason, code) })
}

func (s *ModeService) doTransitionToWritable() {
	if s.Mode() == ModeShuttingDown {
		return
	}
	var wasInitializing = atomic.CompareAndSwapInt32(&s.mode, int32(ModeInitializing), int32(ModeWritable))
	if !wasInitializing && !atomic.CompareAndSwapInt32(&s.mode, int32(ModeReadOnly), int32(ModeWritable)) {
		return
	}
	setModeGauge(ModeWritable)
	log.Info("bookie is now writable")
	if err := s.registrar.RegisterWritable(context.Background()); err != nil {
		// Failure of the very first registration (Initializing -> Writable)
		// is distinguished from a later re-registration failure: the bookie
		// never joined the coordinator's keyspace at all, so it reports
		// registration-failed rather than the generic fatal exit code.
		var code = errs.ExitFatal
		if wasInitializing {
			code = errs.ExitRegistrationFailed
		}
		s.doShutdown(err, code)
	}
}

func (s *ModeService) doTransitionToReadOnly(reason error) {
	if s.Mode() == ModeShuttingDown {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.mode, int32(ModeWritable), int32(ModeReadOnly)) {
		return
	}
	setModeGauge(ModeReadOnly)
	if !s.readOnlyEnabled {
		log.WithField("reason", reason).Warn("read-only mode is disabled by configuration; shutting down instead")
		s.doShutdown(reason, errs.ExitFatal)
		return
	}
	log.WithField("reason", reason).Warn("bookie is now read-only")
	if err := s.registrar.RegisterReadOnly(context.Background()); err != nil {
		s.doShutdown(err, errs.ExitFatal)
	}
}

func (s *ModeService) doShutdown(reason error, code errs.ExitCode) {
	var prev = Mode(atomic.SwapInt32(&s.mode, int32(ModeShuttingDown)))
	if prev == ModeShuttingDown {
		return
	}
	setModeGauge(ModeShuttingDown)
	log.WithFields(log.Fields{"reason": reason, "code": code}).Warn("bookie mode transitioning to shutdown")
	if s.onShutdown != nil {
		s.onShutdown(reason, code)
	}
}
