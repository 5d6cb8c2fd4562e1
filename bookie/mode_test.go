package bookie

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bookie.dev/core/errs"
)

type fakeRegistrar struct {
	mu            sync.Mutex
	writableCalls int
	readOnlyCalls int
	writableErr   error
	readOnlyErr   error
}

func (f *fakeRegistrar) RegisterWritable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writableCalls++
	return f.writableErr
}

func (f *fakeRegistrar) RegisterReadOnly(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnlyCalls++
	return f.readOnlyErr
}

func (f *fakeRegistrar) counts() (writable, readOnly int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writableCalls, f.readOnlyCalls
}

func waitForMode(t *testing.T, s *ModeService, want Mode) {
	t.Helper()
	for i := 0; i < 400; i++ {
		if s.Mode() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mode did not reach %v, stuck at %v", want, s.Mode())
}

func TestInitialTransitionToWritableRegisters(t *testing.T) {
	var reg = &fakeRegistrar{}
	var s = NewModeService(reg, true, nil)
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	writable, _ := reg.counts()
	require.Equal(t, 1, writable)
}

func TestReadOnlyTransitionRegistersUnderReadOnlyPath(t *testing.T) {
	var reg = &fakeRegistrar{}
	var s = NewModeService(reg, true, nil)
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	s.TransitionToReadOnly(errs.NewError(errs.NoWritableLedgerDir, "disk full"))
	waitForMode(t, s, ModeReadOnly)

	_, readOnly := reg.counts()
	require.Equal(t, 1, readOnly)
}

func TestReadOnlyTransitionIsNoOpIfAlreadyReadOnly(t *testing.T) {
	var reg = &fakeRegistrar{}
	var s = NewModeService(reg, true, nil)
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	s.TransitionToReadOnly(nil)
	waitForMode(t, s, ModeReadOnly)

	s.TransitionToReadOnly(nil) // No-op: already ReadOnly.
	time.Sleep(20 * time.Millisecond)

	_, readOnly := reg.counts()
	require.Equal(t, 1, readOnly)
}

func TestWritableTransitionFromInitializingRegistersOnce(t *testing.T) {
	var reg = &fakeRegistrar{}
	var s = NewModeService(reg, true, nil)
	s.Start()
	defer s.Stop()

	// A writable transition requested while the bookie is still
	// Initializing takes the Initializing branch of the CAS (which
	// succeeds from ReadOnly or Initializing) and registers exactly once.
	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)
	writable, _ := reg.counts()
	require.Equal(t, 1, writable)
}

func TestReadOnlyDisabledByConfigurationTriggersShutdown(t *testing.T) {
	var reg = &fakeRegistrar{}
	var shutdownCh = make(chan errs.ExitCode, 1)
	var s = NewModeService(reg, false, func(reason error, code errs.ExitCode) { shutdownCh <- code })
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	s.TransitionToReadOnly(errs.NewError(errs.DiskError, "disk failed"))
	waitForMode(t, s, ModeShuttingDown)

	_, readOnly := reg.counts()
	require.Equal(t, 0, readOnly)

	select {
	case code := <-shutdownCh:
		require.Equal(t, errs.ExitFatal, code)
	case <-time.After(time.Second):
		t.Fatal("onShutdown callback did not fire")
	}
}

func TestInitialRegistrationFailureReportsRegistrationFailedExitCode(t *testing.T) {
	var reg = &fakeRegistrar{writableErr: errs.NewError(errs.CoordinatorError, "dial failed")}
	var shutdownCh = make(chan errs.ExitCode, 1)
	var s = NewModeService(reg, true, func(reason error, code errs.ExitCode) { shutdownCh <- code })
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeShuttingDown)

	select {
	case code := <-shutdownCh:
		require.Equal(t, errs.ExitRegistrationFailed, code)
	case <-time.After(time.Second):
		t.Fatal("onShutdown callback did not fire")
	}
}

func TestSteadyStateRegistrationFailureReportsFatalExitCode(t *testing.T) {
	var reg = &fakeRegistrar{}
	var shutdownCh = make(chan errs.ExitCode, 1)
	var s = NewModeService(reg, true, func(reason error, code errs.ExitCode) { shutdownCh <- code })
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	reg.mu.Lock()
	reg.readOnlyErr = errs.NewError(errs.CoordinatorError, "txn failed")
	reg.mu.Unlock()

	s.TransitionToReadOnly(errs.NewError(errs.DiskError, "disk failed"))
	waitForMode(t, s, ModeShuttingDown)

	select {
	case code := <-shutdownCh:
		require.Equal(t, errs.ExitFatal, code)
	case <-time.After(time.Second):
		t.Fatal("onShutdown callback did not fire")
	}
}

func TestShutdownIsIdempotentAcrossConcurrentTriggers(t *testing.T) {
	var reg = &fakeRegistrar{}
	var calls int32
	var s = NewModeService(reg, true, func(error, errs.ExitCode) { atomic.AddInt32(&calls, 1) })
	s.Start()
	defer s.Stop()

	s.TransitionToWritable()
	waitForMode(t, s, ModeWritable)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TriggerShutdown(nil, errs.ExitFatal)
		}()
	}
	wg.Wait()
	waitForMode(t, s, ModeShuttingDown)
	time.Sleep(20 * time.Millisecond)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
