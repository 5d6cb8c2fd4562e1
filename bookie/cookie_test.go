package bookie

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bookie.dev/core/errs"
	"go.bookie.dev/core/etcdtest"
)

func TestCookieEncodeDecodeRoundTrip(t *testing.T) {
	var c = newCookie("inst-1", "127.0.0.1:3181", []string{"/a", "/b"})
	decoded, err := DecodeCookie(c.Encode())
	require.NoError(t, err)
	require.True(t, c.Equal(decoded))
}

func TestCookieEqualDetectsEveryFieldDivergence(t *testing.T) {
	var base = newCookie("inst-1", "127.0.0.1:3181", []string{"/a", "/b"})

	var diffVersion = base
	diffVersion.Version = base.Version + 1
	require.False(t, base.Equal(diffVersion))

	var diffID = base
	diffID.InstanceID = "inst-2"
	require.False(t, base.Equal(diffID))

	var diffAddr = base
	diffAddr.BookieAddress = "127.0.0.1:9999"
	require.False(t, base.Equal(diffAddr))

	var diffDirs = base
	diffDirs.Directories = []string{"/a"}
	require.False(t, base.Equal(diffDirs))

	require.True(t, base.Equal(base))
}

func TestCheckEnvironmentInitializesFreshInstallation(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-fresh", t.TempDir(), t.TempDir())
	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	var dirs = []string{cfg.JournalDir, cfg.LedgerDir}
	c, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.NoError(t, err)
	require.NotEmpty(t, c.InstanceID)
	require.Equal(t, cfg.BookieAddress, c.BookieAddress)

	for _, dir := range dirs {
		b, err := os.ReadFile(filepath.Join(dir, versionFileName))
		require.NoError(t, err)
		local, err := DecodeCookie(b)
		require.NoError(t, err)
		require.True(t, local.Equal(c))
	}

	coordBytes, found, err := coord.ReadCookie(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	fromCoordinator, err := DecodeCookie(coordBytes)
	require.NoError(t, err)
	require.True(t, fromCoordinator.Equal(c))
}

func TestCheckEnvironmentIsStableAcrossRepeatedCalls(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-stable", t.TempDir(), t.TempDir())
	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	var dirs = []string{cfg.JournalDir, cfg.LedgerDir}
	first, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.NoError(t, err)

	second, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
}

func TestCheckEnvironmentRejectsMissingLocalCookie(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-missing-local", t.TempDir(), t.TempDir())
	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	var dirs = []string{cfg.JournalDir, cfg.LedgerDir}
	_, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(cfg.LedgerDir, versionFileName)))

	_, err = checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.Error(t, err)
	require.Equal(t, errs.InvalidCookie, errs.CodeOf(err))
}

func TestCheckEnvironmentRejectsDivergedLocalCookie(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-diverged", t.TempDir(), t.TempDir())
	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	var dirs = []string{cfg.JournalDir, cfg.LedgerDir}
	original, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.NoError(t, err)

	var tampered = original
	tampered.InstanceID = "some-other-instance"
	require.NoError(t, writeLocalCookie(cfg.LedgerDir, tampered))

	_, err = checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.Error(t, err)
	require.Equal(t, errs.InvalidCookie, errs.CodeOf(err))
}

func TestCheckEnvironmentRejectsCoordinatorCookieMissingWhileLocalExists(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-no-coordinator", t.TempDir(), t.TempDir())

	var dirs = []string{cfg.JournalDir, cfg.LedgerDir}
	var c = newCookie("inst-orphan", cfg.BookieAddress, dirs)
	for _, dir := range dirs {
		require.NoError(t, writeLocalCookie(dir, c))
	}

	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	_, err := checkEnvironment(context.Background(), coord, cfg.BookieAddress, dirs)
	require.Error(t, err)
	require.Equal(t, errs.InvalidCookie, errs.CodeOf(err))
}

func TestCheckEnvironmentTimesOutOnCanceledContext(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()
	var cfg = testConfig("bk-cookie-cancel", t.TempDir(), t.TempDir())
	var coord = dialCoordinator(t, etcd, cfg)
	defer coord.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := checkEnvironment(ctx, coord, cfg.BookieAddress, []string{cfg.JournalDir, cfg.LedgerDir})
	require.Error(t, err)
}
