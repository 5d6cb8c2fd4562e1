package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"go.bookie.dev/core/etcdtest"
)

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }

func testConfig(bookieID string) Config {
	return Config{Root: "/bookie-test", BookieID: bookieID, LeaseTTL: 5 * time.Second}
}

func TestRegisterWritableThenReadOnlyIsAtomicSwitch(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var cfg = testConfig("bk-1")
	c, err := Dial(etcd, cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RegisterWritable(context.Background()))
	resp, err := etcd.Get(context.Background(), cfg.writablePath())
	require.NoError(t, err)
	require.EqualValues(t, 1, resp.Count)

	require.NoError(t, c.RegisterReadOnly(context.Background()))

	resp, err = etcd.Get(context.Background(), cfg.writablePath())
	require.NoError(t, err)
	require.EqualValues(t, 0, resp.Count)

	resp, err = etcd.Get(context.Background(), cfg.readOnlyPath())
	require.NoError(t, err)
	require.EqualValues(t, 1, resp.Count)
}

func TestDeregisterRemovesActiveKey(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var cfg = testConfig("bk-2")
	c, err := Dial(etcd, cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RegisterWritable(context.Background()))
	require.NoError(t, c.Deregister(context.Background()))

	resp, err := etcd.Get(context.Background(), cfg.writablePath())
	require.NoError(t, err)
	require.EqualValues(t, 0, resp.Count)
}

func TestWriteAndReadCookie(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var cfg = testConfig("bk-3")
	c, err := Dial(etcd, cfg)
	require.NoError(t, err)
	defer c.Close()

	_, found, err := c.ReadCookie(context.Background())
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.WriteCookie(context.Background(), []byte("cookie-bytes")))

	got, found, err := c.ReadCookie(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("cookie-bytes"), got)
}

func TestLostFiresOnSessionCloseAndReconnectReregisters(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var cfg = testConfig("bk-4")
	c, err := Dial(etcd, cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RegisterWritable(context.Background()))

	var lost = c.Lost()
	c.mu.Lock()
	require.NoError(t, c.session.Close())
	c.mu.Unlock()

	select {
	case <-lost:
	case <-time.After(10 * time.Second):
		t.Fatal("Lost channel did not fire after session close")
	}

	mode, err := c.Reconnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeWritable, mode)

	resp, err := etcd.Get(context.Background(), cfg.writablePath())
	require.NoError(t, err)
	require.EqualValues(t, 1, resp.Count)
}

func TestRegisterRetriesUntilPriorSessionLeaseExpires(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	defer func(d time.Duration) { registerRetryInterval = d }(registerRetryInterval)
	registerRetryInterval = 10 * time.Millisecond

	var cfg = testConfig("bk-5")

	var holderSession, err = concurrency.NewSession(etcd, concurrency.WithTTL(5))
	require.NoError(t, err)
	_, err = etcd.Put(context.Background(), cfg.writablePath(), "someone-else", clientv3.WithLease(holderSession.Lease()))
	require.NoError(t, err)

	c, err := Dial(etcd, cfg)
	require.NoError(t, err)
	defer c.Close()

	var done = make(chan error, 1)
	go func() { done <- c.RegisterWritable(context.Background()) }()

	select {
	case <-done:
		t.Fatal("RegisterWritable returned before the conflicting lease was revoked")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, holderSession.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("RegisterWritable did not complete after the conflicting lease expired")
	}
}
