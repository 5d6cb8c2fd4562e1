// Package etcdtest starts a real etcd server as a subprocess for tests
// that exercise the coordinator client against actual etcd semantics
// (leases, transactions, watches) rather than a hand-rolled fake.
// Adapted from gazette-core's etcdtest package: an "etcd" binary must be
// on PATH.
package etcdtest

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	cmd    *exec.Cmd
	client *clientv3.Client
)

// TestClient returns a client of the subprocess etcd server, asserting
// the keyspace is empty first (the prior test must have cleaned up).
func TestClient() *clientv3.Client {
	resp, err := client.Get(context.Background(), "", clientv3.WithPrefix(), clientv3.WithLimit(5))
	if err != nil {
		log.Fatal(err)
	} else if len(resp.Kvs) != 0 {
		log.Fatalf("etcd not empty; did a previous test not clean up?\n%+v", resp)
	}
	return client
}

// Cleanup removes every key left behind by a test using TestClient.
func Cleanup() {
	if _, err := client.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		log.Fatal(err)
	}
}

// TestMainWithEtcd starts the subprocess etcd server, runs m, and tears
// the server down. Call it from a package's TestMain:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
func TestMainWithEtcd(m *testing.M) {
	dir, err := ioutil.TempDir("", "bookie-etcdtest")
	if err != nil {
		log.Fatal(err)
	}

	var sock = dir + "/client.sock:0"
	cmd = exec.Command("etcd",
		"--listen-peer-urls", "unix://"+dir+"/peer.sock:0",
		"--listen-client-urls", "unix://"+sock,
		"--advertise-client-urls", "unix://"+sock,
	)
	cmd.Env = append(os.Environ(), "ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap")
	cmd.Dir = dir
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err = cmd.Start(); err != nil {
		log.Fatal(err)
	}

	os.Exit(func() int {
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			_ = os.RemoveAll(dir)
		}()

		if client, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{"unix://" + sock},
			DialTimeout: 5 * time.Second,
		}); err != nil {
			log.Fatal(err)
		}
		_ = TestClient()

		return m.Run()
	}())
}
