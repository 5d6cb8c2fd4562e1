//go:build linux
// +build linux

package etcdtest

import "syscall"

// sysProcAttr ensures the etcd subprocess is killed if this test process
// dies unexpectedly (e.g. a test timeout panic), so a wrapping `go test`
// invocation never hangs waiting on an orphaned etcd.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
