// Package coordinator adapts the bookie's registration and cookie
// persistence to an external coordination service. Grounded on
// gazette-core's allocator/announce.go (Announce/StartSession) for the
// lease-backed ephemeral-key shape and mainboilerplate/etcd.go for client
// construction; the registration paths and cookie record layout follow
// original_source's Bookie.java registerBookie/readCookie region, adapted
// from ZooKeeper znodes to an etcd flat keyspace (etcd has no notion of a
// persistent parent node, so "/<available>/readonly" needs no explicit
// creation the way a znode parent would).
package coordinator

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"go.bookie.dev/core/errs"
)

// Mode names which ephemeral path a bookie is currently registered under.
type Mode int

const (
	// ModeNone indicates no active ephemeral registration.
	ModeNone Mode = iota
	// ModeWritable registers under "/<root>/available/<bookieId>".
	ModeWritable
	// ModeReadOnly registers under "/<root>/available/readonly/<bookieId>".
	ModeReadOnly
)

// registerRetryInterval bounds how long Register waits between attempts
// when its ephemeral key is already held by a not-yet-expired prior
// session, mirroring gazette's announceConflictRetryInterval.
var registerRetryInterval = 5 * time.Second

// reconnectBackoffBase and reconnectBackoffMax bound Reconnect's
// exponential backoff between failed re-registration attempts.
var (
	reconnectBackoffBase = 500 * time.Millisecond
	reconnectBackoffMax  = 30 * time.Second
)

// Config names the coordinator root and this bookie's identity within it.
type Config struct {
	// Root is the coordinator keyspace prefix, e.g. "/bookie".
	Root string
	// BookieID uniquely identifies this bookie within Root.
	BookieID string
	// LeaseTTL is the etcd lease TTL backing ephemeral registrations.
	LeaseTTL time.Duration
}

func (c Config) writablePath() string { return path.Join(c.Root, "available", c.BookieID) }
func (c Config) readOnlyPath() string {
	return path.Join(c.Root, "available", "readonly", c.BookieID)
}
func (c Config) cookiePath() string { return path.Join(c.Root, "cookies", c.BookieID) }
func (c Config) instanceIDPath() string { return path.Join(c.Root, "INSTANCEID") }

// Client is the bookie's coordinator adapter: one lease-backed
// concurrency.Session plus the ephemeral registration and persistent
// cookie operations built on top of it.
type Client struct {
	etcd *clientv3.Client
	cfg  Config

	mu      sync.Mutex
	session *concurrency.Session
	mode    Mode
}

// Dial establishes the initial coordinator session. Failure here is the
// "initial registration" case: callers should treat it as
// errs.CoordinatorError and shut down with ExitRegistrationFailed.
func Dial(etcd *clientv3.Client, cfg Config) (*Client, error) {
	session, err := concurrency.NewSession(etcd, concurrency.WithTTL(int(cfg.LeaseTTL.Seconds())))
	if err != nil {
		return nil, errs.NewError(errs.CoordinatorError, "establishing coordinator session: %s", err)
	}
	return &Client{etcd: etcd, cfg: cfg, session: session}, nil
}

// Lost returns a channel closed when the current coordinator session
// expires (network partition, missed keepalive, etc). Callers must call
// Lost again after a successful Reconnect to observe the new session.
func (c *Client) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Done()
}

// RegisterWritable ephemerally registers this bookie as writable,
// atomically removing any read-only registration first.
func (c *Client) RegisterWritable(ctx context.Context) error {
	return c.register(ctx, ModeWritable)
}

// RegisterReadOnly ephemerally registers this bookie as read-only,
// atomically removing any writable registration first.
func (c *Client) RegisterReadOnly(ctx context.Context) error {
	return c.register(ctx, ModeReadOnly)
}

func (c *Client) register(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	var session = c.session
	var prevMode = c.mode
	c.mu.Unlock()

	var newKey = c.pathFor(mode)
	var oldKey = c.pathFor(prevMode)

	for {
		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		if oldKey != "" && oldKey != newKey {
			ops = append(ops, clientv3.OpDelete(oldKey))
		}
		ops = append(ops, clientv3.OpPut(newKey, c.cfg.BookieID, clientv3.WithLease(session.Lease())))

		cmps = append(cmps, clientv3.Compare(clientv3.Version(newKey), "=", 0))
		resp, err := c.etcd.Txn(ctx).If(cmps...).Then(ops...).Else(clientv3.OpGet(newKey)).Commit()
		if err != nil {
			return errs.NewError(errs.CoordinatorError, "registering bookie at %s: %s", newKey, err)
		}
		if resp.Succeeded {
			break
		}

		var kv = resp.Responses[0].GetResponseRange().Kvs
		if len(kv) > 0 && clientv3.LeaseID(kv[0].Lease) == session.Lease() {
			break // Our own key from a previous attempt of this same session.
		}

		log.WithFields(log.Fields{"key": newKey}).Warn("coordinator key held by a prior session; retrying")
		select {
		case <-time.After(registerRetryInterval):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}

	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

func (c *Client) pathFor(mode Mode) string {
	switch mode {
	case ModeWritable:
		return c.cfg.writablePath()
	case ModeReadOnly:
		return c.cfg.readOnlyPath()
	default:
		return ""
	}
}

// Deregister removes whatever ephemeral registration is currently active.
// It is a no-op if no registration is active.
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	var key = c.pathFor(c.mode)
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	if _, err := c.etcd.Delete(ctx, key); err != nil {
		return errs.NewError(errs.CoordinatorError, "deregistering bookie at %s: %s", key, err)
	}
	c.mu.Lock()
	c.mode = ModeNone
	c.mu.Unlock()
	return nil
}

// WriteCookie durably persists cookie at this bookie's coordinator cookie
// path. It is not lease-bound: cookies outlive any single session.
func (c *Client) WriteCookie(ctx context.Context, cookie []byte) error {
	if _, err := c.etcd.Put(ctx, c.cfg.cookiePath(), string(cookie)); err != nil {
		return errs.NewError(errs.CoordinatorError, "writing coordinator cookie: %s", err)
	}
	return nil
}

// ReadCookie returns the coordinator's persisted cookie for this bookie.
// found is false if no cookie has ever been written (a fresh install).
func (c *Client) ReadCookie(ctx context.Context) (cookie []byte, found bool, err error) {
	resp, err := c.etcd.Get(ctx, c.cfg.cookiePath())
	if err != nil {
		return nil, false, errs.NewError(errs.CoordinatorError, "reading coordinator cookie: %s", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Reconnect re-establishes the coordinator session after Lost fires and
// re-registers under the mode most recently passed to RegisterWritable/
// RegisterReadOnly, retrying with exponential backoff until it succeeds
// or ctx is done. It returns the mode re-registered under, or ModeNone if
// no registration had been established yet.
func (c *Client) Reconnect(ctx context.Context) (Mode, error) {
	c.mu.Lock()
	var mode = c.mode
	c.mu.Unlock()

	var backoff = reconnectBackoffBase
	for {
		session, err := concurrency.NewSession(c.etcd, concurrency.WithTTL(int(c.cfg.LeaseTTL.Seconds())))
		if err == nil {
			c.mu.Lock()
			c.session, c.mode = session, ModeNone
			c.mu.Unlock()

			if mode == ModeNone {
				return ModeNone, nil
			}
			if err = c.register(ctx, mode); err == nil {
				return mode, nil
			}
		}

		log.WithFields(log.Fields{"err": err, "backoff": backoff}).
			Warn("coordinator reconnect failed; retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ModeNone, errors.WithStack(ctx.Err())
		}
		if backoff *= 2; backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// Close releases the underlying coordinator session without calling
// Deregister. Closing the session revokes its lease, so etcd removes any
// ephemeral registration bound to that lease at once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Close()
}
