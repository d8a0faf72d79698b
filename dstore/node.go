// Package dstore wires a binding cache, a lock manager and a reliable
// request queue client into the single Node a simulation server process
// embeds, mirroring how the teacher's agent.Agent composes its subsystems
// behind one constructor.
package dstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dantel35/reddwarf/binding"
	"github.com/dantel35/reddwarf/dsconfig"
	"github.com/dantel35/reddwarf/dserr"
	"github.com/dantel35/reddwarf/lock"
	"github.com/dantel35/reddwarf/queue"
)

// Locker identifies the caller of Fetch/Release for lock ownership and
// deadlock victim selection; it is exactly lock.Locker, re-exported here so
// callers of this package don't need to import lock just to name the type.
type Locker = lock.Locker

// Node is one participant's view of the distributed data store core: a
// local binding cache and lock table, plus a client connection to the
// authoritative server that resolves cache misses and commits writes.
type Node struct {
	Cache  *binding.Cache
	Locks  *lock.Manager[binding.Key]
	Queue  *queue.Client
	logger hclog.Logger
}

// NewNode constructs a Node from validated configuration. dialer and nodeID
// are the queue client's transport and handshake identity; a nil dialer is
// valid for a Node that only ever serves local reads against an
// already-populated cache (no outstanding fetch can complete).
func NewNode(cfg dsconfig.Config, nodeID int64, addr string, dialer queue.Dialer, logger hclog.Logger) (*Node, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	cache, err := binding.New(logger)
	if err != nil {
		return nil, fmt.Errorf("dstore: building cache: %w", err)
	}

	locks := lock.New[binding.Key](cfg.Lock.NumShards, cfg.Lock.Timeout, lock.WithLogger[binding.Key](logger))

	n := &Node{Cache: cache, Locks: locks, logger: logger}

	if dialer != nil {
		client, err := queue.NewClient(queue.ClientConfig{
			NodeID:        nodeID,
			Addr:          addr,
			Dialer:        dialer,
			QueueSize:     cfg.Queue.QueueSize,
			SentQueueSize: cfg.Queue.SentQueueSize,
			MaxRetry:      cfg.Queue.MaxRetry,
			RetryWait:     cfg.Queue.RetryWait,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dstore: building request queue client: %w", err)
		}
		n.Queue = client
	}

	return n, nil
}

// Close releases the Node's background resources (the queue client's
// sender/receiver goroutines). It does not touch the cache or lock
// manager, which hold no background goroutines of their own.
func (n *Node) Close() {
	if n.Queue != nil {
		n.Queue.Shutdown()
	}
}

// conflictErr turns a non-nil lock.Conflict into the dserr.Error kind it
// corresponds to, so callers of Fetch/Release see the same taxonomy the
// cache and queue use rather than a separate lock-specific error type.
func conflictErr(c *lock.Conflict) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case lock.Deadlock:
		return dserr.New(dserr.Deadlock, "lock: chosen as deadlock victim")
	case lock.Timeout:
		return dserr.New(dserr.Timeout, "lock: timed out waiting for grant")
	case lock.Interrupted:
		return dserr.New(dserr.Interrupted, "lock: wait canceled")
	default:
		return dserr.New(dserr.Blocked, "lock: held incompatibly")
	}
}

// Fetch resolves key for locker: it acquires the lock (blocking per ctx's
// deadline), serves a cache hit directly, and otherwise submits a fetch
// request to the authority server over Queue and installs whatever value
// comes back before returning. The ack carries no value: after a
// successful ack the value is read back from n.Cache, so n.Cache must be
// the same cache the authority's handler installs into (see
// NewAuthorityHandler). The caller must eventually call Release,
// even on error, if the lock was acquired (conflict == nil).
func (n *Node) Fetch(ctx context.Context, locker Locker, key binding.Key, forWrite bool) (int64, error) {
	conflict, err := n.Locks.Lock(ctx, locker, key, forWrite, time.Time{})
	if err != nil {
		return 0, err
	}
	if conflict != nil {
		return 0, conflictErr(conflict)
	}

	entry, result := n.Cache.Get(key, forWrite)
	switch result {
	case binding.Hit:
		return entry.Snapshot().Value, nil
	case binding.Miss:
		return binding.RemovedValue, nil
	}

	return n.fetchFromAuthority(ctx, locker, key, forWrite)
}

// fetchFromAuthority drives a single BeginFetch/request-queue round trip.
// The lock manager already serializes conflicting access to key, so a
// Blocked result here means a compatible fetch (e.g. two readers) is
// already in flight; the caller sees that as an ordinary Blocked error and
// is expected to retry, the same contract LockNoWait gives lock callers.
func (n *Node) fetchFromAuthority(ctx context.Context, locker Locker, key binding.Key, forWrite bool) (int64, error) {
	entry, result, err := n.Cache.BeginFetch(ctx, key, forWrite, locker.ID())
	if err != nil {
		return 0, err
	}
	switch result {
	case binding.Hit:
		return entry.Snapshot().Value, nil
	case binding.Blocked:
		return 0, dserr.New(dserr.Blocked, "a compatible fetch for this binding is already in flight")
	}

	if n.Queue == nil {
		return 0, dserr.New(dserr.InvalidState, "fetch requires a request queue client, none configured")
	}

	if err := n.sendFetchRequest(ctx, key, forWrite); err != nil {
		return 0, err
	}

	// The authority's Handler installs the resolved value into the
	// shared cache as part of executing the request (see
	// NewAuthorityHandler); the ack itself only carries success/failure
	// (spec.md §4.3's wire format has no value field), so the freshly
	// committed entry is read back here rather than out of the ack.
	entry, result = n.Cache.Get(key, forWrite)
	if result != binding.Hit {
		return 0, dserr.New(dserr.InvalidState, "authority acked fetch but left no usable cache entry")
	}
	return entry.Snapshot().Value, nil
}

// sendFetchRequest encodes key as a request payload, submits it on Queue,
// and blocks until the server's ack arrives.
func (n *Node) sendFetchRequest(ctx context.Context, key binding.Key, forWrite bool) error {
	resultCh := make(chan error, 1)
	req := &queue.Request{
		Payload: encodeFetchRequest(key, forWrite),
		Done:    func(err error) { resultCh <- err },
	}
	if err := n.Queue.AddRequest(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return dserr.FromContext(ctx)
	}
}

// Release releases locker's hold on key. Safe to call even if Fetch
// returned an error, as long as the error was not itself a lock conflict
// (Fetch never acquires the lock when it returns one).
func (n *Node) Release(locker Locker, key binding.Key) error {
	return n.Locks.ReleaseLock(locker, key)
}

func encodeFetchRequest(key binding.Key, forWrite bool) []byte {
	name := key.String()
	buf := make([]byte, 1+4+len(name))
	if forWrite {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(name)))
	copy(buf[5:], name)
	return buf
}

// decodeFetchRequest is the authority server's side of encodeFetchRequest.
func decodeFetchRequest(payload []byte) (name string, forWrite bool, err error) {
	if len(payload) < 5 {
		return "", false, dserr.New(dserr.InvalidState, "fetch request payload too short")
	}
	forWrite = payload[0] == 1
	n := binary.BigEndian.Uint32(payload[1:5])
	if int(n) != len(payload)-5 {
		return "", false, dserr.New(dserr.InvalidState, "fetch request payload length mismatch")
	}
	return string(payload[5:]), forWrite, nil
}
