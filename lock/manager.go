package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/dantel35/reddwarf/dserr"
)

// shard is one partition of the lock table. Sharding exists purely to
// reduce contention on unrelated keys; every Lock/Key of a single shard
// serializes through one mutex, following the same "one big lock per
// partition" idiom the cache and (per the Consul agent's own coalesced
// shard patterns) the state store use.
type shard[K comparable] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[K]*keyLock[K]
}

func newShard[K comparable]() *shard[K] {
	s := &shard[K]{locks: make(map[K]*keyLock[K])}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// getOrCreateLocked returns the keyLock for key, materializing one lazily.
// Requires s.mu held.
func (s *shard[K]) getOrCreateLocked(key K) *keyLock[K] {
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock[K]{key: key}
		s.locks[key] = kl
	}
	return kl
}

// lockerState is the manager's bookkeeping record for one Locker, keyed by
// Locker.ID(). It exists independently of any particular key so the
// deadlock detector can walk a locker's current wait edge without needing
// to know which shard originated it.
type lockerState[K comparable] struct {
	mu sync.Mutex

	locker       Locker
	waitingFor   []Locker
	waitingSince time.Time
	waitingShard *shard[K]

	// shardHeld is true while this goroutine holds both mu and a shard's
	// monitor, guarded by mu itself. It exists solely so withShardLocked
	// can assert spec.md §4.2 rule 1 (at most one shard monitor held at a
	// time per locker) instead of merely documenting it.
	shardHeld bool

	deadlocked atomic.Bool
}

// withShardLocked acquires ls.mu, then sh.mu, runs fn, and releases both in
// reverse order. Every lockInternal call site that needs both monitors goes
// through this helper so the locker-first ordering spec.md §4.2 rule 2
// requires is structural rather than merely conventional, and so rule 1 (at
// most one shard monitor per locker at a time) can be asserted.
func (ls *lockerState[K]) withShardLocked(sh *shard[K], fn func()) {
	ls.mu.Lock()
	dserr.Assert(!ls.shardHeld, "locker %s: shard monitor acquired while one is already held", ls.locker.ID())
	ls.shardHeld = true
	sh.mu.Lock()
	fn()
	sh.mu.Unlock()
	ls.shardHeld = false
	ls.mu.Unlock()
}

// Manager is a sharded reader/writer lock table over arbitrary comparable
// keys, with deadlock detection and timestamp-ordered waiter fairness
// (spec.md §4.2).
type Manager[K comparable] struct {
	shards     []*shard[K]
	numShards  int
	lockTimeout time.Duration

	statesMu sync.Mutex
	states   map[string]*lockerState[K]

	logger hclog.Logger
	sink   *metrics.Metrics
}

// Option configures a Manager at construction time.
type Option[K comparable] func(*Manager[K])

// WithLogger overrides the manager's hclog.Logger. Defaults to a discard
// logger.
func WithLogger[K comparable](l hclog.Logger) Option[K] {
	return func(m *Manager[K]) { m.logger = l }
}

// WithMetrics wires an armon/go-metrics sink for grant/wait/deadlock
// counters. Defaults to a blackhole sink.
func WithMetrics[K comparable](sink *metrics.Metrics) Option[K] {
	return func(m *Manager[K]) { m.sink = sink }
}

// New builds a Manager with numShards partitions and a default wait timeout
// applied to Lock calls whose context carries no earlier deadline. A
// lockTimeout of zero means Lock blocks until granted, denied, deadlocked or
// the caller's own context ends.
func New[K comparable](numShards int, lockTimeout time.Duration, opts ...Option[K]) *Manager[K] {
	if numShards < 1 {
		numShards = 1
	}
	m := &Manager[K]{
		shards:      make([]*shard[K], numShards),
		numShards:   numShards,
		lockTimeout: lockTimeout,
		states:      make(map[string]*lockerState[K]),
		logger:      hclog.NewNullLogger(),
	}
	for i := range m.shards {
		m.shards[i] = newShard[K]()
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		sink, _ := metrics.NewGlobal(metrics.DefaultConfig("reddwarf.lock"), &metrics.BlackholeSink{})
		m.sink = sink
	}
	return m
}

func (m *Manager[K]) shardFor(key K) *shard[K] {
	h := fnv.New64a()
	io.WriteString(h, fmt.Sprintf("%v", key))
	return m.shards[h.Sum64()%uint64(m.numShards)]
}

func (m *Manager[K]) getLockerState(locker Locker) *lockerState[K] {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	ls, ok := m.states[locker.ID()]
	if !ok {
		ls = &lockerState[K]{locker: locker}
		m.states[locker.ID()] = ls
	}
	return ls
}

func (m *Manager[K]) peekLockerState(locker Locker) *lockerState[K] {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	return m.states[locker.ID()]
}

// Forget discards a locker's bookkeeping record. Callers should call this
// once a locker (e.g. a transaction) has released every lock it held, to
// bound the manager's memory to the set of currently active lockers.
func (m *Manager[K]) Forget(locker Locker) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, locker.ID())
}

// LockNoWait attempts to acquire key for locker without blocking, returning
// a Blocked Conflict if it cannot be granted immediately.
func (m *Manager[K]) LockNoWait(locker Locker, key K, forWrite bool) (*Conflict, error) {
	return m.lockInternal(context.Background(), locker, key, forWrite, time.Time{}, true)
}

// Lock acquires key for locker, blocking until granted, until the manager's
// configured lockTimeout elapses, until ctx ends, or until this locker is
// chosen as a deadlock victim. requestedStartTime orders this attempt among
// other waiters for the same key; the zero Time means "now", which sorts
// after every explicitly timestamped request.
func (m *Manager[K]) Lock(ctx context.Context, locker Locker, key K, forWrite bool, requestedStartTime time.Time) (*Conflict, error) {
	return m.lockInternal(ctx, locker, key, forWrite, requestedStartTime, false)
}

// WaitForLock is Lock with an explicit per-call timeout layered on top of
// ctx, regardless of the manager's default lockTimeout.
func (m *Manager[K]) WaitForLock(ctx context.Context, locker Locker, key K, forWrite bool, requestedStartTime time.Time, timeout time.Duration) (*Conflict, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.lockInternal(ctx, locker, key, forWrite, requestedStartTime, false)
}

func (m *Manager[K]) lockInternal(ctx context.Context, locker Locker, key K, forWrite bool, requestedStartTime time.Time, noWait bool) (*Conflict, error) {
	ls := m.getLockerState(locker)

	ls.mu.Lock()
	deadlocked := ls.deadlocked.Load()
	ls.mu.Unlock()
	dserr.Assert(!deadlocked, "locker %s: lock attempt after being chosen as a deadlock victim", locker.ID())

	if !noWait && m.lockTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
			defer cancel()
		}
	}

	sh := m.shardFor(key)
	req := &request[K]{locker: locker, forWrite: forWrite, requestedStartTime: requestedStartTime}

	// The fast and no-wait paths never touch ls, so they take only the
	// shard monitor (rule 1 is trivially satisfied: at most one monitor
	// held, never a locker monitor at all).
	sh.mu.Lock()
	kl := sh.getOrCreateLocked(key)

	if len(kl.waiters) == 0 && compatibleWithOwners(kl.owners, forWrite) {
		kl.owners = append(kl.owners, req)
		sh.mu.Unlock()
		m.sink.IncrCounter([]string{"lock", "granted"}, 1)
		return nil, nil
	}

	if noWait {
		owner := firstConflictingOwner(kl.owners, forWrite)
		sh.mu.Unlock()
		m.sink.IncrCounter([]string{"lock", "blocked"}, 1)
		return &Conflict{Kind: Blocked, Owner: owner}, nil
	}
	sh.mu.Unlock()

	// From here the call must record its wait in both kl (shard-owned,
	// rule 3) and ls (locker-owned), so both monitors are needed
	// together. Rule 2 requires the locker monitor first; withShardLocked
	// enforces that ordering structurally rather than by convention.
	// Re-check compatibility inside: the shard was briefly unheld above,
	// so another goroutine may already have made the key grantable.
	var granted bool
	ls.withShardLocked(sh, func() {
		if len(kl.waiters) == 0 && compatibleWithOwners(kl.owners, forWrite) {
			kl.owners = append(kl.owners, req)
			granted = true
			return
		}
		kl.insertWaiterLocked(req)
		ls.waitingFor = ownerLockers(kl.owners)
		ls.waitingSince = requestedStartTime
		ls.waitingShard = sh
	})
	if granted {
		m.sink.IncrCounter([]string{"lock", "granted"}, 1)
		return nil, nil
	}

	cycle := m.findCycle(locker)
	if cycle != nil {
		victim := m.chooseVictim(cycle)
		m.markDeadlocked(victim)
		if victim.ID() == locker.ID() {
			ls.withShardLocked(sh, func() {
				kl.removeWaiterLocked(locker)
				ls.waitingFor = nil
				ls.waitingShard = nil
			})
			m.sink.IncrCounter([]string{"lock", "deadlock"}, 1)
			return &Conflict{Kind: Deadlock, Cycle: cycle}, nil
		}
	}

	// waitForGrantLocked blocks, potentially for a long time, on sh.cond:
	// it must not also hold ls.mu for that whole span, or a concurrent
	// markDeadlocked(locker) elsewhere (which needs ls.mu briefly to read
	// waitingShard) could never make progress. So this step takes only
	// the shard monitor, mirroring markDeadlocked's own sequential,
	// never-simultaneous acquisition of the two monitors.
	sh.mu.Lock()
	conflict := m.waitForGrantLocked(ctx, sh, kl, req)
	sh.mu.Unlock()

	ls.mu.Lock()
	ls.waitingFor = nil
	ls.waitingShard = nil
	ls.mu.Unlock()

	if conflict != nil {
		m.sink.IncrCounter([]string{"lock", conflict.Kind.String()}, 1)
	} else {
		m.sink.IncrCounter([]string{"lock", "granted"}, 1)
	}
	return conflict, nil
}

// waitForGrantLocked blocks on sh.cond until req is granted, the locker is
// marked deadlocked, or ctx ends. Requires sh.mu held; returns with it held.
func (m *Manager[K]) waitForGrantLocked(ctx context.Context, sh *shard[K], kl *keyLock[K], req *request[K]) *Conflict {
	ls := m.peekLockerState(req.locker)

	done := make(chan struct{})
	stop := make(chan struct{})
	defer func() { close(stop); <-done }()
	go func() {
		select {
		case <-ctx.Done():
			// No sh.mu.Lock() here: Broadcast needs no lock, and the
			// caller below may already be holding sh.mu while blocked
			// on <-done, which taking it here would deadlock against.
			sh.cond.Broadcast()
		case <-stop:
		}
		close(done)
	}()

	for {
		if containsOwner(kl.owners, req) {
			return nil
		}
		if ls != nil && ls.deadlocked.Load() {
			kl.removeWaiterLocked(req.locker)
			return &Conflict{Kind: Deadlock}
		}
		if ctx.Err() != nil {
			kl.removeWaiterLocked(req.locker)
			if dserr.Of(dserr.FromContext(ctx), dserr.Timeout) {
				return &Conflict{Kind: Timeout}
			}
			return &Conflict{Kind: Interrupted}
		}
		sh.cond.Wait()
	}
}

// ReleaseLock releases key on behalf of locker, promoting any waiters the
// release now makes compatible, in timestamp order.
func (m *Manager[K]) ReleaseLock(locker Locker, key K) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kl, ok := sh.locks[key]
	if !ok {
		return dserr.Newf(dserr.InvalidState, "release of unheld key %v", key)
	}
	if !kl.removeOwnerLocked(locker) {
		if !kl.removeWaiterLocked(locker) {
			return dserr.Newf(dserr.InvalidState, "release by non-owner, non-waiter for key %v", key)
		}
	}
	promoteWaitersLocked(kl)
	if kl.idleLocked() {
		delete(sh.locks, key)
	}
	sh.cond.Broadcast()
	return nil
}

// Downgrade converts a write lock held by locker into a read lock, possibly
// promoting waiters the downgrade makes compatible.
func (m *Manager[K]) Downgrade(locker Locker, key K) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kl, ok := sh.locks[key]
	if !ok {
		return dserr.Newf(dserr.InvalidState, "downgrade of unheld key %v", key)
	}
	var found bool
	for _, o := range kl.owners {
		if o.locker.ID() == locker.ID() {
			dserr.Assert(o.forWrite, "downgrade called on a reader for key %v", key)
			o.forWrite = false
			found = true
			break
		}
	}
	if !found {
		return dserr.Newf(dserr.InvalidState, "downgrade by non-owner for key %v", key)
	}
	promoteWaitersLocked(kl)
	sh.cond.Broadcast()
	return nil
}

// GetOwners returns the lockers currently holding key, in grant order.
func (m *Manager[K]) GetOwners(key K) []Locker {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	kl, ok := sh.locks[key]
	if !ok {
		return nil
	}
	return ownerLockers(kl.owners)
}

// GetWaiters returns the lockers currently queued for key, in wait order.
func (m *Manager[K]) GetWaiters(key K) []Locker {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	kl, ok := sh.locks[key]
	if !ok {
		return nil
	}
	out := make([]Locker, len(kl.waiters))
	for i, w := range kl.waiters {
		out[i] = w.locker
	}
	return out
}

// promoteWaitersLocked grants waiters, in FIFO/timestamp order, for as long
// as each remains compatible with the simulated owner set built up so far.
// It stops at the first incompatible waiter rather than skipping it, so a
// blocked writer is never starved by readers arriving after it.
func promoteWaitersLocked[K comparable](kl *keyLock[K]) {
	for len(kl.waiters) > 0 {
		next := kl.waiters[0]
		if !compatibleWithOwners(kl.owners, next.forWrite) {
			return
		}
		kl.waiters = kl.waiters[1:]
		kl.owners = append(kl.owners, next)
	}
}

func containsOwner[K comparable](owners []*request[K], req *request[K]) bool {
	for _, o := range owners {
		if o == req {
			return true
		}
	}
	return false
}

func ownerLockers[K comparable](owners []*request[K]) []Locker {
	out := make([]Locker, len(owners))
	for i, o := range owners {
		out[i] = o.locker
	}
	return out
}

// findCycle walks the wait-for graph starting at locker, acquiring at most
// one lockerState monitor at a time, and returns the cycle (starting at the
// first repeated locker) if one includes locker, or nil.
func (m *Manager[K]) findCycle(locker Locker) []Locker {
	visited := make(map[string]bool)
	var path []Locker

	var visit func(l Locker) []Locker
	visit = func(l Locker) []Locker {
		if visited[l.ID()] {
			if l.ID() == locker.ID() {
				return append([]Locker(nil), path...)
			}
			return nil
		}
		visited[l.ID()] = true
		path = append(path, l)

		ls := m.peekLockerState(l)
		if ls != nil {
			ls.mu.Lock()
			waitingFor := append([]Locker(nil), ls.waitingFor...)
			ls.mu.Unlock()
			for _, next := range waitingFor {
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			}
		}

		path = path[:len(path)-1]
		return nil
	}

	return visit(locker)
}

// chooseVictim picks the member of cycle with the latest requestedStartTime
// (the youngest transaction), breaking ties by ID so the choice is
// deterministic across nodes observing the same cycle.
func (m *Manager[K]) chooseVictim(cycle []Locker) Locker {
	victim := cycle[0]
	victimLS := m.peekLockerState(victim)
	var victimSince time.Time
	if victimLS != nil {
		victimLS.mu.Lock()
		victimSince = victimLS.waitingSince
		victimLS.mu.Unlock()
	}

	for _, l := range cycle[1:] {
		ls := m.peekLockerState(l)
		var since time.Time
		if ls != nil {
			ls.mu.Lock()
			since = ls.waitingSince
			ls.mu.Unlock()
		}
		switch {
		case startTimeLess(victimSince, since):
			victim, victimSince = l, since
		case startTimeLess(since, victimSince):
			// current victim remains younger
		case l.ID() > victim.ID():
			victim, victimSince = l, since
		}
	}
	return victim
}

func (m *Manager[K]) markDeadlocked(locker Locker) {
	ls := m.getLockerState(locker)
	ls.deadlocked.Store(true)

	ls.mu.Lock()
	sh := ls.waitingShard
	ls.mu.Unlock()
	if sh == nil {
		return
	}
	sh.mu.Lock()
	sh.cond.Broadcast()
	sh.mu.Unlock()
}
