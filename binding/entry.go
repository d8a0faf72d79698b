package binding

import (
	"context"
	"sync"

	"github.com/dantel35/reddwarf/dserr"
)

// State is a BindingCacheEntry's position in the state machine described in
// spec.md §4.1.
type State int

const (
	FetchingRead State = iota
	FetchingWrite
	CachedRead
	CachedWrite
	Writing
	Decached
)

func (s State) String() string {
	switch s {
	case FetchingRead:
		return "FETCHING_READ"
	case FetchingWrite:
		return "FETCHING_WRITE"
	case CachedRead:
		return "CACHED_READ"
	case CachedWrite:
		return "CACHED_WRITE"
	case Writing:
		return "WRITING"
	case Decached:
		return "DECACHED"
	default:
		return "UNKNOWN"
	}
}

// Reserved object-id values. RemovedValue denotes a binding that is known to
// be unbound; lastSentinelValue is carried only by the single Last entry.
const (
	RemovedValue      int64 = -1
	lastSentinelValue int64 = -2
)

// RangeState is the claim carried alongside a previousKey candidate: whether
// the gap up to the entry's own key is known bound or known unbound.
type RangeState int

const (
	Bound RangeState = iota
	Unbound
)

// Entry is a BindingCacheEntry: a cached binding plus negative-range
// information about the gap below it. Every mutable field is guarded by mu,
// which also backs the pendingPrevious condition variable -- this is the
// "per-entry monitor" the spec requires the cache and lock manager to share
// the discipline of.
type Entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	key       Key
	value     int64
	state     State
	contextID string

	hasPrevious        bool
	previousKey        Key
	previousKeyUnbound bool

	pendingPrevious bool
}

func newEntry(key Key, value int64, state State, contextID string) *Entry {
	e := &Entry{key: key, value: value, state: state, contextID: contextID}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Key returns the entry's binding key. Immutable for the entry's lifetime.
func (e *Entry) Key() Key { return e.key }

// Snapshot is a consistent, point-in-time copy of an entry's fields, used by
// callers that need to read several fields together without holding the
// entry's monitor themselves.
type Snapshot struct {
	Key                Key
	Value              int64
	State              State
	ContextID          string
	HasPreviousKey     bool
	PreviousKey        Key
	PreviousKeyUnbound bool
	PendingPrevious    bool
}

// Snapshot copies the entry's current fields under its monitor.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entry) snapshotLocked() Snapshot {
	return Snapshot{
		Key:                e.key,
		Value:              e.value,
		State:              e.state,
		ContextID:          e.contextID,
		HasPreviousKey:     e.hasPrevious,
		PreviousKey:        e.previousKey,
		PreviousKeyUnbound: e.previousKeyUnbound,
		PendingPrevious:    e.pendingPrevious,
	}
}

// setState transitions the entry's state and records the touching
// transaction, used for the cache's LRU/fairness bookkeeping.
func (e *Entry) setState(state State, contextID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	if contextID != "" {
		e.contextID = contextID
	}
}

// setValue installs a new object-id value under the entry's monitor.
func (e *Entry) setValue(value int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
}

// BeginPendingPrevious sets pendingPrevious, asserting it was not already
// set. It must be called before an insertion or coalescing operation begins
// mutating the relationship between this entry and its predecessor, and
// matched by a call to EndPendingPrevious.
func (e *Entry) BeginPendingPrevious() {
	e.mu.Lock()
	defer e.mu.Unlock()
	dserr.Assert(!e.pendingPrevious, "setPendingPrevious called while already pending for key %s", e.key)
	e.pendingPrevious = true
}

// EndPendingPrevious clears pendingPrevious and wakes any goroutine waiting
// on AwaitNotPending.
func (e *Entry) EndPendingPrevious() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingPrevious = false
	e.cond.Broadcast()
}

// AwaitNotPending blocks until pendingPrevious is false or ctx is done,
// whichever comes first. Operations that depend on the neighbor relation
// (SetPreviousKey, the consistency check, eviction of the previous entry)
// must call this before touching previousKey/previousKeyUnbound.
func (e *Entry) AwaitNotPending(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitNotPendingLocked(ctx)
}

// awaitNotPendingLocked requires e.mu held; it releases and reacquires it
// internally via sync.Cond.Wait the way the teacher's goroutine-notify idioms
// do, and additionally watches ctx so a deadline or cancellation unblocks
// the wait (sync.Cond has no native context support).
func (e *Entry) awaitNotPendingLocked(ctx context.Context) error {
	if !e.pendingPrevious {
		return nil
	}

	done := make(chan struct{})
	stopWatcher := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Broadcast needs no lock: sync.Cond only requires the
			// caller hold the lock for Wait, not for Broadcast. Taking
			// it here would deadlock against a caller blocked below on
			// <-done while still holding e.mu.
			e.cond.Broadcast()
		case <-stopWatcher:
		}
		close(done)
	}()

	for e.pendingPrevious {
		if ctx.Err() != nil {
			<-done
			return dserr.FromContext(ctx)
		}
		e.cond.Wait()
	}
	close(stopWatcher)
	<-done
	return nil
}

// SetPreviousKey awaits the pendingPrevious interlock and then applies the
// negative-range update rule (UpdatePreviousKey) with the given candidate.
// It returns whether anything changed.
func (e *Entry) SetPreviousKey(ctx context.Context, candidate Key, state RangeState) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.awaitNotPendingLocked(ctx); err != nil {
		return false, err
	}
	return e.updatePreviousKeyLocked(candidate, state), nil
}

// UpdatePreviousKey applies the negative-range update rule (spec.md §4.1)
// without waiting on the pendingPrevious interlock. It is idempotent: replaying
// it with identical arguments after it has already taken effect is a no-op
// that returns false.
//
// Given existing (previousKey = p, previousKeyUnbound = u) and a new claim
// (candidate, state):
//  1. p == nil:              accept candidate iff candidate < key.
//  2. candidate < p:         replace.
//  3. candidate == p, !u, state == Unbound: set u = true.
//  4. state == Bound:        replace with (candidate, false).
//  5. otherwise:             no change.
func (e *Entry) UpdatePreviousKey(candidate Key, state RangeState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updatePreviousKeyLocked(candidate, state)
}

func (e *Entry) updatePreviousKeyLocked(candidate Key, state RangeState) bool {
	if !e.hasPrevious {
		if !candidate.Less(e.key) {
			return false
		}
		e.hasPrevious = true
		e.previousKey = candidate
		e.previousKeyUnbound = state == Unbound
		return true
	}

	switch {
	case candidate.Less(e.previousKey):
		e.previousKey = candidate
		e.previousKeyUnbound = state == Unbound
		return true
	case candidate.Equal(e.previousKey):
		if !e.previousKeyUnbound && state == Unbound {
			e.previousKeyUnbound = true
			return true
		}
		return false
	case state == Bound:
		e.previousKey = candidate
		e.previousKeyUnbound = false
		return true
	default:
		return false
	}
}

// KnownUnbound reports whether q is known unbound purely from this entry's
// negative-range information: previousKey must be set, q must sort before
// the entry's own key, and either previousKey < q or (previousKey == q and
// previousKeyUnbound).
func (e *Entry) KnownUnbound(q Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasPrevious || !q.Less(e.key) {
		return false
	}
	if e.previousKey.Less(q) {
		return true
	}
	return e.previousKey.Equal(q) && e.previousKeyUnbound
}

// CheckInvariants validates the per-entry invariants from spec.md §3 that
// don't require neighbor context. Callers checking a cross-entry invariant
// do so themselves (see Cache.CheckConsistency).
func (e *Entry) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkInvariantsLocked()
}

func (e *Entry) checkInvariantsLocked() error {
	if e.hasPrevious && !e.previousKey.Less(e.key) {
		return dserr.Newf(dserr.InvalidState, "entry %s: previousKey %s is not less than key", e.key, e.previousKey)
	}
	if e.key.Equal(Last) {
		if e.value != lastSentinelValue {
			return dserr.Newf(dserr.InvalidState, "LAST entry must carry the reserved sentinel value")
		}
	} else if e.value == RemovedValue && e.state != Decached {
		return dserr.Newf(dserr.InvalidState, "entry %s: value is RemovedValue outside DECACHED (state=%s)", e.key, e.state)
	}
	return nil
}
