package lock

import "sort"

// keyLock is the per-key Lock record: an ordered list of owners and a queue
// of waiters, both lists of LockRequest. It is materialized lazily on first
// request and removed from its shard's map by ReleaseLock once both lists
// drain (see idleLocked). keyLock itself carries no synchronization --
// per spec.md §4.2 rule 3, all mutation happens under the owning shard's
// monitor.
type keyLock[K comparable] struct {
	key     K
	owners  []*request[K]
	waiters []*request[K]
}

// compatibleWithOwners reports whether a request for forWrite access may be
// granted immediately given the current owner set: owners are either all
// readers or a single writer, so a write request is only compatible with no
// owners at all, and a read request is compatible unless a writer already
// owns the lock.
func compatibleWithOwners[K comparable](owners []*request[K], forWrite bool) bool {
	if len(owners) == 0 {
		return true
	}
	if forWrite {
		return false
	}
	for _, o := range owners {
		if o.forWrite {
			return false
		}
	}
	return true
}

// firstConflictingOwner returns the owner that makes forWrite access
// incompatible, used to anchor the waits-for graph edge recorded in
// Conflict.Owner.
func firstConflictingOwner[K comparable](owners []*request[K], forWrite bool) Locker {
	for _, o := range owners {
		if forWrite || o.forWrite {
			return o.locker
		}
	}
	return nil
}

// insertWaiterLocked inserts r into the waiter queue in ascending
// requestedStartTime order (the "-1 means now" sentinel sorts last),
// preserving relative order among equal timestamps via a stable search.
func (l *keyLock[K]) insertWaiterLocked(r *request[K]) {
	idx := sort.Search(len(l.waiters), func(i int) bool {
		return startTimeLess(r.requestedStartTime, l.waiters[i].requestedStartTime)
	})
	l.waiters = append(l.waiters, nil)
	copy(l.waiters[idx+1:], l.waiters[idx:])
	l.waiters[idx] = r
}

// removeOwnerLocked removes the request belonging to locker from owners,
// reporting whether one was found.
func (l *keyLock[K]) removeOwnerLocked(locker Locker) bool {
	for i, o := range l.owners {
		if o.locker.ID() == locker.ID() {
			l.owners = append(l.owners[:i], l.owners[i+1:]...)
			return true
		}
	}
	return false
}

// removeWaiterLocked removes the request belonging to locker from waiters
// (flushWaiter in spec.md §4.2's wait loop), reporting whether one was
// found.
func (l *keyLock[K]) removeWaiterLocked(locker Locker) bool {
	for i, w := range l.waiters {
		if w.locker.ID() == locker.ID() {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// idleLocked reports whether the lock has no owners and no waiters, meaning
// it can be garbage-collected from the shard's map.
func (l *keyLock[K]) idleLocked() bool {
	return len(l.owners) == 0 && len(l.waiters) == 0
}
