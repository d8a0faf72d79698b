package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dantel35/reddwarf/lock"
)

type testLocker string

func (t testLocker) ID() string { return string(t) }

func TestLockNoWaitGrantsWhenFree(t *testing.T) {
	m := lock.New[string](4, time.Second)
	conflict, err := m.LockNoWait(testLocker("a"), "k1", true)
	require.NoError(t, err)
	require.Nil(t, conflict)
}

func TestLockNoWaitBlockedByIncompatibleOwner(t *testing.T) {
	m := lock.New[string](4, time.Second)
	_, err := m.LockNoWait(testLocker("a"), "k1", true)
	require.NoError(t, err)

	conflict, err := m.LockNoWait(testLocker("b"), "k1", false)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, lock.Blocked, conflict.Kind)
	require.Equal(t, testLocker("a"), conflict.Owner)
}

func TestReadersShareOwnership(t *testing.T) {
	m := lock.New[string](4, time.Second)
	_, err := m.LockNoWait(testLocker("a"), "k1", false)
	require.NoError(t, err)
	conflict, err := m.LockNoWait(testLocker("b"), "k1", false)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.ElementsMatch(t, []lock.Locker{testLocker("a"), testLocker("b")}, m.GetOwners("k1"))
}

// TestDeadlockDetected reproduces a classic two-cycle: A holds k1 and wants
// k2, B holds k2 and wants k1. One of the two must observe ConflictKind
// Deadlock rather than hanging forever.
func TestDeadlockDetected(t *testing.T) {
	m := lock.New[string](4, 2*time.Second)

	_, err := m.LockNoWait(testLocker("A"), "k1", true)
	require.NoError(t, err)
	_, err = m.LockNoWait(testLocker("B"), "k2", true)
	require.NoError(t, err)

	results := make(chan *lock.Conflict, 2)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c, _ := m.Lock(ctx, testLocker("A"), "k2", true, time.Now())
		results <- c
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c, _ := m.Lock(ctx, testLocker("B"), "k1", true, time.Now())
		results <- c
	}()

	first := <-results
	second := <-results

	sawDeadlock := (first != nil && first.Kind == lock.Deadlock) || (second != nil && second.Kind == lock.Deadlock)
	require.True(t, sawDeadlock, "expected at least one side of the cycle to observe a deadlock conflict")
}

// TestWaitersGrantedInTimestampOrder reproduces the fairness scenario: A
// holds a write lock on k, then C and B queue (in that arrival order) as
// read waiters with B's requestedStartTime earlier than C's. B must be
// queued ahead of C despite C having arrived first, and releasing A must
// grant both readers.
func TestWaitersGrantedInTimestampOrder(t *testing.T) {
	m := lock.New[string](1, time.Second)

	_, err := m.LockNoWait(testLocker("A"), "k", true)
	require.NoError(t, err)

	now := time.Now()
	bStart := now
	cStart := now.Add(time.Second)

	grantedC := make(chan struct{})
	grantedB := make(chan struct{})

	go func() {
		_, _ = m.Lock(context.Background(), testLocker("C"), "k", false, cStart)
		close(grantedC)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		_, _ = m.Lock(context.Background(), testLocker("B"), "k", false, bStart)
		close(grantedB)
	}()
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, []lock.Locker{testLocker("B"), testLocker("C")}, m.GetWaiters("k"))
	require.NoError(t, m.ReleaseLock(testLocker("A"), "k"))

	select {
	case <-grantedB:
	case <-time.After(time.Second):
		t.Fatal("B, the earlier-timestamped waiter, was never granted")
	}
	select {
	case <-grantedC:
	case <-time.After(time.Second):
		t.Fatal("C was never granted")
	}
}

func TestDowngradeReleasesWritersExclusivity(t *testing.T) {
	m := lock.New[string](1, time.Second)
	_, err := m.LockNoWait(testLocker("A"), "k", true)
	require.NoError(t, err)
	require.NoError(t, m.Downgrade(testLocker("A"), "k"))

	conflict, err := m.LockNoWait(testLocker("B"), "k", false)
	require.NoError(t, err)
	require.Nil(t, conflict)
}
