package binding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(nil)
	require.NoError(t, err)
	return c
}

func TestGetAbsentOnEmptyCache(t *testing.T) {
	c := newTestCache(t)
	_, res := c.Get(NewKey("anything"), false)
	require.Equal(t, Absent, res)
}

func TestInstallThenGetHits(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Install(NewKey("m"), 42, false, "tx1")
	require.NoError(t, err)

	e, res := c.Get(NewKey("m"), false)
	require.Equal(t, Hit, res)
	require.Equal(t, int64(42), e.Snapshot().Value)
}

func TestReadInstallIsIncompatibleWithWriteGet(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Install(NewKey("m"), 42, false, "tx1")
	require.NoError(t, err)

	_, res := c.Get(NewKey("m"), true)
	require.Equal(t, Absent, res)
}

// TestNegativeRangeProducesMiss reproduces the negative-range hit scenario:
// installing "z" with a previousKey claim covering "a".."z" (unbound) must
// make a lookup for any key strictly between them report Miss without ever
// creating an entry for that key.
func TestNegativeRangeProducesMiss(t *testing.T) {
	c := newTestCache(t)
	e, err := c.Install(NewKey("z"), 7, false, "tx1")
	require.NoError(t, err)

	changed := e.UpdatePreviousKey(NewKey("a"), Unbound)
	require.True(t, changed)

	_, res := c.Get(NewKey("m"), false)
	require.Equal(t, Miss, res)

	_, res = c.Get(NewKey("a"), false)
	require.Equal(t, Miss, res)
}

func TestNegativeRangeDoesNotCoverBeyondPreviousKey(t *testing.T) {
	c := newTestCache(t)
	e, err := c.Install(NewKey("z"), 7, false, "tx1")
	require.NoError(t, err)
	require.True(t, e.UpdatePreviousKey(NewKey("m"), Unbound))

	_, res := c.Get(NewKey("a"), false)
	require.Equal(t, Absent, res)
}

func TestBeginFetchSetsSuccessorPreviousKey(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Install(NewKey("z"), 7, false, "tx1")
	require.NoError(t, err)

	fetching, res, err := c.BeginFetch(context.Background(), NewKey("m"), false, "tx2")
	require.NoError(t, err)
	require.Equal(t, Absent, res)
	require.Equal(t, FetchingRead, fetching.Snapshot().State)

	zEntry, res := c.Get(NewKey("z"), false)
	require.Equal(t, Hit, res)
	snap := zEntry.Snapshot()
	require.True(t, snap.HasPreviousKey)
	require.True(t, snap.PreviousKey.Equal(NewKey("m")))
}

func TestBeginFetchReportsBlockedForInFlightFetch(t *testing.T) {
	c := newTestCache(t)
	_, _, err := c.BeginFetch(context.Background(), NewKey("m"), false, "tx1")
	require.NoError(t, err)

	_, res, err := c.BeginFetch(context.Background(), NewKey("m"), true, "tx2")
	require.NoError(t, err)
	require.Equal(t, Blocked, res)
}

// TestPendingPreviousInterlockDelaysSuccessor exercises the interlock
// on an entry installed through the cache: while its BeginPendingPrevious
// window is open (opened here by calling BeginPendingPrevious directly), a
// concurrent AwaitNotPending must stay blocked, and it must return once
// EndPendingPrevious closes the window.
func TestPendingPreviousInterlockDelaysSuccessor(t *testing.T) {
	c := newTestCache(t)
	succ, err := c.Install(NewKey("z"), 7, false, "tx1")
	require.NoError(t, err)

	succ.BeginPendingPrevious()
	unblocked := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = succ.AwaitNotPending(ctx)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("AwaitNotPending returned before EndPendingPrevious was called")
	case <-time.After(30 * time.Millisecond):
	}

	succ.EndPendingPrevious()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("AwaitNotPending did not unblock after EndPendingPrevious")
	}
}

func TestCheckConsistencyPassesOnEmptyCache(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.CheckConsistency(context.Background()))
}

func TestCheckConsistencyPassesAfterInstalls(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Install(NewKey("a"), 1, false, "tx1")
	require.NoError(t, err)
	_, err = c.Install(NewKey("m"), 2, false, "tx1")
	require.NoError(t, err)
	_, err = c.Install(NewKey("z"), 3, false, "tx1")
	require.NoError(t, err)
	require.NoError(t, c.CheckConsistency(context.Background()))
}

func TestWriteBackRequiresCachedWrite(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Install(NewKey("m"), 1, false, "tx1")
	require.NoError(t, err)
	err = c.WriteBack(NewKey("m"))
	require.Error(t, err)
}

func TestWriteBackTransitionsToWriting(t *testing.T) {
	c := newTestCache(t)
	e, err := c.Install(NewKey("m"), 1, true, "tx1")
	require.NoError(t, err)
	require.NoError(t, c.WriteBack(NewKey("m")))
	require.Equal(t, Writing, e.Snapshot().State)
}

func TestEvictWaitsOnPendingPrevious(t *testing.T) {
	c := newTestCache(t)
	e, err := c.Install(NewKey("m"), 1, false, "tx1")
	require.NoError(t, err)

	e.BeginPendingPrevious()
	defer e.EndPendingPrevious()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = c.Evict(ctx, NewKey("m"))
	require.Error(t, err)
}
