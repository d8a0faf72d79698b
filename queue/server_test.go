package queue

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, handler Handler) (*Server, *pipeListener, func(nodeID int64) net.Conn) {
	t.Helper()
	ln := newPipeListener()
	srv, err := NewServer(ServerConfig{
		Listener:        ln,
		Handler:         handler,
		AckRingSize:     8,
		CheckpointEvery: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	dial := func(nodeID int64) net.Conn {
		client, server := net.Pipe()
		ln.ch <- server
		require.NoError(t, writeHandshake(client, nodeID))
		return client
	}
	return srv, ln, dial
}

func TestServerExecutesAndAcksRequest(t *testing.T) {
	var calls int32
	_, _, dial := startTestServer(t, func(ctx context.Context, nodeID int64, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	conn := dial(1)
	defer conn.Close()

	require.NoError(t, writeRequestFrame(conn, 1, []byte("hello")))
	r := bufio.NewReader(conn)
	seqno, ok, _, err := readAckFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seqno)
	require.True(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestServerDedupesRetriedRequest covers spec.md §8 scenario 5: a resent
// request with a seqno already acted on is answered from the ack ring
// without invoking Handler again.
func TestServerDedupesRetriedRequest(t *testing.T) {
	var calls int32
	_, _, dial := startTestServer(t, func(ctx context.Context, nodeID int64, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	conn := dial(1)
	defer conn.Close()
	r := bufio.NewReader(conn)

	require.NoError(t, writeRequestFrame(conn, 1, []byte("a")))
	_, ok1, _, err := readAckFrame(r)
	require.NoError(t, err)
	require.True(t, ok1)

	require.NoError(t, writeRequestFrame(conn, 2, []byte("b")))
	_, ok2, _, err := readAckFrame(r)
	require.NoError(t, err)
	require.True(t, ok2)

	// Resend seqno 1 and 2, simulating a reconnect replaying the sent
	// window; the handler must not run again for either.
	require.NoError(t, writeRequestFrame(conn, 1, []byte("a")))
	seqno, ok, _, err := readAckFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seqno)
	require.True(t, ok)

	require.NoError(t, writeRequestFrame(conn, 2, []byte("b")))
	seqno, ok, _, err = readAckFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(2), seqno)
	require.True(t, ok)

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

// TestServerHandlerFailureNotRetried covers spec.md §8 scenario 6: a
// business-level Handler failure is surfaced as a failed ack and is not
// retried by the server even if the same seqno arrives again.
func TestServerHandlerFailureNotRetried(t *testing.T) {
	var calls int32
	_, _, dial := startTestServer(t, func(ctx context.Context, nodeID int64, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("insufficient funds")
	})
	conn := dial(7)
	defer conn.Close()
	r := bufio.NewReader(conn)

	require.NoError(t, writeRequestFrame(conn, 1, []byte("withdraw")))
	seqno, ok, msg, err := readAckFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seqno)
	require.False(t, ok)
	require.Equal(t, "insufficient funds", msg)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	require.NoError(t, writeRequestFrame(conn, 1, []byte("withdraw")))
	seqno, ok, msg, err = readAckFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seqno)
	require.False(t, ok)
	require.Equal(t, "insufficient funds", msg)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestServerSessionReplacementCarriesOverSeqno covers a node reconnecting on
// a brand new socket: the new session must still recognize seqnos already
// committed on the previous connection.
func TestServerSessionReplacementCarriesOverSeqno(t *testing.T) {
	var calls int32
	_, ln, dial := startTestServer(t, func(ctx context.Context, nodeID int64, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	conn1 := dial(3)
	r1 := bufio.NewReader(conn1)
	require.NoError(t, writeRequestFrame(conn1, 1, []byte("a")))
	_, ok, _, err := readAckFrame(r1)
	require.NoError(t, err)
	require.True(t, ok)
	conn1.Close()

	// Give serveConn a moment to notice the closed pipe and return.
	time.Sleep(10 * time.Millisecond)
	_ = ln.serverConns()

	conn2 := dial(3)
	defer conn2.Close()
	r2 := bufio.NewReader(conn2)

	require.NoError(t, writeRequestFrame(conn2, 1, []byte("a")))
	seqno, ok, _, err := readAckFrame(r2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seqno)
	require.True(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "resent seqno on new connection must not re-execute")

	require.NoError(t, writeRequestFrame(conn2, 2, []byte("b")))
	seqno, ok, _, err = readAckFrame(r2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), seqno)
	require.True(t, ok)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSeqnoStoreCheckpointsEveryAck(t *testing.T) {
	store := NewMemorySeqnoStore()
	ln := newPipeListener()
	srv, err := NewServer(ServerConfig{
		Listener:        ln,
		Handler:         func(ctx context.Context, nodeID int64, payload []byte) error { return nil },
		Store:           store,
		AckRingSize:     4,
		CheckpointEvery: 1,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	client, server := net.Pipe()
	ln.ch <- server
	require.NoError(t, writeHandshake(client, 42))
	require.NoError(t, writeRequestFrame(client, 5, []byte("x")))
	r := bufio.NewReader(client)
	_, _, _, err = readAckFrame(r)
	require.NoError(t, err)

	var mu sync.Mutex
	_ = mu
	last, ok, err := store.Load(42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(5), last)
	client.Close()
}
