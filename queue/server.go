package queue

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dantel35/reddwarf/dserr"
)

// Handler executes one request's payload and returns the ack's error, if
// any. A non-nil error is a business-level failure (spec.md §4.3): it is
// serialized into the ack and delivered to the client, and the request is
// never retried.
type Handler func(ctx context.Context, nodeID int64, payload []byte) error

// SeqnoStore persists the last seqno acted on per node, so a server restart
// does not re-execute already-committed requests (spec.md §6 "Persisted
// state"). The in-memory implementation below satisfies this with no
// durability; production use supplies a store backed by real storage.
type SeqnoStore interface {
	Load(nodeID int64) (seqno uint32, ok bool, err error)
	Save(nodeID int64, seqno uint32) error
}

// MemorySeqnoStore is a non-durable SeqnoStore, the default when no
// persistence callback is configured.
type MemorySeqnoStore struct {
	mu    sync.Mutex
	state map[int64]uint32
}

func NewMemorySeqnoStore() *MemorySeqnoStore {
	return &MemorySeqnoStore{state: make(map[int64]uint32)}
}

func (s *MemorySeqnoStore) Load(nodeID int64) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[nodeID]
	return v, ok, nil
}

func (s *MemorySeqnoStore) Save(nodeID int64, seqno uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[nodeID] = seqno
	return nil
}

type ackRecord struct {
	seqno uint32
	ok    bool
	msg   string
}

// ackRing keeps the last few acks for a node so a duplicate request
// (arriving after the client reconnects and resends its sent window) gets
// its previously computed answer replayed rather than re-executed.
type ackRing struct {
	mu      sync.Mutex
	entries []ackRecord
	cap     int
}

func newAckRing(capacity int) *ackRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ackRing{cap: capacity}
}

func (r *ackRing) record(a ackRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *ackRing) lookup(seqno uint32) (ackRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].seqno == seqno {
			return r.entries[i], true
		}
	}
	return ackRecord{}, false
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Listener Listener
	Handler  Handler
	Store    SeqnoStore
	// AckRingSize bounds how many trailing acks per node are kept for
	// duplicate-suppression on reconnect. Must cover the client's sent
	// window (sent.queue.size) to guarantee every possible duplicate is
	// answered without re-execution.
	AckRingSize int
	// CheckpointEvery persists lastSeqno via Store after this many acks;
	// 1 means after every ack (spec.md §6 default).
	CheckpointEvery int
	Logger          hclog.Logger
}

// nodeSession is the RequestQueueServer half for one connected node.
type nodeSession struct {
	nodeID    int64
	mu        sync.Mutex
	lastSeqno uint32
	hasSeqno  bool
	sinceCkpt int
	ring      *ackRing
}

// Server is the request queue's server half: it accepts connections,
// dispatches each to the session for its handshake nodeID (replacing any
// previous session for that node), and deduplicates retried submissions by
// seqno.
type Server struct {
	cfg ServerConfig

	mu       sync.Mutex
	sessions map[int64]*nodeSession

	closeCh chan struct{}
	closed  bool
}

// NewServer validates cfg and returns an unstarted Server; call Serve to
// begin accepting connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Listener == nil {
		return nil, dserr.New(dserr.InvalidState, "Listener must be set")
	}
	if cfg.Handler == nil {
		return nil, dserr.New(dserr.InvalidState, "Handler must be set")
	}
	if cfg.AckRingSize < 1 {
		return nil, dserr.Newf(dserr.InvalidState, "AckRingSize must be >= 1, got %d", cfg.AckRingSize)
	}
	if cfg.CheckpointEvery < 1 {
		cfg.CheckpointEvery = 1
	}
	if cfg.Store == nil {
		cfg.Store = NewMemorySeqnoStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Server{cfg: cfg, sessions: make(map[int64]*nodeSession), closeCh: make(chan struct{})}, nil
}

// Serve accepts connections until ctx ends or Close is called. It returns
// nil on a clean shutdown, after every in-flight serveConn goroutine it
// spawned has run to completion.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closeCh:
		}
	}()

	var conns errgroup.Group
	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			connsErr := conns.Wait()
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return connsErr
			}
			return err
		}
		conns.Go(func() error {
			s.serveConn(ctx, conn)
			return nil
		})
	}
}

// Close stops accepting new connections. In-flight connections run to
// completion.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
	return s.cfg.Listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	nodeID, err := readHandshake(reader)
	if err != nil {
		s.cfg.Logger.Warn("request queue server: bad handshake", "error", err)
		return
	}

	session := s.sessionFor(nodeID)
	// connID disambiguates this connection's log lines from any prior or
	// concurrent session for the same nodeID in the server's logs.
	connID, err := uuid.GenerateUUID()
	if err != nil {
		connID = "unknown"
	}

	for {
		seqno, payload, err := readRequestFrame(reader)
		if err != nil {
			s.cfg.Logger.Debug("request queue server: connection closed", "node_id", nodeID, "conn_id", connID, "error", err)
			return
		}

		ack := session.handle(ctx, seqno, payload, s.cfg.Handler, s.cfg.Store, s.cfg.CheckpointEvery)
		if err := writeAckFrame(conn, ack.seqno, ack.ok, ack.msg); err != nil {
			s.cfg.Logger.Debug("request queue server: ack write failed", "node_id", nodeID, "conn_id", connID, "error", err)
			return
		}
	}
}

func (s *Server) sessionFor(nodeID int64) *nodeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A new connection for a node replaces any previous session, per
	// spec.md §4.3 ("dispatches the socket ... replacing any previous").
	session := &nodeSession{nodeID: nodeID, ring: newAckRing(s.cfg.AckRingSize)}
	if prev, ok := s.sessions[nodeID]; ok {
		session.lastSeqno = prev.lastSeqno
		session.hasSeqno = prev.hasSeqno
		session.ring = prev.ring
	} else if last, ok, err := s.cfg.Store.Load(nodeID); err == nil && ok {
		session.lastSeqno = last
		session.hasSeqno = true
	}
	s.sessions[nodeID] = session
	return session
}

func (n *nodeSession) handle(ctx context.Context, seqno uint32, payload []byte, handler Handler, store SeqnoStore, checkpointEvery int) ackRecord {
	n.mu.Lock()
	if n.hasSeqno && seqno <= n.lastSeqno {
		if rec, ok := n.ring.lookup(seqno); ok {
			n.mu.Unlock()
			return rec
		}
		// Older than anything retained: treat as already-committed with
		// no further detail available.
		n.mu.Unlock()
		return ackRecord{seqno: seqno, ok: true}
	}
	n.mu.Unlock()

	execErr := handler(ctx, n.nodeID, payload)
	rec := ackRecord{seqno: seqno, ok: execErr == nil}
	if execErr != nil {
		rec.msg = execErr.Error()
	}

	n.mu.Lock()
	n.lastSeqno = seqno
	n.hasSeqno = true
	n.ring.record(rec)
	n.sinceCkpt++
	shouldCheckpoint := n.sinceCkpt >= checkpointEvery
	if shouldCheckpoint {
		n.sinceCkpt = 0
	}
	n.mu.Unlock()

	if shouldCheckpoint {
		_ = store.Save(n.nodeID, seqno)
	}
	return rec
}
