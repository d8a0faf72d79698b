package queue

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/dantel35/reddwarf/dserr"
)

// Request is an opaque payload plus a completion callback, the unit the
// client queues, sends, and eventually acknowledges or fails.
type Request struct {
	Payload []byte
	Done    func(error)
}

func (r *Request) complete(err error) {
	if r.Done != nil {
		r.Done(err)
	}
}

// ClientConfig configures a Client. Values below 1 for the size fields are
// rejected by NewClient, per spec.md §6.
type ClientConfig struct {
	NodeID        int64
	Addr          string
	Dialer        Dialer
	QueueSize     int
	SentQueueSize int
	MaxRetry      time.Duration
	RetryWait     time.Duration
	Logger        hclog.Logger
}

func (c ClientConfig) validate() error {
	if c.QueueSize < 1 {
		return dserr.Newf(dserr.InvalidState, "queue.size must be >= 1, got %d", c.QueueSize)
	}
	if c.SentQueueSize < c.QueueSize {
		return dserr.Newf(dserr.InvalidState, "sent.queue.size (%d) must be >= queue.size (%d)", c.SentQueueSize, c.QueueSize)
	}
	if c.Dialer == nil {
		return dserr.New(dserr.InvalidState, "Dialer must be set")
	}
	return nil
}

// queuedRequest is a Request together with its wire seqno, if one has
// already been assigned. A request keeps the same seqno across reconnects:
// only genuinely unsent requests draw a fresh one when the sender loop
// finally ships them. This is what lets the server's seqno<=lastSeqno
// dedupe check recognize a resend of an already-executed request as a
// duplicate rather than a new one (spec.md §8 scenario 5).
type queuedRequest struct {
	seqno    uint32
	hasSeqno bool
	req      *Request
}

type sentEntry = queuedRequest

// Client is a RequestQueueClient: a reconnect-safe, exactly-once-delivery
// sender of Requests to one peer, per spec.md §4.3.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []queuedRequest
	sent      []sentEntry
	nextSeqno uint32
	closed    bool

	doneCh     chan struct{}
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient constructs and starts a Client's background worker goroutines.
// The worker dials cfg.Addr immediately; call Shutdown to stop it.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	c := &Client{cfg: cfg, doneCh: make(chan struct{}), shutdownCh: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c, nil
}

// AddRequest enqueues req, blocking while pending is at capacity. It
// returns an error without enqueuing if ctx ends first or the client has
// been shut down.
func (c *Client) AddRequest(ctx context.Context, req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) >= c.cfg.QueueSize && !c.closed {
		if err := c.waitLocked(ctx); err != nil {
			return err
		}
	}
	if c.closed {
		return dserr.New(dserr.InvalidState, "request queue client is shut down")
	}
	c.pending = append(c.pending, queuedRequest{req: req})
	c.cond.Broadcast()
	return nil
}

// waitLocked requires c.mu held; it calls c.cond.Wait() but additionally
// unblocks if ctx ends, since sync.Cond has no native cancellation.
func (c *Client) waitLocked(ctx context.Context) error {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-stop:
		}
		close(done)
	}()
	c.cond.Wait()
	close(stop)
	<-done
	if err := dserr.FromContext(ctx); err != nil {
		return err
	}
	return nil
}

// Shutdown drains pending best-effort, stops the worker, and completes
// every request still outstanding (pending or sent-but-unacked) with an
// Interrupted error. It blocks until the worker has exited.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	close(c.shutdownCh)
	c.cancel()
	<-c.doneCh
}

func (c *Client) run() {
	defer close(c.doneCh)
	ctx := c.ctx

	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.drainAndCancel()
			return
		}

		conn, err := c.dialWithRetry(ctx)
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed {
				c.drainAndCancel()
			} else {
				c.fail(err)
			}
			return
		}

		reader := bufio.NewReader(conn)

		stop := make(chan struct{})
		// Wake any goroutine blocked in c.cond.Wait() once this
		// connection's teardown begins; Broadcast needs no lock, but
		// taking it here is safe since neither loop below ever holds
		// c.mu across a Wait the way a done-channel rendezvous would.
		go func() {
			<-stop
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		}()

		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); errCh <- c.senderLoop(conn, stop) }()
		go func() { defer wg.Done(); errCh <- c.receiverLoop(reader, stop) }()

		select {
		case <-errCh:
		case <-c.shutdownCh:
		}
		close(stop)
		conn.Close()
		wg.Wait()

		c.mu.Lock()
		closed = c.closed
		if !closed {
			// Requeue everything still unacked ahead of whatever arrived
			// in pending while disconnected. Entries carried over from
			// sent keep their original seqno (see queuedRequest); only
			// brand-new pending entries will draw a fresh one.
			requeued := make([]queuedRequest, 0, len(c.sent)+len(c.pending))
			requeued = append(requeued, c.sent...)
			requeued = append(requeued, c.pending...)
			c.sent = nil
			c.pending = requeued
		}
		c.mu.Unlock()

		if closed {
			c.drainAndCancel()
			return
		}
	}
}

func (c *Client) drainAndCancel() {
	c.mu.Lock()
	pending := c.pending
	sent := c.sent
	c.pending = nil
	c.sent = nil
	c.mu.Unlock()

	cancelled := dserr.New(dserr.Interrupted, "request queue shut down")
	for _, se := range sent {
		se.req.complete(cancelled)
	}
	for _, qr := range pending {
		qr.req.complete(cancelled)
	}
}

func (c *Client) fail(err error) {
	c.cfg.Logger.Warn("request queue client giving up on peer", "node_id", c.cfg.NodeID, "error", err)
	c.drainAndCancel()
}

func (c *Client) dialWithRetry(ctx context.Context) (io.ReadWriteCloser, error) {
	limiter := rate.NewLimiter(rate.Every(c.cfg.RetryWait), 1)
	start := time.Now()
	attempt := 0
	for {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return nil, dserr.FromContext(ctx)
			}
			time.Sleep(randomStagger(c.cfg.RetryWait))
		}
		attempt++

		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.Addr)
		if err == nil {
			if hsErr := writeHandshake(conn, c.cfg.NodeID); hsErr == nil {
				return conn, nil
			}
			conn.Close()
		} else {
			c.cfg.Logger.Debug("request queue client dial failed", "node_id", c.cfg.NodeID, "error", err)
		}

		if c.cfg.MaxRetry > 0 && time.Since(start) > c.cfg.MaxRetry {
			return nil, dserr.New(dserr.PeerDown, "exceeded max retry dialing request queue server")
		}
	}
}

// senderLoop drains pending, assigning seqnos and appending to sent, until
// stop closes or a write fails.
func (c *Client) senderLoop(conn io.Writer, stop <-chan struct{}) error {
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			select {
			case <-stop:
				c.mu.Unlock()
				return nil
			default:
			}
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		select {
		case <-stop:
			c.mu.Unlock()
			return nil
		default:
		}

		qr := c.pending[0]
		c.pending = c.pending[1:]
		if !qr.hasSeqno {
			qr.seqno = c.nextSeqno
			qr.hasSeqno = true
			c.nextSeqno++
		}
		c.sent = append(c.sent, qr)
		c.mu.Unlock()

		if err := writeRequestFrame(conn, qr.seqno, qr.req.Payload); err != nil {
			return err
		}
	}
}

// receiverLoop reads acks until stop closes or a read fails.
func (c *Client) receiverLoop(r io.Reader, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		seqno, ok, msg, err := readAckFrame(r)
		if err != nil {
			return err
		}
		c.deliverAck(seqno, ok, msg)
	}
}

func (c *Client) deliverAck(seqno uint32, ok bool, msg string) {
	c.mu.Lock()
	idx := -1
	for i, se := range c.sent {
		if se.seqno <= seqno {
			idx = i
		} else {
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	acked := append([]sentEntry(nil), c.sent[:idx+1]...)
	c.sent = c.sent[idx+1:]
	c.mu.Unlock()

	for i, se := range acked {
		if i == len(acked)-1 {
			var err error
			if !ok {
				err = dserr.New(dserr.RequestFailed, msg)
			}
			se.req.complete(err)
		} else {
			se.req.complete(nil)
		}
	}
}
