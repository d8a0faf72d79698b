package queue

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// Dialer produces a fresh duplex byte stream to a request-queue server. It
// is the client-side connection factory the spec calls "the configured
// factory".
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Listener accepts duplex byte streams from request-queue clients.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

// YamuxDialer is the default Dialer: one TCP connection and one yamux
// session per Dial call, with a single stream opened on that session. Any
// io.ReadWriteCloser-producing factory works equally well against the
// client/server framing in this package; yamux is the concrete
// implementation exercised by default, per spec.md §4.3's transport note.
type YamuxDialer struct {
	// Config is passed to yamux.Client. A nil Config uses yamux.DefaultConfig().
	Config *yamux.Config
	// DialTimeout bounds the underlying TCP dial. Zero means no timeout
	// beyond ctx.
	DialTimeout time.Duration
}

func (d *YamuxDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	nd := &net.Dialer{Timeout: d.DialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("queue: dialing %s: %w", addr, err)
	}
	cfg := d.Config
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: establishing yamux session to %s: %w", addr, err)
	}
	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("queue: opening yamux stream to %s: %w", addr, err)
	}
	return &sessionStream{Conn: stream, session: session}, nil
}

// sessionStream closes both the stream and its owning session so a Dial
// call's resources are released as a unit; the dialer never reuses a
// session across Dial calls.
type sessionStream struct {
	net.Conn
	session *yamux.Session
}

func (s *sessionStream) Close() error {
	err := s.Conn.Close()
	if cerr := s.session.Close(); err == nil {
		err = cerr
	}
	return err
}

// YamuxListener is the default Listener: every accepted TCP connection
// becomes one yamux session from which exactly one stream is accepted,
// mirroring the dialer's one-session-one-stream convention.
type YamuxListener struct {
	ln     net.Listener
	Config *yamux.Config
}

// NewYamuxListener wraps an already-bound net.Listener (e.g. from
// net.Listen("tcp", addr)).
func NewYamuxListener(ln net.Listener, cfg *yamux.Config) *YamuxListener {
	return &YamuxListener{ln: ln, Config: cfg}
}

func (l *YamuxListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	cfg := l.Config
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: establishing yamux session from %s: %w", conn.RemoteAddr(), err)
	}
	stream, err := session.Accept()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("queue: accepting yamux stream from %s: %w", conn.RemoteAddr(), err)
	}
	return &sessionStream{Conn: stream, session: session}, nil
}

func (l *YamuxListener) Close() error { return l.ln.Close() }
