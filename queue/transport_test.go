package queue

import (
	"context"
	"io"
	"net"
	"sync"
)

// pipeListener and pipeDialer give tests an in-process Dialer/Listener pair
// backed by net.Pipe, so reconnect/drop scenarios can be driven without a
// real socket or yamux session in the way.
type pipeListener struct {
	ch     chan io.ReadWriteCloser
	closed chan struct{}

	mu       sync.Mutex
	accepted []io.ReadWriteCloser
}

func newPipeListener() *pipeListener {
	return &pipeListener{ch: make(chan io.ReadWriteCloser, 64), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.ch:
		l.mu.Lock()
		l.accepted = append(l.accepted, c)
		l.mu.Unlock()
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *pipeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// serverConns returns the server-side ends accepted so far, in order.
func (l *pipeListener) serverConns() []io.ReadWriteCloser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]io.ReadWriteCloser(nil), l.accepted...)
}

type pipeDialer struct {
	listener *pipeListener
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	d.listener.ch <- server
	return client, nil
}
