package dstore_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dantel35/reddwarf/binding"
	"github.com/dantel35/reddwarf/dsconfig"
	"github.com/dantel35/reddwarf/dstore"
)

// inlineListener and inlineDialer are the smallest possible Dialer/Listener
// pair for wiring one Node directly to one authority server in a single
// process, the way a unit test or a REPL session would.
type inlineListener struct {
	ch     chan io.ReadWriteCloser
	closed chan struct{}
}

func newInlineListener() *inlineListener {
	return &inlineListener{ch: make(chan io.ReadWriteCloser, 1), closed: make(chan struct{})}
}

func (l *inlineListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *inlineListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

type inlineDialer struct{ ln *inlineListener }

func (d *inlineDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	d.ln.ch <- server
	return client, nil
}

type exampleLocker string

func (l exampleLocker) ID() string { return string(l) }

// Example_basicFetch wires one Node to one in-process authority server,
// fetches a binding it has never seen, and releases it.
func Example_basicFetch() {
	cfg := dsconfig.Default()
	cfg.Queue.MaxRetry = 5 * time.Second
	cfg.Queue.RetryWait = 10 * time.Millisecond

	cache, err := binding.New(nil)
	if err != nil {
		fmt.Println("build cache:", err)
		return
	}

	ln := newInlineListener()
	resolve := func(ctx context.Context, name string, forWrite bool) (int64, error) {
		return int64(len(name)), nil
	}
	srv, err := dstore.NewAuthorityServer(cfg, ln, cache, resolve)
	if err != nil {
		fmt.Println("build authority:", err)
		return
	}
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go srv.Serve(serveCtx)
	defer srv.Close()

	n, err := dstore.NewNode(cfg, 1, "inline", &inlineDialer{ln: ln}, nil)
	if err != nil {
		fmt.Println("build node:", err)
		return
	}
	defer n.Close()
	n.Cache = cache // share the authority's cache, per Fetch's doc comment

	locker := exampleLocker("player-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := n.Fetch(ctx, locker, binding.NewKey("players/alice"), false)
	if err != nil {
		fmt.Println("fetch error:", err)
		return
	}
	if err := n.Release(locker, binding.NewKey("players/alice")); err != nil {
		fmt.Println("release error:", err)
		return
	}

	fmt.Println(value)
	// Output: 13
}
