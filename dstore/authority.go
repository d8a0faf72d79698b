package dstore

import (
	"context"

	"github.com/dantel35/reddwarf/binding"
	"github.com/dantel35/reddwarf/dsconfig"
	"github.com/dantel35/reddwarf/queue"
)

// Resolver produces the authoritative value for a binding name the cache
// does not yet know about. It stands in for the simulation server's own
// object store, which is out of scope for this module (spec.md §1
// non-goals).
type Resolver func(ctx context.Context, name string, forWrite bool) (int64, error)

// NewAuthorityHandler builds the queue.Handler the request-queue server
// runs for every incoming fetch request: it decodes the request, resolves
// the value via resolve, and installs it into cache so that a Node sharing
// this cache instance observes the result directly, per Fetch's doc
// comment.
func NewAuthorityHandler(cache *binding.Cache, resolve Resolver) queue.Handler {
	return func(ctx context.Context, nodeID int64, payload []byte) error {
		name, forWrite, err := decodeFetchRequest(payload)
		if err != nil {
			return err
		}
		value, err := resolve(ctx, name, forWrite)
		if err != nil {
			return err
		}
		// Install transitions any existing entry (including one a
		// colocated Node left in a FETCHING state via its own
		// BeginFetch call) straight to CACHED_*, and creates one from
		// scratch otherwise.
		key := binding.NewKey(name)
		if _, err := cache.Install(key, value, forWrite, "authority"); err != nil {
			return err
		}
		return nil
	}
}

// NewAuthorityServer wires a Resolver into a queue.Server listening on ln,
// sharing cache with any colocated Node so Fetch's read-back after a
// successful ack observes the authority's write.
func NewAuthorityServer(cfg dsconfig.Config, ln queue.Listener, cache *binding.Cache, resolve Resolver) (*queue.Server, error) {
	return queue.NewServer(queue.ServerConfig{
		Listener:        ln,
		Handler:         NewAuthorityHandler(cache, resolve),
		AckRingSize:     cfg.Queue.AckRingSize,
		CheckpointEvery: cfg.Queue.CheckpointEvery,
	})
}
