// Package adt provides collection types layered over the amt and hamt
// packages: integer-indexed arrays, keyed maps, sets, multimaps and an
// epoch-bucketed bitfield queue. They carry a Store so callers do not thread
// a context through every call.
package adt

import (
	"context"

	cbor "github.com/ipfs/go-ipld-cbor"
)

// Store pairs an IPLD store with the context its operations run under.
type Store interface {
	Context() context.Context
	cbor.IpldStore
}

// WrapStore binds a context to an IPLD store.
func WrapStore(ctx context.Context, store cbor.IpldStore) Store {
	return &wstore{ctx: ctx, IpldStore: store}
}

type wstore struct {
	ctx context.Context
	cbor.IpldStore
}

func (s *wstore) Context() context.Context {
	return s.ctx
}
