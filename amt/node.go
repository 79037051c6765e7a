package amt

import (
	"context"
	"math"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// node is the in-memory, expanded form of one trie page. Exactly one of
// links/values is non-nil: links for branches, values for leaves. Both are
// fixed at 2^bitWidth slots, indexed directly by the relevant index bits.
type node struct {
	links  []*link
	values []*cbg.Deferred
}

// link is a child reference. When dirty, cached is authoritative and cid is
// stale until the next flush; otherwise cid identifies the persisted child
// and cached memoizes its expansion. cached is written at most once per
// instance and never invalidated, since the bytes behind a CID never change.
type link struct {
	cid    cid.Cid
	cached *node
	dirty  bool
}

func newLeaf(bitWidth uint) *node {
	return &node{values: make([]*cbg.Deferred, 1<<bitWidth)}
}

func newBranch(bitWidth uint) *node {
	return &node{links: make([]*link, 1<<bitWidth)}
}

// load resolves the link to an expanded node, fetching and memoizing from
// the store on first access. height is the child's height.
func (ln *link) load(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height uint64) (*node, error) {
	if ln.cached == nil {
		var cn collapsedNode
		if err := bs.Get(ctx, ln.cid, &cn); err != nil {
			if format.IsNotFound(err) {
				return nil, xerrors.Errorf("resolving amt link: %w", ErrNotFound{Cid: ln.cid})
			}
			return nil, xerrors.Errorf("resolving amt link %s: %w", ln.cid, err)
		}
		nd, err := cn.expand(bitWidth, height)
		if err != nil {
			return nil, xerrors.Errorf("expanding amt node %s: %w", ln.cid, err)
		}
		ln.cached = nd
	}
	return ln.cached, nil
}

func (n *node) empty() bool {
	for _, ln := range n.links {
		if ln != nil {
			return false
		}
	}
	for _, v := range n.values {
		if v != nil {
			return false
		}
	}
	return true
}

// canCollapse reports whether the node's only occupied child is child 0, in
// which case that child can replace the node one level down.
func (n *node) canCollapse() bool {
	if n.links == nil || n.links[0] == nil {
		return false
	}
	for _, ln := range n.links[1:] {
		if ln != nil {
			return false
		}
	}
	return true
}

func (n *node) get(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height, i uint64) (*cbg.Deferred, error) {
	if height == 0 {
		return n.values[i], nil
	}
	nfh := nodesForHeight(bitWidth, height)
	ln := n.links[i/nfh]
	if ln == nil {
		return nil, nil
	}
	sub, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return nil, err
	}
	return sub.get(ctx, bs, bitWidth, height-1, i%nfh)
}

func (n *node) set(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height, i uint64, val *cbg.Deferred) (bool, error) {
	if height == 0 {
		prev := n.values[i]
		n.values[i] = val
		return prev == nil, nil
	}

	nfh := nodesForHeight(bitWidth, height)
	idx := i / nfh

	ln := n.links[idx]
	if ln == nil {
		sub := newBranch(bitWidth)
		if height == 1 {
			sub = newLeaf(bitWidth)
		}
		ln = &link{dirty: true, cached: sub}
		n.links[idx] = ln
	} else {
		if _, err := ln.load(ctx, bs, bitWidth, height-1); err != nil {
			return false, err
		}
		ln.dirty = true
	}

	return ln.cached.set(ctx, bs, bitWidth, height-1, i%nfh, val)
}

func (n *node) delete(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height, i uint64) (bool, error) {
	if height == 0 {
		if n.values[i] == nil {
			return false, nil
		}
		n.values[i] = nil
		return true, nil
	}

	nfh := nodesForHeight(bitWidth, height)
	idx := i / nfh

	ln := n.links[idx]
	if ln == nil {
		return false, nil
	}
	sub, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return false, err
	}
	found, err := sub.delete(ctx, bs, bitWidth, height-1, i%nfh)
	if err != nil || !found {
		return false, err
	}

	if sub.empty() {
		n.links[idx] = nil
	} else {
		ln.dirty = true
	}
	return true, nil
}

// forEachAt visits set slots in ascending index order, skipping subtrees
// entirely below start. The callback's bool return is "keep going".
func (n *node) forEachAt(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height, start, offset uint64, cb func(uint64, *cbg.Deferred) (bool, error)) (bool, error) {
	if height == 0 {
		for j, v := range n.values {
			if v == nil {
				continue
			}
			ix := offset + uint64(j)
			if ix < start {
				continue
			}
			keepGoing, err := cb(ix, v)
			if err != nil || !keepGoing {
				return false, err
			}
		}
		return true, nil
	}

	subCount := nodesForHeight(bitWidth, height)
	for j, ln := range n.links {
		if ln == nil {
			continue
		}
		offs := offset + uint64(j)*subCount
		if start >= offs+subCount {
			continue
		}
		sub, err := ln.load(ctx, bs, bitWidth, height-1)
		if err != nil {
			return false, err
		}
		keepGoing, err := sub.forEachAt(ctx, bs, bitWidth, height-1, start, offs, cb)
		if err != nil || !keepGoing {
			return false, err
		}
	}
	return true, nil
}

// forEachMut is forEachAt with write-back: when the callback reports it
// rewrote the value, every link on the path is marked dirty.
func (n *node) forEachMut(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height, offset uint64, cb func(uint64, *cbg.Deferred) (bool, error)) (bool, error) {
	var didMutate bool

	if height == 0 {
		for j, v := range n.values {
			if v == nil {
				continue
			}
			modified, err := cb(offset+uint64(j), v)
			if err != nil {
				return false, err
			}
			didMutate = didMutate || modified
		}
		return didMutate, nil
	}

	subCount := nodesForHeight(bitWidth, height)
	for j, ln := range n.links {
		if ln == nil {
			continue
		}
		sub, err := ln.load(ctx, bs, bitWidth, height-1)
		if err != nil {
			return false, err
		}
		modified, err := sub.forEachMut(ctx, bs, bitWidth, height-1, offset+uint64(j)*subCount, cb)
		if err != nil {
			return false, err
		}
		if modified {
			ln.dirty = true
			didMutate = true
		}
	}
	return didMutate, nil
}

func (n *node) firstSetIndex(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height uint64) (uint64, error) {
	if height == 0 {
		for j, v := range n.values {
			if v != nil {
				return uint64(j), nil
			}
		}
		return 0, ErrNoValues
	}

	for j, ln := range n.links {
		if ln == nil {
			continue
		}
		sub, err := ln.load(ctx, bs, bitWidth, height-1)
		if err != nil {
			return 0, err
		}
		ix, err := sub.firstSetIndex(ctx, bs, bitWidth, height-1)
		if err != nil {
			return 0, err
		}
		return ix + uint64(j)*nodesForHeight(bitWidth, height), nil
	}
	return 0, ErrNoValues
}

// flush persists dirty children bottom-up, turning dirty links back into
// clean CID links with their cache retained. Clean links are untouched, so
// unmodified subtrees are never re-serialized.
func (n *node) flush(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height uint64) error {
	if height == 0 {
		return nil
	}
	for _, ln := range n.links {
		if ln == nil || !ln.dirty {
			continue
		}
		if err := ln.cached.flush(ctx, bs, bitWidth, height-1); err != nil {
			return err
		}
		cn, err := ln.cached.compact(bitWidth)
		if err != nil {
			return err
		}
		c, err := bs.Put(ctx, cn)
		if err != nil {
			return xerrors.Errorf("putting amt node: %w", err)
		}
		ln.cid = c
		ln.dirty = false
	}
	return nil
}

// nodesForHeight is the number of indexes a subtree rooted at the given
// height addresses.
func nodesForHeight(bitWidth uint, height uint64) uint64 {
	b := uint64(bitWidth) * height
	if b >= 64 {
		return math.MaxUint64
	}
	return 1 << b
}

// maxHeight is the deepest tree allowed at a bit width; the root sits at
// height 0.
func maxHeight(bitWidth uint) uint64 {
	return maxIndexBits/uint64(bitWidth) - 1
}

// bmapBytes is the on-wire bitmap length for a bit width.
func bmapBytes(bitWidth uint) int {
	return ((1 << bitWidth) + 7) / 8
}
