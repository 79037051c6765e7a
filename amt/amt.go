// Package amt implements a persistent, content-addressed array mapped trie,
// indexed by uint64 and backed by a CBOR IPLD store. Mutations build new
// nodes in memory; Flush persists every modified node and returns the new
// root CID, sharing all untouched subtrees with the previous root.
//
// An AMT instance is not safe for concurrent use. Independent instances,
// including read-only loads of the same root CID, can be used from different
// goroutines without coordination.
package amt

import (
	"bytes"
	"context"
	"sort"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

var log = logging.Logger("amt")

const (
	// maxIndexBits keeps indexes within the range CBOR integers round
	// trip through losslessly.
	maxIndexBits = 63

	// LegacyBitWidth is the width implied by roots serialized before the
	// bit width was carried in the block.
	LegacyBitWidth = 3

	// DefaultBitWidth is the width used when the caller does not pick one.
	DefaultBitWidth = 3

	// maxBitWidth bounds the on-wire bitmap at 32 bytes.
	maxBitWidth = 8
)

// MaxIndex is the highest index an AMT can hold at the widest-reaching bit
// widths. Most widths cap out lower; Root.maxIndex gives the exact bound for
// a given tree.
const MaxIndex = uint64(1<<maxIndexBits) - 1

type config struct {
	bitWidth    uint
	bitWidthSet bool
}

type Option func(*config) error

// UseTreeBitWidth sets the number of index bits consumed per level. For
// versioned roots the loaded width must agree with this; for legacy roots
// this supplies the width the block does not carry.
func UseTreeBitWidth(bitWidth uint) Option {
	return func(c *config) error {
		if bitWidth < 1 || bitWidth > maxBitWidth {
			return xerrors.Errorf("bit width %d: %w", bitWidth, ErrInvalidBitWidth)
		}
		c.bitWidth = bitWidth
		c.bitWidthSet = true
		return nil
	}
}

// Root is an in-memory handle on an AMT. It tracks the height and element
// count alongside the root node, and owns all dirty state below it.
type Root struct {
	bitWidth uint
	height   uint64
	count    uint64
	node     *node

	store cbor.IpldStore
}

// NewAMT creates an empty AMT against the given store.
func NewAMT(bs cbor.IpldStore, opts ...Option) (*Root, error) {
	cfg := config{bitWidth: DefaultBitWidth}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Root{
		bitWidth: cfg.bitWidth,
		node:     newLeaf(cfg.bitWidth),
		store:    bs,
	}, nil
}

// LoadAMT loads an AMT from a root CID. Both root generations decode: a
// versioned root carries its own bit width (which must agree with
// UseTreeBitWidth if supplied), a legacy root adopts the supplied width or
// LegacyBitWidth.
func LoadAMT(ctx context.Context, bs cbor.IpldStore, c cid.Cid, opts ...Option) (*Root, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	var rw rootWire
	if err := bs.Get(ctx, c, &rw); err != nil {
		if format.IsNotFound(err) {
			return nil, xerrors.Errorf("loading amt root: %w", ErrNotFound{Cid: c})
		}
		return nil, xerrors.Errorf("loading amt root %s: %w", c, err)
	}

	var bitWidth uint
	if rw.Legacy {
		bitWidth = LegacyBitWidth
		if cfg.bitWidthSet {
			bitWidth = cfg.bitWidth
		}
		log.Debugf("loaded legacy amt root %s, bit width %d implied", c, bitWidth)
	} else {
		if rw.BitWidth < 1 || rw.BitWidth > maxBitWidth {
			return nil, xerrors.Errorf("root %s carries bit width %d: %w", c, rw.BitWidth, ErrInvalidBitWidth)
		}
		bitWidth = uint(rw.BitWidth)
		if cfg.bitWidthSet && cfg.bitWidth != bitWidth {
			return nil, xerrors.Errorf("root %s has bit width %d, caller expected %d: %w",
				c, bitWidth, cfg.bitWidth, ErrBitWidthMismatch)
		}
	}

	if rw.Height > maxHeight(bitWidth) {
		return nil, xerrors.Errorf("root %s has height %d, max for bit width %d is %d: %w",
			c, rw.Height, bitWidth, maxHeight(bitWidth), ErrMaxHeight)
	}

	nd, err := rw.Node.expand(bitWidth, rw.Height)
	if err != nil {
		return nil, xerrors.Errorf("expanding root node of %s: %w", c, err)
	}

	return &Root{
		bitWidth: bitWidth,
		height:   rw.Height,
		count:    rw.Count,
		node:     nd,
		store:    bs,
	}, nil
}

// FromArray builds an AMT holding vals at indexes 0..len-1 and returns its
// flushed root CID.
func FromArray(ctx context.Context, bs cbor.IpldStore, vals []cbg.CBORMarshaler, opts ...Option) (cid.Cid, error) {
	r, err := NewAMT(bs, opts...)
	if err != nil {
		return cid.Undef, err
	}
	if err := r.BatchSet(ctx, vals); err != nil {
		return cid.Undef, err
	}
	return r.Flush(ctx)
}

// BitWidth returns the number of index bits consumed per level.
func (r *Root) BitWidth() uint { return r.bitWidth }

// Height returns the current height; 0 means the root is a single leaf.
func (r *Root) Height() uint64 { return r.height }

// Len returns the exact number of set indexes.
func (r *Root) Len() uint64 { return r.count }

// maxIndex is the highest index representable at this bit width.
func (r *Root) maxIndex() uint64 {
	b := r.bitWidth * uint(maxHeight(r.bitWidth)+1)
	if b >= 64 {
		return MaxIndex
	}
	return (uint64(1) << b) - 1
}

// Set stores val at index i, growing the tree as needed. A nil val stores
// CBOR null.
func (r *Root) Set(ctx context.Context, i uint64, val cbg.CBORMarshaler) error {
	if i > r.maxIndex() {
		return xerrors.Errorf("index %d, max %d: %w", i, r.maxIndex(), ErrIndexOutOfRange)
	}

	d := &cbg.Deferred{Raw: cbg.CborNull}
	if val != nil {
		buf := new(bytes.Buffer)
		if err := val.MarshalCBOR(buf); err != nil {
			return xerrors.Errorf("marshaling value for index %d: %w", i, err)
		}
		d = &cbg.Deferred{Raw: buf.Bytes()}
	}

	// Grow until i fits: the previous root becomes child 0 of a new root
	// one level up. An empty tree grows in place.
	for i >= nodesForHeight(r.bitWidth, r.height+1) {
		if r.node.empty() {
			r.node = newBranch(r.bitWidth)
		} else {
			prev := r.node
			r.node = newBranch(r.bitWidth)
			r.node.links[0] = &link{dirty: true, cached: prev}
		}
		r.height++
	}

	added, err := r.node.set(ctx, r.store, r.bitWidth, r.height, i, d)
	if err != nil {
		return err
	}
	if added {
		r.count++
	}
	return nil
}

// BatchSet stores vals at indexes 0..len-1.
func (r *Root) BatchSet(ctx context.Context, vals []cbg.CBORMarshaler) error {
	for i, v := range vals {
		if err := r.Set(ctx, uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Get unmarshals the value at index i into out, reporting whether it was
// present. Indexes beyond the representable range are simply absent. A nil
// out just tests presence.
func (r *Root) Get(ctx context.Context, i uint64, out cbg.CBORUnmarshaler) (bool, error) {
	if i >= nodesForHeight(r.bitWidth, r.height+1) {
		return false, nil
	}
	d, err := r.node.get(ctx, r.store, r.bitWidth, r.height, i)
	if err != nil || d == nil {
		return false, err
	}
	if out != nil {
		if err := out.UnmarshalCBOR(bytes.NewReader(d.Raw)); err != nil {
			return false, xerrors.Errorf("unmarshaling value at index %d: %w", i, err)
		}
	}
	return true, nil
}

// Delete removes the value at index i, reporting whether it was present.
// Empty subtrees are pruned, and the root collapses downward while its only
// occupied child is child 0.
func (r *Root) Delete(ctx context.Context, i uint64) (bool, error) {
	if i >= nodesForHeight(r.bitWidth, r.height+1) {
		return false, nil
	}

	found, err := r.node.delete(ctx, r.store, r.bitWidth, r.height, i)
	if err != nil || !found {
		return false, err
	}
	r.count--

	if r.node.empty() {
		r.node = newLeaf(r.bitWidth)
		r.height = 0
		return true, nil
	}

	for r.height > 0 && r.node.canCollapse() {
		sub, err := r.node.links[0].load(ctx, r.store, r.bitWidth, r.height-1)
		if err != nil {
			return false, err
		}
		r.node = sub
		r.height--
	}
	return true, nil
}

// BatchDelete removes the given indexes in ascending order. Under strict,
// every index must be present.
func (r *Root) BatchDelete(ctx context.Context, indices []uint64, strict bool) (bool, error) {
	// Ascending order keeps blockstore access patterns deterministic for
	// identical inputs.
	sorted := make([]uint64, len(indices))
	copy(sorted, indices)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })

	var modified bool
	for _, i := range sorted {
		found, err := r.Delete(ctx, i)
		if err != nil {
			return false, err
		}
		if !found && strict {
			return false, xerrors.Errorf("no such index %d in amt for batch delete", i)
		}
		modified = modified || found
	}
	return modified, nil
}

// ForEach visits every set index in ascending order.
func (r *Root) ForEach(ctx context.Context, cb func(uint64, *cbg.Deferred) error) error {
	return r.ForEachAt(ctx, 0, cb)
}

// ForEachAt visits every set index >= start in ascending order.
func (r *Root) ForEachAt(ctx context.Context, start uint64, cb func(uint64, *cbg.Deferred) error) error {
	_, err := r.node.forEachAt(ctx, r.store, r.bitWidth, r.height, start, 0,
		func(i uint64, d *cbg.Deferred) (bool, error) {
			return true, cb(i, d)
		})
	return err
}

// ForEachWhile visits set indexes in ascending order until the callback
// returns false.
func (r *Root) ForEachWhile(ctx context.Context, cb func(uint64, *cbg.Deferred) (bool, error)) error {
	_, err := r.node.forEachAt(ctx, r.store, r.bitWidth, r.height, 0, 0,
		func(i uint64, d *cbg.Deferred) (bool, error) {
			keepGoing, err := cb(i, d)
			return keepGoing, err
		})
	return err
}

// ForEachMut visits every set index in ascending order and lets the callback
// rewrite the value bytes in place. Returning modified=true marks the path
// to that value dirty so the rewrite survives the next Flush.
func (r *Root) ForEachMut(ctx context.Context, cb func(uint64, *cbg.Deferred) (bool, error)) error {
	_, err := r.node.forEachMut(ctx, r.store, r.bitWidth, r.height, 0, cb)
	return err
}

// Subtract deletes every index set in other from r.
func (r *Root) Subtract(ctx context.Context, other *Root) error {
	return other.ForEach(ctx, func(i uint64, _ *cbg.Deferred) error {
		_, err := r.Delete(ctx, i)
		return err
	})
}

// FirstSetIndex returns the lowest set index, or ErrNoValues on an empty
// AMT.
func (r *Root) FirstSetIndex(ctx context.Context) (uint64, error) {
	if r.count == 0 {
		return 0, ErrNoValues
	}
	return r.node.firstSetIndex(ctx, r.store, r.bitWidth, r.height)
}

// Flush persists every dirty node bottom-up, writes the versioned root
// record and returns its CID. Subtrees that were never touched keep their
// prior CIDs and are not re-serialized.
func (r *Root) Flush(ctx context.Context) (cid.Cid, error) {
	if err := r.node.flush(ctx, r.store, r.bitWidth, r.height); err != nil {
		return cid.Undef, err
	}
	c, err := r.store.Put(ctx, r)
	if err != nil {
		return cid.Undef, xerrors.Errorf("putting amt root: %w", err)
	}
	return c, nil
}
