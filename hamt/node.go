package hamt

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// node is one trie page: a bitmap of occupied slots and a dense pointer
// list, one pointer per set bit, in slot order.
type node struct {
	bmap     bitmap
	pointers []*pointer
}

// pointer is either a bucket of co-located entries (kvs non-nil, sorted by
// key) or a link to a subshard. When a link is dirty, cached is
// authoritative and cid is stale until the next flush; otherwise cached
// memoizes the expansion of cid and is written at most once.
type pointer struct {
	kvs []*kv

	cid    cid.Cid
	cached *node
	dirty  bool
}

type kv struct {
	Key   []byte
	Value *cbg.Deferred
}

func (p *pointer) isShard() bool {
	return p.kvs == nil
}

// load resolves a link pointer to its expanded node, fetching and memoizing
// from the store on first access.
func (p *pointer) load(ctx context.Context, store cbor.IpldStore) (*node, error) {
	if p.cached == nil {
		var nd node
		if err := store.Get(ctx, p.cid, &nd); err != nil {
			if format.IsNotFound(err) {
				return nil, xerrors.Errorf("resolving hamt link: %w", ErrNotFound{Cid: p.cid})
			}
			return nil, xerrors.Errorf("resolving hamt link %s: %w", p.cid, err)
		}
		p.cached = &nd
	}
	return p.cached, nil
}

func (n *node) getValue(ctx context.Context, store cbor.IpldStore, cfg *config, hv *hashBits, key []byte) (*kv, error) {
	idx, err := hv.next(cfg.bitWidth)
	if err != nil {
		return nil, ErrMaxDepth
	}
	if !n.bmap.test(idx) {
		return nil, nil
	}

	p := n.pointers[n.bmap.countBelow(idx)]
	if p.isShard() {
		child, err := p.load(ctx, store)
		if err != nil {
			if cfg.allowAbsent && isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return child.getValue(ctx, store, cfg, hv, key)
	}

	for _, entry := range p.kvs {
		if bytes.Equal(entry.Key, key) {
			return entry, nil
		}
	}
	return nil, nil
}

// modifyValue inserts or replaces key. With overwrite false an existing key
// is left alone. The return reports whether the trie changed; replacing a
// value with identical bytes does not count, so untouched subtrees keep
// their CIDs.
func (n *node) modifyValue(ctx context.Context, store cbor.IpldStore, cfg *config, hv *hashBits, key []byte, value *cbg.Deferred, overwrite bool) (bool, error) {
	idx, err := hv.next(cfg.bitWidth)
	if err != nil {
		return false, ErrMaxDepth
	}

	if !n.bmap.test(idx) {
		n.insertChild(idx, &pointer{kvs: []*kv{{Key: key, Value: value}}})
		return true, nil
	}

	cindex := n.bmap.countBelow(idx)
	p := n.pointers[cindex]

	if p.isShard() {
		child, err := p.load(ctx, store)
		if err != nil {
			return false, err
		}
		modified, err := child.modifyValue(ctx, store, cfg, hv, key, value, overwrite)
		if err != nil {
			return false, err
		}
		if modified {
			p.dirty = true
		}
		return modified, nil
	}

	for _, entry := range p.kvs {
		if bytes.Equal(entry.Key, key) {
			if !overwrite {
				return false, nil
			}
			if bytes.Equal(entry.Value.Raw, value.Raw) {
				return false, nil
			}
			entry.Value = value
			return true, nil
		}
	}

	if len(p.kvs) >= maxArrayWidth && hv.remaining() >= cfg.bitWidth {
		// The bucket is full: push its entries one level down, re-hashing
		// each from the bit offset this node consumed up to.
		sub := &node{}
		consumed := hv.consumed
		if _, err := sub.modifyValue(ctx, store, cfg, hv, key, value, overwrite); err != nil {
			return false, err
		}
		for _, entry := range p.kvs {
			ehv := &hashBits{b: cfg.hash(entry.Key), consumed: consumed}
			if _, err := sub.modifyValue(ctx, store, cfg, ehv, entry.Key, entry.Value, true); err != nil {
				return false, err
			}
		}
		n.pointers[cindex] = &pointer{cached: sub, dirty: true}
		return true, nil
	}

	// With no digest bits left the bucket cannot shard further and just
	// grows, degrading that slot to a linear scan.
	i := sort.Search(len(p.kvs), func(j int) bool {
		return bytes.Compare(p.kvs[j].Key, key) > 0
	})
	p.kvs = append(p.kvs, nil)
	copy(p.kvs[i+1:], p.kvs[i:])
	p.kvs[i] = &kv{Key: key, Value: value}
	return true, nil
}

func (n *node) rmValue(ctx context.Context, store cbor.IpldStore, cfg *config, hv *hashBits, key []byte) (bool, error) {
	idx, err := hv.next(cfg.bitWidth)
	if err != nil {
		return false, ErrMaxDepth
	}
	if !n.bmap.test(idx) {
		return false, nil
	}

	cindex := n.bmap.countBelow(idx)
	p := n.pointers[cindex]

	if p.isShard() {
		child, err := p.load(ctx, store)
		if err != nil {
			return false, err
		}
		found, err := child.rmValue(ctx, store, cfg, hv, key)
		if err != nil || !found {
			return false, err
		}
		p.dirty = true
		if err := n.cleanChild(child, cindex); err != nil {
			return false, err
		}
		return true, nil
	}

	for i, entry := range p.kvs {
		if !bytes.Equal(entry.Key, key) {
			continue
		}
		if len(p.kvs) == 1 {
			n.removeChild(idx, cindex)
		} else {
			p.kvs = append(p.kvs[:i], p.kvs[i+1:]...)
		}
		return true, nil
	}
	return false, nil
}

// cleanChild restores the canonical shape after a delete under the child at
// cindex: a child reduced to a single bucket collapses into the parent, and
// a child whose buckets together fit one bucket merges into one. Keeping
// this invariant makes the root CID a pure function of contents.
func (n *node) cleanChild(chnd *node, cindex int) error {
	switch len(chnd.pointers) {
	case 0:
		return xerrors.New("malformed hamt: empty child node")
	case 1:
		p := chnd.pointers[0]
		if p.isShard() {
			return nil
		}
		n.pointers[cindex] = p
		return nil
	default:
		var merged []*kv
		for _, p := range chnd.pointers {
			if p.isShard() {
				return nil
			}
			merged = append(merged, p.kvs...)
			if len(merged) > maxArrayWidth {
				return nil
			}
		}
		sort.Slice(merged, func(a, b int) bool {
			return bytes.Compare(merged[a].Key, merged[b].Key) < 0
		})
		n.pointers[cindex] = &pointer{kvs: merged}
		return nil
	}
}

func (n *node) insertChild(idx int, p *pointer) {
	cindex := n.bmap.countBelow(idx)
	n.bmap.set(idx)
	n.pointers = append(n.pointers, nil)
	copy(n.pointers[cindex+1:], n.pointers[cindex:])
	n.pointers[cindex] = p
}

func (n *node) removeChild(idx, cindex int) {
	n.bmap.clear(idx)
	n.pointers = append(n.pointers[:cindex], n.pointers[cindex+1:]...)
}

// forEachWhile visits entries in digest order. The bool return is "keep
// going".
func (n *node) forEachWhile(ctx context.Context, store cbor.IpldStore, cfg *config, cb func(string, *cbg.Deferred) (bool, error)) (bool, error) {
	for _, p := range n.pointers {
		if p.isShard() {
			child, err := p.load(ctx, store)
			if err != nil {
				if cfg.allowAbsent && isNotFound(err) {
					continue
				}
				return false, err
			}
			keepGoing, err := child.forEachWhile(ctx, store, cfg, cb)
			if err != nil || !keepGoing {
				return false, err
			}
			continue
		}
		for _, entry := range p.kvs {
			keepGoing, err := cb(string(entry.Key), entry.Value)
			if err != nil || !keepGoing {
				return false, err
			}
		}
	}
	return true, nil
}

// flush persists dirty subshards bottom-up, turning dirty pointers back
// into clean CID links with their cache retained.
func (n *node) flush(ctx context.Context, store cbor.IpldStore) error {
	for _, p := range n.pointers {
		if !p.isShard() || !p.dirty {
			continue
		}
		if err := p.cached.flush(ctx, store); err != nil {
			return err
		}
		c, err := store.Put(ctx, p.cached)
		if err != nil {
			return xerrors.Errorf("putting hamt node: %w", err)
		}
		p.cid = c
		p.dirty = false
	}
	return nil
}

// Wire layout:
//
//	node:    [bitmap bytes, [pointers...]]
//	pointer: tag-42 CID for a subshard, or [[key, value]...] for a bucket
//
// The bitmap serializes minimal big-endian, and the pointer list is dense
// over its set bits.

func (n *node) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
		return err
	}
	bmap := n.bmap.bytes()
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(bmap))); err != nil {
		return err
	}
	if _, err := cw.Write(bmap); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(n.pointers))); err != nil {
		return err
	}
	for _, p := range n.pointers {
		if err := p.MarshalCBOR(cw); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) UnmarshalCBOR(r io.Reader) error {
	*n = node{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray || extra != 2 {
		return xerrors.Errorf("hamt node: expected 2-element array, got major type %d length %d", maj, extra)
	}

	bs, err := cbg.ReadByteArray(cr, 32)
	if err != nil {
		return xerrors.Errorf("hamt node bitmap: %w", err)
	}
	n.bmap, err = bitmapFromBytes(bs)
	if err != nil {
		return xerrors.Errorf("hamt node bitmap: %w", err)
	}

	maj, extra, err = cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.Errorf("hamt node pointers: expected array, got major type %d", maj)
	}
	if extra > cbg.MaxLength {
		return xerrors.Errorf("hamt node pointers: too many (%d)", extra)
	}
	for j := uint64(0); j < extra; j++ {
		p := new(pointer)
		if err := p.UnmarshalCBOR(cr); err != nil {
			return xerrors.Errorf("hamt node pointer %d: %w", j, err)
		}
		n.pointers = append(n.pointers, p)
	}

	if n.bmap.count() != len(n.pointers) {
		return xerrors.Errorf("hamt node: bitmap has %d bits set but %d pointers", n.bmap.count(), len(n.pointers))
	}
	return nil
}

func (p *pointer) MarshalCBOR(w io.Writer) error {
	if p.isShard() {
		if p.dirty {
			return xerrors.New("links must be flushed before serialization")
		}
		return cbg.WriteCid(w, p.cid)
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(p.kvs))); err != nil {
		return err
	}
	for _, entry := range p.kvs {
		if err := entry.MarshalCBOR(cw); err != nil {
			return err
		}
	}
	return nil
}

func (p *pointer) UnmarshalCBOR(r io.Reader) error {
	*p = pointer{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	switch {
	case maj == cbg.MajTag && extra == 42:
		// The tagged payload is a byte string carrying an identity
		// multibase prefix before the CID bytes.
		buf, err := cbg.ReadByteArray(cr, 512)
		if err != nil {
			return xerrors.Errorf("hamt link: %w", err)
		}
		if len(buf) == 0 || buf[0] != 0 {
			return xerrors.New("hamt link: invalid multibase prefix")
		}
		c, err := cid.Cast(buf[1:])
		if err != nil {
			return xerrors.Errorf("hamt link: %w", err)
		}
		p.cid = c
		return nil
	case maj == cbg.MajArray:
		if extra > cbg.MaxLength {
			return xerrors.Errorf("hamt bucket: too many entries (%d)", extra)
		}
		if extra == 0 {
			return xerrors.New("hamt bucket: empty")
		}
		for j := uint64(0); j < extra; j++ {
			entry := new(kv)
			if err := entry.UnmarshalCBOR(cr); err != nil {
				return xerrors.Errorf("hamt bucket entry %d: %w", j, err)
			}
			p.kvs = append(p.kvs, entry)
		}
		return nil
	default:
		return xerrors.Errorf("hamt pointer: unexpected major type %d", maj)
	}
}

func (entry *kv) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(entry.Key))); err != nil {
		return err
	}
	if _, err := cw.Write(entry.Key); err != nil {
		return err
	}
	return entry.Value.MarshalCBOR(cw)
}

func (entry *kv) UnmarshalCBOR(r io.Reader) error {
	*entry = kv{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray || extra != 2 {
		return xerrors.Errorf("hamt kv: expected 2-element array, got major type %d length %d", maj, extra)
	}
	if entry.Key, err = cbg.ReadByteArray(cr, cbg.ByteArrayMaxLen); err != nil {
		return xerrors.Errorf("hamt kv key: %w", err)
	}
	entry.Value = new(cbg.Deferred)
	if err := entry.Value.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("hamt kv value: %w", err)
	}
	return nil
}
