// Package hamt implements a persistent hash array mapped trie keyed by
// arbitrary byte strings, backed by a CBOR IPLD store. The key is hashed and
// the digest consumed bitWidth bits per level to pick a slot; colliding or
// co-located entries share a small sorted bucket until it overflows into a
// subshard. Mutations build new nodes in memory; Flush persists every
// modified node and returns the new root CID, sharing untouched subtrees
// with the previous root.
//
// A Hamt instance is not safe for concurrent use. Independent instances,
// including read-only loads of the same root CID, can be used from different
// goroutines without coordination.
package hamt

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// DefaultBitWidth is the number of digest bits consumed per level when the
// caller does not pick one.
const DefaultBitWidth = 5

// maxArrayWidth is the bucket size at which co-located entries overflow
// into a subshard.
const maxArrayWidth = 3

const maxBitWidth = 8

// HashFunc produces the fixed-length digest keys are sharded by. All keys
// in one trie must hash to the same length.
type HashFunc func([]byte) []byte

func defaultHash(k []byte) []byte {
	d := sha256.Sum256(k)
	return d[:]
}

type config struct {
	bitWidth    int
	hash        HashFunc
	allowAbsent bool
}

type Option func(*config) error

// UseTreeBitWidth sets the number of digest bits consumed per level.
func UseTreeBitWidth(bitWidth int) Option {
	return func(c *config) error {
		if bitWidth < 1 || bitWidth > maxBitWidth {
			return xerrors.Errorf("bit width %d: %w", bitWidth, ErrInvalidBitWidth)
		}
		c.bitWidth = bitWidth
		return nil
	}
}

// UseHashFunction overrides the key hash. The caller owns consistency: a
// trie must always be loaded with the function it was built with.
func UseHashFunction(h HashFunc) Option {
	return func(c *config) error {
		if h == nil {
			return xerrors.New("nil hash function")
		}
		c.hash = h
		return nil
	}
}

// AllowAbsent makes reads treat a missing child block as key-absent instead
// of failing, for use against pruned or partial stores. Never the default,
// and writes still fail on missing links.
func AllowAbsent() Option {
	return func(c *config) error {
		c.allowAbsent = true
		return nil
	}
}

// Hamt is an in-memory handle on a HAMT root. It owns all dirty state below
// it.
type Hamt struct {
	root  *node
	cfg   config
	store cbor.IpldStore
}

// NewHamt creates an empty HAMT against the given store.
func NewHamt(store cbor.IpldStore, opts ...Option) (*Hamt, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Hamt{root: &node{}, cfg: cfg, store: store}, nil
}

// LoadHamt loads a HAMT from a root CID. The bit width and hash function are
// not carried in the block and must match what the trie was built with.
func LoadHamt(ctx context.Context, store cbor.IpldStore, c cid.Cid, opts ...Option) (*Hamt, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	var root node
	if err := store.Get(ctx, c, &root); err != nil {
		if format.IsNotFound(err) {
			return nil, xerrors.Errorf("loading hamt root: %w", ErrNotFound{Cid: c})
		}
		return nil, xerrors.Errorf("loading hamt root %s: %w", c, err)
	}
	return &Hamt{root: &root, cfg: cfg, store: store}, nil
}

func applyOptions(opts []Option) (config, error) {
	cfg := config{bitWidth: DefaultBitWidth, hash: defaultHash}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// IsEmpty reports whether the HAMT holds no entries.
func (h *Hamt) IsEmpty() bool {
	return len(h.root.pointers) == 0
}

// Set stores v under k, replacing any previous value. A nil v stores CBOR
// null.
func (h *Hamt) Set(ctx context.Context, k string, v cbg.CBORMarshaler) error {
	d, err := marshalValue(v)
	if err != nil {
		return err
	}
	_, err = h.root.modifyValue(ctx, h.store, &h.cfg, newHashBits(h.cfg.hash([]byte(k))), []byte(k), d, true)
	return err
}

// SetIfAbsent stores v under k only if k is not already present, reporting
// whether it stored.
func (h *Hamt) SetIfAbsent(ctx context.Context, k string, v cbg.CBORMarshaler) (bool, error) {
	d, err := marshalValue(v)
	if err != nil {
		return false, err
	}
	return h.root.modifyValue(ctx, h.store, &h.cfg, newHashBits(h.cfg.hash([]byte(k))), []byte(k), d, false)
}

// Find unmarshals the value under k into out, reporting whether it was
// present. A nil out just tests presence.
func (h *Hamt) Find(ctx context.Context, k string, out cbg.CBORUnmarshaler) (bool, error) {
	entry, err := h.root.getValue(ctx, h.store, &h.cfg, newHashBits(h.cfg.hash([]byte(k))), []byte(k))
	if err != nil || entry == nil {
		return false, err
	}
	if out != nil {
		if err := out.UnmarshalCBOR(bytes.NewReader(entry.Value.Raw)); err != nil {
			return false, xerrors.Errorf("unmarshaling value under key %x: %w", k, err)
		}
	}
	return true, nil
}

// Has reports whether k is present, without decoding its value. The bitmap
// rules out most absent keys without touching the store.
func (h *Hamt) Has(ctx context.Context, k string) (bool, error) {
	return h.Find(ctx, k, nil)
}

// Delete removes k, reporting whether it was present. Nodes left holding a
// bucket's worth of entries re-merge, so deletion restores the exact shape
// (and CID) the trie would have had without the key.
func (h *Hamt) Delete(ctx context.Context, k string) (bool, error) {
	return h.root.rmValue(ctx, h.store, &h.cfg, newHashBits(h.cfg.hash([]byte(k))), []byte(k))
}

// ForEach visits every entry. Order is digest order, stable for a given
// hash function but not meaningful to callers.
func (h *Hamt) ForEach(ctx context.Context, cb func(k string, v *cbg.Deferred) error) error {
	_, err := h.root.forEachWhile(ctx, h.store, &h.cfg, func(k string, v *cbg.Deferred) (bool, error) {
		return true, cb(k, v)
	})
	return err
}

// ForEachWhile visits entries until the callback returns false.
func (h *Hamt) ForEachWhile(ctx context.Context, cb func(k string, v *cbg.Deferred) (bool, error)) error {
	_, err := h.root.forEachWhile(ctx, h.store, &h.cfg, cb)
	return err
}

// Flush persists every dirty node bottom-up, writes the root node and
// returns its CID.
func (h *Hamt) Flush(ctx context.Context) (cid.Cid, error) {
	if err := h.root.flush(ctx, h.store); err != nil {
		return cid.Undef, err
	}
	c, err := h.store.Put(ctx, h.root)
	if err != nil {
		return cid.Undef, xerrors.Errorf("putting hamt root: %w", err)
	}
	return c, nil
}

func marshalValue(v cbg.CBORMarshaler) (*cbg.Deferred, error) {
	if v == nil {
		return &cbg.Deferred{Raw: cbg.CborNull}, nil
	}
	buf := new(bytes.Buffer)
	if err := v.MarshalCBOR(buf); err != nil {
		return nil, xerrors.Errorf("marshaling value: %w", err)
	}
	return &cbg.Deferred{Raw: buf.Bytes()}, nil
}
