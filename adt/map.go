package adt

import (
	"bytes"
	"crypto/sha256"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/post-quantumqoin/core-types/abi"

	"github.com/post-quantumqoin/go-ipld-adt/hamt"
)

// Branching factor of the HAMT. Chosen empirically; maps with different
// mutation profiles may want another value, in which case it can be exposed.
const hamtBitwidth = 5

// HamtOptions specifies all the options used to construct adt HAMTs.
var HamtOptions = []hamt.Option{
	hamt.UseTreeBitWidth(hamtBitwidth),
	hamt.UseHashFunction(func(input []byte) []byte {
		res := sha256.Sum256(input)
		return res[:]
	}),
}

// Map stores key-value pairs in a HAMT.
type Map struct {
	lastCid cid.Cid
	root    *hamt.Hamt
	store   Store
}

// AsMap interprets a store as a HAMT-based map with root `r`.
func AsMap(s Store, r cid.Cid) (*Map, error) {
	nd, err := hamt.LoadHamt(s.Context(), s, r, HamtOptions...)
	if err != nil {
		return nil, xerrors.Errorf("failed to load hamt node: %w", err)
	}
	return &Map{
		lastCid: r,
		root:    nd,
		store:   s,
	}, nil
}

// MakeEmptyMap creates a new map backed by an empty HAMT.
func MakeEmptyMap(s Store) (*Map, error) {
	nd, err := hamt.NewHamt(s, HamtOptions...)
	if err != nil {
		return nil, err
	}
	return &Map{
		lastCid: cid.Undef,
		root:    nd,
		store:   s,
	}, nil
}

// StoreEmptyMap creates and writes a new empty map, returning its CID.
func StoreEmptyMap(s Store) (cid.Cid, error) {
	m, err := MakeEmptyMap(s)
	if err != nil {
		return cid.Undef, err
	}
	return m.Root()
}

// Root flushes the underlying HAMT and returns its root cid.
func (m *Map) Root() (cid.Cid, error) {
	c, err := m.root.Flush(m.store.Context())
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to flush map root: %w", err)
	}
	m.lastCid = c
	return c, nil
}

// Put adds value `v` with key `k` to the hamt store.
func (m *Map) Put(k abi.Keyer, v cbg.CBORMarshaler) error {
	if err := m.root.Set(m.store.Context(), k.Key(), v); err != nil {
		return xerrors.Errorf("map put failed set in node %v with key %v: %w", m.lastCid, k.Key(), err)
	}
	return nil
}

// Get puts the value at `k` into `out`, if present.
func (m *Map) Get(k abi.Keyer, out cbg.CBORUnmarshaler) (bool, error) {
	found, err := m.root.Find(m.store.Context(), k.Key(), out)
	if err != nil {
		return false, xerrors.Errorf("map get failed find in node %v with key %v: %w", m.lastCid, k.Key(), err)
	}
	return found, nil
}

// Has checks for the existence of a key without deserializing its value.
func (m *Map) Has(k abi.Keyer) (bool, error) {
	return m.Get(k, nil)
}

// Delete removes the value at `k` from the hamt store. The key must be
// present.
func (m *Map) Delete(k abi.Keyer) error {
	found, err := m.root.Delete(m.store.Context(), k.Key())
	if err != nil {
		return xerrors.Errorf("map delete failed in node %v key %v: %w", m.lastCid, k.Key(), err)
	}
	if !found {
		return xerrors.Errorf("no such key %v to delete in node %v", k.Key(), m.lastCid)
	}
	return nil
}

// TryDelete removes the value at `k` if present, reporting whether it was.
func (m *Map) TryDelete(k abi.Keyer) (bool, error) {
	found, err := m.root.Delete(m.store.Context(), k.Key())
	if err != nil {
		return false, xerrors.Errorf("map delete failed in node %v key %v: %w", m.lastCid, k.Key(), err)
	}
	return found, nil
}

// IsEmpty reports whether the map holds no entries.
func (m *Map) IsEmpty() bool {
	return m.root.IsEmpty()
}

// ForEach iterates all entries in the map, deserializing each value in turn
// into `out` and then calling a function with the corresponding key.
// Iteration halts if the function returns an error. If the output parameter
// is nil, deserialization is skipped.
func (m *Map) ForEach(out cbg.CBORUnmarshaler, fn func(key string) error) error {
	return m.root.ForEach(m.store.Context(), func(k string, val *cbg.Deferred) error {
		if out != nil {
			if err := out.UnmarshalCBOR(bytes.NewReader(val.Raw)); err != nil {
				return err
			}
		}
		return fn(k)
	})
}

// CollectKeys collects all the keys from the map into a slice of strings.
func (m *Map) CollectKeys() (out []string, err error) {
	err = m.ForEach(nil, func(key string) error {
		out = append(out, key)
		return nil
	})
	return
}
