package adt

import (
	"bytes"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/post-quantumqoin/go-ipld-adt/amt"
)

// Branching factor of the AMT.
const amtBitwidth = 3

var amtOptions = []amt.Option{
	amt.UseTreeBitWidth(amtBitwidth),
}

// Array stores a sparse sequence of values in an AMT.
type Array struct {
	root  *amt.Root
	store Store
}

// AsArray interprets a store as an AMT-based array with root `r`.
func AsArray(s Store, r cid.Cid) (*Array, error) {
	root, err := amt.LoadAMT(s.Context(), s, r, amtOptions...)
	if err != nil {
		return nil, xerrors.Errorf("failed to load amt: %w", err)
	}
	return &Array{
		root:  root,
		store: s,
	}, nil
}

// MakeEmptyArray creates a new array backed by an empty AMT.
func MakeEmptyArray(s Store) (*Array, error) {
	root, err := amt.NewAMT(s, amtOptions...)
	if err != nil {
		return nil, err
	}
	return &Array{
		root:  root,
		store: s,
	}, nil
}

// StoreEmptyArray creates and writes a new empty array, returning its CID.
func StoreEmptyArray(s Store) (cid.Cid, error) {
	a, err := MakeEmptyArray(s)
	if err != nil {
		return cid.Undef, err
	}
	return a.Root()
}

// Root flushes the underlying AMT and returns its root cid.
func (a *Array) Root() (cid.Cid, error) {
	return a.root.Flush(a.store.Context())
}

// Set adds value `v` at index `i`.
func (a *Array) Set(i uint64, v cbg.CBORMarshaler) error {
	if err := a.root.Set(a.store.Context(), i, v); err != nil {
		return xerrors.Errorf("array set failed at index %d: %w", i, err)
	}
	return nil
}

// Get puts the value at index `i` into `out`, if present.
func (a *Array) Get(i uint64, out cbg.CBORUnmarshaler) (bool, error) {
	found, err := a.root.Get(a.store.Context(), i, out)
	if err != nil {
		return false, xerrors.Errorf("array get failed at index %d: %w", i, err)
	}
	return found, nil
}

// Delete removes the value at index `i`. The index must be present.
func (a *Array) Delete(i uint64) error {
	found, err := a.root.Delete(a.store.Context(), i)
	if err != nil {
		return xerrors.Errorf("array delete failed at index %d: %w", i, err)
	}
	if !found {
		return xerrors.Errorf("no such index %d to delete", i)
	}
	return nil
}

// TryDelete removes the value at index `i` if present, reporting whether it
// was.
func (a *Array) TryDelete(i uint64) (bool, error) {
	return a.root.Delete(a.store.Context(), i)
}

// BatchDelete removes the given indexes. Under strict, every index must be
// present.
func (a *Array) BatchDelete(ix []uint64, strict bool) error {
	_, err := a.root.BatchDelete(a.store.Context(), ix, strict)
	if err != nil {
		return xerrors.Errorf("array batch delete: %w", err)
	}
	return nil
}

// Length returns the number of set indexes.
func (a *Array) Length() uint64 {
	return a.root.Len()
}

// ForEach iterates all entries in ascending index order, deserializing each
// value in turn into `out` and then calling a function with the index.
// Iteration halts if the function returns an error. If the output parameter
// is nil, deserialization is skipped.
func (a *Array) ForEach(out cbg.CBORUnmarshaler, fn func(i int64) error) error {
	return a.root.ForEach(a.store.Context(), func(i uint64, val *cbg.Deferred) error {
		if out != nil {
			if err := out.UnmarshalCBOR(bytes.NewReader(val.Raw)); err != nil {
				return err
			}
		}
		return fn(int64(i))
	})
}
