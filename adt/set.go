package adt

import (
	"github.com/ipfs/go-cid"

	"github.com/post-quantumqoin/core-types/abi"
)

// Set interprets a Map as a set, storing keys (with empty values) in a HAMT.
type Set struct {
	m *Map
}

// AsSet interprets a store as a HAMT-based set with root `r`.
func AsSet(s Store, r cid.Cid) (*Set, error) {
	m, err := AsMap(s, r)
	if err != nil {
		return nil, err
	}
	return &Set{m: m}, nil
}

// MakeEmptySet creates a new set backed by an empty HAMT.
func MakeEmptySet(s Store) (*Set, error) {
	m, err := MakeEmptyMap(s)
	if err != nil {
		return nil, err
	}
	return &Set{m}, nil
}

// Root returns the root cid of the underlying HAMT.
func (h *Set) Root() (cid.Cid, error) {
	return h.m.Root()
}

// Put adds `k` to the set.
func (h *Set) Put(k abi.Keyer) error {
	return h.m.Put(k, nil)
}

// Has returns true iff `k` is in the set.
func (h *Set) Has(k abi.Keyer) (bool, error) {
	return h.m.Get(k, nil)
}

// Delete removes `k` from the set if present, reporting whether it was.
func (h *Set) Delete(k abi.Keyer) (bool, error) {
	return h.m.TryDelete(k)
}

// IsEmpty reports whether the set holds no keys.
func (h *Set) IsEmpty() bool {
	return h.m.IsEmpty()
}

// ForEach iterates over all keys in the set, calling the callback for each.
// Returning error from the callback stops the iteration.
func (h *Set) ForEach(cb func(k string) error) error {
	return h.m.ForEach(nil, cb)
}

// CollectKeys collects all the keys from the set into a slice of strings.
func (h *Set) CollectKeys() (out []string, err error) {
	return h.m.CollectKeys()
}
