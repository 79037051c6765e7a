package adt

import (
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/post-quantumqoin/core-types/abi"
)

// SetMultimap maps epochs to sets of uint64 members: a HAMT of HAMT-based
// sets, with each inner set root stored as a bare CID under its epoch key.
type SetMultimap struct {
	mp    *Map
	store Store
}

// AsSetMultimap interprets a store as a HAMT-based map of HAMT-based sets
// with root `r`.
func AsSetMultimap(s Store, r cid.Cid) (*SetMultimap, error) {
	m, err := AsMap(s, r)
	if err != nil {
		return nil, err
	}
	return &SetMultimap{mp: m, store: s}, nil
}

// MakeEmptySetMultimap creates a new multimap backed by an empty HAMT.
func MakeEmptySetMultimap(s Store) (*SetMultimap, error) {
	m, err := MakeEmptyMap(s)
	if err != nil {
		return nil, err
	}
	return &SetMultimap{mp: m, store: s}, nil
}

// Root flushes and returns the root cid of the underlying HAMT.
func (mm *SetMultimap) Root() (cid.Cid, error) {
	return mm.mp.Root()
}

// Put adds v to the set at epoch, writing the updated set root back under
// the epoch key.
func (mm *SetMultimap) Put(epoch abi.ChainEpoch, v uint64) error {
	return mm.PutMany(epoch, []uint64{v})
}

// PutMany adds vs to the set at epoch.
func (mm *SetMultimap) PutMany(epoch abi.ChainEpoch, vs []uint64) error {
	k := epochKey(epoch)
	set, found, err := mm.get(k)
	if err != nil {
		return err
	}
	if !found {
		if set, err = MakeEmptySet(mm.store); err != nil {
			return err
		}
	}

	for _, v := range vs {
		if err = set.Put(abi.UIntKey(v)); err != nil {
			return xerrors.Errorf("failed to add %d to set at epoch %v: %w", v, epoch, err)
		}
	}

	src, err := set.Root()
	if err != nil {
		return xerrors.Errorf("failed to flush set root: %w", err)
	}
	newSetRoot := cbg.CborCid(src)
	if err = mm.mp.Put(k, &newSetRoot); err != nil {
		return xerrors.Errorf("failed to store set: %w", err)
	}
	return nil
}

// Remove removes v from the set at epoch, deleting the epoch key entirely
// when its set empties. Removing from an absent epoch is a no-op.
func (mm *SetMultimap) Remove(epoch abi.ChainEpoch, v uint64) error {
	k := epochKey(epoch)
	set, found, err := mm.get(k)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if _, err := set.Delete(abi.UIntKey(v)); err != nil {
		return xerrors.Errorf("failed to remove %d from set at epoch %v: %w", v, epoch, err)
	}
	if set.IsEmpty() {
		if _, err := mm.mp.TryDelete(k); err != nil {
			return xerrors.Errorf("failed to delete empty set at epoch %v: %w", epoch, err)
		}
		return nil
	}

	src, err := set.Root()
	if err != nil {
		return xerrors.Errorf("failed to flush set root: %w", err)
	}
	newSetRoot := cbg.CborCid(src)
	if err = mm.mp.Put(k, &newSetRoot); err != nil {
		return xerrors.Errorf("failed to store set: %w", err)
	}
	return nil
}

// RemoveAll removes all values for an epoch. Absent epochs are a no-op.
func (mm *SetMultimap) RemoveAll(epoch abi.ChainEpoch) error {
	if _, err := mm.mp.TryDelete(epochKey(epoch)); err != nil {
		return xerrors.Errorf("failed to delete set key %v: %w", epoch, err)
	}
	return nil
}

// ForEach iterates all entries for an epoch, halting if the function returns
// an error. An absent epoch iterates nothing.
func (mm *SetMultimap) ForEach(epoch abi.ChainEpoch, fn func(v uint64) error) error {
	set, found, err := mm.get(epochKey(epoch))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return set.ForEach(func(k string) error {
		v, err := abi.ParseUIntKey(k)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

func (mm *SetMultimap) get(key abi.Keyer) (*Set, bool, error) {
	var setRoot cbg.CborCid
	found, err := mm.mp.Get(key, &setRoot)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to load set key %v: %w", key.Key(), err)
	}
	var set *Set
	if found {
		set, err = AsSet(mm.store, cid.Cid(setRoot))
		if err != nil {
			return nil, false, err
		}
	}
	return set, found, nil
}

func epochKey(e abi.ChainEpoch) abi.Keyer {
	return abi.UIntKey(uint64(e))
}
