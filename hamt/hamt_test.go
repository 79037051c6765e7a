package hamt

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/post-quantumqoin/go-ipld-adt/blockstore"
)

func newTestStore() cbor.IpldStore {
	return cbor.NewCborStore(blockstore.NewMemory())
}

func cborInt(i int64) *cbg.CborInt {
	v := cbg.CborInt(i)
	return &v
}

func TestSetFindDelete(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	h, err := NewHamt(bs)
	require.NoError(t, err)
	require.True(t, h.IsEmpty())

	require.NoError(t, h.Set(ctx, "foo", cborInt(1)))
	require.NoError(t, h.Set(ctx, "bar", cborInt(2)))
	require.False(t, h.IsEmpty())

	c, err := h.Flush(ctx)
	require.NoError(t, err)

	h2, err := LoadHamt(ctx, bs, c)
	require.NoError(t, err)

	var out cbg.CborInt
	found, err := h2.Find(ctx, "foo", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cbg.CborInt(1), out)

	found, err = h2.Has(ctx, "baz")
	require.NoError(t, err)
	require.False(t, found)

	found, err = h2.Delete(ctx, "foo")
	require.NoError(t, err)
	require.True(t, found)

	found, err = h2.Delete(ctx, "foo")
	require.NoError(t, err)
	require.False(t, found)

	found, err = h2.Has(ctx, "foo")
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertionOrderIndependence(t *testing.T) {
	ctx := context.Background()

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	buildRoot := func(reverse bool) string {
		h, err := NewHamt(newTestStore())
		require.NoError(t, err)
		for i := range keys {
			k := keys[i]
			if reverse {
				k = keys[len(keys)-1-i]
			}
			require.NoError(t, h.Set(ctx, k, cborInt(int64(len(k)))))
		}
		c, err := h.Flush(ctx)
		require.NoError(t, err)
		return c.String()
	}

	require.Equal(t, buildRoot(false), buildRoot(true))
}

func TestDeleteRestoresShape(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	h, err := NewHamt(bs)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Set(ctx, fmt.Sprintf("stable-%d", i), cborInt(int64(i))))
	}
	base, err := h.Flush(ctx)
	require.NoError(t, err)

	// Adding then removing keys must leave the exact prior root, even when
	// the additions forced sharding.
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Set(ctx, fmt.Sprintf("ephemeral-%d", i), cborInt(int64(i))))
	}
	_, err = h.Flush(ctx)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		found, err := h.Delete(ctx, fmt.Sprintf("ephemeral-%d", i))
		require.NoError(t, err)
		require.True(t, found)
	}
	c, err := h.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, base, c)
}

func TestDeleteToEmpty(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	empty, err := NewHamt(bs)
	require.NoError(t, err)
	emptyCid, err := empty.Flush(ctx)
	require.NoError(t, err)

	h, err := NewHamt(bs)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Set(ctx, fmt.Sprintf("k%d", i), cborInt(int64(i))))
	}
	for i := 0; i < 10; i++ {
		found, err := h.Delete(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, found)
	}
	require.True(t, h.IsEmpty())

	c, err := h.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, emptyCid, c)
}

func TestUnchangedValueKeepsCid(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	h, err := NewHamt(bs)
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "a", cborInt(1)))
	require.NoError(t, h.Set(ctx, "b", cborInt(2)))
	c1, err := h.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Set(ctx, "a", cborInt(1)))
	c2, err := h.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, c1, c2)

	require.NoError(t, h.Set(ctx, "a", cborInt(3)))
	c3, err := h.Flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, c1, c3)
}

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	h, err := NewHamt(newTestStore())
	require.NoError(t, err)

	set, err := h.SetIfAbsent(ctx, "k", cborInt(1))
	require.NoError(t, err)
	require.True(t, set)

	set, err = h.SetIfAbsent(ctx, "k", cborInt(2))
	require.NoError(t, err)
	require.False(t, set)

	var out cbg.CborInt
	found, err := h.Find(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cbg.CborInt(1), out)
}

// A constant digest forces every key into the same slot at every level, so
// buckets must keep growing once the digest runs out of bits.
func TestHashExhaustionGrowsBucket(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	constantHash := func([]byte) []byte {
		return []byte{0xaa, 0xbb}
	}

	h, err := NewHamt(bs, UseHashFunction(constantHash))
	require.NoError(t, err)

	n := maxArrayWidth*3 + 1
	for i := 0; i < n; i++ {
		require.NoError(t, h.Set(ctx, fmt.Sprintf("collide-%d", i), cborInt(int64(i))))
	}

	c, err := h.Flush(ctx)
	require.NoError(t, err)

	h2, err := LoadHamt(ctx, bs, c, UseHashFunction(constantHash))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		var out cbg.CborInt
		found, err := h2.Find(ctx, fmt.Sprintf("collide-%d", i), &out)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, cbg.CborInt(i), out)
	}

	found, err := h2.Delete(ctx, "collide-0")
	require.NoError(t, err)
	require.True(t, found)

	found, err = h2.Has(ctx, "collide-1")
	require.NoError(t, err)
	require.True(t, found)
}

func TestForEach(t *testing.T) {
	ctx := context.Background()
	h, err := NewHamt(newTestStore())
	require.NoError(t, err)

	want := map[string]int64{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%d", i)
		want[k] = int64(i)
		require.NoError(t, h.Set(ctx, k, cborInt(int64(i))))
	}

	got := map[string]bool{}
	require.NoError(t, h.ForEach(ctx, func(k string, v *cbg.Deferred) error {
		require.NotEmpty(t, v.Raw)
		got[k] = true
		return nil
	}))
	require.Len(t, got, len(want))
	for k := range want {
		require.True(t, got[k], "missing key %s", k)
	}

	var visited int
	require.NoError(t, h.ForEachWhile(ctx, func(string, *cbg.Deferred) (bool, error) {
		visited++
		return visited < 7, nil
	}))
	require.Equal(t, 7, visited)
}

func TestMissingLinkTolerance(t *testing.T) {
	ctx := context.Background()
	mem := blockstore.NewMemory()
	bs := cbor.NewCborStore(mem)

	h, err := NewHamt(bs)
	require.NoError(t, err)
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, h.Set(ctx, fmt.Sprintf("key-%d", i), cborInt(int64(i))))
	}
	c, err := h.Flush(ctx)
	require.NoError(t, err)

	// Drop one subshard block out from under the trie.
	loaded, err := LoadHamt(ctx, bs, c)
	require.NoError(t, err)
	var missing cid.Cid
	for _, p := range loaded.root.pointers {
		if p.isShard() {
			missing = p.cid
			break
		}
	}
	require.True(t, missing.Defined())
	require.NoError(t, mem.DeleteBlock(ctx, missing))

	// By default the dangling link is fatal, carrying the absent CID.
	strict, err := LoadHamt(ctx, bs, c)
	require.NoError(t, err)

	var lostKey string
	var lookupErr error
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%d", i)
		if _, err := strict.Has(ctx, k); err != nil {
			lostKey, lookupErr = k, err
			break
		}
	}
	require.NotEmpty(t, lostKey)
	var enf ErrNotFound
	require.True(t, xerrors.As(lookupErr, &enf))
	require.Equal(t, missing, enf.Cid)

	err = strict.ForEach(ctx, func(string, *cbg.Deferred) error { return nil })
	require.True(t, xerrors.As(err, &enf))

	// AllowAbsent turns the dangling subtree into absent keys on reads.
	tolerant, err := LoadHamt(ctx, bs, c, AllowAbsent())
	require.NoError(t, err)

	found, err := tolerant.Find(ctx, lostKey, nil)
	require.NoError(t, err)
	require.False(t, found)

	var visited int
	require.NoError(t, tolerant.ForEach(ctx, func(string, *cbg.Deferred) error {
		visited++
		return nil
	}))
	require.Greater(t, visited, 0)
	require.Less(t, visited, n)

	// Writes through the dangling link still fail.
	err = tolerant.Set(ctx, lostKey, cborInt(1))
	require.True(t, xerrors.As(err, &enf))
	require.Equal(t, missing, enf.Cid)

	_, err = tolerant.Delete(ctx, lostKey)
	require.True(t, xerrors.As(err, &enf))
}

func TestBitWidthOption(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	h, err := NewHamt(bs, UseTreeBitWidth(8))
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "x", cborInt(1)))
	c, err := h.Flush(ctx)
	require.NoError(t, err)

	h2, err := LoadHamt(ctx, bs, c, UseTreeBitWidth(8))
	require.NoError(t, err)
	found, err := h2.Has(ctx, "x")
	require.NoError(t, err)
	require.True(t, found)

	_, err = NewHamt(bs, UseTreeBitWidth(9))
	require.Error(t, err)
}
