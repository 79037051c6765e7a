package adt

import (
	"testing"

	"github.com/filecoin-project/go-bitfield"
	"github.com/stretchr/testify/require"

	"github.com/post-quantumqoin/core-types/abi"
)

func emptyQueue(t *testing.T, quant QuantSpec) BitfieldQueue {
	q, err := MakeEmptyBitfieldQueue(newTestStore(t), quant)
	require.NoError(t, err)
	return q
}

func queueEntries(t *testing.T, q BitfieldQueue) map[abi.ChainEpoch][]uint64 {
	out := map[abi.ChainEpoch][]uint64{}
	require.NoError(t, q.ForEach(func(epoch abi.ChainEpoch, bf bitfield.BitField) error {
		vals, err := bf.All(1 << 20)
		if err != nil {
			return err
		}
		out[epoch] = vals
		return nil
	}))
	return out
}

func TestAddToQueueQuantizes(t *testing.T) {
	q := emptyQueue(t, NewQuantSpec(5, 3))

	require.NoError(t, q.AddToQueueValues(2, 10))
	require.NoError(t, q.AddToQueueValues(3, 20))
	require.NoError(t, q.AddToQueueValues(4, 30))

	// 2 and 4 both round up to 3 and 8; 3 sits on a boundary.
	entries := queueEntries(t, q)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		3: {10, 20},
		8: {30},
	}, entries)
}

func TestAddToQueueMergesAndSkipsEmpty(t *testing.T) {
	q := emptyQueue(t, NoQuantization)

	require.NoError(t, q.AddToQueue(7, bitfield.NewFromSet([]uint64{1, 2})))
	require.NoError(t, q.AddToQueue(7, bitfield.NewFromSet([]uint64{2, 3})))
	require.NoError(t, q.AddToQueue(9, bitfield.New()))

	entries := queueEntries(t, q)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		7: {1, 2, 3},
	}, entries)
}

func TestAddManyToQueueValues(t *testing.T) {
	q := emptyQueue(t, NewQuantSpec(10, 0))

	require.NoError(t, q.AddManyToQueueValues(map[abi.ChainEpoch][]uint64{
		1:  {1},
		9:  {2},
		11: {3},
	}))

	entries := queueEntries(t, q)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		10: {1, 2},
		20: {3},
	}, entries)
}

func TestCutShiftsAndRemovesEmpty(t *testing.T) {
	q := emptyQueue(t, NoQuantization)

	require.NoError(t, q.AddToQueueValues(5, 0, 1, 2, 3, 4))
	require.NoError(t, q.AddToQueueValues(6, 1, 3))

	require.NoError(t, q.Cut(bitfield.NewFromSet([]uint64{1, 3})))

	// Cutting removes the bits and renumbers what remains downward; the
	// entry at 6 held only the cut bits and disappears entirely.
	entries := queueEntries(t, q)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		5: {0, 1, 2},
	}, entries)
}

func TestPopUntil(t *testing.T) {
	q := emptyQueue(t, NoQuantization)

	require.NoError(t, q.AddToQueueValues(3, 1, 2))
	require.NoError(t, q.AddToQueueValues(7, 3))
	require.NoError(t, q.AddToQueueValues(20, 4))

	popped, modified, err := q.PopUntil(7)
	require.NoError(t, err)
	require.True(t, modified)

	vals, err := popped.All(100)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, vals)

	entries := queueEntries(t, q)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		20: {4},
	}, entries)

	// Nothing left below the threshold.
	popped, modified, err = q.PopUntil(7)
	require.NoError(t, err)
	require.False(t, modified)
	empty, err := popped.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestPopUntilQuantizationBoundary(t *testing.T) {
	quant := NewQuantSpec(6, 1)
	q := emptyQueue(t, quant)

	e := abi.ChainEpoch(9)
	require.NoError(t, q.AddToQueueValues(e, 42))

	// Nothing sits below the bucket the entry quantized into.
	popped, modified, err := q.PopUntil(quant.QuantizeUp(e) - 1)
	require.NoError(t, err)
	require.False(t, modified)
	empty, err := popped.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	popped, modified, err = q.PopUntil(quant.QuantizeUp(e))
	require.NoError(t, err)
	require.True(t, modified)
	vals, err := popped.All(100)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, vals)
}

func TestQueueRoundTrip(t *testing.T) {
	store := newTestStore(t)
	q, err := MakeEmptyBitfieldQueue(store, NoQuantization)
	require.NoError(t, err)

	require.NoError(t, q.AddToQueueValues(4, 1, 2, 3))
	root, err := q.Root()
	require.NoError(t, err)

	q2, err := LoadBitfieldQueue(store, root, NoQuantization)
	require.NoError(t, err)
	entries := queueEntries(t, q2)
	require.Equal(t, map[abi.ChainEpoch][]uint64{
		4: {1, 2, 3},
	}, entries)
}
