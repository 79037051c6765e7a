package adt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/post-quantumqoin/core-types/abi"
)

func TestQuantizeUp(t *testing.T) {
	t.Run("no quantization", func(t *testing.T) {
		require.Equal(t, abi.ChainEpoch(0), NoQuantization.QuantizeUp(0))
		require.Equal(t, abi.ChainEpoch(1), NoQuantization.QuantizeUp(1))
		require.Equal(t, abi.ChainEpoch(1337), NoQuantization.QuantizeUp(1337))
	})

	t.Run("zero offset", func(t *testing.T) {
		q := NewQuantSpec(10, 0)
		require.Equal(t, abi.ChainEpoch(50), q.QuantizeUp(42))
		require.Equal(t, abi.ChainEpoch(16000), q.QuantizeUp(16000))
		require.Equal(t, abi.ChainEpoch(0), q.QuantizeUp(0))
		require.Equal(t, abi.ChainEpoch(10), q.QuantizeUp(1))
	})

	t.Run("with offset", func(t *testing.T) {
		q := NewQuantSpec(10, 3)
		require.Equal(t, abi.ChainEpoch(3), q.QuantizeUp(3))
		require.Equal(t, abi.ChainEpoch(13), q.QuantizeUp(4))
		require.Equal(t, abi.ChainEpoch(13), q.QuantizeUp(8))
		require.Equal(t, abi.ChainEpoch(13), q.QuantizeUp(13))
		require.Equal(t, abi.ChainEpoch(23), q.QuantizeUp(14))
	})

	t.Run("offset seed bigger than unit is normalized", func(t *testing.T) {
		q := NewQuantSpec(5, 42)
		require.Equal(t, abi.ChainEpoch(42), q.QuantizeUp(42))
		require.Equal(t, abi.ChainEpoch(47), q.QuantizeUp(43))
		require.Equal(t, abi.ChainEpoch(7), q.QuantizeUp(6))
	})
}

func TestQuantizeDown(t *testing.T) {
	q := NewQuantSpec(10, 3)
	require.Equal(t, abi.ChainEpoch(13), q.QuantizeDown(13))
	require.Equal(t, abi.ChainEpoch(13), q.QuantizeDown(17))
	require.Equal(t, abi.ChainEpoch(13), q.QuantizeDown(22))
	require.Equal(t, abi.ChainEpoch(23), q.QuantizeDown(23))
}
