package hamt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBitsConsumption(t *testing.T) {
	hb := newHashBits([]byte{0b10110011, 0b01010101})

	v, err := hb.next(5)
	require.NoError(t, err)
	require.Equal(t, 0b10110, v)

	v, err = hb.next(5)
	require.NoError(t, err)
	require.Equal(t, 0b01101, v)

	require.Equal(t, 6, hb.remaining())

	v, err = hb.next(5)
	require.NoError(t, err)
	require.Equal(t, 0b01010, v)

	_, err = hb.next(5)
	require.Error(t, err)

	v, err = hb.next(1)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, 0, hb.remaining())
}

func TestHashBitsByteAligned(t *testing.T) {
	hb := newHashBits([]byte{0xff, 0x00})

	v, err := hb.next(8)
	require.NoError(t, err)
	require.Equal(t, 0xff, v)

	v, err = hb.next(8)
	require.NoError(t, err)
	require.Equal(t, 0x00, v)
}
