package hamt

import (
	"math/bits"

	"golang.org/x/xerrors"
)

// bitmap tracks occupied slots of a node. 256 bits covers the widest
// supported node (bit width 8); narrower widths just leave the high bits
// unused. Words are little-endian: bit i lives in word i/64.
type bitmap struct {
	w [4]uint64
}

func (b *bitmap) test(i int) bool {
	return b.w[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *bitmap) set(i int) {
	b.w[i/64] |= 1 << (uint(i) % 64)
}

func (b *bitmap) clear(i int) {
	b.w[i/64] &^= 1 << (uint(i) % 64)
}

func (b *bitmap) isEmpty() bool {
	return b.w[0]|b.w[1]|b.w[2]|b.w[3] == 0
}

func (b *bitmap) count() int {
	var n int
	for _, w := range b.w {
		n += bits.OnesCount64(w)
	}
	return n
}

// countBelow counts set bits strictly below position i. It is the dense
// index of slot i in the node's pointer list.
func (b *bitmap) countBelow(i int) int {
	var n int
	for w := 0; w < i/64; w++ {
		n += bits.OnesCount64(b.w[w])
	}
	n += bits.OnesCount64(b.w[i/64] & ((1 << (uint(i) % 64)) - 1))
	return n
}

// bytes renders the bitmap as a minimal big-endian byte string, the wire
// form. An empty bitmap renders as zero bytes.
func (b *bitmap) bytes() []byte {
	out := make([]byte, 32)
	for j := 0; j < 32; j++ {
		out[31-j] = byte(b.w[j/8] >> (8 * (uint(j) % 8)))
	}
	var i int
	for i < len(out) && out[i] == 0 {
		i++
	}
	return out[i:]
}

func bitmapFromBytes(bs []byte) (bitmap, error) {
	if len(bs) > 32 {
		return bitmap{}, xerrors.Errorf("bitmap too long: %d bytes", len(bs))
	}
	var b bitmap
	for j, c := range bs {
		pos := len(bs) - 1 - j
		b.w[pos/8] |= uint64(c) << (8 * (uint(pos) % 8))
	}
	return b, nil
}
