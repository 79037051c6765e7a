package hamt

import "golang.org/x/xerrors"

// errNoBits signals that the digest has no bits left to consume. Surfacing
// it during navigation means the trie is deeper than the digest can address.
var errNoBits = xerrors.New("no more bits in hash digest")

// hashBits wraps a digest and hands out its bits big-endian, a few at a
// time, tracking how many have been consumed.
type hashBits struct {
	b        []byte
	consumed int
}

func newHashBits(digest []byte) *hashBits {
	return &hashBits{b: digest}
}

// remaining is the number of unconsumed bits.
func (hb *hashBits) remaining() int {
	return len(hb.b)*8 - hb.consumed
}

func mkmask(n int) byte {
	return (1 << uint(n)) - 1
}

// next returns the next i bits of the digest as an int, or errNoBits if
// fewer than i remain.
func (hb *hashBits) next(i int) (int, error) {
	if i > hb.remaining() {
		return 0, errNoBits
	}
	return hb.nextBits(i), nil
}

func (hb *hashBits) nextBits(i int) int {
	curbi := hb.consumed / 8
	leftb := 8 - (hb.consumed % 8)

	curb := hb.b[curbi]
	switch {
	case i == leftb:
		out := int(mkmask(i) & curb)
		hb.consumed += i
		return out
	case i < leftb:
		a := curb & mkmask(leftb)
		b := a & ^mkmask(leftb-i)
		c := b >> uint(leftb-i)
		hb.consumed += i
		return int(c)
	default:
		out := int(mkmask(leftb) & curb)
		out <<= uint(i - leftb)
		hb.consumed += leftb
		out += hb.nextBits(i - leftb)
		return out
	}
}
