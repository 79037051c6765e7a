package adt

import (
	"github.com/post-quantumqoin/core-types/abi"
)

// QuantSpec rounds epochs to coarser buckets, reducing the cardinality of
// keys in epoch-indexed collections.
type QuantSpec struct {
	unit   abi.ChainEpoch // the unit of quantization
	offset abi.ChainEpoch // the offset from zero from which to base the modulus
}

func NewQuantSpec(unit, offset abi.ChainEpoch) QuantSpec {
	return QuantSpec{unit: unit, offset: offset}
}

// NoQuantization leaves epochs untouched.
var NoQuantization = NewQuantSpec(1, 0)

// QuantizeUp rounds e to the nearest exact multiple of the quantization unit
// offset by the offset modulo the unit, rounding to the next quantization
// boundary in the future.
//
// This function is equivalent to `unit * ceil(e - (offset % unit) / unit) +
// (offset % unit)` with the variables/operations over real numbers instead
// of ints. Precondition: unit >= 0 else behaviour is undefined.
func (q QuantSpec) QuantizeUp(e abi.ChainEpoch) abi.ChainEpoch {
	offset := q.offset % q.unit

	remainder := (e - offset) % q.unit
	quotient := (e - offset) / q.unit
	// Don't round if epoch falls on a quantization epoch
	if remainder == 0 {
		return q.unit*quotient + offset
	}
	// Negative truncating division rounds up
	if e-offset < 0 {
		return q.unit*quotient + offset
	}
	return q.unit*(quotient+1) + offset
}

// QuantizeDown rounds e to the previous quantization boundary, or leaves it
// alone if it already sits on one.
func (q QuantSpec) QuantizeDown(e abi.ChainEpoch) abi.ChainEpoch {
	next := q.QuantizeUp(e)
	if e == next {
		return next
	}
	return next - q.unit
}
