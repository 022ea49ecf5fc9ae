package memutils

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
)

// MaxAddressableSize is the largest byte count that can be described within a 32-bit linear
// memory. Sizes above it can never be satisfied and are reported as ErrOutOfMemory.
const MaxAddressableSize = math.MaxUint32

// CheckedMultiply returns the exact product of a and b, and whether that product overflowed
// the width of uint. When overflowed is true, the returned product is the wrapped value and
// must not be used to size anything.
func CheckedMultiply(a, b uint) (product uint, overflowed bool) {
	hi, lo := bits.Mul(a, b)
	return lo, hi != 0
}

// CheckedAdd returns the sum of a and b, and whether that sum overflowed the width of uint.
func CheckedAdd(a, b uint) (sum uint, overflowed bool) {
	sum, carry := bits.Add(a, b, 0)
	return sum, carry != 0
}

// SizeOf computes count*elemSize bytes, returning ErrOutOfMemory if either input is negative,
// the product overflows, or the product does not fit in MaxAddressableSize.
func SizeOf(count, elemSize int) (int, error) {
	if count < 0 || elemSize < 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "invalid size computation: %d elements of %d bytes", count, elemSize)
	}

	product, overflowed := CheckedMultiply(uint(count), uint(elemSize))
	if overflowed || product > uint(MaxAddressableSize) {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d elements of %d bytes exceeds the address space", count, elemSize)
	}

	return int(product), nil
}

// AddSizes sums a and b, returning ErrOutOfMemory if the result leaves MaxAddressableSize.
func AddSizes(a, b int) (int, error) {
	if a < 0 || b < 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "invalid size computation: %d + %d", a, b)
	}

	sum, overflowed := CheckedAdd(uint(a), uint(b))
	if overflowed || sum > uint(MaxAddressableSize) {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d + %d exceeds the address space", a, b)
	}

	return int(sum), nil
}
