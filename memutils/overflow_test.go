package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/memutils"
)

func TestCheckedMultiply(t *testing.T) {
	product, overflowed := memutils.CheckedMultiply(12, 4)
	require.False(t, overflowed)
	require.Equal(t, uint(48), product)

	product, overflowed = memutils.CheckedMultiply(0, math.MaxUint)
	require.False(t, overflowed)
	require.Equal(t, uint(0), product)

	_, overflowed = memutils.CheckedMultiply(math.MaxUint/2+1, 2)
	require.True(t, overflowed)

	_, overflowed = memutils.CheckedMultiply(math.MaxUint, math.MaxUint)
	require.True(t, overflowed)
}

func TestCheckedAdd(t *testing.T) {
	sum, overflowed := memutils.CheckedAdd(5, 7)
	require.False(t, overflowed)
	require.Equal(t, uint(12), sum)

	_, overflowed = memutils.CheckedAdd(math.MaxUint, 1)
	require.True(t, overflowed)
}

func TestSizeOf(t *testing.T) {
	size, err := memutils.SizeOf(3, 4)
	require.NoError(t, err)
	require.Equal(t, 12, size)

	size, err = memutils.SizeOf(0, 4)
	require.NoError(t, err)
	require.Equal(t, 0, size)

	_, err = memutils.SizeOf(math.MaxInt, 16)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	// Fits in a uint but not in a 32-bit linear memory
	_, err = memutils.SizeOf(1<<30, 8)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = memutils.SizeOf(-1, 4)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestAddSizes(t *testing.T) {
	sum, err := memutils.AddSizes(10, 20)
	require.NoError(t, err)
	require.Equal(t, 30, sum)

	_, err = memutils.AddSizes(memutils.MaxAddressableSize, 1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = memutils.AddSizes(math.MaxInt, math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(16, "alignment"))
	require.NoError(t, memutils.CheckPow2(uint(1), "alignment"))

	err := memutils.CheckPow2(24, "alignment")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "alignment is 24")

	require.Error(t, memutils.CheckPow2(0, "alignment"))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 16, memutils.AlignUp(1, 16))
	require.Equal(t, 16, memutils.AlignUp(16, 16))
	require.Equal(t, 32, memutils.AlignUp(17, 16))
	require.Equal(t, 0, memutils.AlignUp(0, 16))
	require.Equal(t, 16, memutils.AlignDown(31, 16))
}
