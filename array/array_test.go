package array_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/array"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/memutils"
	"github.com/vkngwrapper/substrate/memutils/metadata"
)

func readyAllocator(t *testing.T, limitPages uint32) *alloc.Allocator {
	memory := host.NewLinearMemory(1, limitPages)
	a, err := alloc.New(nil, memory, alloc.CreateOptions{
		Heap: heap.CreateOptions{Strategy: metadata.AllocationStrategyMinMemory},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Validate())
	})
	return a
}

func requireValues[T array.Element](t *testing.T, a *alloc.Allocator, seq array.Slice, expected ...T) {
	values, err := array.Values[T](a, seq)
	require.NoError(t, err)
	require.Equal(t, expected, values)
	require.Len(t, values, seq.Len)
}

var int32Type = array.TypeOf[int32]()

func TestAppendToEmpty(t *testing.T) {
	a := readyAllocator(t, 16)

	seq := array.Slice{}
	require.True(t, seq.IsNull())

	seq, err := array.AppendValues[int32](a, seq, 1, 2, 3)
	require.NoError(t, err)
	require.False(t, seq.IsNull())
	require.Equal(t, 3, seq.Len)
	requireValues[int32](t, a, seq, 1, 2, 3)

	block, ok := a.Lookup(seq.Ptr)
	require.True(t, ok)
	require.GreaterOrEqual(t, block.Capacity, 12)
	require.Equal(t, 12, block.Used)
	require.True(t, block.IsAppendable())
	require.Equal(t, seq.Ptr+12, block.UsedEnd())
}

func TestAppendInPlace(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[int32](a, 1, 2, 3, 4, 5)
	require.NoError(t, err)

	grown, err := array.AppendValues[int32](a, seq, 6, 7)
	require.NoError(t, err)
	require.Equal(t, seq.Ptr, grown.Ptr)
	require.Equal(t, 7, grown.Len)
	requireValues[int32](t, a, grown, 1, 2, 3, 4, 5, 6, 7)

	// An exactly sized block still has the heap's alignment slack to grow into
	exact, err := array.Concat(a, int32Type, seq, array.Slice{})
	require.NoError(t, err)
	exactGrown, err := array.AppendValues[int32](a, exact, 6, 7)
	require.NoError(t, err)
	require.Equal(t, exact.Ptr, exactGrown.Ptr)
	requireValues[int32](t, a, exactGrown, 1, 2, 3, 4, 5, 6, 7)
}

func TestAppendGrowsLastBlockInPlace(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[uint8](a, 1, 2, 3, 4)
	require.NoError(t, err)
	block, _ := a.Lookup(seq.Ptr)
	require.Equal(t, 16, block.Capacity)

	grown, err := array.Append(a, array.TypeOf[uint8](), seq, make([]byte, 100))
	require.NoError(t, err)
	require.Equal(t, seq.Ptr, grown.Ptr)
	require.Equal(t, 104, grown.Len)

	block, _ = a.Lookup(seq.Ptr)
	require.GreaterOrEqual(t, block.Capacity, 104)
	require.Equal(t, 104, block.Used)
	require.Equal(t, 1, a.CalculateStatistics().BlockCount)

	values, err := array.Values[uint8](a, array.Slice{Ptr: grown.Ptr, Len: 5})
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 2, 3, 4, 0}, values)
}

func TestAppendRelocatesNonAppendable(t *testing.T) {
	a := readyAllocator(t, 16)

	addr, err := a.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, a.Write(addr, []byte("abcdefgh")))
	require.NoError(t, a.SetUsed(addr, 8))

	seq := array.Slice{Ptr: addr, Len: 8}
	grown, err := array.Append(a, array.UTF8, seq, []byte("ij"))
	require.NoError(t, err)
	require.NotEqual(t, addr, grown.Ptr)
	require.Equal(t, 10, grown.Len)

	data, err := array.Bytes(a, array.UTF8, grown)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefghij"), data)

	// The original is untouched and still owned by its caller
	data, err = array.Bytes(a, array.UTF8, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), data)

	block, ok := a.Lookup(grown.Ptr)
	require.True(t, ok)
	require.True(t, block.IsAppendable())
	require.False(t, block.IsUnique())

	require.NoError(t, a.Free(addr))
}

func TestAppendDoesNotClobberAliases(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[uint8](a, 1, 2, 3, 4)
	require.NoError(t, err)

	prefix := array.Slice{Ptr: seq.Ptr, Len: 2}
	grownPrefix, err := array.AppendValues[uint8](a, prefix, 9)
	require.NoError(t, err)
	require.NotEqual(t, seq.Ptr, grownPrefix.Ptr)
	requireValues[uint8](t, a, grownPrefix, 1, 2, 9)
	requireValues[uint8](t, a, seq, 1, 2, 3, 4)

	// A sub-slice that ends at the used end may grow in place
	suffix := array.Slice{Ptr: seq.Ptr + 2, Len: 2}
	grownSuffix, err := array.AppendValues[uint8](a, suffix, 5)
	require.NoError(t, err)
	require.Equal(t, suffix.Ptr, grownSuffix.Ptr)
	requireValues[uint8](t, a, grownSuffix, 3, 4, 5)
	requireValues[uint8](t, a, seq, 1, 2, 3, 4)
}

func TestAppendUniqueReleasesOldBlock(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[uint8](a, make([]uint8, 16)...)
	require.NoError(t, err)
	require.NoError(t, array.MarkUnique(a, seq))

	// Keeps the sequence's block from growing in place
	_, err = a.Allocate(16)
	require.NoError(t, err)

	grown, err := array.Append(a, array.TypeOf[uint8](), seq, make([]byte, 40))
	require.NoError(t, err)
	require.NotEqual(t, seq.Ptr, grown.Ptr)
	require.Equal(t, 56, grown.Len)

	_, ok := a.Lookup(seq.Ptr)
	require.False(t, ok)

	block, ok := a.Lookup(grown.Ptr)
	require.True(t, ok)
	require.True(t, block.IsUnique())
	require.True(t, block.IsAppendable())
	require.Equal(t, 56, block.Used)
	require.Equal(t, 0, a.CalculateStatistics().LingeringCount)
}

func TestAppendNonUniqueLingers(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[uint8](a, 1, 2, 3)
	require.NoError(t, err)
	_, err = a.Allocate(16)
	require.NoError(t, err)

	grown, err := array.Append(a, array.TypeOf[uint8](), seq, make([]byte, 40))
	require.NoError(t, err)
	require.NotEqual(t, seq.Ptr, grown.Ptr)

	// Other handles may still point at the old block
	require.True(t, a.IsLingering(seq.Ptr))
	requireValues[uint8](t, a, seq, 1, 2, 3)
	require.Equal(t, 1, a.CalculateStatistics().LingeringCount)
}

func TestAppendEmptyHandleAtBlockEnd(t *testing.T) {
	a := readyAllocator(t, 16)

	addr, err := a.Allocate(16)
	require.NoError(t, err)
	block, _ := a.Lookup(addr)
	require.Equal(t, 16, block.Capacity)

	neighbor, err := a.AllocateWithFlags(16, directory.BlockUnique)
	require.NoError(t, err)
	require.Equal(t, block.End(), neighbor)
	require.NoError(t, a.Write(neighbor, []byte("neighbor-owned!!")))
	require.NoError(t, a.SetUsed(neighbor, 16))

	seq, err := array.Append(a, array.UTF8, array.Slice{Ptr: block.End()}, []byte("x"))
	require.NoError(t, err)
	require.NotEqual(t, neighbor, seq.Ptr)

	data, err := array.Bytes(a, array.UTF8, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)

	neighborBlock, ok := a.Lookup(neighbor)
	require.True(t, ok)
	require.Equal(t, directory.BlockUnique, neighborBlock.Flags)
	require.Equal(t, 16, neighborBlock.Used)

	data, err = a.Bytes(neighbor, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("neighbor-owned!!"), data)
}

func TestMarkEmptyHandleAtBlockEnd(t *testing.T) {
	a := readyAllocator(t, 16)

	x, err := array.FromValues[int32](a, 1, 2, 3)
	require.NoError(t, err)
	y, err := array.FromValues[int32](a, 9, 9, 9)
	require.NoError(t, err)

	block, _ := a.Lookup(x.Ptr)
	end := array.Slice{Ptr: block.End()}
	require.Equal(t, y.Ptr, end.Ptr)

	require.NoError(t, array.MarkAppendable(a, int32Type, end))
	require.NoError(t, array.MarkUnique(a, end))

	grown, err := array.AppendValues[int32](a, end, 42)
	require.NoError(t, err)
	require.NotEqual(t, y.Ptr, grown.Ptr)
	requireValues[int32](t, a, grown, 42)

	requireValues[int32](t, a, y, 9, 9, 9)
	yBlock, ok := a.Lookup(y.Ptr)
	require.True(t, ok)
	require.Equal(t, 12, yBlock.Used)
	require.False(t, yBlock.IsUnique())
}

func TestAppendTruncatedUniqueToEmpty(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[int32](a, 1, 2, 3, 4)
	require.NoError(t, err)
	require.NoError(t, array.MarkUnique(a, seq))

	empty, err := array.SetLength(a, int32Type, seq, 0)
	require.NoError(t, err)
	require.Equal(t, seq.Ptr, empty.Ptr)

	grown, err := array.AppendValues[int32](a, empty, 7)
	require.NoError(t, err)
	require.NotEqual(t, seq.Ptr, grown.Ptr)
	requireValues[int32](t, a, grown, 7)

	// The empty handle sees nothing of the unique block, so it is neither released nor reused
	_, ok := a.Lookup(seq.Ptr)
	require.True(t, ok)
	requireValues[int32](t, a, seq, 1, 2, 3, 4)
}

func TestAppendPostblitOrder(t *testing.T) {
	a := readyAllocator(t, 16)

	var order []uint32
	ti := array.TypeInfo{
		Size: 4,
		Postblit: func(element []byte) {
			order = append(order, binary.LittleEndian.Uint32(element))
		},
	}

	one := func(value uint32) []byte {
		return binary.LittleEndian.AppendUint32(nil, value)
	}

	seq, err := array.AppendOne(a, ti, array.Slice{}, one(1))
	require.NoError(t, err)
	seq, err = array.AppendOne(a, ti, seq, one(2))
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, order)

	require.NoError(t, a.ClearFlags(seq.Ptr, directory.BlockAppendable))
	order = nil

	// Relocation copies the old elements first
	seq, err = array.AppendOne(a, ti, seq, one(3))
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, order)

	order = nil
	_, err = array.Concat(a, ti, seq, seq)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3, 1, 2, 3}, order)

	_, err = array.AppendOne(a, ti, seq, []byte{1})
	require.Error(t, err)
	_, err = array.Append(a, ti, seq, []byte{1, 2, 3, 4, 5})
	require.Error(t, err)
}

func TestAppendAssociativity(t *testing.T) {
	a := readyAllocator(t, 16)

	build := func(values ...int32) array.Slice {
		seq, err := array.FromValues(a, values...)
		require.NoError(t, err)
		return seq
	}

	x := build(1, 2)
	y := build(3)
	z := build(4, 5)

	left, err := array.AppendSlice(a, int32Type, x, y)
	require.NoError(t, err)
	left, err = array.AppendSlice(a, int32Type, left, z)
	require.NoError(t, err)

	yz, err := array.Concat(a, int32Type, y, z)
	require.NoError(t, err)
	right, err := array.AppendSlice(a, int32Type, build(1, 2), yz)
	require.NoError(t, err)

	leftValues, err := array.Values[int32](a, left)
	require.NoError(t, err)
	rightValues, err := array.Values[int32](a, right)
	require.NoError(t, err)
	require.Equal(t, leftValues, rightValues)
	require.Equal(t, []int32{1, 2, 3, 4, 5}, leftValues)
}

func TestAppendSliceToItself(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[uint8](a, 1, 2, 3)
	require.NoError(t, err)

	seq, err = array.AppendSlice(a, array.TypeOf[uint8](), seq, seq)
	require.NoError(t, err)
	requireValues[uint8](t, a, seq, 1, 2, 3, 1, 2, 3)
}

func TestConcat(t *testing.T) {
	a := readyAllocator(t, 16)

	x, err := array.FromValues[int32](a, 1, 2)
	require.NoError(t, err)
	y, err := array.FromValues[int32](a, 3, 4, 5)
	require.NoError(t, err)

	z, err := array.Concat(a, int32Type, x, y)
	require.NoError(t, err)
	require.Equal(t, 5, z.Len)
	require.NotEqual(t, x.Ptr, z.Ptr)
	require.NotEqual(t, y.Ptr, z.Ptr)
	requireValues[int32](t, a, z, 1, 2, 3, 4, 5)
	requireValues[int32](t, a, x, 1, 2)
	requireValues[int32](t, a, y, 3, 4, 5)

	block, _ := a.Lookup(z.Ptr)
	require.True(t, block.IsAppendable())
	require.Equal(t, 20, block.Used)

	// Concatenating with an empty sequence copies
	same, err := array.Concat(a, int32Type, array.Slice{}, x)
	require.NoError(t, err)
	require.NotEqual(t, x.Ptr, same.Ptr)
	require.Equal(t, x.Len, same.Len)
	requireValues[int32](t, a, same, 1, 2)

	empty, err := array.Concat(a, int32Type, array.Slice{}, array.Slice{Ptr: x.Ptr})
	require.NoError(t, err)
	require.Equal(t, array.Slice{}, empty)
}

func TestConcatN(t *testing.T) {
	a := readyAllocator(t, 16)

	x, err := array.FromValues[int32](a, 1, 2)
	require.NoError(t, err)
	y, err := array.FromValues[int32](a, 3, 4, 5)
	require.NoError(t, err)
	blocks := a.CalculateStatistics().BlockCount

	z, err := array.ConcatN(a, int32Type, x, array.Slice{}, y, x)
	require.NoError(t, err)
	requireValues[int32](t, a, z, 1, 2, 3, 4, 5, 1, 2)
	require.Equal(t, blocks+1, a.CalculateStatistics().BlockCount)

	empty, err := array.ConcatN(a, int32Type)
	require.NoError(t, err)
	require.True(t, empty.IsNull())

	_, err = array.ConcatN(a, int32Type, x, array.Slice{Ptr: 0x7770, Len: 2})
	require.True(t, errors.Is(err, memutils.ErrUnknownAddress))
	require.Equal(t, blocks+1, a.CalculateStatistics().BlockCount)
}

func TestSetLength(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[int32](a, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	require.NoError(t, err)

	truncated, err := array.SetLength(a, int32Type, seq, 3)
	require.NoError(t, err)
	require.Equal(t, array.Slice{Ptr: seq.Ptr, Len: 3}, truncated)

	again, err := array.SetLength(a, int32Type, truncated, 3)
	require.NoError(t, err)
	require.Equal(t, truncated, again)

	// Truncation leaves the block alone
	block, _ := a.Lookup(seq.Ptr)
	require.Equal(t, 40, block.Used)
	requireValues[int32](t, a, seq, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	grown, err := array.SetLength(a, int32Type, truncated, 8)
	require.NoError(t, err)
	require.Equal(t, 8, grown.Len)
	requireValues[int32](t, a, grown, 1, 2, 3, 0, 0, 0, 0, 0)
	requireValues[int32](t, a, seq, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
}

func TestSetLengthAfterMarkAppendable(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.FromValues[int32](a, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	require.NoError(t, err)

	truncated, err := array.SetLength(a, int32Type, seq, 3)
	require.NoError(t, err)
	require.NoError(t, array.MarkAppendable(a, int32Type, truncated))

	block, _ := a.Lookup(seq.Ptr)
	require.Equal(t, 12, block.Used)

	grown, err := array.SetLength(a, int32Type, truncated, 8)
	require.NoError(t, err)
	require.Equal(t, seq.Ptr, grown.Ptr)
	requireValues[int32](t, a, grown, 1, 2, 3, 0, 0, 0, 0, 0)
}

func TestSetLengthInit(t *testing.T) {
	a := readyAllocator(t, 16)

	pattern := binary.LittleEndian.AppendUint32(nil, 7)
	seq, err := array.SetLengthInit(a, int32Type, array.Slice{}, 3, pattern)
	require.NoError(t, err)
	requireValues[int32](t, a, seq, 7, 7, 7)

	seq, err = array.SetLengthInit(a, int32Type, seq, 5, binary.LittleEndian.AppendUint32(nil, 0xffffffff))
	require.NoError(t, err)
	requireValues[int32](t, a, seq, 7, 7, 7, -1, -1)

	_, err = array.SetLengthInit(a, int32Type, seq, 6, []byte{1, 2})
	require.Error(t, err)
	_, err = array.SetLength(a, int32Type, seq, -1)
	require.Error(t, err)

	zeroed, err := array.SetLength(a, array.UTF8, array.Slice{}, 0)
	require.NoError(t, err)
	require.True(t, zeroed.IsNull())
}

func TestSizeOverflow(t *testing.T) {
	a := readyAllocator(t, 2)

	seq, err := array.FromValues[int64](a, 1)
	require.NoError(t, err)
	blocks := a.CalculateStatistics().BlockCount

	_, err = array.SetLength(a, array.TypeOf[int64](), array.Slice{}, 1<<30)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	huge := array.TypeInfo{Size: 1 << 20}
	_, err = array.Append(a, huge, array.Slice{Ptr: seq.Ptr, Len: 1 << 13}, make([]byte, 1<<20))
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	long := array.Slice{Ptr: seq.Ptr, Len: math.MaxInt32}
	_, err = array.ConcatN(a, array.UTF8, long, long, long)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.Equal(t, blocks, a.CalculateStatistics().BlockCount)

	// Sizes that fit the address space can still fail when the host memory cannot grow
	_, err = array.SetLength(a, array.UTF8, array.Slice{}, 1<<20)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, blocks, a.CalculateStatistics().BlockCount)

	_, err = array.Append(a, array.TypeInfo{}, seq, nil)
	require.Error(t, err)
}

func TestAppendRune(t *testing.T) {
	a := readyAllocator(t, 16)

	var seq array.Slice
	var err error
	for _, r := range "hé€😀" {
		seq, err = array.AppendRune(a, seq, r)
		require.NoError(t, err)
	}

	require.Equal(t, 10, seq.Len)
	data, err := array.Bytes(a, array.UTF8, seq)
	require.NoError(t, err)
	require.Equal(t, "hé€😀", string(data))

	require.Panics(t, func() {
		_, _ = array.AppendRune(a, seq, 0xd800)
	})
	require.Panics(t, func() {
		_, _ = array.AppendRune(a, seq, 0x110000)
	})
}

func TestAppendRuneUTF16(t *testing.T) {
	a := readyAllocator(t, 16)

	seq, err := array.AppendRuneUTF16(a, array.Slice{}, 'h')
	require.NoError(t, err)
	seq, err = array.AppendRuneUTF16(a, seq, '😀')
	require.NoError(t, err)
	require.Equal(t, 3, seq.Len)

	data, err := array.Bytes(a, array.UTF16, seq)
	require.NoError(t, err)
	require.Equal(t, []byte{0x68, 0x00, 0x3d, 0xd8, 0x00, 0xde}, data)

	require.Panics(t, func() {
		_, _ = array.AppendRuneUTF16(a, seq, -1)
	})
}

type celsius float32

func TestGenericValues(t *testing.T) {
	a := readyAllocator(t, 16)

	require.Equal(t, 8, array.TypeOf[int64]().Size)
	require.Equal(t, 2, array.TypeOf[uint16]().Size)
	require.Equal(t, 4, array.TypeOf[celsius]().Size)
	require.Equal(t, 16, array.TypeOf[complex128]().Size)

	temps, err := array.FromValues[celsius](a, 21.5, -3, 100)
	require.NoError(t, err)
	requireValues[celsius](t, a, temps, 21.5, -3, 100)

	data, err := array.Bytes(a, array.TypeOf[celsius](), temps)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00, 0xac, 0x41}, data[:4])

	none, err := array.Values[int64](a, array.Slice{})
	require.NoError(t, err)
	require.Empty(t, none)

	same, err := array.AppendValues[celsius](a, temps)
	require.NoError(t, err)
	require.Equal(t, temps, same)
}
