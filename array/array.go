// Package array implements the growth primitives of dynamically sized sequences on top of an
// alloc.Allocator: append, concatenate and set-length.
//
// A sequence is a Slice handle, a pointer and an element count, together with a TypeInfo that
// says how large each element is. Handles do not own memory. Several handles may point into one
// block, and the primitives only grow a block in place when it is marked appendable and the
// sequence ends exactly where the block's used bytes end, so that growing one handle can never
// overwrite elements another handle can see.
package array

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/memutils"
)

// TypeInfo describes the elements of a sequence
type TypeInfo struct {
	// Size is the number of bytes in one element
	Size int
	// Postblit, if not nil, is called with every element copied into a new location, after the
	// copy is made, so that the copy can take ownership of anything the element refers to.
	Postblit func(element []byte)
}

func (ti TypeInfo) validate() error {
	if ti.Size < 1 {
		return errors.Errorf("invalid element size: %d", ti.Size)
	}
	return nil
}

func (ti TypeInfo) byteSize(count int) (int, error) {
	return memutils.SizeOf(count, ti.Size)
}

func (ti TypeInfo) postblit(a *alloc.Allocator, ptr directory.Address, count int) error {
	if ti.Postblit == nil {
		return nil
	}

	for i := 0; i < count; i++ {
		// Postblit may allocate, so every element gets a fresh view
		element, err := a.Bytes(ptr+directory.Address(i*ti.Size), ti.Size)
		if err != nil {
			return err
		}
		ti.Postblit(element)
	}
	return nil
}

// Slice is a handle to Len elements starting at Ptr. The zero Slice is the empty sequence.
type Slice struct {
	Ptr directory.Address
	Len int
}

func (s Slice) IsNull() bool {
	return s.Ptr == directory.Null
}

// Bytes returns a view of the elements of seq. The view aliases host memory and must not be
// retained across an allocation.
func Bytes(a *alloc.Allocator, ti TypeInfo, seq Slice) ([]byte, error) {
	err := ti.validate()
	if err != nil {
		return nil, err
	}

	size, err := ti.byteSize(seq.Len)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	return a.Bytes(seq.Ptr, size)
}

const doublingLimit = 4096

// growCapacity returns the capacity to reserve for a sequence that needs needed bytes, so that
// a run of appends does not reallocate every time
func growCapacity(needed int) int {
	var capacity int
	var err error
	if needed < doublingLimit {
		capacity, err = memutils.AddSizes(needed, needed)
	} else {
		capacity, err = memutils.AddSizes(needed, needed/2)
	}
	if err != nil {
		return needed
	}
	return capacity
}

// allocateSequence allocates a block for needed bytes with growth room, or with exactly needed
// bytes if the room is more than the memory can give
func allocateSequence(a *alloc.Allocator, needed int, flags directory.BlockFlags) (directory.Address, error) {
	capacity := growCapacity(needed)
	ptr, err := a.AllocateWithFlags(capacity, flags)
	if err != nil && capacity > needed && errors.Is(err, memutils.ErrOutOfMemory) {
		ptr, err = a.AllocateWithFlags(needed, flags)
	}
	return ptr, err
}

func owningBlock(a *alloc.Allocator, seq Slice, size int) (directory.Block, error) {
	block, ok := a.Query(seq.Ptr)
	if !ok {
		return directory.Block{}, errors.Wrapf(memutils.ErrUnknownAddress, "sequence at %s", seq.Ptr)
	}

	if uint64(seq.Ptr)+uint64(size) > uint64(block.End()) {
		return directory.Block{}, errors.Errorf("sequence of %d bytes at %s runs past the end of block %s with capacity %d", size, seq.Ptr, block.Address, block.Capacity)
	}

	return block, nil
}

// reserve makes room for newBytes bytes of the sequence seq, which currently holds oldBytes
// bytes, and returns where the sequence now starts. The block holding the sequence has its used
// bytes extended to the end of the new room. If the sequence had to move, its bytes were copied
// and postblitted at the new location.
func reserve(a *alloc.Allocator, ti TypeInfo, seq Slice, oldBytes, newBytes int) (directory.Address, error) {
	if oldBytes == 0 {
		// An empty handle may point anywhere, even one past the end of a block, so the block at
		// its address need not be its own. It is grown like null.
		ptr, err := allocateSequence(a, newBytes, directory.BlockAppendable)
		if err != nil {
			return directory.Null, err
		}
		return ptr, a.SetUsed(ptr, newBytes)
	}

	block, err := owningBlock(a, seq, oldBytes)
	if err != nil {
		return directory.Null, err
	}

	offset := int(seq.Ptr - block.Address)
	if block.IsAppendable() && offset+oldBytes == block.Used {
		needed, err := memutils.AddSizes(offset, newBytes)
		if err != nil {
			return directory.Null, err
		}

		if needed <= block.Capacity {
			return seq.Ptr, a.SetUsed(block.Address, needed)
		}

		if offset == 0 {
			return reallocate(a, ti, seq, block, needed)
		}

		capacity := growCapacity(needed)
		extended, err := a.Extend(block.Address, capacity)
		if err == nil && !extended && capacity > needed {
			extended, err = a.Extend(block.Address, needed)
		}
		if err != nil && !errors.Is(err, memutils.ErrOutOfMemory) {
			return directory.Null, err
		}
		if extended {
			return seq.Ptr, a.SetUsed(block.Address, needed)
		}
	}

	return relocate(a, ti, seq, block, oldBytes, newBytes)
}

// reallocate grows a sequence that covers its block's used bytes from the base through the
// allocator's own decision between resizing and moving
func reallocate(a *alloc.Allocator, ti TypeInfo, seq Slice, block directory.Block, needed int) (directory.Address, error) {
	capacity := growCapacity(needed)
	result, err := a.Reallocate(block.Address, capacity)
	if err != nil && capacity > needed && errors.Is(err, memutils.ErrOutOfMemory) {
		result, err = a.Reallocate(block.Address, needed)
	}
	if err != nil {
		return directory.Null, err
	}

	if result.Kind == alloc.ResizeRelocated {
		err = ti.postblit(a, result.Address, seq.Len)
		if err != nil {
			return directory.Null, err
		}
	}

	return result.Address, a.SetUsed(result.Address, needed)
}

// relocate copies a sequence into a new block with room for newBytes bytes. A unique block
// has no other handles into it, so it is released.
func relocate(a *alloc.Allocator, ti TypeInfo, seq Slice, block directory.Block, oldBytes, newBytes int) (directory.Address, error) {
	ptr, err := allocateSequence(a, newBytes, directory.BlockAppendable|block.Flags&directory.BlockUnique)
	if err != nil {
		return directory.Null, err
	}

	if oldBytes > 0 {
		err = a.Copy(ptr, seq.Ptr, oldBytes)
		if err != nil {
			return directory.Null, errors.CombineErrors(err, a.Free(ptr))
		}

		err = ti.postblit(a, ptr, seq.Len)
		if err != nil {
			return directory.Null, errors.CombineErrors(err, a.Free(ptr))
		}
	}

	if block.IsUnique() {
		err = a.Free(block.Address)
		if err != nil {
			return directory.Null, err
		}
	}

	return ptr, a.SetUsed(ptr, newBytes)
}

// MarkAppendable asserts that no other handle sees elements past the end of seq, so that
// appending to seq may grow it in place. The used bytes of the block are cut back to the end
// of seq.
//
// An empty seq sees no block, so marking it does nothing.
func MarkAppendable(a *alloc.Allocator, ti TypeInfo, seq Slice) error {
	err := ti.validate()
	if err != nil {
		return err
	}
	if seq.Len == 0 {
		return nil
	}

	size, err := ti.byteSize(seq.Len)
	if err != nil {
		return err
	}

	block, err := owningBlock(a, seq, size)
	if err != nil {
		return err
	}

	err = a.SetUsed(block.Address, int(seq.Ptr-block.Address)+size)
	if err != nil {
		return err
	}
	return a.MarkAppendable(block.Address)
}

// MarkUnique asserts that seq is the only handle into its block, so that the block may be
// released as soon as the sequence moves. Like MarkAppendable, it does nothing for an empty seq.
func MarkUnique(a *alloc.Allocator, seq Slice) error {
	if seq.Len == 0 {
		return nil
	}
	block, ok := a.Query(seq.Ptr)
	if !ok {
		return errors.Wrapf(memutils.ErrUnknownAddress, "sequence at %s", seq.Ptr)
	}
	return a.MarkUnique(block.Address)
}
