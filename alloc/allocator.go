// Package alloc is the allocator core. An Allocator hands out blocks from a heap, records each
// one in a directory along with how much of it is in use and what its owner permits, and decides
// for every resize whether a block can grow where it is or must move.
package alloc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/internal/utils"
	"github.com/vkngwrapper/substrate/memutils"
	"golang.org/x/exp/slog"
)

// ResizeKind is the outcome of a Reallocate call
type ResizeKind int

const (
	// ResizeExtendedInPlace indicates the block kept its address
	ResizeExtendedInPlace ResizeKind = iota
	// ResizeRelocated indicates the contents were copied to a new block
	ResizeRelocated
)

var resizeKindNames = map[ResizeKind]string{
	ResizeExtendedInPlace: "ResizeExtendedInPlace",
	ResizeRelocated:       "ResizeRelocated",
}

func (k ResizeKind) String() string {
	name, ok := resizeKindNames[k]
	if !ok {
		return "ResizeKind(unknown)"
	}
	return name
}

// ResizeResult reports where a reallocated block's contents now live
type ResizeResult struct {
	Kind    ResizeKind
	Address directory.Address
}

// Allocator is the owner of every block in a heap. It is safe for concurrent use unless it was
// created with AllocatorCreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalRWMutex

	heap      *heap.Heap
	directory *directory.Directory

	// freed holds addresses released by Free that have not been handed out again, so that a
	// second Free can be told apart from a foreign address
	freed *swiss.Map[directory.Address, struct{}]
	// lingering holds non-unique blocks that a relocation superseded
	lingering *swiss.Map[directory.Address, struct{}]
}

// Heap is the heap the allocator's blocks come from
func (a *Allocator) Heap() *heap.Heap { return a.heap }

// Memory is the host memory backing the heap
func (a *Allocator) Memory() host.Memory { return a.heap.Memory() }

func (a *Allocator) missingBlockError(address directory.Address) error {
	if _, freed := a.freed.Get(address); freed {
		return errors.Wrapf(memutils.ErrDoubleFree, "address %s", address)
	}
	return errors.Wrapf(memutils.ErrUnknownAddress, "address %s", address)
}

func (a *Allocator) liveBlock(address directory.Address) (directory.Block, error) {
	block, ok := a.directory.Lookup(address)
	if !ok {
		return directory.Block{}, a.missingBlockError(address)
	}
	return block, nil
}

func (a *Allocator) allocate(size int, flags directory.BlockFlags) (directory.Block, error) {
	address, err := a.heap.Allocate(size)
	if err != nil {
		return directory.Block{}, err
	}

	capacity, err := a.heap.UsableSize(address)
	if err != nil {
		return directory.Block{}, err
	}

	block := directory.Block{
		Address:  directory.Address(address),
		Capacity: capacity,
		Flags:    flags,
	}
	err = a.directory.Insert(block)
	if err != nil {
		panic(errors.Wrap(err, "the heap returned an address that is already in the block directory"))
	}

	a.freed.Delete(block.Address)
	return block, nil
}

// Allocate creates a block with room for at least size bytes and no bytes in use. Size 0
// allocates a minimum-size block, so the result is never Null.
func (a *Allocator) Allocate(size int) (directory.Address, error) {
	return a.AllocateWithFlags(size, 0)
}

// AllocateWithFlags creates a block with room for at least size bytes, carrying flags
func (a *Allocator) AllocateWithFlags(size int, flags directory.BlockFlags) (directory.Address, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.allocate(size, flags)
	if err != nil {
		return directory.Null, err
	}

	a.logger.Debug("Allocator::Allocate",
		slog.Int("size", size),
		slog.String("address", block.Address.String()),
		slog.Int("capacity", block.Capacity),
		slog.String("flags", flags.String()),
	)
	return block.Address, nil
}

// Reallocate gives the block at address room for newSize bytes. The block grows or shrinks in
// place when the heap allows it. Otherwise a new block with the same flags receives the first
// min(Used, newSize) bytes, and the old block is freed if it is unique, or left live for the
// other references to it if not.
//
// Reallocating Null allocates a new block.
func (a *Allocator) Reallocate(address directory.Address, newSize int) (ResizeResult, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if address == directory.Null {
		block, err := a.allocate(newSize, 0)
		if err != nil {
			return ResizeResult{}, err
		}
		return ResizeResult{Kind: ResizeRelocated, Address: block.Address}, nil
	}

	block, err := a.liveBlock(address)
	if err != nil {
		return ResizeResult{}, err
	}

	resized, err := a.resizeInPlace(block, newSize)
	if err != nil {
		return ResizeResult{}, err
	}
	if resized {
		a.logger.Debug("Allocator::Reallocate",
			slog.String("address", address.String()),
			slog.Int("newSize", newSize),
			slog.String("kind", ResizeExtendedInPlace.String()),
		)
		return ResizeResult{Kind: ResizeExtendedInPlace, Address: address}, nil
	}

	relocated, err := a.allocate(newSize, block.Flags)
	if err != nil {
		return ResizeResult{}, err
	}

	copied := block.Used
	if copied > newSize {
		copied = newSize
	}
	if copied > 0 {
		// Views are taken after the allocation, which may have grown the memory
		err = a.copyBytes(relocated.Address, block.Address, copied)
		if err != nil {
			return ResizeResult{}, errors.CombineErrors(err, a.free(relocated.Address))
		}
	}

	relocated.Used = copied
	err = a.directory.Update(relocated)
	if err != nil {
		return ResizeResult{}, errors.CombineErrors(err, a.free(relocated.Address))
	}

	if block.IsUnique() {
		err = a.free(block.Address)
		if err != nil {
			return ResizeResult{}, err
		}
	} else {
		a.lingering.Put(block.Address, struct{}{})
	}

	a.logger.Debug("Allocator::Reallocate",
		slog.String("address", address.String()),
		slog.Int("newSize", newSize),
		slog.String("kind", ResizeRelocated.String()),
		slog.String("newAddress", relocated.Address.String()),
		slog.Int("copied", copied),
		slog.Bool("lingering", !block.IsUnique()),
	)
	return ResizeResult{Kind: ResizeRelocated, Address: relocated.Address}, nil
}

func (a *Allocator) resizeInPlace(block directory.Block, newSize int) (bool, error) {
	resized, err := a.heap.Resize(uint32(block.Address), newSize)
	if err != nil || !resized {
		return false, err
	}

	block.Capacity, err = a.heap.UsableSize(uint32(block.Address))
	if err != nil {
		return false, err
	}
	if block.Used > newSize {
		block.Used = newSize
	}

	err = a.directory.Update(block)
	if err != nil {
		panic(errors.Wrap(err, "the heap resized a block over one of its neighbors"))
	}
	return true, nil
}

// Extend grows the block at address to a capacity of at least newCapacity without moving it.
// It returns false if the heap cannot do so. A block that is already large enough is left as
// it is.
func (a *Allocator) Extend(address directory.Address, newCapacity int) (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.liveBlock(address)
	if err != nil {
		return false, err
	}

	if newCapacity <= block.Capacity {
		return true, nil
	}

	extended, err := a.resizeInPlace(block, newCapacity)
	if err != nil {
		return false, err
	}

	a.logger.Debug("Allocator::Extend",
		slog.String("address", address.String()),
		slog.Int("newCapacity", newCapacity),
		slog.Bool("extended", extended),
	)
	return extended, nil
}

func (a *Allocator) free(address directory.Address) error {
	err := a.heap.Free(uint32(address))
	if err != nil {
		return err
	}

	a.directory.Remove(address)
	a.lingering.Delete(address)
	a.freed.Put(address, struct{}{})
	return nil
}

// Free releases the block at address. Freeing Null does nothing.
func (a *Allocator) Free(address directory.Address) error {
	if address == directory.Null {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, err := a.liveBlock(address)
	if err != nil {
		return err
	}

	a.logger.Debug("Allocator::Free", slog.String("address", address.String()))
	return a.free(address)
}

// Lookup finds the live block whose base is exactly address
func (a *Allocator) Lookup(address directory.Address) (directory.Block, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.directory.Lookup(address)
}

// Query finds the live block whose capacity covers address, which may point into the
// middle of it
func (a *Allocator) Query(address directory.Address) (directory.Block, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.directory.Containing(address)
}

// IsLingering reports whether the block at address was superseded by a relocation but kept
// live because it was not unique
func (a *Allocator) IsLingering(address directory.Address) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_, ok := a.lingering.Get(address)
	return ok
}

func (a *Allocator) updateBlock(address directory.Address, update func(block *directory.Block) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.liveBlock(address)
	if err != nil {
		return err
	}

	err = update(&block)
	if err != nil {
		return err
	}

	return a.directory.Update(block)
}

// SetUsed records that the first used bytes of the block at address hold live data
func (a *Allocator) SetUsed(address directory.Address, used int) error {
	return a.updateBlock(address, func(block *directory.Block) error {
		if used < 0 || used > block.Capacity {
			return errors.Errorf("cannot use %d bytes of block %s, which has a capacity of %d", used, address, block.Capacity)
		}
		block.Used = used
		return nil
	})
}

// SetFlags adds flags to the block at address
func (a *Allocator) SetFlags(address directory.Address, flags directory.BlockFlags) error {
	return a.updateBlock(address, func(block *directory.Block) error {
		block.Flags |= flags
		return nil
	})
}

// ClearFlags removes flags from the block at address
func (a *Allocator) ClearFlags(address directory.Address, flags directory.BlockFlags) error {
	return a.updateBlock(address, func(block *directory.Block) error {
		block.Flags &^= flags
		return nil
	})
}

// MarkUnique declares that nothing but the caller references the block at address
func (a *Allocator) MarkUnique(address directory.Address) error {
	return a.SetFlags(address, directory.BlockUnique)
}

// MarkAppendable permits sequences ending at the used end of the block at address to grow in
// place
func (a *Allocator) MarkAppendable(address directory.Address) error {
	return a.SetFlags(address, directory.BlockAppendable)
}

// Validate checks the directory and heap against each other, returning the first
// inconsistency found
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.directory.Validate()
	if err != nil {
		return err
	}

	err = a.heap.Validate()
	if err != nil {
		return err
	}

	if a.directory.Len() != a.heap.AllocationCount() {
		return errors.Errorf("directory holds %d blocks but the heap has %d allocations", a.directory.Len(), a.heap.AllocationCount())
	}

	a.directory.Each(func(block directory.Block) bool {
		var capacity int
		capacity, err = a.heap.UsableSize(uint32(block.Address))
		if err != nil {
			return false
		}
		if capacity != block.Capacity {
			err = errors.Errorf("block %s has a capacity of %d, but its allocation holds %d bytes", block.Address, block.Capacity, capacity)
			return false
		}
		if _, freed := a.freed.Get(block.Address); freed {
			err = errors.Errorf("block %s is live but recorded as freed", block.Address)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	a.lingering.Iter(func(address directory.Address, _ struct{}) bool {
		if _, ok := a.directory.Lookup(address); !ok {
			err = errors.Errorf("lingering block %s is not in the directory", address)
			return true
		}
		return false
	})
	return err
}

// Destroy releases the allocator's bookkeeping. Every block still live is logged, and an
// error is returned, in which case nothing is released.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.directory.Len() > 0 {
		a.directory.Each(func(block directory.Block) bool {
			_, lingering := a.lingering.Get(block.Address)
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
				slog.String("address", block.Address.String()),
				slog.Int("capacity", block.Capacity),
				slog.Int("used", block.Used),
				slog.String("flags", block.Flags.String()),
				slog.Bool("lingering", lingering),
			)
			return true
		})

		return errors.Errorf("%d blocks were not freed before the destruction of this allocator", a.directory.Len())
	}

	err := a.heap.Destroy()
	if err != nil {
		return err
	}

	a.freed.Clear()
	a.lingering.Clear()
	return nil
}
