// Package heap implements the raw allocate/resize/free triple over a host linear memory.
// A Heap maps addresses in the memory to suballocations of a single BlockMetadata that spans
// from the heap's base to the end of the memory, and grows the memory when it runs out of room.
package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/memutils"
	"github.com/vkngwrapper/substrate/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Heap is not safe for concurrent use. Callers that share one synchronize around it.
type Heap struct {
	logger *slog.Logger
	memory host.Memory

	metadata  metadata.BlockMetadata
	algorithm Algorithm
	strategy  metadata.AllocationStrategy
	alignment uint
	base      int
	maxSize   int

	allocations *swiss.Map[uint32, metadata.BlockAllocationHandle]
}

// Alignment is the alignment of every address the heap returns
func (h *Heap) Alignment() uint { return h.alignment }

// Base is the lowest address the heap can return
func (h *Heap) Base() uint32 { return uint32(h.base) }

// Size is the number of bytes of host memory the heap currently manages
func (h *Heap) Size() int { return h.metadata.Size() }

// Memory is the host memory the heap allocates from
func (h *Heap) Memory() host.Memory { return h.memory }

// AllocationCount is the number of live allocations
func (h *Heap) AllocationCount() int { return h.metadata.AllocationCount() }

// IsEmpty returns true if the heap has no live allocations
func (h *Heap) IsEmpty() bool { return h.metadata.IsEmpty() }

// allocationSize converts a requested size into the size of the suballocation backing it
func (h *Heap) allocationSize(size int) (int, error) {
	if size < 0 {
		return 0, errors.Errorf("invalid allocation size: %d", size)
	}
	if size == 0 {
		size = 1
	}

	if uint64(size)+uint64(h.alignment)+uint64(memutils.DebugMargin) > uint64(h.maxSize) {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "allocation of %d bytes exceeds the maximum heap size of %d bytes", size, h.maxSize)
	}

	return memutils.AlignUp(size, h.alignment) + memutils.DebugMargin, nil
}

// grow makes at least extraBytes more bytes available at the end of the heap, growing the
// host memory if needed
func (h *Heap) grow(extraBytes int) error {
	required := uint64(h.metadata.Size()) + uint64(extraBytes)
	if required > uint64(h.maxSize) {
		return errors.Wrapf(memutils.ErrOutOfMemory, "heap would grow to %d bytes, past its maximum of %d bytes", required, h.maxSize)
	}

	requiredPages := host.PagesFor(uint64(h.base) + required)
	if requiredPages > host.MaxPages {
		return errors.Wrapf(memutils.ErrOutOfMemory, "heap would grow to %d bytes, past the end of the address space", required)
	}

	currentPages := h.memory.Size() / host.PageSize
	if uint64(currentPages) < requiredPages {
		maxPages := uint32(host.PagesFor(uint64(h.base) + uint64(h.maxSize)))
		if maxPages > host.MaxPages {
			maxPages = host.MaxPages
		}

		deltaPages := host.GrowPolicy(currentPages, uint32(requiredPages), maxPages)
		_, ok := h.memory.Grow(deltaPages)
		if !ok {
			// Doubling may be what's too much, try for exactly what's needed
			exactPages := uint32(requiredPages) - currentPages
			if exactPages == deltaPages {
				return errors.Wrapf(memutils.ErrOutOfMemory, "host memory failed to grow from %d pages to %d pages", currentPages, requiredPages)
			}

			_, ok = h.memory.Grow(exactPages)
			if !ok {
				return errors.Wrapf(memutils.ErrOutOfMemory, "host memory failed to grow from %d pages to %d pages", currentPages, requiredPages)
			}
		}

		h.logger.Debug("Heap::grow",
			slog.Int("previousPages", int(currentPages)),
			slog.Int("pages", int(h.memory.Size()/host.PageSize)),
		)
	}

	available := h.availableSize()
	if uint64(available) < required {
		return errors.Wrapf(memutils.ErrOutOfMemory, "host memory of %d bytes cannot hold a heap of %d bytes", h.memory.Size(), required)
	}

	return h.metadata.Grow(available)
}

func (h *Heap) address(offset int) uint32 {
	return uint32(h.base + offset)
}

func (h *Heap) handle(address uint32) (metadata.BlockAllocationHandle, error) {
	handle, ok := h.allocations.Get(address)
	if !ok {
		return metadata.NoAllocation, errors.Wrapf(memutils.ErrUnknownAddress, "address %#x", address)
	}

	return handle, nil
}

func (h *Heap) writeMagicValue(handle metadata.BlockAllocationHandle) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	offset, err := h.metadata.AllocationOffset(handle)
	if err != nil {
		return err
	}
	size, err := h.metadata.AllocationSize(handle)
	if err != nil {
		return err
	}

	data, ok := h.memory.Read(h.address(offset+size-memutils.DebugMargin), uint32(memutils.DebugMargin))
	if !ok {
		panic("heap allocation extends past the end of host memory")
	}
	memutils.WriteMagicValue(data)
	return nil
}

// Allocate reserves at least size bytes and returns their address, which is aligned to
// Alignment and never 0. Allocating 0 bytes returns a unique minimum-size allocation.
func (h *Heap) Allocate(size int) (uint32, error) {
	allocSize, err := h.allocationSize(size)
	if err != nil {
		return 0, err
	}

	success, request, err := h.metadata.CreateAllocationRequest(allocSize, h.alignment, h.strategy)
	if err != nil {
		return 0, err
	}

	if !success {
		// Room for the allocation plus worst case alignment, past what's free at the end already
		extra := allocSize + int(h.alignment) - h.metadata.TrailingFreeSize()
		err = h.grow(extra)
		if err != nil {
			return 0, err
		}

		success, request, err = h.metadata.CreateAllocationRequest(allocSize, h.alignment, h.strategy)
		if err != nil {
			return 0, err
		}
		if !success {
			panic("heap grew to make room for an allocation, but the allocation still does not fit")
		}
	}

	err = h.metadata.Alloc(request, size)
	if err != nil {
		return 0, err
	}

	address := h.address(request.Offset)
	h.allocations.Put(address, request.BlockAllocationHandle)

	err = h.writeMagicValue(request.BlockAllocationHandle)
	if err != nil {
		return 0, err
	}

	return address, nil
}

// Resize changes the size of the allocation at address without moving it. It returns false,
// leaving the allocation untouched, when the memory after the allocation is in use. An
// allocation at the end of the heap grows the host memory if it needs to.
func (h *Heap) Resize(address uint32, newSize int) (bool, error) {
	handle, err := h.handle(address)
	if err != nil {
		return false, err
	}

	allocSize, err := h.allocationSize(newSize)
	if err != nil {
		return false, err
	}

	resized, err := h.metadata.Resize(handle, allocSize)
	if err != nil {
		return false, err
	}

	if !resized {
		offset, err := h.metadata.AllocationOffset(handle)
		if err != nil {
			return false, err
		}
		currentSize, err := h.metadata.AllocationSize(handle)
		if err != nil {
			return false, err
		}

		// Only the last allocation benefits from growing the memory
		if offset+currentSize+h.metadata.TrailingFreeSize() != h.metadata.Size() {
			return false, nil
		}

		err = h.grow(allocSize - currentSize - h.metadata.TrailingFreeSize())
		if err != nil {
			return false, err
		}

		resized, err = h.metadata.Resize(handle, allocSize)
		if err != nil {
			return false, err
		}
		if !resized {
			panic("heap grew to make room for a resize, but the allocation still does not fit")
		}
	}

	err = h.metadata.SetAllocationUserData(handle, newSize)
	if err != nil {
		return false, err
	}

	return true, h.writeMagicValue(handle)
}

// Free releases the allocation at address
func (h *Heap) Free(address uint32) error {
	handle, err := h.handle(address)
	if err != nil {
		return err
	}

	err = h.metadata.Free(handle)
	if err != nil {
		return err
	}

	h.allocations.Delete(address)
	return nil
}

// UsableSize returns the number of bytes at address that belong to the allocation. It is at
// least the size that was requested.
func (h *Heap) UsableSize(address uint32) (int, error) {
	handle, err := h.handle(address)
	if err != nil {
		return 0, err
	}

	size, err := h.metadata.AllocationSize(handle)
	if err != nil {
		return 0, err
	}

	return size - memutils.DebugMargin, nil
}

// Bytes returns a view of the usable bytes of the allocation at address. The view must not
// be retained across an operation that can grow the heap.
func (h *Heap) Bytes(address uint32) ([]byte, error) {
	size, err := h.UsableSize(address)
	if err != nil {
		return nil, err
	}

	data, ok := h.memory.Read(address, uint32(size))
	if !ok {
		panic("heap allocation extends past the end of host memory")
	}
	return data, nil
}

// Validate checks the consistency of the heap's suballocations with the addresses it has
// handed out
func (h *Heap) Validate() error {
	if uint64(h.base)+uint64(h.metadata.Size()) > uint64(h.memory.Size()) {
		return errors.Errorf("heap spans %d bytes from %d, past the end of the host memory at %d", h.metadata.Size(), h.base, h.memory.Size())
	}

	liveCount := 0
	err := h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}
		liveCount++

		address := h.address(offset)
		if uint(address)&(h.alignment-1) != 0 {
			return errors.Errorf("allocation at address %#x is not aligned to %d", address, h.alignment)
		}

		mapped, ok := h.allocations.Get(address)
		if !ok || mapped != handle {
			return errors.Errorf("allocation at address %#x is not tracked by the heap", address)
		}

		requested, isSize := userData.(int)
		if !isSize || requested > size-memutils.DebugMargin {
			return errors.Errorf("allocation at address %#x does not have room for its requested size", address)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if liveCount != h.allocations.Count() {
		return errors.Errorf("heap tracks %d addresses but has %d live allocations", h.allocations.Count(), liveCount)
	}

	return h.metadata.Validate()
}

// CheckCorruption verifies the debug margins after every allocation. It always succeeds unless
// built with the debug_mem_utils tag.
func (h *Heap) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	data, ok := h.memory.Read(uint32(h.base), uint32(h.metadata.Size()))
	if !ok {
		return errors.New("heap extends past the end of host memory")
	}

	return h.metadata.CheckCorruption(data)
}

// AddStatistics sums the heap's statistics into stats
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.metadata.AddStatistics(stats)
}

// AddDetailedStatistics sums the heap's statistics into stats. This visits every region in
// the heap.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.metadata.AddDetailedStatistics(stats)
}

// PrintJson writes a description of the heap into an open json object. When detailed is true,
// every region is listed.
func (h *Heap) PrintJson(json jwriter.ObjectState, detailed bool) {
	json.Name("Base").Int(h.base)
	json.Name("Alignment").Int(int(h.alignment))
	json.Name("Strategy").String(h.strategy.String())
	h.metadata.BlockJsonData(json)

	if !detailed {
		return
	}

	regions := json.Name("Regions").Array()
	defer regions.End()

	_ = h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Address").Int(h.base + offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("Free")
			return nil
		}

		obj.Name("Type").String("Allocation")
		if requested, ok := userData.(int); ok {
			obj.Name("Requested").Int(requested)
		}
		return nil
	})
}

// BuildStatsString returns the heap's statistics as a json document
func (h *Heap) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	total := obj.Name("Total").Object()
	stats.PrintJson(total)
	total.End()

	heap := obj.Name("Heap").Object()
	h.PrintJson(heap, detailed)
	heap.End()

	obj.End()
	return string(writer.Bytes())
}

// Destroy releases the heap's bookkeeping. It logs and returns an error for every allocation
// still live, in which case the heap is left intact.
func (h *Heap) Destroy() error {
	if !h.metadata.IsEmpty() {
		err := h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("address", h.base+offset),
				slog.Int("size", size),
				slog.Any("requested", userData),
			)
			return nil
		})
		if err != nil {
			h.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Errorf("%d allocations were not freed before the destruction of this heap", h.metadata.AllocationCount())
	}

	h.metadata.Clear()
	h.allocations.Clear()
	return nil
}
