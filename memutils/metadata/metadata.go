package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/memutils"
)

// BlockMetadata represents a single large range of linear memory. It manages suballocations
// within the range, allowing allocations to be requested, resized in place, and freed, as well
// as enumerated and queried. Offsets are relative to the start of the managed range.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the range it will be managing,
	// via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the range currently spans
	Size() int
	// Grow extends the managed range to newSize bytes. The bytes between the old size and the new
	// size become free space adjacent to whatever region previously ended the range, so an
	// allocation at the very end of the range can be resized in place afterward.
	Grow(newSize int) error

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct regions of free memory in the range.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the range.
	SumFreeSize() int
	// IsEmpty will return true if this range has no live suballocations
	IsEmpty() bool
	// TrailingFreeSize returns the number of free bytes between the end of the last region
	// in use and the end of the range. This is the space that Grow adds to.
	TrailingFreeSize() int

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the range.  Depending on implementation, this can be extremely slow and should generally not
	// be done except for diagnostic purposes.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset accepts a BlockAllocationHandle that maps to a live allocation
	// and returns its offset in bytes within the range.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize accepts a BlockAllocationHandle that maps to a live allocation and returns
	// its size in bytes. This may be larger than the size originally requested.
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation
	// and returns the userdata value provided by the consumer for that allocation.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation and
	// replaces its userData.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this range's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this range's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this range
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts a view of the memory that this range manages. It will return
	// nil if anti-corruption memory markers are present after every suballocation.
	//
	// Anti-corruption markers are only written when memutils is built with the build flag
	// `debug_mem_utils`, and it is the responsibility of consumers to write them after
	// allocation with memutils.WriteMagicValue. Consumers that do this account for
	// memutils.DebugMargin in the sizes they request.
	CheckCorruption(data []byte) error

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
	// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
	// allocation. The boolean return value is false when the range does not currently have room
	// for the request; that is not an error.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation
	// strategy - Whether to prioritize memory usage, memory offset, or allocation speed when choosing
	// a place for the requested allocation.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation described by it. The
	// implementation must return an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// Resize changes the size of a live allocation without moving it. It returns false, leaving the
	// allocation untouched, if the memory directly after the allocation is not free or is too small.
	// Shrinking always succeeds.
	Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error)

	// Free frees a suballocation, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the range in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the range in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this range
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
