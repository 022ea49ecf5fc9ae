package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/memutils"
)

type bumpAllocation struct {
	offset   int
	size     int
	userData any
	handle   BlockAllocationHandle
	free     bool
}

// BumpBlockMetadata places every allocation at the top of the range, above all allocations made
// before it. Freed allocations leave holes that are only reclaimed once everything above them has
// been freed as well, so it behaves as a stack: cheap to allocate from and ideal for workloads
// whose lifetimes nest, while long-lived allocations at the bottom pin the space above them.
//
// Only the topmost allocation can grow in place.
type BumpBlockMetadata struct {
	BlockMetadataBase

	allocations          []bumpAllocation
	handleKey            *swiss.Map[BlockAllocationHandle, int]
	nextAllocationHandle BlockAllocationHandle

	allocCount int
	liveBytes  int
}

var _ BlockMetadata = &BumpBlockMetadata{}

func NewBumpBlockMetadata() *BumpBlockMetadata {
	return &BumpBlockMetadata{}
}

func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, int](42)
	m.allocations = m.allocations[:0]
	m.allocCount = 0
	m.liveBytes = 0
}

func (m *BumpBlockMetadata) Grow(newSize int) error {
	if newSize < m.size {
		return errors.Errorf("cannot grow metadata of size %d to smaller size %d", m.size, newSize)
	}

	m.size = newSize
	return nil
}

func (m *BumpBlockMetadata) top() int {
	if len(m.allocations) == 0 {
		return 0
	}

	last := &m.allocations[len(m.allocations)-1]
	return last.offset + last.size
}

func (m *BumpBlockMetadata) getAllocation(handle BlockAllocationHandle) (int, *bumpAllocation, error) {
	index, ok := m.handleKey.Get(handle)
	if !ok {
		return 0, nil, errors.Errorf("received handle %d which is not known to this metadata", handle)
	}

	return index, &m.allocations[index], nil
}

func (m *BumpBlockMetadata) getLiveAllocation(handle BlockAllocationHandle) (int, *bumpAllocation, error) {
	index, alloc, err := m.getAllocation(handle)
	if err != nil {
		return 0, nil, err
	}
	if alloc.free {
		return 0, nil, errors.Errorf("handle %d maps to a free region", handle)
	}

	return index, alloc, nil
}

func (m *BumpBlockMetadata) Validate() error {
	if m.handleKey.Count() != len(m.allocations) {
		return errors.Errorf("the metadata tracks %d handles but has %d allocation records", m.handleKey.Count(), len(m.allocations))
	}

	if len(m.allocations) > 0 && m.allocations[len(m.allocations)-1].free {
		return errors.New("the topmost allocation record is free but was not reclaimed")
	}

	var allocCount, liveBytes, end int
	for i := range m.allocations {
		alloc := &m.allocations[i]

		if alloc.offset < end {
			return errors.Errorf("allocation at offset %d overlaps the allocation before it, which ends at %d", alloc.offset, end)
		}
		if alloc.size < 1 {
			return errors.Errorf("allocation at offset %d has invalid size %d", alloc.offset, alloc.size)
		}

		index, ok := m.handleKey.Get(alloc.handle)
		if !ok || index != i {
			return errors.Errorf("allocation at offset %d has a handle that does not map back to it", alloc.offset)
		}

		end = alloc.offset + alloc.size
		if !alloc.free {
			allocCount++
			liveBytes += alloc.size
		}
	}

	if end > m.size {
		return errors.Errorf("allocations extend to offset %d, past the end of the range at %d", end, m.size)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the live records only added up to %d", m.allocCount, allocCount)
	}

	if liveBytes != m.liveBytes {
		return errors.Errorf("the metadata has %d live bytes, but the live records only added up to %d", m.liveBytes, liveBytes)
	}

	return nil
}

// visitRegions walks the range in offset order. Adjacent holes, padding and freed records are
// reported as a single free run with a nil allocation.
func (m *BumpBlockMetadata) visitRegions(visit func(offset, size int, alloc *bumpAllocation) error) error {
	freeStart := 0
	for i := range m.allocations {
		alloc := &m.allocations[i]
		if alloc.free {
			continue
		}

		if alloc.offset > freeStart {
			err := visit(freeStart, alloc.offset-freeStart, nil)
			if err != nil {
				return err
			}
		}

		err := visit(alloc.offset, alloc.size, alloc)
		if err != nil {
			return err
		}

		freeStart = alloc.offset + alloc.size
	}

	if m.size > freeStart {
		return visit(freeStart, m.size-freeStart, nil)
	}

	return nil
}

func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	_ = m.visitRegions(func(offset, size int, alloc *bumpAllocation) error {
		if alloc == nil {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.liveBytes
}

func (m *BumpBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BumpBlockMetadata) FreeRegionsCount() int {
	count := 0
	_ = m.visitRegions(func(offset, size int, alloc *bumpAllocation) error {
		if alloc == nil {
			count++
		}
		return nil
	})
	return count
}

func (m *BumpBlockMetadata) SumFreeSize() int {
	return m.size - m.liveBytes
}

func (m *BumpBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BumpBlockMetadata) TrailingFreeSize() int {
	return m.size - m.top()
}

func (m *BumpBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	return m.visitRegions(func(offset, size int, alloc *bumpAllocation) error {
		if alloc == nil {
			return handleBlock(NoAllocation, offset, size, nil, true)
		}
		return handleBlock(alloc.handle, offset, size, alloc.userData, false)
	})
}

func (m *BumpBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	_, alloc, err := m.getLiveAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return alloc.offset, nil
}

func (m *BumpBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	_, alloc, err := m.getLiveAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return alloc.size, nil
}

func (m *BumpBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	_, alloc, err := m.getLiveAllocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return alloc.userData, nil
}

func (m *BumpBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	_, alloc, err := m.getLiveAllocation(allocHandle)
	if err != nil {
		return err
	}

	alloc.userData = userData
	return nil
}

func (m *BumpBlockMetadata) Clear() {
	m.allocations = m.allocations[:0]
	m.handleKey.Clear()
	m.allocCount = 0
	m.liveBytes = 0
}

func (m *BumpBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.allocCount, m.FreeRegionsCount())
	json.Name("Algorithm").String("Bump")
	json.Name("Top").Int(m.top())
}

func (m *BumpBlockMetadata) CheckCorruption(data []byte) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	for i := range m.allocations {
		alloc := &m.allocations[i]
		if alloc.free {
			continue
		}

		end := alloc.offset + alloc.size
		if end > len(data) || !memutils.ValidateMagicValue(data[end-memutils.DebugMargin:end]) {
			return errors.Errorf("memory corruption detected at the end of the allocation at offset %d", alloc.offset)
		}
	}

	return nil
}

func (m *BumpBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}

	memutils.DebugValidate(m)

	// Every strategy resolves to the top of the stack
	offset := memutils.AlignUp(m.top(), allocAlignment)
	if offset+allocSize > m.size {
		return false, allocRequest, nil
	}

	allocRequest.Type = AllocationRequestBump
	allocRequest.BlockAllocationHandle = m.nextAllocationHandle + 1
	allocRequest.Offset = offset
	allocRequest.Size = allocSize
	allocRequest.AlgorithmData = uint64(len(m.allocations))

	return true, allocRequest, nil
}

func (m *BumpBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestBump {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	if req.BlockAllocationHandle != m.nextAllocationHandle+1 || req.AlgorithmData != uint64(len(m.allocations)) {
		return errors.New("allocation request is stale: the metadata has changed since it was created")
	}

	if req.Offset < m.top() || req.Offset+req.Size > m.size {
		return errors.Errorf("allocation request at offset %d with size %d no longer fits at the top of the range", req.Offset, req.Size)
	}

	m.nextAllocationHandle++
	m.allocations = append(m.allocations, bumpAllocation{
		offset:   req.Offset,
		size:     req.Size,
		userData: userData,
		handle:   m.nextAllocationHandle,
	})
	m.handleKey.Put(m.nextAllocationHandle, len(m.allocations)-1)

	m.allocCount++
	m.liveBytes += req.Size

	return nil
}

func (m *BumpBlockMetadata) Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error) {
	index, alloc, err := m.getLiveAllocation(allocHandle)
	if err != nil {
		return false, err
	}
	if newSize < 1 {
		return false, errors.Errorf("invalid resize size: %d", newSize)
	}

	limit := m.size
	if index+1 < len(m.allocations) {
		limit = m.allocations[index+1].offset
	}

	if alloc.offset+newSize > limit {
		return false, nil
	}

	m.liveBytes += newSize - alloc.size
	alloc.size = newSize
	return true, nil
}

func (m *BumpBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	_, alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}
	if alloc.free {
		return errors.New("block is already free")
	}

	alloc.free = true
	alloc.userData = nil
	m.allocCount--
	m.liveBytes -= alloc.size

	// Reclaim every freed record at the top of the stack
	for len(m.allocations) > 0 && m.allocations[len(m.allocations)-1].free {
		last := len(m.allocations) - 1
		m.handleKey.Delete(m.allocations[last].handle)
		m.allocations[last] = bumpAllocation{}
		m.allocations = m.allocations[:last]
	}

	return nil
}
