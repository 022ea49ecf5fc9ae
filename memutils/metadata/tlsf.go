package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/memutils"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	userData    any
	blockHandle BlockAllocationHandle
}

func (b *tlsfBlock) MarkFree() {
	b.prevFree = nil
}

func (b *tlsfBlock) MarkTaken() {
	b.prevFree = b
}

func (b *tlsfBlock) IsFree() bool {
	return b.prevFree != b
}

// TLSFBlockMetadata is a two-level segregated fit free-list allocator. Free regions are kept in
// size-bucketed lists indexed by a pair of bitmaps, so finding a fitting region is constant time.
// The region at the very end of the range is the "null block": it is free, but is never placed
// in a free list, and it is where growth of the range is absorbed.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint64
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *tlsfBlock]
	freeList             []*tlsfBlock
	nullBlock            *tlsfBlock
	tailBlock            *tlsfBlock
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) allocateBlock() *tlsfBlock {
	b := blockAllocator.Get().(*tlsfBlock)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.nextFree = nil
	b.prevFree = nil
	b.userData = nil
	m.nextAllocationHandle++
	b.blockHandle = m.nextAllocationHandle
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFBlockMetadata) freeBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	b.userData = nil
	blockAllocator.Put(b)
}

func (m *TLSFBlockMetadata) getBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("received handle %d which is not known to this metadata", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) getTakenBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	if block.IsFree() {
		return nil, errors.Errorf("handle %d maps to a free region", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfBlock](42)

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.MarkFree()
	m.tailBlock = m.nullBlock
	m.freeList = nil
	m.sizeFreeList(size)
}

// sizeFreeList makes sure the free list has a slot for every list index reachable by a region
// no larger than size. It never shrinks.
func (m *TLSFBlockMetadata) sizeFreeList(size int) {
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	if listSize > len(m.freeList) {
		freeList := make([]*tlsfBlock, listSize)
		copy(freeList, m.freeList)
		m.freeList = freeList
	}
}

func (m *TLSFBlockMetadata) Grow(newSize int) error {
	if newSize < m.size {
		return errors.Errorf("cannot grow metadata of size %d to smaller size %d", m.size, newSize)
	}

	m.nullBlock.size += newSize - m.size
	m.size = newSize
	m.sizeFreeList(newSize)
	return nil
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		block := m.freeList[listIndex]
		if block == nil {
			continue
		}

		if !block.IsFree() {
			return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		freeListCount++
		for block.nextFree != nil {
			if !block.nextFree.IsFree() {
				return errors.Errorf("block at offset %d is in the free list but it is not free", block.nextFree.offset)
			}
			if block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
			block = block.nextFree
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	if m.nullBlock.prevPhysical != nil && m.nullBlock.prevPhysical.nextPhysical != m.nullBlock {
		return errors.New("null block has a physical block before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullBlock.offset

	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++

			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", prev.offset)
		}

		if prev.prevPhysical == nil && prev != m.tailBlock {
			return errors.Errorf("block at offset %d begins the physical chain but is not the tail block", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullBlock.size > 0 {
		stats.AddUnusedRange(m.nullBlock.size)
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if block.IsFree() {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	count := m.blocksFreeCount
	if m.nullBlock.size > 0 {
		count++
	}
	return count
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFBlockMetadata) TrailingFreeSize() int {
	return m.nullBlock.size
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	if size < 1 {
		return 0
	}
	return uint16((size - 1) / 64)
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(
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

	// Is pool big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free blocks in the pool?
	if m.blocksFreeCount == 0 {
		success := m.checkBlock(m.nullBlock, allocSize, allocAlignment, &allocRequest)
		return success, allocRequest, nil
	}

	if strategy&AllocationStrategyMinOffset != 0 {
		// Physical order walk: the lowest fitting offset wins, the null block is always last
		for block := m.tailBlock; block != nil; block = block.nextPhysical {
			if block.IsFree() && block.size >= allocSize &&
				m.checkBlock(block, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		return false, allocRequest, nil
	}

	// Round up to the next list, every block in there is large enough before alignment
	sizeForNextList := allocSize

	smallSizeStep := SmallBufferSize / 4
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	if strategy&AllocationStrategyMinMemory != 0 {
		// Check best fit bucket
		prevListBlock, _ := m.findFreeBlock(allocSize)

		for ; prevListBlock != nil; prevListBlock = prevListBlock.nextFree {
			if m.checkBlock(prevListBlock, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		// If failed check null block
		if m.checkBlock(m.nullBlock, allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}
	} else {
		// Check larger bucket first
		nextListBlock, _ := m.findFreeBlock(sizeForNextList)
		if nextListBlock != nil && m.checkBlock(nextListBlock, allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		// If not fitted then null block
		if m.checkBlock(m.nullBlock, allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}
	}

	// Worst case, full search has to be done. Lists below the one allocSize maps to only
	// hold smaller regions.
	for listIndex := m.getListIndexFromSize(allocSize); listIndex < len(m.freeList); listIndex++ {
		for block := m.freeList[listIndex]; block != nil; block = block.nextFree {
			if m.checkBlock(block, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}
		}
	}

	// No more memory to check
	return false, allocRequest, nil
}

func (m *TLSFBlockMetadata) checkBlock(
	block *tlsfBlock,
	allocSize int,
	allocAlignment uint,
	allocRequest *AllocationRequest,
) bool {
	if !block.IsFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	alignedOffset := memutils.AlignUp(block.offset, allocAlignment)

	if block.size < allocSize+alignedOffset-block.offset {
		return false
	}

	// Alloc will work
	allocRequest.Type = AllocationRequestTLSF
	allocRequest.BlockAllocationHandle = block.blockHandle
	allocRequest.Offset = alignedOffset
	allocRequest.Size = allocSize
	allocRequest.AlgorithmData = uint64(alignedOffset)

	return true
}

func (m *TLSFBlockMetadata) findFreeBlock(size int) (*tlsfBlock, int) {
	memoryClass := m.sizeToMemoryClass(size)
	if int(memoryClass) >= MaxMemoryClasses {
		return nil, 0
	}
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (uint32(math.MaxUint32) << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := m.isFreeBitmap & (uint64(math.MaxUint64) << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
	json.Name("Algorithm").String("TLSF")
}

func (m *TLSFBlockMetadata) CheckCorruption(data []byte) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if !block.IsFree() {
			end := block.offset + block.size
			if end > len(data) || !memutils.ValidateMagicValue(data[end-memutils.DebugMargin:end]) {
				return errors.Errorf("memory corruption detected at the end of the allocation at offset %d", block.offset)
			}
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	// Get block and pop it from the free list
	currentBlock, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return err
	}
	offset := int(req.AlgorithmData)

	if !currentBlock.IsFree() {
		return errors.New("allocation request targets a region that is no longer free")
	}
	if currentBlock.offset > offset {
		return errors.New("allocation request had a block allocation header that was incompatible with the requested offset")
	}
	if offset+req.Size > currentBlock.offset+currentBlock.size {
		return errors.New("allocation request had a block allocation header too small for the request")
	}

	if currentBlock != m.nullBlock {
		m.removeFreeBlock(currentBlock)
	}

	missingAlignment := offset - currentBlock.offset

	// Appending missing alignment to prev block or create a new one
	if missingAlignment != 0 {
		prevBlock := currentBlock.prevPhysical

		if prevBlock == nil {
			panic("somehow had missing alignment at offset 0")
		}

		if prevBlock.IsFree() {
			m.removeFreeBlock(prevBlock)
			prevBlock.size += missingAlignment
			m.insertFreeBlock(prevBlock)
		} else {
			newBlock := m.allocateBlock()
			currentBlock.prevPhysical = newBlock
			prevBlock.nextPhysical = newBlock
			newBlock.prevPhysical = prevBlock
			newBlock.nextPhysical = currentBlock
			newBlock.size = missingAlignment
			newBlock.offset = currentBlock.offset
			newBlock.MarkTaken()

			m.insertFreeBlock(newBlock)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	size := req.Size
	if currentBlock.size == size {
		if currentBlock == m.nullBlock {
			// Setup a new null block
			m.nullBlock = m.allocateBlock()
			m.nullBlock.size = 0
			m.nullBlock.offset = currentBlock.offset + size
			m.nullBlock.prevPhysical = currentBlock
			m.nullBlock.nextPhysical = nil
			m.nullBlock.MarkFree()
			currentBlock.nextPhysical = m.nullBlock
			currentBlock.MarkTaken()
		}
	} else {
		// Create a new free block
		newBlock := m.allocateBlock()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newBlock
		currentBlock.size = size

		if currentBlock == m.nullBlock {
			m.nullBlock = newBlock
			m.nullBlock.MarkFree()
			m.nullBlock.nextFree = nil
			currentBlock.MarkTaken()
		} else {
			newBlock.nextPhysical.prevPhysical = newBlock
			newBlock.MarkTaken()
			m.insertFreeBlock(newBlock)
		}
	}

	currentBlock.userData = userData
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return false, err
	}
	if newSize < 1 {
		return false, errors.Errorf("invalid resize size: %d", newSize)
	}

	if newSize == block.size {
		return true, nil
	}

	// The null block terminates every physical chain, so a taken block always has a successor
	next := block.nextPhysical

	if newSize < block.size {
		remainder := block.size - newSize
		block.size = newSize

		if next == m.nullBlock {
			next.offset -= remainder
			next.size += remainder
		} else if next.IsFree() {
			m.removeFreeBlock(next)
			next.offset -= remainder
			next.size += remainder
			m.insertFreeBlock(next)
		} else {
			newBlock := m.allocateBlock()
			newBlock.offset = block.offset + newSize
			newBlock.size = remainder
			newBlock.prevPhysical = block
			newBlock.nextPhysical = next
			block.nextPhysical = newBlock
			next.prevPhysical = newBlock
			newBlock.MarkTaken()
			m.insertFreeBlock(newBlock)
		}

		return true, nil
	}

	delta := newSize - block.size
	if !next.IsFree() || next.size < delta {
		return false, nil
	}

	if next == m.nullBlock {
		next.offset += delta
		next.size -= delta
	} else if next.size == delta {
		m.removeFreeBlock(next)
		block.nextPhysical = next.nextPhysical
		next.nextPhysical.prevPhysical = block
		m.freeBlock(next)
	} else {
		m.removeFreeBlock(next)
		next.offset += delta
		next.size -= delta
		m.insertFreeBlock(next)
	}

	block.size = newSize
	return true, nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}
	if block.IsFree() {
		return errors.New("block is already free")
	}

	block.userData = nil
	m.allocCount--

	// Try merging
	prev := block.prevPhysical
	if prev != nil && prev.IsFree() {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	next := block.nextPhysical
	if !next.IsFree() {
		m.insertFreeBlock(block)
	} else if next == m.nullBlock {
		m.mergeBlock(m.nullBlock, block)
	} else {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)

		m.insertFreeBlock(next)
	}

	return nil
}

func (m *TLSFBlockMetadata) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.IsFree() {
		panic("provided block is not free")
	}

	// Remove from free list chain
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint64(1) << memClass)
			}
		}
	}

	// Set up block for use
	block.nextFree = nil
	block.MarkTaken()
	block.userData = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *TLSFBlockMetadata) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}

	if block.IsFree() {
		panic("block is already free")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	}
	m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
	m.isFreeBitmap |= uint64(1) << memClass

	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

// mergeBlock folds prev, which must directly precede block physically, into block. prev's
// record is released.
func (m *TLSFBlockMetadata) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.tailBlock = block
	}

	m.freeBlock(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for block := m.tailBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			continue
		}

		err := handleBlock(block.blockHandle, block.offset, block.size, block.userData, block.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) Clear() {
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.nullBlock.offset = 0
	m.nullBlock.size = m.size
	block := m.nullBlock.prevPhysical
	m.nullBlock.prevPhysical = nil
	m.tailBlock = m.nullBlock

	for block != nil {
		prev := block.prevPhysical
		m.freeBlock(block)
		block = prev
	}

	m.freeList = make([]*tlsfBlock, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.size, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	return block.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return err
	}

	block.userData = userData
	return nil
}
