package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/memutils"
	"github.com/vkngwrapper/substrate/memutils/metadata"
)

func allocate(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.BlockAllocationHandle {
	success, req, err := md.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = md.Alloc(req, size)
	require.NoError(t, err)
	require.NoError(t, md.Validate())

	return req.BlockAllocationHandle
}

func requireOffset(t *testing.T, md metadata.BlockMetadata, handle metadata.BlockAllocationHandle, expected int) {
	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, expected, offset)
}

func TestTLSFBasicAlloc(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	requireOffset(t, tlsf, alloc1, 0)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	err := tlsf.Free(alloc1)
	require.NoError(t, err)
	require.NoError(t, tlsf.Validate())

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)
	require.True(t, tlsf.IsEmpty())
}

func TestTLSFFreeMerges(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, 0)
	alloc2 := allocate(t, tlsf, 100, 1, 0)
	alloc3 := allocate(t, tlsf, 100, 1, 0)
	alloc4 := allocate(t, tlsf, 100, 1, 0)

	requireOffset(t, tlsf, alloc1, 0)
	requireOffset(t, tlsf, alloc2, 100)
	requireOffset(t, tlsf, alloc3, 200)
	requireOffset(t, tlsf, alloc4, 300)
	require.Equal(t, 1, tlsf.FreeRegionsCount())

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 2, tlsf.FreeRegionsCount())

	// Merges with the free region before it
	require.NoError(t, tlsf.Free(alloc3))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 2, tlsf.FreeRegionsCount())
	require.Equal(t, 800, tlsf.SumFreeSize())

	// Merges both ways into the null block
	require.NoError(t, tlsf.Free(alloc4))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 1, tlsf.FreeRegionsCount())
	require.Equal(t, 900, tlsf.SumFreeSize())
	require.Equal(t, 1, tlsf.AllocationCount())

	alloc5 := allocate(t, tlsf, 500, 1, metadata.AllocationStrategyMinOffset)
	requireOffset(t, tlsf, alloc5, 100)
}

func TestTLSFReuseFreedRegion(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(10000)

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	_ = allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Validate())

	for _, strategy := range []metadata.AllocationStrategy{0, metadata.AllocationStrategyMinMemory, metadata.AllocationStrategyMinTime, metadata.AllocationStrategyMinOffset} {
		success, req, err := tlsf.CreateAllocationRequest(100, 1, strategy)
		require.NoError(t, err)
		require.True(t, success)

		if strategy == metadata.AllocationStrategyMinMemory || strategy == metadata.AllocationStrategyMinOffset {
			require.Equal(t, 100, req.Offset, strategy.String())
		}
	}

	alloc4 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	requireOffset(t, tlsf, alloc4, 100)
	requireOffset(t, tlsf, alloc1, 0)
	require.Equal(t, 3, tlsf.AllocationCount())
}

func TestTLSFAlignment(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 10, 1, 0)
	alloc2 := allocate(t, tlsf, 10, 64, 0)

	requireOffset(t, tlsf, alloc1, 0)
	requireOffset(t, tlsf, alloc2, 64)

	// The alignment padding becomes its own free region
	require.Equal(t, 2, tlsf.FreeRegionsCount())
	require.Equal(t, 980, tlsf.SumFreeSize())

	alloc3 := allocate(t, tlsf, 30, 1, metadata.AllocationStrategyMinMemory)
	requireOffset(t, tlsf, alloc3, 10)
}

func TestTLSFResizeInPlace(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, 0)
	alloc2 := allocate(t, tlsf, 100, 1, 0)

	// Blocked by alloc2
	resized, err := tlsf.Resize(alloc1, 150)
	require.NoError(t, err)
	require.False(t, resized)

	// Absorbed from the null block
	resized, err = tlsf.Resize(alloc2, 300)
	require.NoError(t, err)
	require.True(t, resized)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 600, tlsf.SumFreeSize())
	require.Equal(t, 600, tlsf.TrailingFreeSize())

	resized, err = tlsf.Resize(alloc1, 50)
	require.NoError(t, err)
	require.True(t, resized)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 2, tlsf.FreeRegionsCount())
	require.Equal(t, 650, tlsf.SumFreeSize())

	// Consumes the free region left by the shrink entirely
	resized, err = tlsf.Resize(alloc1, 100)
	require.NoError(t, err)
	require.True(t, resized)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 1, tlsf.FreeRegionsCount())

	resized, err = tlsf.Resize(alloc2, 1000)
	require.NoError(t, err)
	require.False(t, resized)

	resized, err = tlsf.Resize(alloc2, 900)
	require.NoError(t, err)
	require.True(t, resized)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 0, tlsf.FreeRegionsCount())
	require.Equal(t, 0, tlsf.SumFreeSize())

	size, err := tlsf.AllocationSize(alloc2)
	require.NoError(t, err)
	require.Equal(t, 900, size)

	require.NoError(t, tlsf.Grow(1200))
	require.NoError(t, tlsf.Validate())

	resized, err = tlsf.Resize(alloc2, 1100)
	require.NoError(t, err)
	require.True(t, resized)
	require.NoError(t, tlsf.Validate())
	requireOffset(t, tlsf, alloc2, 100)
}

func TestTLSFGrowFromEmpty(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(0)

	success, _, err := tlsf.CreateAllocationRequest(16, 16, 0)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, tlsf.Grow(65536))
	require.NoError(t, tlsf.Validate())

	alloc1 := allocate(t, tlsf, 40000, 16, 0)
	requireOffset(t, tlsf, alloc1, 0)

	require.Error(t, tlsf.Grow(100))
}

func TestTLSFRequestErrors(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	_, _, err := tlsf.CreateAllocationRequest(0, 1, 0)
	require.Error(t, err)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	wrongType := req
	wrongType.Type = metadata.AllocationRequestBump
	require.Error(t, tlsf.Alloc(wrongType, nil))

	require.NoError(t, tlsf.Alloc(req, nil))

	// The region the request pointed at is now taken
	require.Error(t, tlsf.Alloc(req, nil))
	require.NoError(t, tlsf.Validate())
}

func TestTLSFHandleErrors(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, 0)
	_ = allocate(t, tlsf, 100, 1, 0)

	require.Error(t, tlsf.Free(metadata.NoAllocation))

	require.NoError(t, tlsf.Free(alloc1))
	require.Error(t, tlsf.Free(alloc1))

	_, err := tlsf.AllocationOffset(alloc1)
	require.Error(t, err)
	_, err = tlsf.Resize(alloc1, 10)
	require.Error(t, err)
}

func TestTLSFUserDataAndVisit(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, 0)
	alloc2 := allocate(t, tlsf, 200, 1, 0)

	userData, err := tlsf.AllocationUserData(alloc2)
	require.NoError(t, err)
	require.Equal(t, 200, userData)

	require.NoError(t, tlsf.SetAllocationUserData(alloc1, "first"))

	type region struct {
		offset, size int
		userData     any
		free         bool
	}
	var regions []region
	err = tlsf.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset, size, userData, free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []region{
		{0, 100, "first", false},
		{100, 200, 200, false},
		{300, 700, nil, true},
	}, regions)
}

func TestTLSFClear(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	for i := 0; i < 5; i++ {
		allocate(t, tlsf, 64, 1, 0)
	}

	tlsf.Clear()
	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1000, tlsf.SumFreeSize())

	alloc1 := allocate(t, tlsf, 1000, 1, 0)
	requireOffset(t, tlsf, alloc1, 0)
}

func TestTLSFManyAllocations(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1 << 20)

	var handles []metadata.BlockAllocationHandle
	for i := 1; i <= 200; i++ {
		handles = append(handles, allocate(t, tlsf, i*13, 8, metadata.AllocationStrategy(1<<(i%3))))
	}

	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, tlsf.Free(handles[i]))
	}
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 100, tlsf.AllocationCount())

	for i := 1; i <= 100; i++ {
		allocate(t, tlsf, i*7, 16, metadata.AllocationStrategyMinMemory)
	}

	for i := 1; i < len(handles); i += 2 {
		require.NoError(t, tlsf.Free(handles[i]))
	}
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 100, tlsf.AllocationCount())
}
