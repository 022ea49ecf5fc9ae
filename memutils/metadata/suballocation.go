package metadata

import "math"

// BlockAllocationHandle identifies a single region within a BlockMetadata. A handle stays valid
// for as long as its allocation is live; once freed, the metadata may issue it again.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)
