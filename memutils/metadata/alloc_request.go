package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the allocation request was sourced from metadata.TLSFBlockMetadata
	AllocationRequestTLSF AllocationRequestType = iota
	// AllocationRequestBump indicates that the allocation request was sourced from metadata.BumpBlockMetadata
	// and that it will be placed at the current top of the range
	AllocationRequestBump
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF: "TLSF",
	AllocationRequestBump: "Bump",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. It is committed with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will be known by once committed
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the offset in bytes the allocation will be placed at
	Offset int
	// Size the total size of the allocation, maybe larger than what was originally requested
	Size int
	// Type identifies the sort of allocation this request represents (and can be used
	// to identify the BlockMetadata implementation used to generate this request).
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
