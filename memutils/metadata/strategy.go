package metadata

import "github.com/cockroachdb/errors"

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// You can choose several and memutils will select one of them based on its own preferences. If none is
// chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation- not necessarily in terms of the smallest offset, but the one that is easiest
	// and fastest to find to minimize allocation time, possibly at the expense of allocation quality.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. Packing live data toward the bottom of the range leaves the top free, which
	// keeps blocks near the end of linear memory extendable in place.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	0:                           "Balanced",
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

// ParseAllocationStrategy maps the name of an AllocationStrategy back to its value
func ParseAllocationStrategy(name string) (AllocationStrategy, error) {
	for strategy, str := range allocationStrategyMapping {
		if str == name {
			return strategy, nil
		}
	}

	return 0, errors.Errorf("unknown allocation strategy: %q", name)
}
