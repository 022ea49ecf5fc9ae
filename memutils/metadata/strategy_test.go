package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/memutils/metadata"
)

func TestParseAllocationStrategy(t *testing.T) {
	for _, strategy := range []metadata.AllocationStrategy{
		0,
		metadata.AllocationStrategyMinMemory,
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinOffset,
	} {
		parsed, err := metadata.ParseAllocationStrategy(strategy.String())
		require.NoError(t, err)
		require.Equal(t, strategy, parsed)
	}

	_, err := metadata.ParseAllocationStrategy("Unknown")
	require.Error(t, err)
}
