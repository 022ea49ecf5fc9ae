package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/internal/utils"
	"github.com/vkngwrapper/substrate/memutils"
	"github.com/vkngwrapper/substrate/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Algorithm selects the suballocation strategy a Heap uses
type Algorithm uint32

const (
	// AlgorithmTLSF places allocations with a two-level segregated fit free list. Freed space is
	// reused immediately.
	AlgorithmTLSF Algorithm = iota
	// AlgorithmBump places every allocation at the top of the heap. Freed space is only reclaimed
	// when everything above it has been freed.
	AlgorithmBump
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmTLSF: "TLSF",
	AlgorithmBump: "Bump",
}

func (a Algorithm) String() string {
	str, ok := algorithmMapping[a]
	if !ok {
		return fmt.Sprintf("Algorithm(%d)", uint32(a))
	}
	return str
}

// ParseAlgorithm maps the name of an Algorithm back to its value
func ParseAlgorithm(name string) (Algorithm, error) {
	for algorithm, str := range algorithmMapping {
		if str == name {
			return algorithm, nil
		}
	}

	return 0, errors.Errorf("unknown heap algorithm: %q", name)
}

const (
	// DefaultAlignment is the alignment used when CreateOptions.Alignment is 0. It is enough
	// for any scalar a WebAssembly program can load.
	DefaultAlignment uint = 16
)

// CreateOptions contains optional settings when creating a Heap
type CreateOptions struct {
	// Algorithm is the suballocation strategy for the heap
	Algorithm Algorithm
	// Strategy is passed to the suballocation algorithm to choose among free regions
	Strategy metadata.AllocationStrategy
	// Alignment is the alignment of every address returned by the heap, and the granularity of
	// allocation sizes. It must be a power of two. Defaults to DefaultAlignment.
	Alignment uint
	// Base is the first address the heap may hand out, the end of the region the program's static
	// data and stack occupy. It is rounded up to Alignment, and address 0 is always reserved.
	Base uint32
	// MaxSize is the largest number of bytes the heap will manage. 0 means the heap can grow
	// as long as the host memory can.
	MaxSize int
}

// New creates a Heap over memory. The memory beyond the heap's base is assumed to be
// unused, and the heap grows the memory as it needs to.
func New(logger *slog.Logger, memory host.Memory, options CreateOptions) (*Heap, error) {
	logger = utils.LoggerOrDiscard(logger)

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(alignment, "heap alignment")
	if err != nil {
		return nil, err
	}

	if options.MaxSize < 0 {
		return nil, errors.Errorf("invalid heap max size: %d", options.MaxSize)
	}

	base := uint64(options.Base)
	if base == 0 {
		base = uint64(alignment)
	}
	base = uint64(memutils.AlignUp(int(base), alignment))
	if base >= memutils.MaxAddressableSize {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "heap base %d is outside the address space", base)
	}

	maxSize := memutils.MaxAddressableSize - base
	if options.MaxSize > 0 && uint64(options.MaxSize) < maxSize {
		maxSize = uint64(options.MaxSize)
	}

	heap := &Heap{
		logger:      logger,
		memory:      memory,
		algorithm:   options.Algorithm,
		strategy:    options.Strategy,
		alignment:   alignment,
		base:        int(base),
		maxSize:     int(maxSize),
		allocations: swiss.NewMap[uint32, metadata.BlockAllocationHandle](64),
	}

	switch options.Algorithm {
	case AlgorithmTLSF:
		heap.metadata = metadata.NewTLSFBlockMetadata()
	case AlgorithmBump:
		heap.metadata = metadata.NewBumpBlockMetadata()
	default:
		return nil, errors.Errorf("unknown heap algorithm: %s", options.Algorithm.String())
	}

	heap.metadata.Init(heap.availableSize())

	logger.Debug("Heap::New",
		slog.String("algorithm", options.Algorithm.String()),
		slog.Int("base", heap.base),
		slog.Int("size", heap.metadata.Size()),
	)

	return heap, nil
}

// availableSize is the portion of the host memory the heap can manage without growing it,
// in whole alignment units
func (h *Heap) availableSize() int {
	size := int(h.memory.Size()) - h.base
	if size < 0 {
		return 0
	}
	if size > h.maxSize {
		size = h.maxSize
	}
	return memutils.AlignDown(size, h.alignment)
}
