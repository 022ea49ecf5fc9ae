package alloc

import (
	"fmt"
	"strings"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	if f&AllocatorCreateExternallySynchronized != 0 {
		names = append(names, "AllocatorCreateExternallySynchronized")
		f &^= AllocatorCreateExternallySynchronized
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("CreateFlags(%#x)", int32(f)))
	}
	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Heap configures the heap the allocator creates over its memory
	Heap heap.CreateOptions
}

// New creates an Allocator that owns the heap region of memory. logger receives debug traces
// of every operation and reports of unreleased memory on Destroy, and may be nil.
func New(logger *slog.Logger, memory host.Memory, options CreateOptions) (*Allocator, error) {
	logger = utils.LoggerOrDiscard(logger)
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	h, err := heap.New(logger, memory, options.Heap)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
		heap:        h,
		directory:   directory.New(),
		freed:       swiss.NewMap[directory.Address, struct{}](64),
		lingering:   swiss.NewMap[directory.Address, struct{}](16),
	}

	logger.Debug("Allocator::New", slog.String("flags", options.Flags.String()))
	return allocator, nil
}
