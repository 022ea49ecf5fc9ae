// Package host provides the page-granular linear memory that heaps are carved out of. On a
// freestanding WebAssembly target this is the module's own memory, grown with memory.grow;
// in-process it is a byte slice.
package host

import (
	"github.com/tetratelabs/wazero/api"
)

const (
	// PageSize is the granularity linear memory grows at: 64KiB.
	PageSize = 1 << 16
	// MaxPages is the largest number of pages a Memory can report, keeping Size representable
	// as a uint32.
	MaxPages = (1<<32)/PageSize - 1
)

//go:generate mockgen -destination=mocks/memory.go -package=mocks github.com/vkngwrapper/substrate/host Memory

// Memory is the subset of a WebAssembly linear memory that heaps rely on.
//
// Slices returned by Read alias the memory. They are invalidated by Grow, which may move
// the backing store, and must not be retained across it.
type Memory interface {
	// Size returns the current size of the memory in bytes. It is always a multiple of PageSize.
	Size() uint32
	// Grow extends the memory by deltaPages zeroed pages and returns the previous size in pages.
	// ok is false if the memory could not grow, in which case it is unchanged.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	// Read returns a writable view of byteCount bytes at offset, or false if the range is out of bounds.
	Read(offset, byteCount uint32) ([]byte, bool)
}

var _ Memory = api.Memory(nil)

// PagesFor returns the number of pages needed to hold size bytes
func PagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// GrowPolicy decides how many pages to add when currentPages is too small to hold requiredPages.
// It doubles the memory when possible, bounded by limitPages, but never returns less than
// what is required. The result may exceed limitPages when the request itself does, in which
// case the grow is expected to fail.
func GrowPolicy(currentPages, requiredPages, limitPages uint32) uint32 {
	target := currentPages * 2
	if currentPages > limitPages/2 {
		target = limitPages
	}
	if target < requiredPages {
		target = requiredPages
	}
	if target <= currentPages {
		return 0
	}

	return target - currentPages
}
