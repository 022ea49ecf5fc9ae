package memutils

import "github.com/cockroachdb/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when the host memory cannot satisfy a request, or when a size
	// computation derived from a caller-supplied length would leave the address space. It is never
	// retried internally.
	ErrOutOfMemory error = errors.New("out of memory")

	// ErrUnknownAddress is returned when an address did not originate from the allocator it
	// was passed to, or does not map to a live block.
	ErrUnknownAddress error = errors.New("address does not map to a block owned by this allocator")

	// ErrDoubleFree is returned when a block is freed a second time.
	ErrDoubleFree error = errors.New("block has already been freed")
)
