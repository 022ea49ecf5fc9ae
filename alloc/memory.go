package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/directory"
)

// view returns length bytes at address, which must lie within the capacity of one block
func (a *Allocator) view(address directory.Address, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Errorf("invalid length: %d", length)
	}

	block, ok := a.directory.Containing(address)
	if !ok {
		if length == 0 {
			return nil, nil
		}
		return nil, a.missingBlockError(address)
	}

	if uint64(address)+uint64(length) > uint64(block.End()) {
		return nil, errors.Errorf("%d bytes at %s run past the end of block %s with capacity %d", length, address, block.Address, block.Capacity)
	}

	data, ok := a.heap.Memory().Read(uint32(address), uint32(length))
	if !ok {
		panic("block extends past the end of host memory")
	}
	return data, nil
}

func (a *Allocator) copyBytes(dst, src directory.Address, length int) error {
	to, err := a.view(dst, length)
	if err != nil {
		return err
	}
	from, err := a.view(src, length)
	if err != nil {
		return err
	}

	copy(to, from)
	return nil
}

// Bytes returns a view of length bytes at address, which may be interior to a block but must
// not run past its capacity. The view aliases host memory and must not be retained across an
// allocation, which may grow and move the memory.
func (a *Allocator) Bytes(address directory.Address, length int) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.view(address, length)
}

// Write copies data to address
func (a *Allocator) Write(address directory.Address, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	to, err := a.view(address, len(data))
	if err != nil {
		return err
	}

	copy(to, data)
	return nil
}

// Copy moves length bytes from src to dst. The ranges may overlap.
func (a *Allocator) Copy(dst, src directory.Address, length int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.copyBytes(dst, src, length)
}

// Fill writes length bytes at address by repeating pattern, or zeroes them if pattern is
// empty. A pattern that does not divide length is cut short at the end.
func (a *Allocator) Fill(address directory.Address, length int, pattern []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	to, err := a.view(address, length)
	if err != nil {
		return err
	}

	if len(pattern) == 0 {
		for i := range to {
			to[i] = 0
		}
		return nil
	}

	filled := copy(to, pattern)
	for filled < len(to) {
		filled += copy(to[filled:], to[:filled])
	}
	return nil
}
