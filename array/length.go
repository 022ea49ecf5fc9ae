package array

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/directory"
)

// SetLength changes the length of seq to n elements. Shrinking only shortens the handle. The
// elements past the new end are not cleared, and the block keeps them. Growing fills the new
// elements with zero bytes.
func SetLength(a *alloc.Allocator, ti TypeInfo, seq Slice, n int) (Slice, error) {
	return SetLengthInit(a, ti, seq, n, nil)
}

// SetLengthInit changes the length of seq to n elements like SetLength, but fills new elements
// with copies of pattern, which must be one element long. A nil pattern fills with zero bytes.
func SetLengthInit(a *alloc.Allocator, ti TypeInfo, seq Slice, n int, pattern []byte) (Slice, error) {
	err := ti.validate()
	if err != nil {
		return seq, err
	}
	if n < 0 {
		return seq, errors.Errorf("invalid sequence length: %d", n)
	}
	if len(pattern) != 0 && len(pattern) != ti.Size {
		return seq, errors.Errorf("initializer of %d bytes does not match the element size %d", len(pattern), ti.Size)
	}

	if n <= seq.Len {
		return Slice{Ptr: seq.Ptr, Len: n}, nil
	}

	oldBytes, err := ti.byteSize(seq.Len)
	if err != nil {
		return seq, err
	}
	newBytes, err := ti.byteSize(n)
	if err != nil {
		return seq, err
	}

	ptr, err := reserve(a, ti, seq, oldBytes, newBytes)
	if err != nil {
		return seq, err
	}

	err = a.Fill(ptr+directory.Address(oldBytes), newBytes-oldBytes, pattern)
	if err != nil {
		return seq, err
	}

	return Slice{Ptr: ptr, Len: n}, nil
}
