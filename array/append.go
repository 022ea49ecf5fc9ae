package array

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/memutils"
)

// Append adds the elements encoded in data to the end of seq and returns the grown sequence.
// seq grows in place when its block is appendable and has or can make room. Otherwise the
// result is a new block holding the elements of seq followed by the new ones. Every element
// copied, old or new, is postblitted in order.
func Append(a *alloc.Allocator, ti TypeInfo, seq Slice, data []byte) (Slice, error) {
	err := ti.validate()
	if err != nil {
		return seq, err
	}
	if len(data)%ti.Size != 0 {
		return seq, errors.Errorf("cannot append %d bytes to a sequence of %d byte elements", len(data), ti.Size)
	}

	added := len(data) / ti.Size
	oldBytes, err := ti.byteSize(seq.Len)
	if err != nil {
		return seq, err
	}
	newLen, err := memutils.AddSizes(seq.Len, added)
	if err != nil {
		return seq, err
	}
	newBytes, err := ti.byteSize(newLen)
	if err != nil {
		return seq, err
	}

	if added == 0 {
		return seq, nil
	}

	ptr, err := reserve(a, ti, seq, oldBytes, newBytes)
	if err != nil {
		return seq, err
	}

	dst := ptr + directory.Address(oldBytes)
	err = a.Write(dst, data)
	if err != nil {
		return seq, err
	}

	err = ti.postblit(a, dst, added)
	if err != nil {
		return seq, err
	}

	return Slice{Ptr: ptr, Len: newLen}, nil
}

// AppendOne adds a single element to the end of seq
func AppendOne(a *alloc.Allocator, ti TypeInfo, seq Slice, element []byte) (Slice, error) {
	if len(element) != ti.Size {
		return seq, errors.Errorf("element of %d bytes does not match the element size %d", len(element), ti.Size)
	}

	return Append(a, ti, seq, element)
}

// AppendSlice adds the elements of other to the end of seq. other may be seq itself, or
// overlap it.
func AppendSlice(a *alloc.Allocator, ti TypeInfo, seq Slice, other Slice) (Slice, error) {
	view, err := Bytes(a, ti, other)
	if err != nil {
		return seq, err
	}

	// Growing seq may write over or move what other points at
	data := make([]byte, len(view))
	copy(data, view)

	return Append(a, ti, seq, data)
}
