package array

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/memutils"
)

// Concat returns a new sequence holding the elements of x followed by the elements of y.
// Neither input is modified. Concatenating two empty sequences returns the empty Slice.
func Concat(a *alloc.Allocator, ti TypeInfo, x, y Slice) (Slice, error) {
	return ConcatN(a, ti, x, y)
}

// ConcatN returns a new sequence holding the elements of every input in order, allocated
// once. Neither input is modified. If every input is empty the result is the empty Slice.
func ConcatN(a *alloc.Allocator, ti TypeInfo, seqs ...Slice) (Slice, error) {
	err := ti.validate()
	if err != nil {
		return Slice{}, err
	}

	total := 0
	for _, seq := range seqs {
		total, err = memutils.AddSizes(total, seq.Len)
		if err != nil {
			return Slice{}, err
		}
	}

	totalBytes, err := ti.byteSize(total)
	if err != nil {
		return Slice{}, err
	}
	if total == 0 {
		return Slice{}, nil
	}

	ptr, err := a.AllocateWithFlags(totalBytes, directory.BlockAppendable)
	if err != nil {
		return Slice{}, err
	}

	offset := 0
	for _, seq := range seqs {
		if seq.Len == 0 {
			continue
		}

		size := seq.Len * ti.Size
		err = a.Copy(ptr+directory.Address(offset), seq.Ptr, size)
		if err != nil {
			return Slice{}, errors.CombineErrors(err, a.Free(ptr))
		}
		offset += size
	}

	err = ti.postblit(a, ptr, total)
	if err != nil {
		return Slice{}, errors.CombineErrors(err, a.Free(ptr))
	}

	return Slice{Ptr: ptr, Len: total}, a.SetUsed(ptr, totalBytes)
}
