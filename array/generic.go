package array

import (
	"bytes"
	"encoding/binary"

	"github.com/vkngwrapper/substrate/alloc"
	"golang.org/x/exp/constraints"
)

// Element is any fixed-size numeric type. Elements are stored little-endian, the byte order of
// WebAssembly linear memory.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		constraints.Float | constraints.Complex
}

// TypeOf describes sequences of T
func TypeOf[T Element]() TypeInfo {
	var zero T
	return TypeInfo{Size: binary.Size(zero)}
}

// AppendValues appends values to seq, a sequence of T
func AppendValues[T Element](a *alloc.Allocator, seq Slice, values ...T) (Slice, error) {
	if len(values) == 0 {
		return seq, nil
	}

	var buffer bytes.Buffer
	err := binary.Write(&buffer, binary.LittleEndian, values)
	if err != nil {
		return seq, err
	}

	return Append(a, TypeOf[T](), seq, buffer.Bytes())
}

// FromValues creates a new sequence of T holding values
func FromValues[T Element](a *alloc.Allocator, values ...T) (Slice, error) {
	return AppendValues(a, Slice{}, values...)
}

// Values copies the elements of seq, a sequence of T, out of memory
func Values[T Element](a *alloc.Allocator, seq Slice) ([]T, error) {
	if seq.Len == 0 {
		return []T{}, nil
	}

	data, err := Bytes(a, TypeOf[T](), seq)
	if err != nil {
		return nil, err
	}

	values := make([]T, seq.Len)
	err = binary.Read(bytes.NewReader(data), binary.LittleEndian, values)
	if err != nil {
		return nil, err
	}
	return values, nil
}
