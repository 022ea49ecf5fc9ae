package sim

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/array"
	"golang.org/x/exp/constraints"
)

// number is every array element type a float64 from a workload file converts to
type number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		constraints.Float
}

// codec moves workload values in and out of sequences of one element type
type codec interface {
	typeInfo() array.TypeInfo
	appendValues(a *alloc.Allocator, seq array.Slice, values []float64) (array.Slice, error)
	values(a *alloc.Allocator, seq array.Slice) ([]float64, error)
	encode(value float64) []byte
}

type numericCodec[T number] struct{}

func (numericCodec[T]) typeInfo() array.TypeInfo {
	return array.TypeOf[T]()
}

func (numericCodec[T]) appendValues(a *alloc.Allocator, seq array.Slice, values []float64) (array.Slice, error) {
	converted := make([]T, len(values))
	for i, value := range values {
		converted[i] = T(value)
	}
	return array.AppendValues(a, seq, converted...)
}

func (numericCodec[T]) values(a *alloc.Allocator, seq array.Slice) ([]float64, error) {
	values, err := array.Values[T](a, seq)
	if err != nil {
		return nil, err
	}

	converted := make([]float64, len(values))
	for i, value := range values {
		converted[i] = float64(value)
	}
	return converted, nil
}

func (numericCodec[T]) encode(value float64) []byte {
	var buffer bytes.Buffer
	_ = binary.Write(&buffer, binary.LittleEndian, T(value))
	return buffer.Bytes()
}

var codecs = map[string]codec{
	"int8":    numericCodec[int8]{},
	"int16":   numericCodec[int16]{},
	"int32":   numericCodec[int32]{},
	"int64":   numericCodec[int64]{},
	"uint8":   numericCodec[uint8]{},
	"uint16":  numericCodec[uint16]{},
	"uint32":  numericCodec[uint32]{},
	"uint64":  numericCodec[uint64]{},
	"float32": numericCodec[float32]{},
	"float64": numericCodec[float64]{},
}

func codecFor(element string) (codec, error) {
	c, ok := codecs[element]
	if !ok {
		return nil, errors.Errorf("unknown element type %q", element)
	}
	return c, nil
}
