package host

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const memoryExportName = "memory"

// WazeroMemory is the exported linear memory of a WebAssembly module instantiated by wazero.
// The module defines nothing but the memory, so this is the memory a freestanding program
// would allocate from.
type WazeroMemory struct {
	api.Memory

	runtime wazero.Runtime
}

// NewWazeroMemory instantiates a module exporting one memory of initialPages pages, declared
// with a maximum of limitPages pages.
func NewWazeroMemory(ctx context.Context, initialPages, limitPages uint32) (*WazeroMemory, error) {
	if limitPages == 0 || limitPages > MaxPages {
		limitPages = MaxPages
	}
	if initialPages > limitPages {
		return nil, errors.Errorf("initial memory size of %d pages exceeds the limit of %d pages", initialPages, limitPages)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(false).
		WithMemoryLimitPages(limitPages))

	module, err := runtime.Instantiate(ctx, memoryModule(initialPages, limitPages))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Wrap(err, "failed to instantiate memory module")
	}

	memory := module.ExportedMemory(memoryExportName)
	if memory == nil {
		_ = runtime.Close(ctx)
		return nil, errors.New("memory module did not export a memory")
	}

	return &WazeroMemory{
		Memory:  memory,
		runtime: runtime,
	}, nil
}

// Close releases the wazero runtime. The memory cannot be used afterward.
func (m *WazeroMemory) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// memoryModule encodes the binary of a module with a single exported memory
func memoryModule(minPages, maxPages uint32) []byte {
	var memorySection []byte
	memorySection = append(memorySection, 1)    // one memory
	memorySection = append(memorySection, 0x01) // limits with a maximum
	memorySection = appendULEB128(memorySection, minPages)
	memorySection = appendULEB128(memorySection, maxPages)

	var exportSection []byte
	exportSection = append(exportSection, 1) // one export
	exportSection = appendULEB128(exportSection, uint32(len(memoryExportName)))
	exportSection = append(exportSection, memoryExportName...)
	exportSection = append(exportSection, 0x02, 0) // memory index 0

	bin := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	bin = appendSection(bin, 5, memorySection)
	bin = appendSection(bin, 7, exportSection)
	return bin
}

func appendSection(bin []byte, id byte, content []byte) []byte {
	bin = append(bin, id)
	bin = appendULEB128(bin, uint32(len(content)))
	return append(bin, content...)
}

func appendULEB128(bin []byte, value uint32) []byte {
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			return append(bin, b)
		}
		bin = append(bin, b|0x80)
	}
}
