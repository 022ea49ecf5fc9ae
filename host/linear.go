package host

// LinearMemory is an in-process Memory backed by a byte slice.
type LinearMemory struct {
	data       []byte
	limitPages uint32
}

var _ Memory = &LinearMemory{}

// NewLinearMemory creates a memory of initialPages pages that can grow up to limitPages pages.
// A limitPages of 0, or one above MaxPages, means MaxPages.
func NewLinearMemory(initialPages, limitPages uint32) *LinearMemory {
	if limitPages == 0 || limitPages > MaxPages {
		limitPages = MaxPages
	}
	if initialPages > limitPages {
		initialPages = limitPages
	}

	return &LinearMemory{
		data:       make([]byte, int(initialPages)*PageSize),
		limitPages: limitPages,
	}
}

func (m *LinearMemory) Size() uint32 {
	return uint32(len(m.data))
}

// LimitPages is the size in pages past which Grow fails
func (m *LinearMemory) LimitPages() uint32 {
	return m.limitPages
}

func (m *LinearMemory) Grow(deltaPages uint32) (uint32, bool) {
	currentPages := uint32(len(m.data) / PageSize)
	if deltaPages == 0 {
		return currentPages, true
	}

	if uint64(currentPages)+uint64(deltaPages) > uint64(m.limitPages) {
		return currentPages, false
	}

	m.data = append(m.data, make([]byte, int(deltaPages)*PageSize)...)
	return currentPages, true
}

func (m *LinearMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.data)) {
		return nil, false
	}

	return m.data[offset:end:end], true
}
