package abi

import "fmt"

// LinearMemory is a host-side byte slice with a bump allocator. It stages
// objects for data segments and stands in for guest memory in tests.
type LinearMemory struct {
	buf  []byte
	next uint32
}

// NewLinearMemory creates a memory of size bytes whose allocator starts at base.
func NewLinearMemory(size, base uint32) *LinearMemory {
	return &LinearMemory{buf: make([]byte, size), next: base}
}

func (m *LinearMemory) Size() uint32 {
	return uint32(len(m.buf))
}

func (m *LinearMemory) inBounds(offset, length uint32) bool {
	return uint64(offset)+uint64(length) <= uint64(len(m.buf))
}

// Read returns a view of memory, like wazero's api.Memory.Read.
func (m *LinearMemory) Read(offset, length uint32) ([]byte, error) {
	if !m.inBounds(offset, length) {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	return m.buf[offset : offset+length : offset+length], nil
}

func (m *LinearMemory) Write(offset uint32, data []byte) error {
	if !m.inBounds(offset, uint32(len(data))) || uint64(len(data)) > uint64(len(m.buf)) {
		return fmt.Errorf("memory write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(m.buf[offset:], data)
	return nil
}

// Alloc bump-allocates size bytes aligned to 4.
func (m *LinearMemory) Alloc(size uint32) (uint32, error) {
	ptr := (uint64(m.next) + 3) &^ 3
	if ptr+uint64(size) > uint64(len(m.buf)) {
		return 0, fmt.Errorf("out of memory: need %d bytes at %d, have %d", size, ptr, len(m.buf))
	}
	m.next = uint32(ptr + uint64(size))
	return uint32(ptr), nil
}

// Next returns the offset the next allocation starts from.
func (m *LinearMemory) Next() uint32 {
	return m.next
}

// Slice returns a copy of [from, to).
func (m *LinearMemory) Slice(from, to uint32) []byte {
	return append([]byte(nil), m.buf[from:to]...)
}
