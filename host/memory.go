package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// guestMemory adapts wazero memory to the codec's memory interface.
type guestMemory struct {
	mem api.Memory
}

func (m *guestMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *guestMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *guestMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

// guestAllocator calls the module's allocate export.
type guestAllocator struct {
	fn    api.Function
	ctx   context.Context
	stack [1]uint64
}

func (a *guestAllocator) Alloc(size uint32) (uint32, error) {
	a.stack[0] = uint64(size)
	if err := a.fn.CallWithStack(a.ctx, a.stack[:]); err != nil {
		return 0, err
	}
	return uint32(a.stack[0]), nil
}

var (
	_ subgraphruntime.Memory      = (*guestMemory)(nil)
	_ subgraphruntime.MemorySizer = (*guestMemory)(nil)
	_ subgraphruntime.Allocator   = (*guestAllocator)(nil)
)
