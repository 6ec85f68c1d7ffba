package host

import (
	"context"

	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
)

// EntityReader reads committed entities.
type EntityReader interface {
	Get(ctx context.Context, key entity.Key) (entity.Data, bool, error)
}

// MappingContext carries the block being processed and the entity
// operations staged by handlers so far. It is used by one goroutine at a time.
type MappingContext struct {
	Block *chain.Block
	ops   []entity.Operation
}

// NewMappingContext creates an empty context for block.
func NewMappingContext(block *chain.Block) *MappingContext {
	return &MappingContext{Block: block}
}

// NewFreshContext shares the block with c and starts with no operations.
func (c *MappingContext) NewFreshContext() *MappingContext {
	return &MappingContext{Block: c.Block}
}

// BlockPtr returns the pointer of the context block, or the zero pointer.
func (c *MappingContext) BlockPtr() chain.BlockPtr {
	if c.Block == nil {
		return chain.BlockPtr{}
	}
	return c.Block.Ptr()
}

func (c *MappingContext) Stage(op entity.Operation) {
	c.ops = append(c.ops, op)
}

// Ops returns a copy of the staged operations in staging order.
func (c *MappingContext) Ops() []entity.Operation {
	return append([]entity.Operation(nil), c.ops...)
}

func (c *MappingContext) Len() int {
	return len(c.ops)
}

// Discard drops every staged operation.
func (c *MappingContext) Discard() {
	c.ops = nil
}

// Get returns the entity as the staged operations leave it: the committed
// entity from reader (skipped after a staged remove) merged with every
// later staged set.
func (c *MappingContext) Get(ctx context.Context, key entity.Key, reader EntityReader) (entity.Data, bool, error) {
	from := 0
	removed := false
	staged := false
	for i, op := range c.ops {
		if op.Key != key {
			continue
		}
		staged = true
		if op.Kind == entity.OpRemove {
			from = i + 1
			removed = true
		}
	}

	var data entity.Data
	found := false
	if !removed && reader != nil {
		var err error
		data, found, err = reader.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
	}
	if !staged {
		return data, found, nil
	}

	for _, op := range c.ops[from:] {
		if op.Key == key && op.Kind == entity.OpSet {
			data = data.Merge(op.Data)
			found = true
		}
	}
	if !found {
		return nil, false, nil
	}
	return data, true, nil
}
