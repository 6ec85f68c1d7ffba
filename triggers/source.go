// Package triggers delivers the per-block trigger batches a deployment is
// indexed from.
package triggers

import (
	"context"
	"encoding/json"
	"fmt"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/chain"
)

// DefaultBuffer is the per-deployment queue length of the sources.
const DefaultBuffer = 16

// Batch holds the triggers of one block.
type Batch struct {
	Block    *chain.Block    `json:"block"`
	Triggers []chain.Trigger `json:"triggers"`
}

// Normalize makes every trigger share the batch's block, validates the
// triggers and sorts them into processing order.
func (b *Batch) Normalize() error {
	if b.Block == nil {
		return fmt.Errorf("batch has no block")
	}
	for i := range b.Triggers {
		t := &b.Triggers[i]
		if t.Block != nil && t.Block.Number != b.Block.Number {
			return fmt.Errorf("trigger %d belongs to block %d, batch is block %d", i, t.Block.Number, b.Block.Number)
		}
		t.Block = b.Block
		if err := t.Validate(); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	chain.Sort(b.Triggers)
	return nil
}

// DecodeBatch parses and normalizes the JSON form of a batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	if err := b.Normalize(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Source hands out the batch stream of a deployment. The stream ends when
// ctx is done; a closed channel also ends it.
type Source interface {
	Subscribe(ctx context.Context, id subgraphruntime.DeploymentID) (<-chan Batch, error)
}
