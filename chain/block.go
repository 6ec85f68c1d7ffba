// Package chain models the blockchain data a mapping handler is triggered by
// and the contract-call collaborator the host consults.
package chain

import (
	"fmt"
	"strconv"
)

// BlockPtr identifies a block by number and hash.
type BlockPtr struct {
	Hash   string `json:"hash"`
	Number uint64 `json:"number"`
}

func (p BlockPtr) String() string {
	return "#" + strconv.FormatUint(p.Number, 10) + " (" + p.Hash + ")"
}

// Block is the block a trigger belongs to. Triggers of one block share the
// same *Block; it is never mutated after construction.
type Block struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Author     string `json:"author,omitempty"`
	GasUsed    uint64 `json:"gasUsed,omitempty"`
	GasLimit   uint64 `json:"gasLimit,omitempty"`
	Number     uint64 `json:"number"`
	Timestamp  uint64 `json:"timestamp"`
}

// Ptr returns the block pointer.
func (b *Block) Ptr() BlockPtr {
	return BlockPtr{Number: b.Number, Hash: b.Hash}
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d (%s)", b.Number, b.Hash)
}
