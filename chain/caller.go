package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/wippyai/subgraph-runtime/abi"
)

// ErrCallReverted is returned by a ContractCaller when the call reverted.
// The host hands null to the guest instead of trapping.
var ErrCallReverted = errors.New("contract call reverted")

// CallRequest is a read-only contract call issued by a mapping.
type CallRequest struct {
	ContractName string
	Address      string
	Function     string
	Signature    string
	Args         []abi.Value
}

// ContractCaller performs contract calls at a given block.
type ContractCaller interface {
	Call(ctx context.Context, req CallRequest, block BlockPtr) ([]abi.Value, error)
}

type staticResult struct {
	values   []abi.Value
	err      error
	reverted bool
}

// StaticCaller answers calls from a fixed table keyed by address and
// function signature.
type StaticCaller struct {
	results map[string]staticResult
	calls   []CallRequest
	mu      sync.Mutex
}

func NewStaticCaller() *StaticCaller {
	return &StaticCaller{results: make(map[string]staticResult)}
}

func staticKey(address, signature string) string {
	return strings.ToLower(address) + "#" + signature
}

// Set registers the values returned for a call.
func (c *StaticCaller) Set(address, signature string, values ...abi.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[staticKey(address, signature)] = staticResult{values: values}
}

// Revert makes the call revert.
func (c *StaticCaller) Revert(address, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[staticKey(address, signature)] = staticResult{reverted: true}
}

// Fail makes the call fail with err.
func (c *StaticCaller) Fail(address, signature string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[staticKey(address, signature)] = staticResult{err: err}
}

// Calls returns the requests seen so far.
func (c *StaticCaller) Calls() []CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CallRequest(nil), c.calls...)
}

func (c *StaticCaller) Call(ctx context.Context, req CallRequest, _ BlockPtr) ([]abi.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)

	res, ok := c.results[staticKey(req.Address, req.Signature)]
	switch {
	case !ok:
		return nil, errors.New("no result registered for " + req.Signature + " on " + req.Address)
	case res.reverted:
		return nil, ErrCallReverted
	case res.err != nil:
		return nil, res.err
	}
	return append([]abi.Value(nil), res.values...), nil
}
