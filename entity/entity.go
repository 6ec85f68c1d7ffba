// Package entity defines the entity operations mapping handlers stage and
// the store applies.
package entity

import (
	"fmt"
	"sort"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
)

// IDAttribute is the attribute holding an entity's id.
const IDAttribute = "id"

// Key identifies one entity of one deployment.
type Key struct {
	Deployment subgraphruntime.DeploymentID
	EntityType string
	EntityID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s[%s]", k.Deployment, k.EntityType, k.EntityID)
}

// Data holds entity attributes.
type Data map[string]abi.Value

// DataFromValue converts a map value into entity data. When a key repeats the
// last occurrence wins.
func DataFromValue(v abi.Value) (Data, error) {
	entries, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("entity data must be a map, got %s", v.Kind())
	}
	d := make(Data, len(entries))
	for _, e := range entries {
		d[e.Key] = e.Value
	}
	return d, nil
}

// Keys returns attribute names in sorted order.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToValue converts the data into a map value with sorted keys.
func (d Data) ToValue() abi.Value {
	entries := make([]abi.Entry, 0, len(d))
	for _, k := range d.Keys() {
		entries = append(entries, abi.E(k, d[k]))
	}
	return abi.Map(entries...)
}

// Merge returns a copy of d updated with the attributes of other. A null
// attribute in other unsets the attribute.
func (d Data) Merge(other Data) Data {
	out := make(Data, len(d)+len(other))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range other {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy. Values are immutable.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ID returns the id attribute when it is a string.
func (d Data) ID() (string, bool) {
	v, ok := d[IDAttribute]
	if !ok {
		return "", false
	}
	return v.AsText()
}

// OperationKind is the kind of an entity operation.
type OperationKind uint8

const (
	OpSet OperationKind = iota + 1
	OpRemove
)

func (k OperationKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Operation is a staged create/update or remove against one entity.
type Operation struct {
	Data Data
	Key  Key
	Kind OperationKind
}

// Set creates or updates the entity with data. The id attribute is forced to
// the key's id.
func Set(key Key, data Data) Operation {
	d := data.Clone()
	d[IDAttribute] = abi.String(key.EntityID)
	return Operation{Kind: OpSet, Key: key, Data: d}
}

// Remove deletes the entity.
func Remove(key Key) Operation {
	return Operation{Kind: OpRemove, Key: key}
}

func (op Operation) String() string {
	if op.Kind == OpSet {
		return fmt.Sprintf("set %s %s", op.Key, op.Data.ToValue())
	}
	return fmt.Sprintf("%s %s", op.Kind, op.Key)
}

// EventSource records what produced a batch of operations.
type EventSource struct {
	Block *chain.BlockPtr
}

// NoEventSource is used for operations not caused by a block, such as
// deployment status changes.
func NoEventSource() EventSource { return EventSource{} }

// BlockSource attributes operations to a block.
func BlockSource(ptr chain.BlockPtr) EventSource { return EventSource{Block: &ptr} }

func (s EventSource) String() string {
	if s.Block == nil {
		return "none"
	}
	return s.Block.String()
}
