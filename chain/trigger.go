package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/wippyai/subgraph-runtime/abi"
)

// TriggerKind identifies what caused a handler invocation.
type TriggerKind uint8

const (
	TriggerLog TriggerKind = iota + 1
	TriggerCall
	TriggerBlock
)

var triggerKindNames = map[TriggerKind]string{
	TriggerLog:   "log",
	TriggerCall:  "call",
	TriggerBlock: "block",
}

func (k TriggerKind) String() string {
	if s, ok := triggerKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", uint8(k))
}

func (k TriggerKind) MarshalText() ([]byte, error) {
	if _, ok := triggerKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown trigger kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TriggerKind) UnmarshalText(text []byte) error {
	for kind, name := range triggerKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown trigger kind %q", text)
}

// Param is one decoded event or call parameter.
type Param struct {
	Name  string    `json:"name"`
	Value abi.Value `json:"value"`
}

// Log is a decoded event log.
type Log struct {
	Address   string  `json:"address"`
	Signature string  `json:"signature"`
	TxHash    string  `json:"transactionHash"`
	Params    []Param `json:"params"`
	LogIndex  uint64  `json:"logIndex"`
	TxIndex   uint64  `json:"transactionIndex"`
}

// Call is a decoded contract function call.
type Call struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Signature string  `json:"signature"`
	TxHash    string  `json:"transactionHash"`
	Inputs    []Param `json:"inputs"`
	Outputs   []Param `json:"outputs"`
	TxIndex   uint64  `json:"transactionIndex"`
}

// Trigger is one unit of work for a mapping host.
type Trigger struct {
	Block *Block      `json:"block"`
	Log   *Log        `json:"log,omitempty"`
	Call  *Call       `json:"call,omitempty"`
	Kind  TriggerKind `json:"kind"`
}

func NewLogTrigger(block *Block, log *Log) Trigger {
	return Trigger{Kind: TriggerLog, Block: block, Log: log}
}

func NewCallTrigger(block *Block, call *Call) Trigger {
	return Trigger{Kind: TriggerCall, Block: block, Call: call}
}

func NewBlockTrigger(block *Block) Trigger {
	return Trigger{Kind: TriggerBlock, Block: block}
}

// Validate checks that the payload matches the kind.
func (t Trigger) Validate() error {
	if t.Block == nil {
		return fmt.Errorf("%s trigger has no block", t.Kind)
	}
	switch t.Kind {
	case TriggerLog:
		if t.Log == nil {
			return fmt.Errorf("log trigger has no log")
		}
	case TriggerCall:
		if t.Call == nil {
			return fmt.Errorf("call trigger has no call")
		}
	case TriggerBlock:
	default:
		return fmt.Errorf("unknown trigger kind %d", uint8(t.Kind))
	}
	return nil
}

// Address returns the contract address the trigger originates from, or ""
// for block triggers.
func (t Trigger) Address() string {
	switch t.Kind {
	case TriggerLog:
		return t.Log.Address
	case TriggerCall:
		return t.Call.To
	}
	return ""
}

// Signature returns the event or function signature, or "" for block triggers.
func (t Trigger) Signature() string {
	switch t.Kind {
	case TriggerLog:
		return t.Log.Signature
	case TriggerCall:
		return t.Call.Signature
	}
	return ""
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerLog:
		return fmt.Sprintf("log %s #%d at %s", t.Log.Signature, t.Log.LogIndex, t.Block)
	case TriggerCall:
		return fmt.Sprintf("call %s at %s", t.Call.Signature, t.Block)
	}
	return fmt.Sprintf("block trigger at %s", t.Block)
}

type position struct {
	block  uint64
	class  int
	tx     uint64
	sub    int
	logIdx uint64
}

func (t Trigger) position() position {
	p := position{block: t.Block.Number}
	switch t.Kind {
	case TriggerCall:
		p.tx = t.Call.TxIndex
	case TriggerLog:
		p.tx = t.Log.TxIndex
		p.sub = 1
		p.logIdx = t.Log.LogIndex
	default:
		p.class = 1
	}
	return p
}

// Less orders triggers by block number, then by position inside the block.
// Calls precede the logs of their transaction; block triggers come last.
func (t Trigger) Less(o Trigger) bool {
	a, b := t.position(), o.position()
	switch {
	case a.block != b.block:
		return a.block < b.block
	case a.class != b.class:
		return a.class < b.class
	case a.tx != b.tx:
		return a.tx < b.tx
	case a.sub != b.sub:
		return a.sub < b.sub
	}
	return a.logIdx < b.logIdx
}

// Sort orders triggers in place, keeping the relative order of equal ones.
func Sort(triggers []Trigger) {
	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Less(triggers[j])
	})
}

// BlockValue is the guest representation of a block.
func BlockValue(b *Block) abi.Value {
	return abi.Map(
		abi.E("number", abi.U64(b.Number)),
		abi.E("hash", abi.String(b.Hash)),
		abi.E("parentHash", abi.String(b.ParentHash)),
		abi.E("timestamp", abi.U64(b.Timestamp)),
		abi.E("author", abi.String(b.Author)),
		abi.E("gasUsed", abi.U64(b.GasUsed)),
		abi.E("gasLimit", abi.U64(b.GasLimit)),
	)
}

func paramsValue(params []Param) abi.Value {
	elems := make([]abi.Value, len(params))
	for i, p := range params {
		elems[i] = abi.Map(abi.E("name", abi.String(p.Name)), abi.E("value", p.Value))
	}
	return abi.Array(elems...)
}

// ToValue is the object passed to a handler.
func (t Trigger) ToValue() abi.Value {
	entries := []abi.Entry{
		abi.E("kind", abi.String(t.Kind.String())),
		abi.E("block", BlockValue(t.Block)),
	}
	switch t.Kind {
	case TriggerLog:
		entries = append(entries,
			abi.E("address", abi.String(t.Log.Address)),
			abi.E("signature", abi.String(t.Log.Signature)),
			abi.E("transactionHash", abi.String(t.Log.TxHash)),
			abi.E("transactionIndex", abi.U64(t.Log.TxIndex)),
			abi.E("logIndex", abi.U64(t.Log.LogIndex)),
			abi.E("params", paramsValue(t.Log.Params)),
		)
	case TriggerCall:
		entries = append(entries,
			abi.E("from", abi.String(t.Call.From)),
			abi.E("to", abi.String(t.Call.To)),
			abi.E("signature", abi.String(t.Call.Signature)),
			abi.E("transactionHash", abi.String(t.Call.TxHash)),
			abi.E("transactionIndex", abi.U64(t.Call.TxIndex)),
			abi.E("inputs", paramsValue(t.Call.Inputs)),
			abi.E("outputs", paramsValue(t.Call.Outputs)),
		)
	}
	return abi.Map(entries...)
}

// DecodeTrigger parses the JSON form of a trigger.
func DecodeTrigger(data []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return Trigger{}, fmt.Errorf("decode trigger: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

// SameAddress compares hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
