package abi

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
)

// Kind identifies the type of a Value. Non-null kinds equal their object tag.
type Kind uint32

const (
	KindNull    Kind = 0
	KindBool    Kind = 1
	KindI32     Kind = 2
	KindI64     Kind = 3
	KindU64     Kind = 4
	KindBigInt  Kind = 5
	KindBigUint Kind = 6
	KindString  Kind = 7
	KindBytes   Kind = 8
	KindArray   Kind = 9
	KindMap     Kind = 10
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindI32:     "i32",
	KindI64:     "i64",
	KindU64:     "u64",
	KindBigInt:  "bigint",
	KindBigUint: "biguint",
	KindString:  "string",
	KindBytes:   "bytes",
	KindArray:   "array",
	KindMap:     "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Value is an immutable host-side representation of a guest object.
// The zero Value is null.
type Value struct {
	big     *big.Int
	str     string
	raw     []byte
	arr     []Value
	entries []Entry
	u       uint64
	kind    Kind
}

// Entry is one key/value pair of a map value.
type Entry struct {
	Key   string
	Value Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.u = 1
	}
	return v
}

func I32(n int32) Value { return Value{kind: KindI32, u: uint64(int64(n))} }

func I64(n int64) Value { return Value{kind: KindI64, u: uint64(n)} }

func U64(n uint64) Value { return Value{kind: KindU64, u: n} }

// BigInt returns a signed wide integer. Range is checked when encoding.
func BigInt(n *big.Int) Value {
	return Value{kind: KindBigInt, big: new(big.Int).Set(n)}
}

// BigUint returns an unsigned wide integer. Range is checked when encoding.
func BigUint(n *big.Int) Value {
	return Value{kind: KindBigUint, big: new(big.Int).Set(n)}
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: bytes.Clone(b)}
}

func Array(elems ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), elems...)}
}

func Map(entries ...Entry) Value {
	return Value{kind: KindMap, entries: append([]Entry(nil), entries...)}
}

// E builds a map entry.
func E(key string, v Value) Entry { return Entry{Key: key, Value: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	return v.u == 1, v.kind == KindBool
}

// AsInt returns the value of an i32 or i64.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindI32, KindI64:
		return int64(v.u), true
	}
	return 0, false
}

func (v Value) AsUint() (uint64, bool) {
	return v.u, v.kind == KindU64
}

// AsBig returns a copy of a wide integer, or the big form of any integer kind.
func (v Value) AsBig() (*big.Int, bool) {
	switch v.kind {
	case KindBigInt, KindBigUint:
		return new(big.Int).Set(v.big), true
	case KindI32, KindI64:
		return big.NewInt(int64(v.u)), true
	case KindU64:
		return new(big.Int).SetUint64(v.u), true
	}
	return nil, false
}

func (v Value) AsText() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return bytes.Clone(v.raw), true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return append([]Value(nil), v.arr...), true
}

func (v Value) AsMap() ([]Entry, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return append([]Entry(nil), v.entries...), true
}

// Len returns the element count of arrays and maps, the byte length of
// strings and bytes, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.entries)
	case KindString:
		return len(v.str)
	case KindBytes:
		return len(v.raw)
	}
	return 0
}

// Get returns the last entry with the given key of a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Key == key {
			return v.entries[i].Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of a map value with key set to val, replacing any
// existing entries for key.
func (v Value) With(key string, val Value) Value {
	out := Value{kind: KindMap, entries: make([]Entry, 0, len(v.entries)+1)}
	replaced := false
	for _, e := range v.entries {
		if e.Key == key {
			if !replaced {
				out.entries = append(out.entries, Entry{Key: key, Value: val})
				replaced = true
			}
			continue
		}
		out.entries = append(out.entries, e)
	}
	if !replaced {
		out.entries = append(out.entries, Entry{Key: key, Value: val})
	}
	return out
}

// Equal reports deep equality, including kind.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindI32, KindI64, KindU64:
		return v.u == o.u
	case KindBigInt, KindBigUint:
		return v.big.Cmp(o.big) == 0
	case KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.entries) != len(o.entries) {
			return false
		}
		for i := range v.entries {
			if v.entries[i].Key != o.entries[i].Key || !v.entries[i].Value.Equal(o.entries[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for logs and test failures.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.u == 1 {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindI32, KindI64:
		fmt.Fprintf(b, "%d", int64(v.u))
	case KindU64:
		fmt.Fprintf(b, "%du", v.u)
	case KindBigInt, KindBigUint:
		b.WriteString(v.big.String())
		b.WriteByte('n')
	case KindString:
		fmt.Fprintf(b, "%q", v.str)
	case KindBytes:
		fmt.Fprintf(b, "0x%x", v.raw)
	case KindArray:
		b.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, e := range v.entries {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.Key)
			b.WriteString(": ")
			e.Value.format(b)
		}
		b.WriteByte('}')
	}
}
