package abi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/wippyai/subgraph-runtime/errors"
)

// FromJSON parses one JSON document into a Value. Object key order is kept.
// Integers become i64, u64 or bigint depending on range; other numbers are
// kept as their decimal text in a string value.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSON(dec, 0)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.InvalidData(errors.PhaseParse, nil, "trailing data after JSON value")
	}
	return v, nil
}

func decodeJSON(dec *json.Decoder, depth int) (Value, error) {
	if depth > DefaultMaxDepth {
		return Value{}, errors.InvalidData(errors.PhaseParse, nil, "JSON nesting too deep")
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, errors.ParseFailed("JSON", err)
	}

	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t.String()), nil
	case json.Delim:
		switch t {
		case '[':
			var elems []Value
			for dec.More() {
				elem, err := decodeJSON(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				elems = append(elems, elem)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, errors.ParseFailed("JSON", err)
			}
			return Array(elems...), nil
		case '{':
			var entries []Entry
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, errors.ParseFailed("JSON", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, errors.InvalidData(errors.PhaseParse, nil, "object key is not a string")
				}
				val, err := decodeJSON(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				entries = append(entries, Entry{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, errors.ParseFailed("JSON", err)
			}
			return Map(entries...), nil
		}
	}
	return Value{}, errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("unexpected JSON token %v", tok))
}

func numberValue(text string) Value {
	if strings.ContainsAny(text, ".eE") {
		return String(text)
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return I64(n)
	}
	if n, err := strconv.ParseUint(text, 10, 64); err == nil {
		return U64(n)
	}
	n, ok := new(big.Int).SetString(text, 10)
	if !ok || n.Cmp(MinInt256()) < 0 || n.Cmp(MaxInt256()) > 0 {
		return String(text)
	}
	return BigInt(n)
}

// Plain converts v into values encoding/json renders naturally: wide
// integers become decimal strings and bytes become 0x-prefixed hex.
func (v Value) Plain() any {
	switch v.kind {
	case KindBool:
		return v.u == 1
	case KindI32, KindI64:
		return int64(v.u)
	case KindU64:
		return v.u
	case KindBigInt, KindBigUint:
		return v.big.String()
	case KindString:
		return v.str
	case KindBytes:
		return "0x" + hex.EncodeToString(v.raw)
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Plain()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.entries))
		for _, e := range v.entries {
			out[e.Key] = e.Value.Plain()
		}
		return out
	}
	return nil
}

// taggedValue is the lossless JSON form used for persistence.
type taggedValue struct {
	Kind  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes v losslessly, keeping kinds and map order.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
	case KindBool:
		payload = v.u == 1
	case KindI32, KindI64:
		payload = int64(v.u)
	case KindU64:
		payload = strconv.FormatUint(v.u, 10)
	case KindBigInt, KindBigUint:
		payload = v.big.String()
	case KindString:
		payload = v.str
	case KindBytes:
		payload = hex.EncodeToString(v.raw)
	case KindArray:
		payload = v.arr
	case KindMap:
		pairs := make([][2]any, len(v.entries))
		for i, e := range v.entries {
			pairs[i] = [2]any{e.Key, e.Value}
		}
		payload = pairs
	default:
		return nil, errors.Unsupported(errors.PhaseEncode, "value kind "+v.kind.String())
	}

	out := taggedValue{Kind: v.kind.String()}
	if v.kind != KindNull {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return err
	}

	switch tv.Kind {
	case "null":
		*v = Null()
	case "bool":
		var b bool
		if err := json.Unmarshal(tv.Value, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case "i32", "i64":
		var n int64
		if err := json.Unmarshal(tv.Value, &n); err != nil {
			return err
		}
		if tv.Kind == "i32" {
			*v = I32(int32(n))
		} else {
			*v = I64(n)
		}
	case "u64":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*v = U64(n)
	case "bigint", "biguint":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("invalid %s %q", tv.Kind, s)
		}
		if tv.Kind == "bigint" {
			*v = BigInt(n)
		} else {
			*v = BigUint(n)
		}
	case "string":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case "bytes":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return err
		}
		raw, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		*v = Bytes(raw)
	case "array":
		var elems []Value
		if err := json.Unmarshal(tv.Value, &elems); err != nil {
			return err
		}
		*v = Array(elems...)
	case "map":
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(tv.Value, &pairs); err != nil {
			return err
		}
		entries := make([]Entry, len(pairs))
		for i, p := range pairs {
			if err := json.Unmarshal(p[0], &entries[i].Key); err != nil {
				return err
			}
			if err := json.Unmarshal(p[1], &entries[i].Value); err != nil {
				return err
			}
		}
		*v = Map(entries...)
	default:
		return fmt.Errorf("unknown value kind %q", tv.Kind)
	}
	return nil
}
