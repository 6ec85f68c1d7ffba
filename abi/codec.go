package abi

import (
	"encoding/binary"
	"math"
	"strconv"
	"unicode/utf8"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/errors"
)

// Memory is guest linear memory with a known size.
type Memory interface {
	subgraphruntime.Memory
	subgraphruntime.MemorySizer
}

// Allocator allocates objects in guest memory.
type Allocator = subgraphruntime.Allocator

const (
	// HeaderSize is the size of the rc/tag/len object header.
	HeaderSize = 12

	// DefaultMaxDepth bounds object nesting in both directions.
	DefaultMaxDepth = 64

	// DefaultDecodeLimit bounds the total bytes one Decode call may visit.
	DefaultDecodeLimit = 64 << 20

	initialRefCount = 1
)

// Codec encodes and decodes values in one guest's memory. It is the only
// place that performs pointer and length arithmetic on guest addresses.
// A Codec is not safe for concurrent use.
type Codec struct {
	mem         Memory
	alloc       Allocator
	maxDepth    int
	decodeLimit uint64
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxDepth overrides the nesting limit.
func WithMaxDepth(depth int) Option {
	return func(c *Codec) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// WithDecodeLimit overrides the per-call decode budget in bytes.
func WithDecodeLimit(limit uint64) Option {
	return func(c *Codec) {
		if limit > 0 {
			c.decodeLimit = limit
		}
	}
}

// NewCodec creates a codec over mem. alloc may be nil for decode-only use.
func NewCodec(mem Memory, alloc Allocator, opts ...Option) *Codec {
	c := &Codec{
		mem:         mem,
		alloc:       alloc,
		maxDepth:    DefaultMaxDepth,
		decodeLimit: DefaultDecodeLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode allocates v in guest memory and returns its pointer. Null encodes
// to 0 without allocating.
func (c *Codec) Encode(v Value) (uint32, error) {
	return c.encode(nil, v, 0)
}

func (c *Codec) encode(path []string, v Value, depth int) (uint32, error) {
	if depth > c.maxDepth {
		return 0, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
			Path(path...).
			Detailf("nesting exceeds %d levels", c.maxDepth).
			Build()
	}

	switch v.kind {
	case KindNull:
		return 0, nil
	case KindBool:
		return c.writeObject(path, KindBool, 1, []byte{byte(v.u)})
	case KindI32:
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(v.u))
		return c.writeObject(path, KindI32, 4, payload)
	case KindI64, KindU64:
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, v.u)
		return c.writeObject(path, v.kind, 8, payload)
	case KindBigInt:
		payload, err := packBigInt(path, v.big)
		if err != nil {
			return 0, err
		}
		return c.writeObject(path, KindBigInt, bigIntPayload, payload)
	case KindBigUint:
		payload, err := packBigUint(path, v.big)
		if err != nil {
			return 0, err
		}
		return c.writeObject(path, KindBigUint, bigUintPayload, payload)
	case KindString:
		if !utf8.ValidString(v.str) {
			return 0, errors.InvalidUTF8(errors.PhaseEncode, path, []byte(v.str))
		}
		return c.writeObject(path, KindString, len(v.str), []byte(v.str))
	case KindBytes:
		return c.writeObject(path, KindBytes, len(v.raw), v.raw)
	case KindArray:
		payload := make([]byte, 4*len(v.arr))
		for i, elem := range v.arr {
			ptr, err := c.encode(append(path, index(i)), elem, depth+1)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint32(payload[4*i:], ptr)
		}
		return c.writeObject(path, KindArray, len(v.arr), payload)
	case KindMap:
		payload := make([]byte, 8*len(v.entries))
		for i, e := range v.entries {
			keyPtr, err := c.encode(append(path, e.Key), String(e.Key), depth+1)
			if err != nil {
				return 0, err
			}
			valPtr, err := c.encode(append(path, e.Key), e.Value, depth+1)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint32(payload[8*i:], keyPtr)
			binary.LittleEndian.PutUint32(payload[8*i+4:], valPtr)
		}
		return c.writeObject(path, KindMap, len(v.entries), payload)
	}
	return 0, errors.Unsupported(errors.PhaseEncode, "value kind "+v.kind.String())
}

func (c *Codec) writeObject(path []string, kind Kind, length int, payload []byte) (uint32, error) {
	if c.alloc == nil {
		return 0, errors.New(errors.PhaseEncode, errors.KindAllocation).
			Path(path...).
			Detail("codec has no allocator").
			Build()
	}

	total := uint64(HeaderSize) + uint64(len(payload))
	if total > math.MaxUint32 || uint64(length) > math.MaxUint32 {
		return 0, errors.Overflow(errors.PhaseEncode, path, total, "object size")
	}

	ptr, err := c.alloc.Alloc(uint32(total))
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseEncode, uint32(total), err)
	}
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseEncode, uint32(total), nil)
	}
	if err := c.check(path, uint64(ptr), total); err != nil {
		return 0, err
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:], initialRefCount)
	binary.LittleEndian.PutUint32(buf[4:], uint32(kind))
	binary.LittleEndian.PutUint32(buf[8:], uint32(length))
	copy(buf[HeaderSize:], payload)

	if err := c.mem.Write(ptr, buf); err != nil {
		return 0, outOfBounds(path, uint64(ptr), total, c.mem.Size(), err)
	}
	return ptr, nil
}

// Decode reads the object at ptr. A null pointer decodes to Null.
func (c *Codec) Decode(ptr uint32) (Value, error) {
	budget := c.decodeLimit
	return c.decode(nil, ptr, 0, &budget)
}

// DecodeString decodes ptr and requires a string.
func (c *Codec) DecodeString(ptr uint32) (string, error) {
	v, err := c.decodeKind(ptr, KindString)
	if err != nil {
		return "", err
	}
	return v.str, nil
}

// DecodeBytes decodes ptr and requires a bytes object.
func (c *Codec) DecodeBytes(ptr uint32) ([]byte, error) {
	v, err := c.decodeKind(ptr, KindBytes)
	if err != nil {
		return nil, err
	}
	return v.raw, nil
}

// DecodeMap decodes ptr and requires a map.
func (c *Codec) DecodeMap(ptr uint32) (Value, error) {
	return c.decodeKind(ptr, KindMap)
}

func (c *Codec) decodeKind(ptr uint32, want Kind) (Value, error) {
	v, err := c.Decode(ptr)
	if err != nil {
		return Value{}, err
	}
	if v.kind != want {
		return Value{}, guestFault(errors.TypeMismatch(errors.PhaseDecode, nil, want.String(), v.kind.String()))
	}
	return v, nil
}

func (c *Codec) decode(path []string, ptr uint32, depth int, budget *uint64) (Value, error) {
	if ptr == 0 {
		return Value{}, nil
	}
	if depth > c.maxDepth {
		return Value{}, guestFault(errors.InvalidData(errors.PhaseDecode, path, "nesting exceeds "+strconv.Itoa(c.maxDepth)+" levels"))
	}

	header, err := c.read(path, uint64(ptr), HeaderSize)
	if err != nil {
		return Value{}, err
	}
	kind := Kind(binary.LittleEndian.Uint32(header[4:]))
	length := binary.LittleEndian.Uint32(header[8:])

	payloadLen, err := payloadSize(path, kind, length)
	if err != nil {
		return Value{}, err
	}
	if err := c.check(path, uint64(ptr)+HeaderSize, payloadLen); err != nil {
		return Value{}, err
	}

	cost := HeaderSize + payloadLen
	if cost > *budget {
		return Value{}, guestFault(errors.InvalidData(errors.PhaseDecode, path, "object graph exceeds decode limit"))
	}
	*budget -= cost

	payload, err := c.read(path, uint64(ptr)+HeaderSize, payloadLen)
	if err != nil {
		return Value{}, err
	}

	switch kind {
	case KindBool:
		if payload[0] > 1 {
			return Value{}, guestFault(errors.InvalidData(errors.PhaseDecode, path, "bool payload must be 0 or 1"))
		}
		return Bool(payload[0] == 1), nil
	case KindI32:
		return I32(int32(binary.LittleEndian.Uint32(payload))), nil
	case KindI64:
		return I64(int64(binary.LittleEndian.Uint64(payload))), nil
	case KindU64:
		return U64(binary.LittleEndian.Uint64(payload)), nil
	case KindBigInt:
		n, err := unpackBigInt(path, payload)
		if err != nil {
			return Value{}, guestFault(err)
		}
		return Value{kind: KindBigInt, big: n}, nil
	case KindBigUint:
		return Value{kind: KindBigUint, big: unpackBigUint(payload)}, nil
	case KindString:
		if !utf8.Valid(payload) {
			return Value{}, guestFault(errors.InvalidUTF8(errors.PhaseDecode, path, payload))
		}
		return String(string(payload)), nil
	case KindBytes:
		return Bytes(payload), nil
	case KindArray:
		ptrs := readPointers(payload)
		elems := make([]Value, len(ptrs))
		for i, p := range ptrs {
			elem, err := c.decode(append(path, index(i)), p, depth+1, budget)
			if err != nil {
				return Value{}, err
			}
			elems[i] = elem
		}
		return Value{kind: KindArray, arr: elems}, nil
	case KindMap:
		ptrs := readPointers(payload)
		entries := make([]Entry, len(ptrs)/2)
		for i := range entries {
			keyPath := append(path, index(i))
			key, err := c.decode(keyPath, ptrs[2*i], depth+1, budget)
			if err != nil {
				return Value{}, err
			}
			if key.kind != KindString {
				return Value{}, guestFault(errors.TypeMismatch(errors.PhaseDecode, keyPath, "string key", key.kind.String()))
			}
			val, err := c.decode(append(path, key.str), ptrs[2*i+1], depth+1, budget)
			if err != nil {
				return Value{}, err
			}
			entries[i] = Entry{Key: key.str, Value: val}
		}
		return Value{kind: KindMap, entries: entries}, nil
	}
	return Value{}, guestFault(errors.InvalidData(errors.PhaseDecode, path, "unreachable kind "+kind.String()))
}

func payloadSize(path []string, kind Kind, length uint32) (uint64, error) {
	fixed := func(want uint32) (uint64, error) {
		if length != want {
			return 0, guestFault(errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Path(path...).
				Value(length).
				Detailf("%s object has length %d, want %d", kind, length, want).
				Build())
		}
		return uint64(want), nil
	}

	switch kind {
	case KindBool:
		return fixed(1)
	case KindI32:
		return fixed(4)
	case KindI64, KindU64:
		return fixed(8)
	case KindBigInt:
		return fixed(bigIntPayload)
	case KindBigUint:
		return fixed(bigUintPayload)
	case KindString, KindBytes:
		return uint64(length), nil
	case KindArray:
		return 4 * uint64(length), nil
	case KindMap:
		return 8 * uint64(length), nil
	}
	return 0, guestFault(errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Path(path...).
		Value(uint32(kind)).
		Detailf("unknown object tag %d", uint32(kind)).
		Build())
}

// check validates [offset, offset+length) against the memory size using
// 64-bit arithmetic so that wrap-around cannot pass.
func (c *Codec) check(path []string, offset, length uint64) error {
	size := c.mem.Size()
	if offset > uint64(size) || length > uint64(size)-offset {
		return outOfBounds(path, offset, length, size, nil)
	}
	return nil
}

func (c *Codec) read(path []string, offset, length uint64) ([]byte, error) {
	if err := c.check(path, offset, length); err != nil {
		return nil, err
	}
	data, err := c.mem.Read(uint32(offset), uint32(length))
	if err != nil {
		return nil, outOfBounds(path, offset, length, c.mem.Size(), err)
	}
	return data, nil
}

func readPointers(payload []byte) []uint32 {
	ptrs := make([]uint32, len(payload)/4)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(payload[4*i:])
	}
	return ptrs
}

func outOfBounds(path []string, offset, length uint64, size uint32, cause error) error {
	err := errors.OutOfBounds(errors.PhaseDecode, path, offset, length, size)
	err.Cause = cause
	return errors.NewTrap(errors.TrapMemoryOutOfBounds, err.Detail, err)
}

func guestFault(cause *errors.Error) error {
	return errors.NewTrap(errors.TrapGuestFault, "malformed guest object", cause)
}

func index(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}
