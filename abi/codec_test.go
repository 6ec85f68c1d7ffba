package abi

import (
	"encoding/binary"
	stderrors "errors"
	"math/big"
	"strings"
	"testing"

	"github.com/wippyai/subgraph-runtime/errors"
)

func newTestCodec(size uint32) (*Codec, *LinearMemory) {
	mem := NewLinearMemory(size, 16)
	return NewCodec(mem, mem), mem
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big literal %q", s)
	}
	return n
}

func TestLinearMemory_Bounds(t *testing.T) {
	mem := NewLinearMemory(32, 0)
	if _, err := mem.Read(30, 2); err != nil {
		t.Fatalf("read at end: %v", err)
	}
	if _, err := mem.Read(31, 2); err == nil {
		t.Error("read past end should fail")
	}
	if _, err := mem.Read(0xffffffff, 2); err == nil {
		t.Error("wrapping read should fail")
	}
	if err := mem.Write(28, []byte{1, 2, 3, 4, 5}); err == nil {
		t.Error("write past end should fail")
	}
	if err := mem.Write(28, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write at end: %v", err)
	}
	if got := mem.Slice(28, 32); string(got) != "\x01\x02\x03\x04" {
		t.Errorf("Slice = %x", got)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"null", Null()},
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"i32 negative", I32(-42)},
		{"i32 max", I32(2147483647)},
		{"i64 min", I64(-9223372036854775808)},
		{"u64 max", U64(18446744073709551615)},
		{"biguint zero", BigUint(big.NewInt(0))},
		{"biguint max", BigUint(MaxUint256())},
		{"bigint zero", BigInt(big.NewInt(0))},
		{"bigint max", BigInt(MaxInt256())},
		{"bigint min", BigInt(MinInt256())},
		{"bigint minus one", BigInt(big.NewInt(-1))},
		{"empty string", String("")},
		{"unicode string", String("héllo, 世界")},
		{"empty bytes", Bytes(nil)},
		{"bytes", Bytes([]byte{0xde, 0xad, 0xbe, 0xef})},
		{"empty array", Array()},
		{"array with null", Array(I32(1), Null(), String("x"))},
		{"empty map", Map()},
		{"map", Map(
			E("id", String("0x01")),
			E("balance", BigUint(mustBig(t, "1000000000000000000000"))),
			E("tags", Array(String("a"), String("b"))),
		)},
		{"nested", Array(Map(E("inner", Array(Map(E("deep", Bool(true)))))))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCodec(1 << 16)
			ptr, err := c.Encode(tt.value)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if tt.value.IsNull() && ptr != 0 {
				t.Fatalf("null encoded to %d, want 0", ptr)
			}
			got, err := c.Decode(ptr)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !got.Equal(tt.value) {
				t.Errorf("round trip mismatch: got %s, want %s", got, tt.value)
			}
		})
	}
}

func TestCodec_HeaderLayout(t *testing.T) {
	c, mem := newTestCodec(256)
	ptr, err := c.Encode(String("abc"))
	if err != nil {
		t.Fatal(err)
	}
	raw := mem.Slice(ptr, ptr+HeaderSize+3)
	if rc := binary.LittleEndian.Uint32(raw[0:]); rc != 1 {
		t.Errorf("rc = %d, want 1", rc)
	}
	if tag := binary.LittleEndian.Uint32(raw[4:]); tag != uint32(KindString) {
		t.Errorf("tag = %d, want %d", tag, KindString)
	}
	if n := binary.LittleEndian.Uint32(raw[8:]); n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
	if string(raw[HeaderSize:]) != "abc" {
		t.Errorf("payload = %q", raw[HeaderSize:])
	}
}

func TestCodec_WideIntegerLayout(t *testing.T) {
	c, mem := newTestCodec(256)

	ptr, err := c.Encode(BigInt(big.NewInt(-2)))
	if err != nil {
		t.Fatal(err)
	}
	payload := mem.Slice(ptr+HeaderSize, ptr+HeaderSize+bigIntPayload)
	if payload[0] != signNegative {
		t.Errorf("sign byte = %d, want %d", payload[0], signNegative)
	}
	if payload[bigIntPayload-1] != 2 {
		t.Errorf("magnitude is not big-endian: last byte %d", payload[bigIntPayload-1])
	}

	ptr, err = c.Encode(BigUint(big.NewInt(258)))
	if err != nil {
		t.Fatal(err)
	}
	payload = mem.Slice(ptr+HeaderSize, ptr+HeaderSize+bigUintPayload)
	if payload[30] != 1 || payload[31] != 2 {
		t.Errorf("biguint payload tail = %x, want 0102", payload[30:])
	}
}

func TestCodec_Overflow(t *testing.T) {
	over := new(big.Int).Add(MaxUint256(), big.NewInt(1))
	tests := []struct {
		name  string
		value Value
	}{
		{"biguint 2^256", BigUint(over)},
		{"biguint negative", BigUint(big.NewInt(-1))},
		{"bigint 2^255", BigInt(new(big.Int).Add(MaxInt256(), big.NewInt(1)))},
		{"bigint below min", BigInt(new(big.Int).Sub(MinInt256(), big.NewInt(1)))},
		{"overflow inside map", Map(E("supply", BigUint(over)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCodec(1 << 12)
			_, err := c.Encode(tt.value)
			if err == nil {
				t.Fatal("expected overflow error")
			}
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Kind != errors.KindOverflow {
				t.Errorf("expected overflow kind, got %v", err)
			}
		})
	}
}

func TestCodec_OverflowPath(t *testing.T) {
	c, _ := newTestCodec(1 << 12)
	_, err := c.Encode(Map(E("supply", BigUint(new(big.Int).Lsh(big.NewInt(1), 300)))))
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %v", err)
	}
	if strings.Join(e.Path, ".") != "supply" {
		t.Errorf("path = %v, want [supply]", e.Path)
	}
}

func TestCodec_InvalidUTF8OnEncode(t *testing.T) {
	c, _ := newTestCodec(256)
	_, err := c.Encode(String("\xff\xfe"))
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindInvalidUTF8 {
		t.Errorf("expected invalid utf8, got %v", err)
	}
}

// writeRaw places a hand-built object at ptr.
func writeRaw(t *testing.T, mem *LinearMemory, ptr uint32, tag Kind, length uint32, payload []byte) {
	t.Helper()
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], 1)
	binary.LittleEndian.PutUint32(buf[4:], uint32(tag))
	binary.LittleEndian.PutUint32(buf[8:], length)
	copy(buf[HeaderSize:], payload)
	if err := mem.Write(ptr, buf); err != nil {
		t.Fatal(err)
	}
}

// guardMemory fails the test on any read touching [guard, guard+len).
type guardMemory struct {
	*LinearMemory
	t     *testing.T
	guard uint32
}

func (g *guardMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(g.guard) {
		g.t.Errorf("read [%d, %d) crosses guard at %d", offset, uint64(offset)+uint64(length), g.guard)
	}
	return g.LinearMemory.Read(offset, length)
}

func TestCodec_OutOfBounds(t *testing.T) {
	const size = 128

	tests := []struct {
		name  string
		setup func(t *testing.T, mem *LinearMemory) uint32
	}{
		{
			name:  "header past end",
			setup: func(t *testing.T, mem *LinearMemory) uint32 { return size - 4 },
		},
		{
			name:  "pointer beyond memory",
			setup: func(t *testing.T, mem *LinearMemory) uint32 { return 0xFFFFFFF0 },
		},
		{
			name: "string length past end",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindString, 1000, []byte("ab"))
				return 64
			},
		},
		{
			name: "length wraps around",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindBytes, 0xFFFFFFFF, nil)
				return 64
			},
		},
		{
			name: "array element pointer out of range",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				p := make([]byte, 4)
				binary.LittleEndian.PutUint32(p, size+100)
				writeRaw(t, mem, 64, KindArray, 1, p)
				return 64
			},
		},
		{
			name: "array count past end",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindArray, 0x40000000, nil)
				return 64
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewLinearMemory(size, 16)
			ptr := tt.setup(t, mem)
			c := NewCodec(&guardMemory{LinearMemory: mem, t: t, guard: size}, nil)

			_, err := c.Decode(ptr)
			if err == nil {
				t.Fatal("expected out of bounds trap")
			}
			if !stderrors.Is(err, errors.ErrMemoryOutOfBounds) {
				t.Errorf("expected memory out of bounds trap, got %v", err)
			}
		})
	}
}

func TestCodec_NoReadBeyondRegion(t *testing.T) {
	// A string that claims more bytes than precede the guard must fail
	// before anything past the guard is read.
	backing := NewLinearMemory(256, 16)
	writeRaw(t, backing, 100, KindString, 40, []byte("0123456789"))
	mem := &guardMemory{LinearMemory: backing, t: t, guard: 256}

	limited := &sizedMemory{guardMemory: mem, size: 120}
	c := NewCodec(limited, nil)
	_, err := c.Decode(100)
	if !stderrors.Is(err, errors.ErrMemoryOutOfBounds) {
		t.Fatalf("expected out of bounds trap, got %v", err)
	}
}

// sizedMemory reports a smaller size than its backing buffer so that
// adjacent bytes exist but must not be visited.
type sizedMemory struct {
	*guardMemory
	size uint32
}

func (s *sizedMemory) Size() uint32 { return s.size }

func (s *sizedMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(s.size) {
		s.t.Errorf("read [%d, %d) beyond reported size %d", offset, uint64(offset)+uint64(length), s.size)
	}
	return s.guardMemory.Read(offset, length)
}

func TestCodec_MalformedObjects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, mem *LinearMemory) uint32
		kind  errors.Kind
	}{
		{
			name: "unknown tag",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, Kind(99), 0, nil)
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "bool with wrong length",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindBool, 2, []byte{1, 0})
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "bool payload 2",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindBool, 1, []byte{2})
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "invalid utf8",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				writeRaw(t, mem, 64, KindString, 2, []byte{0xc3, 0x28})
				return 64
			},
			kind: errors.KindInvalidUTF8,
		},
		{
			name: "bad bigint sign",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				p := make([]byte, bigIntPayload)
				p[0] = 7
				writeRaw(t, mem, 64, KindBigInt, bigIntPayload, p)
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "negative zero bigint",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				p := make([]byte, bigIntPayload)
				p[0] = signNegative
				writeRaw(t, mem, 64, KindBigInt, bigIntPayload, p)
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "positive bigint magnitude 2^255",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				p := make([]byte, bigIntPayload)
				p[1] = 0x80
				writeRaw(t, mem, 64, KindBigInt, bigIntPayload, p)
				return 64
			},
			kind: errors.KindInvalidData,
		},
		{
			name: "map key not a string",
			setup: func(t *testing.T, mem *LinearMemory) uint32 {
				key := make([]byte, 4)
				binary.LittleEndian.PutUint32(key, 7)
				writeRaw(t, mem, 32, KindI32, 4, key)
				p := make([]byte, 8)
				binary.LittleEndian.PutUint32(p, 32)
				writeRaw(t, mem, 64, KindMap, 1, p)
				return 64
			},
			kind: errors.KindTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewLinearMemory(256, 16)
			ptr := tt.setup(t, mem)
			c := NewCodec(mem, nil)

			_, err := c.Decode(ptr)
			if !stderrors.Is(err, errors.ErrGuestFault) {
				t.Fatalf("expected guest fault trap, got %v", err)
			}
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Kind != tt.kind {
				t.Errorf("expected kind %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestCodec_DecodeMaxUint256Boundary(t *testing.T) {
	mem := NewLinearMemory(256, 16)
	p := make([]byte, bigUintPayload)
	for i := range p {
		p[i] = 0xff
	}
	writeRaw(t, mem, 64, KindBigUint, bigUintPayload, p)

	got, err := NewCodec(mem, nil).Decode(64)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := got.AsBig()
	if n.Cmp(MaxUint256()) != 0 {
		t.Errorf("got %s, want 2^256-1", n)
	}
}

func TestCodec_DepthLimit(t *testing.T) {
	v := I32(1)
	for i := 0; i < 5; i++ {
		v = Array(v)
	}

	c, _ := newTestCodec(1 << 12)
	ptr, err := c.Encode(v)
	if err != nil {
		t.Fatal(err)
	}

	shallow := NewCodec(c.mem, nil, WithMaxDepth(3))
	if _, err := shallow.Decode(ptr); !stderrors.Is(err, errors.ErrGuestFault) {
		t.Errorf("expected guest fault for deep decode, got %v", err)
	}

	enc := NewCodec(c.mem, c.alloc, WithMaxDepth(3))
	if _, err := enc.Encode(v); err == nil {
		t.Error("expected encode depth error")
	}
}

func TestCodec_SelfReferenceHitsLimit(t *testing.T) {
	mem := NewLinearMemory(256, 16)
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, 64)
	writeRaw(t, mem, 64, KindArray, 1, p)

	_, err := NewCodec(mem, nil).Decode(64)
	if !stderrors.Is(err, errors.ErrGuestFault) {
		t.Errorf("expected guest fault for cyclic object, got %v", err)
	}
}

func TestCodec_DecodeLimit(t *testing.T) {
	c, mem := newTestCodec(1 << 12)
	ptr, err := c.Encode(Bytes(make([]byte, 512)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewCodec(mem, nil, WithDecodeLimit(100)).Decode(ptr)
	if !stderrors.Is(err, errors.ErrGuestFault) {
		t.Errorf("expected decode limit fault, got %v", err)
	}
}

func TestCodec_AllocationFailure(t *testing.T) {
	mem := NewLinearMemory(64, 16)
	c := NewCodec(mem, mem)
	_, err := c.Encode(Bytes(make([]byte, 128)))
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindAllocation {
		t.Errorf("expected allocation error, got %v", err)
	}
}

func TestCodec_NoAllocator(t *testing.T) {
	mem := NewLinearMemory(64, 16)
	if _, err := NewCodec(mem, nil).Encode(I32(1)); err == nil {
		t.Error("expected error without allocator")
	}
}

// badAllocator returns a region that does not fit in memory.
type badAllocator struct{}

func (badAllocator) Alloc(size uint32) (uint32, error) { return 0xFFFFFF00, nil }

func TestCodec_AllocatorOutOfRange(t *testing.T) {
	mem := NewLinearMemory(64, 16)
	_, err := NewCodec(mem, badAllocator{}).Encode(I32(1))
	if !stderrors.Is(err, errors.ErrMemoryOutOfBounds) {
		t.Errorf("expected out of bounds, got %v", err)
	}
}

func TestCodec_TypedDecoders(t *testing.T) {
	c, _ := newTestCodec(1 << 12)
	sp, _ := c.Encode(String("Transfer"))
	bp, _ := c.Encode(Bytes([]byte{1, 2}))
	mp, _ := c.Encode(Map(E("k", I32(1))))

	if s, err := c.DecodeString(sp); err != nil || s != "Transfer" {
		t.Errorf("DecodeString = %q, %v", s, err)
	}
	if b, err := c.DecodeBytes(bp); err != nil || len(b) != 2 {
		t.Errorf("DecodeBytes = %x, %v", b, err)
	}
	if m, err := c.DecodeMap(mp); err != nil || m.Len() != 1 {
		t.Errorf("DecodeMap = %s, %v", m, err)
	}
	if _, err := c.DecodeString(bp); !stderrors.Is(err, errors.ErrGuestFault) {
		t.Errorf("expected guest fault for wrong kind, got %v", err)
	}
}
