// Package abi converts between host values and the object layout mapping
// modules use in their linear memory.
//
// # Object Layout
//
// Every object starts with a 12-byte little-endian header followed by its
// payload. The null value is the pointer 0 and has no object.
//
//	┌──────────┬──────────┬──────────┬───────────────────┐
//	│ rc   u32 │ tag  u32 │ len  u32 │ payload ...       │
//	└──────────┴──────────┴──────────┴───────────────────┘
//
// rc is the guest-side reference count; objects written by the host start
// at 1 and the host never changes it afterwards.
//
//	Tag       Kind      len            Payload
//	──────────────────────────────────────────────────────────────
//	1         bool      1              0 or 1
//	2         i32       4              little-endian
//	3         i64       8              little-endian
//	4         u64       8              little-endian
//	5         bigint    33             sign byte, 32-byte big-endian magnitude
//	6         biguint   32             big-endian magnitude
//	7         string    byte length    UTF-8
//	8         bytes     byte length    raw
//	9         array     element count  u32 pointer per element
//	10        map       entry count    (key u32, value u32) per entry
//
// Wide integers use an explicit sign byte (0 non-negative, 1 negative) so
// the magnitude is always unsigned. Signed values range over
// [-2^255, 2^255-1] and unsigned values over [0, 2^256-1]; anything outside
// fails to encode instead of being truncated. A negative zero is rejected
// when decoding.
//
// # Bounds Safety
//
// Decode validates every header and payload region against the current
// memory size before reading it. A region that does not lie entirely inside
// memory fails with a memory-out-of-bounds trap; nothing is read past the
// end. Nesting depth and total decoded size are capped so that cyclic or
// self-referencing guest objects fail instead of exhausting the host.
//
// Host exports never compute guest addresses themselves; all pointer and
// length arithmetic lives in Codec.
package abi
