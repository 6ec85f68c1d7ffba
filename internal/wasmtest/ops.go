package wasmtest

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opBr          = 0x0c
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI32Const    = 0x41
	opI32Add      = 0x6a
	opI32And      = 0x71
	blockEmpty    = 0x40
)

func I32Const(v int32) []byte {
	var w writer
	w.byte(opI32Const)
	w.s32(v)
	return w.bytes()
}

// Ptr pushes a guest address.
func Ptr(p uint32) []byte {
	return I32Const(int32(p))
}

func Call(idx uint32) []byte {
	var w writer
	w.byte(opCall)
	w.u32(idx)
	return w.bytes()
}

func LocalGet(idx uint32) []byte {
	var w writer
	w.byte(opLocalGet)
	w.u32(idx)
	return w.bytes()
}

func GlobalGet(idx uint32) []byte {
	var w writer
	w.byte(opGlobalGet)
	w.u32(idx)
	return w.bytes()
}

func GlobalSet(idx uint32) []byte {
	var w writer
	w.byte(opGlobalSet)
	w.u32(idx)
	return w.bytes()
}

// I32Load loads from the address on the stack plus offset.
func I32Load(offset uint32) []byte {
	var w writer
	w.byte(opI32Load)
	w.u32(2)
	w.u32(offset)
	return w.bytes()
}

func Drop() []byte { return []byte{opDrop} }

func Unreachable() []byte { return []byte{opUnreachable} }

// Spin loops forever.
func Spin() []byte {
	return []byte{opLoop, blockEmpty, opBr, 0x00, opEnd}
}

// Repeat concatenates ops n times.
func Repeat(n int, ops ...[]byte) []byte {
	one := concat(ops...)
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, one...)
	}
	return out
}

func concat(ops ...[]byte) []byte {
	var out []byte
	for _, op := range ops {
		out = append(out, op...)
	}
	return out
}
