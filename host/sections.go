package host

import (
	"bytes"
	"fmt"
)

var wasmPreamble = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

const customSectionID = 0

// customSection returns the payload of the first custom section called
// name. An error means the section table itself is malformed.
func customSection(bytecode []byte, name string) ([]byte, bool, error) {
	if !bytes.HasPrefix(bytecode, wasmPreamble) {
		return nil, false, fmt.Errorf("not a wasm binary")
	}
	rest := bytecode[len(wasmPreamble):]
	for len(rest) > 0 {
		id := rest[0]
		size, n, err := readVarU32(rest[1:])
		if err != nil {
			return nil, false, fmt.Errorf("section size: %w", err)
		}
		body := rest[1+n:]
		if uint64(size) > uint64(len(body)) {
			return nil, false, fmt.Errorf("section %d overruns the binary", id)
		}
		body, rest = body[:size], body[size:]
		if id != customSectionID {
			continue
		}

		nameLen, n, err := readVarU32(body)
		if err != nil {
			return nil, false, fmt.Errorf("custom section name: %w", err)
		}
		if uint64(nameLen) > uint64(len(body)-n) {
			return nil, false, fmt.Errorf("custom section name overruns its section")
		}
		if string(body[n:n+int(nameLen)]) == name {
			return body[n+int(nameLen):], true, nil
		}
	}
	return nil, false, nil
}

// readVarU32 decodes an unsigned LEB128 u32 and returns the bytes consumed.
func readVarU32(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("truncated varuint32")
		}
		v |= uint32(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("varuint32 too long")
}
