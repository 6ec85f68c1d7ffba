// Package wasmtest assembles small mapping modules for tests. Modules import
// host functions from "env", export "memory" and a bump "allocate", and carry
// an optional apiVersion custom section.
package wasmtest

import (
	"fmt"

	"github.com/wippyai/subgraph-runtime/abi"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// DefaultHeapBase is where the bump allocator starts handing out memory.
const DefaultHeapBase = 0x8000

const (
	sectionCustom   = 0
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11
)

type funcType struct {
	params  []ValType
	results []ValType
}

func (t funcType) key() string {
	return fmt.Sprintf("%x>%x", t.params, t.results)
}

type importFunc struct {
	name    string
	typeIdx uint32
}

type function struct {
	export  string
	body    []byte
	typeIdx uint32
}

type segment struct {
	data   []byte
	offset uint32
}

type custom struct {
	name string
	data []byte
}

// Module is a module under construction.
type Module struct {
	types     []funcType
	imports   []importFunc
	funcs     []function
	data      []segment
	customs   []custom
	pages     uint32
	heap      uint32
	noAlloc   bool
	noMemory  bool
	allocName string
}

func New() *Module {
	return &Module{pages: 1, heap: DefaultHeapBase, allocName: "allocate"}
}

// APIVersion adds the apiVersion custom section.
func (m *Module) APIVersion(v string) *Module {
	return m.Custom("apiVersion", []byte(v))
}

func (m *Module) Custom(name string, data []byte) *Module {
	m.customs = append(m.customs, custom{name: name, data: data})
	return m
}

// Memory sets the initial memory size in 64KiB pages.
func (m *Module) Memory(pages uint32) *Module {
	m.pages = pages
	return m
}

// HeapBase moves the first address the allocator returns.
func (m *Module) HeapBase(addr uint32) *Module {
	m.heap = addr
	return m
}

// WithoutAllocator drops the allocate export.
func (m *Module) WithoutAllocator() *Module {
	m.noAlloc = true
	return m
}

// WithoutMemoryExport keeps memory internal.
func (m *Module) WithoutMemoryExport() *Module {
	m.noMemory = true
	return m
}

// AllocatorName exports the allocator under another name.
func (m *Module) AllocatorName(name string) *Module {
	m.allocName = name
	return m
}

func (m *Module) typeIndex(params, results []ValType) uint32 {
	t := funcType{params: params, results: results}
	for i, existing := range m.types {
		if existing.key() == t.key() {
			return uint32(i)
		}
	}
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

// Import declares a function imported from "env" and returns its index.
// Imports must be declared before functions.
func (m *Module) Import(name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, importFunc{name: name, typeIdx: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function exported as export, or not exported when export is
// empty, and returns its index. The closing end is appended.
func (m *Module) Func(export string, params, results []ValType, body ...[]byte) uint32 {
	var code []byte
	for _, op := range body {
		code = append(code, op...)
	}
	m.funcs = append(m.funcs, function{
		export:  export,
		typeIdx: m.typeIndex(params, results),
		body:    code,
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Handler adds an exported (i32) -> () function.
func (m *Module) Handler(name string, body ...[]byte) uint32 {
	return m.Func(name, []ValType{I32}, nil, body...)
}

// Data places bytes at offset when the module is instantiated.
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: data})
	return m
}

// Objects encodes values as guest objects in a data segment at base and
// returns their pointers.
func (m *Module) Objects(base uint32, values ...abi.Value) []uint32 {
	ptrs, seg := Objects(base, values...)
	m.Data(base, seg)
	return ptrs
}

// Objects encodes values starting at base and returns their pointers and the
// bytes covering them.
func Objects(base uint32, values ...abi.Value) ([]uint32, []byte) {
	mem := abi.NewLinearMemory(base+1<<20, base)
	codec := abi.NewCodec(mem, mem)
	ptrs := make([]uint32, len(values))
	for i, v := range values {
		ptr, err := codec.Encode(v)
		if err != nil {
			panic(fmt.Sprintf("wasmtest: encode %s: %v", v, err))
		}
		ptrs[i] = ptr
	}
	return ptrs, mem.Slice(base, mem.Next())
}

// allocatorBody bump-allocates size bytes from global 0 keeping 4-byte
// alignment and returns the previous heap pointer.
func allocatorBody() []byte {
	return concat(
		GlobalGet(0),
		GlobalGet(0),
		LocalGet(0),
		[]byte{opI32Add},
		I32Const(3),
		[]byte{opI32Add},
		I32Const(-4),
		[]byte{opI32And},
		GlobalSet(0),
	)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	funcs := m.funcs
	if !m.noAlloc {
		funcs = append(append([]function(nil), funcs...), function{
			export:  m.allocName,
			typeIdx: m.typeIndex([]ValType{I32}, []ValType{I32}),
			body:    allocatorBody(),
		})
	}

	var out writer
	out.write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	var types writer
	types.u32(uint32(len(m.types)))
	for _, t := range m.types {
		types.byte(0x60)
		writeValTypes(&types, t.params)
		writeValTypes(&types, t.results)
	}
	out.section(sectionType, types.bytes())

	if len(m.imports) > 0 {
		var imports writer
		imports.u32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			imports.name("env")
			imports.name(imp.name)
			imports.byte(0x00)
			imports.u32(imp.typeIdx)
		}
		out.section(sectionImport, imports.bytes())
	}

	var fnSection writer
	fnSection.u32(uint32(len(funcs)))
	for _, f := range funcs {
		fnSection.u32(f.typeIdx)
	}
	out.section(sectionFunction, fnSection.bytes())

	var memory writer
	memory.u32(1)
	memory.byte(0x00)
	memory.u32(m.pages)
	out.section(sectionMemory, memory.bytes())

	var globals writer
	globals.u32(1)
	globals.byte(byte(I32))
	globals.byte(0x01)
	globals.write(I32Const(int32(m.heap)))
	globals.byte(opEnd)
	out.section(sectionGlobal, globals.bytes())

	var exports writer
	count := 0
	var entries writer
	if !m.noMemory {
		entries.name("memory")
		entries.byte(0x02)
		entries.u32(0)
		count++
	}
	for i, f := range funcs {
		if f.export == "" {
			continue
		}
		entries.name(f.export)
		entries.byte(0x00)
		entries.u32(uint32(len(m.imports) + i))
		count++
	}
	exports.u32(uint32(count))
	exports.write(entries.bytes())
	out.section(sectionExport, exports.bytes())

	var code writer
	code.u32(uint32(len(funcs)))
	for _, f := range funcs {
		var body writer
		body.u32(0)
		body.write(f.body)
		body.byte(opEnd)
		code.vec(body.bytes())
	}
	out.section(sectionCode, code.bytes())

	if len(m.data) > 0 {
		var data writer
		data.u32(uint32(len(m.data)))
		for _, seg := range m.data {
			data.byte(0x00)
			data.write(I32Const(int32(seg.offset)))
			data.byte(opEnd)
			data.vec(seg.data)
		}
		out.section(sectionData, data.bytes())
	}

	for _, c := range m.customs {
		var section writer
		section.name(c.name)
		section.write(c.data)
		out.section(sectionCustom, section.bytes())
	}

	return out.bytes()
}

func writeValTypes(w *writer, types []ValType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.byte(byte(t))
	}
}
