package host

import (
	"context"
	"fmt"
	"sort"

	"github.com/coreos/go-semver/semver"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/subgraph-runtime/errors"
)

const (
	// APIVersionSection is the custom section holding a module's ABI version.
	APIVersionSection = "apiVersion"

	memoryExport   = "memory"
	allocateExport = "allocate"
)

// Module is a compiled mapping module that passed validation.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	version  *semver.Version
}

// NewModule compiles bytecode and validates it against the host: the
// apiVersion tag must be supported, every import must be a host export with
// the right signature, and memory and allocate must be exported.
func NewModule(ctx context.Context, engine *Engine, bytecode []byte) (*Module, error) {
	if err := engine.initEnv(ctx); err != nil {
		return nil, err
	}

	// wazero rejects an empty custom section at compile time, so the tag is
	// read from the raw binary first.
	tag, found, scanErr := customSection(bytecode, APIVersionSection)
	var version *semver.Version
	if scanErr == nil {
		if !found {
			return nil, errors.NewTrap(errors.TrapAbiVersionMismatch, "module has no apiVersion tag", nil)
		}
		v, err := engine.CheckAPIVersion(string(tag))
		if err != nil {
			return nil, err
		}
		version = v
	}

	compiled, err := engine.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, errors.Load("compile mapping module", err)
	}
	if version == nil {
		_ = compiled.Close(ctx)
		return nil, errors.Load("read custom sections", scanErr)
	}

	m := &Module{engine: engine, compiled: compiled, version: version}
	if err := m.validate(); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Module) validate() error {
	if err := checkImports(m.compiled.ImportedFunctions()); err != nil {
		return err
	}

	if _, ok := m.compiled.ExportedMemories()[memoryExport]; !ok {
		return errors.New(errors.PhaseLoad, errors.KindNotFound).
			Detailf("module does not export %q", memoryExport).
			Build()
	}
	alloc, ok := m.compiled.ExportedFunctions()[allocateExport]
	if !ok {
		return errors.New(errors.PhaseLoad, errors.KindNotFound).
			Detailf("module does not export %q", allocateExport).
			Build()
	}
	if !sameTypes(alloc.ParamTypes(), []api.ValueType{i32}) || !sameTypes(alloc.ResultTypes(), []api.ValueType{i32}) {
		return errors.TypeMismatch(errors.PhaseLoad, []string{allocateExport}, "(i32) -> i32", signature(alloc))
	}
	return nil
}

func checkImports(imports []api.FunctionDefinition) error {
	surface := exportIndex()
	var missing []string
	for _, def := range imports {
		module, name, _ := def.Import()
		x, ok := surface[name]
		if module != EnvModule || !ok {
			missing = append(missing, module+"#"+name)
			continue
		}
		if !sameTypes(def.ParamTypes(), x.params) || !sameTypes(def.ResultTypes(), x.results) {
			return errors.TypeMismatch(errors.PhaseLoad, []string{module, name}, x.signature(), signature(def))
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}

// APIVersion returns the module's ABI version tag.
func (m *Module) APIVersion() semver.Version {
	return *m.version
}

// Exports lists exported function names in sorted order.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers lists exports callable as handlers, (i32) -> ().
func (m *Module) Handlers() []string {
	var out []string
	for _, name := range m.Exports() {
		if m.CheckHandler(name) == nil {
			out = append(out, name)
		}
	}
	return out
}

// CheckHandler reports whether name is exported with the handler signature.
func (m *Module) CheckHandler(name string) error {
	def, ok := m.compiled.ExportedFunctions()[name]
	if !ok {
		return errors.New(errors.PhaseLoad, errors.KindNotFound).
			Detailf("handler %q is not exported", name).
			Build()
	}
	if !isHandler(def) {
		return errors.TypeMismatch(errors.PhaseLoad, []string{name}, "(i32) -> ()", signature(def))
	}
	return nil
}

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func isHandler(def api.FunctionDefinition) bool {
	return sameTypes(def.ParamTypes(), []api.ValueType{i32}) && len(def.ResultTypes()) == 0
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(def api.FunctionDefinition) string {
	return formatSignature(def.ParamTypes(), def.ResultTypes())
}

func formatSignature(params, results []api.ValueType) string {
	name := func(types []api.ValueType) string {
		s := ""
		for i, t := range types {
			if i > 0 {
				s += ", "
			}
			s += api.ValueTypeName(t)
		}
		return s
	}
	if len(results) == 0 {
		return fmt.Sprintf("(%s) -> ()", name(params))
	}
	if len(results) == 1 {
		return fmt.Sprintf("(%s) -> %s", name(params), name(results))
	}
	return fmt.Sprintf("(%s) -> (%s)", name(params), name(results))
}
