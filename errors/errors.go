package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase is the stage of the runtime an error came from.
type Phase string

const (
	PhaseEncode      Phase = "encode"      // host value to guest memory
	PhaseDecode      Phase = "decode"      // guest memory to host value
	PhaseLoad        Phase = "load"        // module compilation and validation
	PhaseInstantiate Phase = "instantiate" // module instantiation and linking
	PhaseExecute     Phase = "execute"     // handler execution
	PhaseHost        Phase = "host"        // host export dispatch
	PhaseResolve     Phase = "resolve"     // manifest and link resolution
	PhaseLifecycle   Phase = "lifecycle"   // deployment start/stop
	PhaseStore       Phase = "store"       // entity store access
	PhaseParse       Phase = "parse"       // manifest/schema/config parsing
)

// Kind is what went wrong.
type Kind string

const (
	KindTypeMismatch   Kind = "type_mismatch"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindUnsupported    Kind = "unsupported"
	KindAllocation     Kind = "allocation"
	KindInvalidUTF8    Kind = "invalid_utf8"
	KindOverflow       Kind = "overflow"
	KindNotFound       Kind = "not_found"
	KindInvalidInput   Kind = "invalid_input"
	KindMissingImport  Kind = "missing_import"
	KindInstantiation  Kind = "instantiation"
	KindResolve        Kind = "resolve"
	KindAlreadyRunning Kind = "already_running"
	KindNotRunning     Kind = "not_running"
	KindClosed         Kind = "closed"
)

// Sentinels for errors.Is. Matching compares Phase and Kind only.
var (
	ErrResolve        = &Error{Phase: PhaseResolve, Kind: KindResolve}
	ErrAlreadyRunning = &Error{Phase: PhaseLifecycle, Kind: KindAlreadyRunning}
	ErrNotRunning     = &Error{Phase: PhaseLifecycle, Kind: KindNotRunning}
	ErrHostClosed     = &Error{Phase: PhaseExecute, Kind: KindClosed}
)

// Error carries where a failure happened, what kind it is and, when known,
// the deployment, the value path and the offending value.
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Deployment string
	Detail     string
	Path       []string
}

// Error renders "[phase] kind (deployment id) at a.b: detail (caused by: ...)",
// leaving out the parts that are empty.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Phase, e.Kind)
	if e.Deployment != "" {
		msg += fmt.Sprintf(" (deployment %s)", e.Deployment)
	}
	if len(e.Path) > 0 {
		msg += " at " + strings.Join(e.Path, ".")
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same phase and kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder assembles an Error field by field:
//
//	errors.New(errors.PhaseLoad, errors.KindNotFound).Detailf("no %q export", name).Build()
type Builder struct {
	err Error
}

func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

func (b *Builder) Deployment(id string) *Builder {
	b.err.Deployment = id
	return b
}

func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the message verbatim.
func (b *Builder) Detail(msg string) *Builder {
	b.err.Detail = msg
	return b
}

// Detailf sets the message from a format string.
func (b *Builder) Detailf(format string, args ...any) *Builder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) Build() *Error {
	err := b.err
	return &err
}

func newError(phase Phase, kind Kind, path []string, detail string) *Error {
	return &Error{Phase: phase, Kind: kind, Path: path, Detail: detail}
}

func TypeMismatch(phase Phase, path []string, want, got string) *Error {
	return newError(phase, KindTypeMismatch, path, "expected "+want+", got "+got)
}

// InvalidUTF8 reports undecodable text, quoting at most 32 bytes of it.
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	if len(data) > 32 {
		data = data[:32]
	}
	return newError(phase, KindInvalidUTF8, path, fmt.Sprintf("invalid UTF-8 sequence: %x", data))
}

func AllocationFailed(phase Phase, size uint32, cause error) *Error {
	err := newError(phase, KindAllocation, nil, fmt.Sprintf("failed to allocate %d bytes", size))
	err.Cause = cause
	return err
}

func Unsupported(phase Phase, what string) *Error {
	return newError(phase, KindUnsupported, nil, what)
}

// OutOfBounds reports a memory region [offset, offset+length) that does not
// fit in size bytes.
func OutOfBounds(phase Phase, path []string, offset, length uint64, size uint32) *Error {
	err := newError(phase, KindOutOfBounds, path,
		fmt.Sprintf("region [%d, %d) exceeds memory size %d", offset, offset+length, size))
	err.Value = offset
	return err
}

func Overflow(phase Phase, path []string, value any, target string) *Error {
	err := newError(phase, KindOverflow, path, fmt.Sprintf("value %v overflows %s", value, target))
	err.Value = value
	return err
}

func InvalidData(phase Phase, path []string, detail string) *Error {
	return newError(phase, KindInvalidData, path, detail)
}

func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	err := newError(phase, kind, nil, detail)
	err.Cause = cause
	return err
}

func NotFound(phase Phase, what, name string) *Error {
	return newError(phase, KindNotFound, nil, fmt.Sprintf("%s %q not found", what, name))
}

func InvalidInput(phase Phase, detail string) *Error {
	return newError(phase, KindInvalidInput, nil, detail)
}

func Instantiation(cause error) *Error {
	return Wrap(PhaseInstantiate, KindInstantiation, cause, "instantiate module")
}

// Load reports a module that failed to compile or validate.
func Load(detail string, cause error) *Error {
	return Wrap(PhaseLoad, KindInvalidData, cause, detail)
}

func ParseFailed(what string, cause error) *Error {
	return Wrap(PhaseParse, KindInvalidData, cause, "parse "+what)
}

// ResolveFailed reports that a manifest could not be fetched or parsed.
func ResolveFailed(link string, cause error) *Error {
	return Wrap(PhaseResolve, KindResolve, cause, "resolve "+link)
}

// AlreadyRunning reports a start for a deployment that is already running.
func AlreadyRunning(id string) *Error {
	err := newError(PhaseLifecycle, KindAlreadyRunning, nil, "deployment is already running")
	err.Deployment = id
	return err
}

// NotRunning reports a stop for a deployment that is not running.
func NotRunning(id string) *Error {
	err := newError(PhaseLifecycle, KindNotRunning, nil, "deployment is not running")
	err.Deployment = id
	return err
}

// HostClosed reports use of a host whose instance was closed.
func HostClosed(detail string) *Error {
	return newError(PhaseExecute, KindClosed, nil, detail)
}

// MissingImport is one guest import the export surface does not provide.
type MissingImport struct {
	Module   string
	Function string
}

// MissingImportsError lists every unresolved import of a mapping module.
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError takes "module#function" keys.
func NewMissingImportsError(keys []string) *MissingImportsError {
	imports := make([]MissingImport, len(keys))
	for i, key := range keys {
		mod, fn, _ := strings.Cut(key, "#")
		imports[i] = MissingImport{Module: mod, Function: fn}
	}
	return &MissingImportsError{Imports: imports}
}

// Error groups the functions by module: "missing 2 host function(s): env: a, b".
func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[instantiate] missing_import: no imports specified"
	}

	byModule := make(map[string][]string)
	for _, imp := range e.Imports {
		byModule[imp.Module] = append(byModule[imp.Module], imp.Function)
	}
	modules := make([]string, 0, len(byModule))
	for mod := range byModule {
		modules = append(modules, mod)
	}
	sort.Strings(modules)

	groups := make([]string, len(modules))
	for i, mod := range modules {
		fns := byModule[mod]
		sort.Strings(fns)
		groups[i] = mod + ": " + strings.Join(fns, ", ")
	}
	return fmt.Sprintf("missing %d host function(s): %s", len(e.Imports), strings.Join(groups, "; "))
}

// Is matches any *MissingImportsError.
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
