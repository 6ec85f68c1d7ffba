package errors

import (
	stderrors "errors"
	"strings"
)

// TrapKind classifies a sandbox fault.
type TrapKind string

const (
	TrapOutOfResource      TrapKind = "out_of_resource"
	TrapMemoryOutOfBounds  TrapKind = "memory_out_of_bounds"
	TrapAbiVersionMismatch TrapKind = "abi_version_mismatch"
	TrapGuestFault         TrapKind = "guest_fault"
	TrapHostExportFailure  TrapKind = "host_export_failure"
)

// Trap terminates the current guest invocation. Staged entity operations of
// the invocation are discarded.
type Trap struct {
	Cause   error
	Kind    TrapKind
	Handler string
	Export  string
	Detail  string
	// Corrupted is set when the instance can no longer be used and the host
	// has to be recreated.
	Corrupted bool
}

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrOutOfResource      = &Trap{Kind: TrapOutOfResource}
	ErrMemoryOutOfBounds  = &Trap{Kind: TrapMemoryOutOfBounds}
	ErrAbiVersionMismatch = &Trap{Kind: TrapAbiVersionMismatch}
	ErrGuestFault         = &Trap{Kind: TrapGuestFault}
	ErrHostExportFailure  = &Trap{Kind: TrapHostExportFailure}
)

// NewTrap creates a trap of the given kind.
func NewTrap(kind TrapKind, detail string, cause error) *Trap {
	return &Trap{Kind: kind, Detail: detail, Cause: cause}
}

// HostExportFailed wraps the failure of a host export.
func HostExportFailed(export string, cause error) *Trap {
	return &Trap{Kind: TrapHostExportFailure, Export: export, Cause: cause}
}

// Error implements the error interface
func (t *Trap) Error() string {
	var b strings.Builder

	b.WriteString("trap: ")
	b.WriteString(string(t.Kind))

	if t.Handler != "" {
		b.WriteString(" in handler ")
		b.WriteString(t.Handler)
	}
	if t.Export != "" {
		b.WriteString(" during ")
		b.WriteString(t.Export)
	}
	if t.Detail != "" {
		b.WriteString(": ")
		b.WriteString(t.Detail)
	}
	if t.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(t.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is reports whether target is a trap of the same kind
func (t *Trap) Is(target error) bool {
	if o, ok := target.(*Trap); ok {
		return o.Kind == t.Kind
	}
	return false
}

// AsTrap returns the outermost trap in err's chain.
func AsTrap(err error) (*Trap, bool) {
	var t *Trap
	if stderrors.As(err, &t) {
		return t, true
	}
	return nil, false
}
