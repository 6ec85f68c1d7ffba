package host

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
)

// invocation is the state of one handler call. Host exports find it in the
// call's context.
type invocation struct {
	mctx       *MappingContext
	codec      *abi.Codec
	deps       *Deps
	logger     *zap.Logger
	trap       *errors.Trap
	deployment subgraphruntime.DeploymentID
	handler    string
	id         string
	budget     uint64
	calls      uint64
}

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}

// enter charges one host call against the budget.
func (inv *invocation) enter(export string) {
	inv.calls++
	if inv.budget > 0 && inv.calls > inv.budget {
		t := errors.NewTrap(errors.TrapOutOfResource,
			fmt.Sprintf("host call budget of %d exhausted", inv.budget), nil)
		t.Export = export
		inv.raise(t)
	}
}

// raise records t as the invocation's trap unless one is already recorded
// and unwinds the guest.
func (inv *invocation) raise(t *errors.Trap) {
	if inv.trap == nil {
		inv.trap = t
	}
	panic(t)
}

// fail raises the trap for an error returned to a host export.
func (inv *invocation) fail(export string, err error) {
	t, ok := guestTrap(err)
	if !ok {
		t = errors.HostExportFailed(export, err)
	}
	if t.Export == "" {
		t.Export = export
	}
	inv.raise(t)
}

// fault raises a guest fault for a malformed call.
func (inv *invocation) fault(export, format string, args ...any) {
	t := errors.NewTrap(errors.TrapGuestFault, fmt.Sprintf(format, args...), nil)
	t.Export = export
	inv.raise(t)
}

func (inv *invocation) key(entityType, id string) entity.Key {
	return entity.Key{Deployment: inv.deployment, EntityType: entityType, EntityID: id}
}

func (inv *invocation) decode(export string, ptr uint64) abi.Value {
	v, err := inv.codec.Decode(uint32(ptr))
	if err != nil {
		inv.fail(export, err)
	}
	return v
}

func (inv *invocation) decodeString(export string, ptr uint64) string {
	s, err := inv.codec.DecodeString(uint32(ptr))
	if err != nil {
		inv.fail(export, err)
	}
	return s
}

// decodeOptionalString accepts null as the empty string.
func (inv *invocation) decodeOptionalString(export string, ptr uint64) string {
	if ptr == 0 {
		return ""
	}
	return inv.decodeString(export, ptr)
}

func (inv *invocation) decodeBytes(export string, ptr uint64) []byte {
	b, err := inv.codec.DecodeBytes(uint32(ptr))
	if err != nil {
		inv.fail(export, err)
	}
	return b
}

func (inv *invocation) encode(export string, v abi.Value) uint64 {
	ptr, err := inv.codec.Encode(v)
	if err != nil {
		inv.fail(export, err)
	}
	return uint64(ptr)
}

// guestTrap extracts the trap an error carries: a trap raised by the host,
// an exit of the closed module, or a wasm runtime error. ok is false for
// errors that did not come from the guest or the sandbox.
func guestTrap(err error) (*errors.Trap, bool) {
	if t, ok := errors.AsTrap(err); ok {
		return t, true
	}

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return &errors.Trap{Kind: errors.TrapOutOfResource, Detail: "handler deadline exceeded", Cause: err, Corrupted: true}, true
		case sys.ExitCodeContextCanceled:
			return &errors.Trap{Kind: errors.TrapOutOfResource, Detail: "handler canceled", Cause: err, Corrupted: true}, true
		}
		return &errors.Trap{
			Kind:      errors.TrapGuestFault,
			Detail:    fmt.Sprintf("module exited with code %d", exit.ExitCode()),
			Cause:     err,
			Corrupted: true,
		}, true
	}

	msg := err.Error()
	if !strings.Contains(msg, "wasm error:") {
		return nil, false
	}
	detail := firstLine(msg)
	switch {
	case strings.Contains(msg, "out of bounds memory access"):
		return errors.NewTrap(errors.TrapMemoryOutOfBounds, detail, err), true
	case strings.Contains(msg, "stack overflow"):
		return errors.NewTrap(errors.TrapOutOfResource, detail, err), true
	}
	return errors.NewTrap(errors.TrapGuestFault, detail, err), true
}

// classify maps the error of a handler call to a trap.
func classify(err error) *errors.Trap {
	if t, ok := guestTrap(err); ok {
		return t
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewTrap(errors.TrapOutOfResource, "handler interrupted", err)
	}
	return errors.NewTrap(errors.TrapGuestFault, firstLine(err.Error()), err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
