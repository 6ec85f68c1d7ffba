package host

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
	"github.com/wippyai/subgraph-runtime/resolver"
)

// EnvModule is the import module of the host export surface.
const EnvModule = "env"

const i32 = api.ValueTypeI32

// Log levels of log.log.
const (
	LogCritical int32 = iota
	LogError
	LogWarning
	LogInfo
	LogDebug
)

type hostExport struct {
	fn      func(ctx context.Context, inv *invocation, mod api.Module, stack []uint64)
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func (x hostExport) signature() string {
	return formatSignature(x.params, x.results)
}

// goFunc binds the export to the invocation found in the call context and
// charges the call against its budget.
func (x hostExport) goFunc() api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		inv := invocationFrom(ctx)
		if inv == nil {
			panic(errors.HostExportFailed(x.name, errors.HostClosed("called outside a handler invocation")))
		}
		inv.enter(x.name)
		x.fn(ctx, inv, mod, stack)
	}
}

func params(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = i32
	}
	return out
}

func hostExports() []hostExport {
	ptr := []api.ValueType{i32}
	return []hostExport{
		{name: "ethereum.call", params: params(1), results: ptr, fn: ethereumCall},
		{name: "store.get", params: params(2), results: ptr, fn: storeGet},
		{name: "store.set", params: params(3), fn: storeSet},
		{name: "store.remove", params: params(2), fn: storeRemove},
		{name: "ipfs.cat", params: params(1), results: ptr, fn: ipfsCat},
		{name: "ipfs.map", params: params(4), fn: ipfsMap},
		{name: "json.fromBytes", params: params(1), results: ptr, fn: jsonFromBytes},
		{name: "crypto.keccak256", params: params(1), results: ptr, fn: keccak256},
		{name: "log.log", params: params(2), fn: logLog},
		{name: "abort", params: params(4), fn: abort},
	}
}

func exportIndex() map[string]hostExport {
	idx := make(map[string]hostExport)
	for _, x := range hostExports() {
		idx[x.name] = x
	}
	return idx
}

// Exports lists the host functions mapping modules may import from "env",
// with their signatures.
func Exports() map[string]string {
	out := make(map[string]string)
	for _, x := range hostExports() {
		out[x.name] = x.signature()
	}
	return out
}

// ExportNames lists the host function names in sorted order.
func ExportNames() []string {
	names := make([]string, 0, len(hostExports()))
	for _, x := range hostExports() {
		names = append(names, x.name)
	}
	sort.Strings(names)
	return names
}

func ethereumCall(ctx context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "ethereum.call"
	v, err := inv.codec.DecodeMap(uint32(stack[0]))
	if err != nil {
		inv.fail(export, err)
	}
	req, err := callRequest(v)
	if err != nil {
		inv.fault(export, "%v", err)
	}
	if inv.deps.Caller == nil {
		inv.fail(export, stderrors.New("no contract caller configured"))
	}

	values, err := inv.deps.Caller.Call(ctx, req, inv.mctx.BlockPtr())
	if stderrors.Is(err, chain.ErrCallReverted) {
		inv.logger.Debug("contract call reverted",
			zap.String("contract", req.ContractName),
			zap.String("function", req.Signature))
		stack[0] = 0
		return
	}
	if err != nil {
		inv.fail(export, err)
	}
	stack[0] = inv.encode(export, abi.Array(values...))
}

func callRequest(v abi.Value) (chain.CallRequest, error) {
	var req chain.CallRequest
	text := func(key string, required bool) (string, error) {
		f, ok := v.Get(key)
		if !ok || f.IsNull() {
			if required {
				return "", stderrors.New("call is missing " + key)
			}
			return "", nil
		}
		if s, ok := f.AsText(); ok {
			return s, nil
		}
		if b, ok := f.AsBytes(); ok {
			return "0x" + hex.EncodeToString(b), nil
		}
		return "", stderrors.New(key + " must be a string or bytes, got " + f.Kind().String())
	}

	var err error
	if req.ContractName, err = text("contractName", false); err != nil {
		return req, err
	}
	if req.Address, err = text("contractAddress", true); err != nil {
		return req, err
	}
	if req.Function, err = text("functionName", true); err != nil {
		return req, err
	}
	if req.Signature, err = text("functionSignature", true); err != nil {
		return req, err
	}
	if p, ok := v.Get("functionParams"); ok && !p.IsNull() {
		args, ok := p.AsArray()
		if !ok {
			return req, stderrors.New("functionParams must be an array, got " + p.Kind().String())
		}
		req.Args = args
	}
	return req, nil
}

func storeGet(ctx context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "store.get"
	key := inv.key(inv.decodeString(export, stack[0]), inv.decodeString(export, stack[1]))

	data, found, err := inv.mctx.Get(ctx, key, inv.deps.Store)
	if err != nil {
		inv.fail(export, err)
	}
	if !found {
		stack[0] = 0
		return
	}
	stack[0] = inv.encode(export, data.ToValue())
}

func storeSet(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "store.set"
	key := inv.key(inv.decodeString(export, stack[0]), inv.decodeString(export, stack[1]))
	v, err := inv.codec.DecodeMap(uint32(stack[2]))
	if err != nil {
		inv.fail(export, err)
	}
	data, err := entity.DataFromValue(v)
	if err != nil {
		inv.fault(export, "%v", err)
	}
	if id, ok := data.ID(); ok && id != key.EntityID {
		inv.logger.Debug("entity id attribute overridden by key",
			zap.String("key", key.String()), zap.String("attribute", id))
	}
	inv.mctx.Stage(entity.Set(key, data))
}

func storeRemove(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "store.remove"
	key := inv.key(inv.decodeString(export, stack[0]), inv.decodeString(export, stack[1]))
	inv.mctx.Stage(entity.Remove(key))
}

func ipfsLink(hash string) subgraphruntime.Link {
	if strings.HasPrefix(hash, "/ipfs/") {
		return subgraphruntime.Link(hash)
	}
	return subgraphruntime.Link("/ipfs/" + hash)
}

func ipfsCat(ctx context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "ipfs.cat"
	hash := inv.decodeString(export, stack[0])
	if inv.deps.Resolver == nil {
		inv.fail(export, stderrors.New("no link resolver configured"))
	}
	data, err := inv.deps.Resolver.Cat(ctx, ipfsLink(hash))
	if err != nil {
		inv.fail(export, err)
	}
	stack[0] = inv.encode(export, abi.Bytes(data))
}

// ipfsMap streams a newline-delimited JSON file and calls the named guest
// export with each value and the caller's user data.
func ipfsMap(ctx context.Context, inv *invocation, mod api.Module, stack []uint64) {
	const export = "ipfs.map"
	hash := inv.decodeString(export, stack[0])
	callback := inv.decodeString(export, stack[1])
	userData := uint32(stack[2])

	flags, ok := inv.decode(export, stack[3]).AsArray()
	if !ok || len(flags) != 1 {
		inv.fault(export, "flags must be [\"json\"]")
	}
	if flag, _ := flags[0].AsText(); flag != "json" {
		inv.fault(export, "unsupported flag %s", flags[0])
	}

	fn := mod.ExportedFunction(callback)
	if fn == nil {
		inv.fault(export, "callback %q is not exported", callback)
	}
	def := fn.Definition()
	if !sameTypes(def.ParamTypes(), []api.ValueType{i32, i32}) || len(def.ResultTypes()) != 0 {
		inv.fault(export, "callback %q has signature %s, want (i32, i32) -> ()", callback, signature(def))
	}
	if inv.deps.Resolver == nil {
		inv.fail(export, stderrors.New("no link resolver configured"))
	}

	var callStack [2]uint64
	err := resolver.JSONLines(ctx, inv.deps.Resolver, ipfsLink(hash), func(line int, v abi.Value) error {
		ptr, err := inv.codec.Encode(v)
		if err != nil {
			return err
		}
		callStack[0], callStack[1] = uint64(ptr), uint64(userData)
		return fn.CallWithStack(ctx, callStack[:])
	})
	if err != nil {
		inv.fail(export, err)
	}
}

func jsonFromBytes(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "json.fromBytes"
	v, err := abi.FromJSON(inv.decodeBytes(export, stack[0]))
	if err != nil {
		inv.fault(export, "invalid JSON: %v", err)
	}
	stack[0] = inv.encode(export, v)
}

func keccak256(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "crypto.keccak256"
	h := sha3.NewLegacyKeccak256()
	h.Write(inv.decodeBytes(export, stack[0]))
	stack[0] = inv.encode(export, abi.Bytes(h.Sum(nil)))
}

func logLog(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "log.log"
	level := int32(uint32(stack[0]))
	msg := inv.decodeString(export, stack[1])

	switch level {
	case LogCritical:
		inv.logger.Error(msg, zap.String("level", "critical"))
		inv.fault(export, "critical: %s", msg)
	case LogError:
		inv.logger.Error(msg)
	case LogWarning:
		inv.logger.Warn(msg)
	case LogInfo:
		inv.logger.Info(msg)
	case LogDebug:
		inv.logger.Debug(msg)
	default:
		inv.fault(export, "invalid log level %d", level)
	}
}

// abort is called by the guest runtime on a failed assertion or explicit abort.
func abort(_ context.Context, inv *invocation, _ api.Module, stack []uint64) {
	const export = "abort"
	msg := inv.decodeOptionalString(export, stack[0])
	file := inv.decodeOptionalString(export, stack[1])
	line, col := uint32(stack[2]), uint32(stack[3])
	if msg == "" {
		msg = "abort"
	}
	if file != "" {
		inv.fault(export, "%s at %s:%d:%d", msg, file, line, col)
	}
	inv.fault(export, "%s", msg)
}
