package host

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
	wt "github.com/wippyai/subgraph-runtime/internal/wasmtest"
	"github.com/wippyai/subgraph-runtime/manifest"
	"github.com/wippyai/subgraph-runtime/resolver"
)

var testBlock = &chain.Block{Number: 10, Hash: "0x0a", ParentHash: "0x09", Timestamp: 1000}

var (
	i32x2 = []wt.ValType{wt.I32, wt.I32}
	i32x3 = []wt.ValType{wt.I32, wt.I32, wt.I32}
	i32x4 = []wt.ValType{wt.I32, wt.I32, wt.I32, wt.I32}
)

type recordedCall struct {
	handler string
	trap    errors.TrapKind
}

type fakeMetrics struct {
	calls []recordedCall
	mu    sync.Mutex
}

func (m *fakeMetrics) HandlerDone(_ string, handler string, _ time.Duration, trap errors.TrapKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{handler: handler, trap: trap})
}

func testEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func testManifest(runtime []byte, handlers ...string) *manifest.Manifest {
	m := &manifest.Manifest{
		ID:          "QmTest",
		SpecVersion: "0.0.1",
		DataSources: []manifest.DataSource{{
			Kind:   "ethereum/contract",
			Name:   "Token",
			Source: manifest.Source{Address: "0xabc", ABI: "Token"},
			Mapping: manifest.Mapping{
				Kind:       "ethereum/events",
				APIVersion: DefaultAPIVersion,
				Language:   "wasm/assemblyscript",
				Runtime:    runtime,
			},
		}},
	}
	for _, h := range handlers {
		m.DataSources[0].Mapping.BlockHandlers = append(m.DataSources[0].Mapping.BlockHandlers, manifest.BlockHandler{Handler: h})
	}
	return m
}

func startHost(t *testing.T, e *Engine, deps Deps, mod *wt.Module, handlers ...string) *RuntimeHost {
	t.Helper()
	m := testManifest(mod.Bytes(), handlers...)
	h, err := New(context.Background(), e, deps, m, &m.DataSources[0])
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func blockTrigger() chain.Trigger {
	return chain.NewBlockTrigger(testBlock)
}

func TestProcessTriggerStagesOperations(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	set := mod.Import("store.set", i32x3, nil)
	p := mod.Objects(0x100,
		abi.String("User"), abi.String("1"), abi.Map(abi.E("name", abi.String("alice"))),
		abi.String("Trigger"), abi.String("t"))
	mod.Handler("handleBlock",
		wt.Ptr(p[0]), wt.Ptr(p[1]), wt.Ptr(p[2]), wt.Call(set),
		wt.Ptr(p[3]), wt.Ptr(p[4]), wt.LocalGet(0), wt.Call(set))

	metrics := &fakeMetrics{}
	h := startHost(t, e, Deps{Metrics: metrics}, mod, "handleBlock")
	mctx := NewMappingContext(testBlock)

	ops, err := h.ProcessTrigger(context.Background(), blockTrigger(), mctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, entity.Key{Deployment: "QmTest", EntityType: "User", EntityID: "1"}, ops[0].Key)
	assert.True(t, ops[0].Data["name"].Equal(abi.String("alice")))
	assert.True(t, ops[0].Data["id"].Equal(abi.String("1")))

	// The handler's argument is the encoded trigger.
	assert.True(t, ops[1].Data["kind"].Equal(abi.String("block")))
	number, ok := ops[1].Data["block"].Get("number")
	require.True(t, ok)
	assert.True(t, number.Equal(abi.U64(10)))

	assert.Equal(t, 2, mctx.Len())
	assert.Equal(t, []recordedCall{{handler: "handleBlock"}}, metrics.calls)
	assert.False(t, h.Corrupted())
}

func TestProcessTriggerWithoutMatchingHandler(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	mod.Handler("handleBlock", wt.Unreachable())

	m := testManifest(mod.Bytes())
	ds := &m.DataSources[0]
	ds.Mapping.EventHandlers = []manifest.EventHandler{{Event: "Transfer(address,address,uint256)", Handler: "handleBlock"}}
	h, err := New(context.Background(), e, Deps{}, m, ds)
	require.NoError(t, err)
	defer h.Close(context.Background())

	log := &chain.Log{Address: "0xdef", Signature: "Transfer(address,address,uint256)"}
	ops, err := h.ProcessTrigger(context.Background(), chain.NewLogTrigger(testBlock, log), NewMappingContext(testBlock))
	require.NoError(t, err)
	assert.Empty(t, ops)

	log.Address = "0xABC"
	_, err = h.ProcessTrigger(context.Background(), chain.NewLogTrigger(testBlock, log), NewMappingContext(testBlock))
	assert.ErrorIs(t, err, errors.ErrGuestFault)
}

func TestTrapDiscardsOperations(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	set := mod.Import("store.set", i32x3, nil)
	p := mod.Objects(0x100, abi.String("User"), abi.String("1"), abi.Map())
	mod.Handler("first", wt.Ptr(p[0]), wt.Ptr(p[1]), wt.Ptr(p[2]), wt.Call(set))
	mod.Handler("second", wt.Unreachable())

	metrics := &fakeMetrics{}
	h := startHost(t, e, Deps{Metrics: metrics}, mod, "first", "second")

	mctx := NewMappingContext(testBlock)
	mctx.Stage(entity.Remove(entity.Key{Deployment: "QmTest", EntityType: "User", EntityID: "0"}))

	ops, err := h.ProcessTrigger(context.Background(), blockTrigger(), mctx)
	require.Error(t, err)
	assert.Nil(t, ops)
	assert.Zero(t, mctx.Len())

	trap, ok := errors.AsTrap(err)
	require.True(t, ok)
	assert.Equal(t, errors.TrapGuestFault, trap.Kind)
	assert.Equal(t, "second", trap.Handler)
	assert.False(t, trap.Corrupted)
	assert.False(t, h.Corrupted())
	assert.Equal(t, []recordedCall{{handler: "first"}, {handler: "second", trap: errors.TrapGuestFault}}, metrics.calls)
}

func TestAPIVersionValidation(t *testing.T) {
	e := testEngine(t, Config{})

	for _, tag := range []string{"0.0.4", "0.0.5"} {
		mod, err := NewModule(context.Background(), e, wt.New().APIVersion(tag).Bytes())
		require.NoError(t, err, tag)
		assert.Equal(t, tag, mod.APIVersion().String())
		_ = mod.Close(context.Background())
	}

	for _, tag := range []string{"0.0.3", "0.0.6", "0.1.0", "1.0.5", "latest", ""} {
		_, err := NewModule(context.Background(), e, wt.New().APIVersion(tag).Bytes())
		assert.ErrorIs(t, err, errors.ErrAbiVersionMismatch, "tag %q", tag)
	}

	_, err := NewModule(context.Background(), e, wt.New().Bytes())
	assert.ErrorIs(t, err, errors.ErrAbiVersionMismatch)
}

func TestCustomSection(t *testing.T) {
	bin := wt.New().Custom("producers", []byte("x")).APIVersion("").Bytes()
	tag, found, err := customSection(bin, APIVersionSection)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, tag)

	tag, found, err = customSection(wt.New().APIVersion("0.0.5").Bytes(), APIVersionSection)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0.0.5", string(tag))

	_, found, err = customSection(wt.New().Bytes(), APIVersionSection)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = customSection(bin[:len(bin)-1], APIVersionSection)
	assert.Error(t, err, "truncated")
	_, _, err = customSection([]byte("not wasm"), APIVersionSection)
	assert.Error(t, err)
}

func TestEmptyAPIVersionIsMismatch(t *testing.T) {
	e := testEngine(t, Config{})
	_, err := NewModule(context.Background(), e, wt.New().APIVersion("").Bytes())
	require.ErrorIs(t, err, errors.ErrAbiVersionMismatch)

	_, err = NewModule(context.Background(), e, []byte("not wasm"))
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData})
}

func TestModuleValidation(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	t.Run("unknown import", func(t *testing.T) {
		mod := wt.New().APIVersion("0.0.5")
		mod.Import("store.nope", i32x2, nil)
		mod.Import("store.remove", i32x2, nil)
		_, err := NewModule(ctx, e, mod.Bytes())
		var missing *errors.MissingImportsError
		require.ErrorAs(t, err, &missing)
		require.Len(t, missing.Imports, 1)
		assert.Equal(t, errors.MissingImport{Module: "env", Function: "store.nope"}, missing.Imports[0])
	})

	t.Run("import signature", func(t *testing.T) {
		mod := wt.New().APIVersion("0.0.5")
		mod.Import("store.set", i32x2, nil)
		_, err := NewModule(ctx, e, mod.Bytes())
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindTypeMismatch})
	})

	t.Run("no allocator", func(t *testing.T) {
		_, err := NewModule(ctx, e, wt.New().APIVersion("0.0.5").WithoutAllocator().Bytes())
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindNotFound})
	})

	t.Run("no memory", func(t *testing.T) {
		_, err := NewModule(ctx, e, wt.New().APIVersion("0.0.5").WithoutMemoryExport().Bytes())
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindNotFound})
	})

	t.Run("invalid bytecode", func(t *testing.T) {
		_, err := NewModule(ctx, e, []byte("not wasm"))
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData})
	})

	t.Run("handlers", func(t *testing.T) {
		mod := wt.New().APIVersion("0.0.5")
		mod.Handler("handleBlock")
		mod.Func("notHandler", nil, nil)
		m, err := NewModule(ctx, e, mod.Bytes())
		require.NoError(t, err)
		defer m.Close(ctx)

		assert.Equal(t, []string{"allocate", "handleBlock", "notHandler"}, m.Exports())
		assert.Equal(t, []string{"handleBlock"}, m.Handlers())
		assert.ErrorIs(t, m.CheckHandler("notHandler"), &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindTypeMismatch})
		assert.ErrorIs(t, m.CheckHandler("missing"), &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindNotFound})
	})

	t.Run("manifest names a missing handler", func(t *testing.T) {
		mod := wt.New().APIVersion("0.0.5")
		mod.Handler("handleBlock")
		m := testManifest(mod.Bytes(), "handleOther")
		_, err := New(ctx, e, Deps{}, m, &m.DataSources[0])
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindNotFound})
	})
}

func TestGuestOutOfBounds(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	mod.Handler("handleBlock", wt.I32Const(-256), wt.I32Load(0), wt.Drop())
	h := startHost(t, e, Deps{}, mod, "handleBlock")

	_, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	assert.ErrorIs(t, err, errors.ErrMemoryOutOfBounds)
	assert.False(t, h.Corrupted())
}

func TestHostDecodeOutOfBounds(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	remove := mod.Import("store.remove", i32x2, nil)
	p := mod.Objects(0x100, abi.String("1"))
	mod.Handler("handleBlock", wt.Ptr(0xfffffff0), wt.Ptr(p[0]), wt.Call(remove))
	h := startHost(t, e, Deps{}, mod, "handleBlock")

	_, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.ErrorIs(t, err, errors.ErrMemoryOutOfBounds)
	trap, _ := errors.AsTrap(err)
	assert.Equal(t, "store.remove", trap.Export)
	assert.Equal(t, "handleBlock", trap.Handler)
}

func TestDeadlineCorruptsHost(t *testing.T) {
	e := testEngine(t, Config{HandlerTimeout: 100 * time.Millisecond})
	mod := wt.New().APIVersion("0.0.5")
	mod.Handler("handleBlock", wt.Spin())

	m := testManifest(mod.Bytes(), "handleBlock")
	b := NewBuilder(e, Deps{})
	defer b.Forget(context.Background(), m.ID)

	h, err := b.Build(context.Background(), m, &m.DataSources[0])
	require.NoError(t, err)

	_, err = h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.ErrorIs(t, err, errors.ErrOutOfResource)
	trap, _ := errors.AsTrap(err)
	assert.True(t, trap.Corrupted)
	assert.True(t, h.Corrupted())

	_, err = h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	assert.ErrorIs(t, err, errors.ErrHostClosed)
	require.NoError(t, h.Close(context.Background()))

	rebuilt, err := b.Build(context.Background(), m, &m.DataSources[0])
	require.NoError(t, err)
	defer rebuilt.Close(context.Background())
	assert.False(t, rebuilt.Corrupted())
}

func TestHostCallBudgetExhausted(t *testing.T) {
	e := testEngine(t, Config{HostCallBudget: 3})
	mod := wt.New().APIVersion("0.0.5")
	logFn := mod.Import("log.log", i32x2, nil)
	p := mod.Objects(0x100, abi.String("tick"))
	call := [][]byte{wt.I32Const(LogDebug), wt.Ptr(p[0]), wt.Call(logFn)}
	mod.Handler("withinBudget", wt.Repeat(3, call...))
	mod.Handler("overBudget", wt.Repeat(4, call...))

	m := testManifest(mod.Bytes(), "withinBudget")
	b := NewBuilder(e, Deps{})
	defer b.Forget(context.Background(), m.ID)
	within, err := b.Build(context.Background(), m, &m.DataSources[0])
	require.NoError(t, err)
	defer within.Close(context.Background())
	_, err = within.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.NoError(t, err)

	m.DataSources[0].Mapping.BlockHandlers = []manifest.BlockHandler{{Handler: "overBudget"}}
	over, err := b.Build(context.Background(), m, &m.DataSources[0])
	require.NoError(t, err)
	defer over.Close(context.Background())
	_, err = over.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.ErrorIs(t, err, errors.ErrOutOfResource)
	trap, _ := errors.AsTrap(err)
	assert.Equal(t, "log.log", trap.Export)
	assert.False(t, over.Corrupted())
}

func TestAbortTraps(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	abortFn := mod.Import("abort", i32x4, nil)
	p := mod.Objects(0x100, abi.String("value must be positive"), abi.String("index.ts"))
	mod.Handler("handleBlock", wt.Ptr(p[0]), wt.Ptr(p[1]), wt.I32Const(7), wt.I32Const(9), wt.Call(abortFn))
	h := startHost(t, e, Deps{}, mod, "handleBlock")

	_, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.ErrorIs(t, err, errors.ErrGuestFault)
	assert.Contains(t, err.Error(), "value must be positive at index.ts:7:9")
}

func TestIPFSMapCallsBack(t *testing.T) {
	e := testEngine(t, Config{})
	files := resolver.NewStatic()
	files.Add("/ipfs/QmLines", []byte("{\"name\":\"a\"}\n\n{\"name\":\"b\"}\n"))

	mod := wt.New().APIVersion("0.0.5")
	set := mod.Import("store.set", i32x3, nil)
	ipfsMapFn := mod.Import("ipfs.map", i32x4, nil)
	p := mod.Objects(0x100,
		abi.String("QmLines"), abi.String("onLine"), abi.String("fixed"),
		abi.Array(abi.String("json")), abi.String("Item"))
	mod.Func("onLine", i32x2, nil, wt.Ptr(p[4]), wt.LocalGet(1), wt.LocalGet(0), wt.Call(set))
	mod.Handler("handleBlock", wt.Ptr(p[0]), wt.Ptr(p[1]), wt.Ptr(p[2]), wt.Ptr(p[3]), wt.Call(ipfsMapFn))

	h := startHost(t, e, Deps{Resolver: files}, mod, "handleBlock")
	ops, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for i, name := range []string{"a", "b"} {
		assert.Equal(t, "fixed", ops[i].Key.EntityID)
		assert.True(t, ops[i].Data["name"].Equal(abi.String(name)))
	}
}

func TestIPFSMapRejectsFlags(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	ipfsMapFn := mod.Import("ipfs.map", i32x4, nil)
	p := mod.Objects(0x100, abi.String("QmLines"), abi.String("onLine"), abi.Array(abi.String("raw")))
	mod.Func("onLine", i32x2, nil)
	mod.Handler("handleBlock", wt.Ptr(p[0]), wt.Ptr(p[1]), wt.I32Const(0), wt.Ptr(p[2]), wt.Call(ipfsMapFn))

	h := startHost(t, e, Deps{Resolver: resolver.NewStatic()}, mod, "handleBlock")
	_, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	assert.ErrorIs(t, err, errors.ErrGuestFault)
}

func TestContractCallFailureTraps(t *testing.T) {
	e := testEngine(t, Config{})
	caller := chain.NewStaticCaller()
	boom := stderrors.New("rpc timeout")
	caller.Fail("0xabc", "f()", boom)

	mod := wt.New().APIVersion("0.0.5")
	call := mod.Import("ethereum.call", []wt.ValType{wt.I32}, []wt.ValType{wt.I32})
	p := mod.Objects(0x100, callValue("0xabc", "f()"))
	mod.Handler("handleBlock", wt.Ptr(p[0]), wt.Call(call), wt.Drop())
	h := startHost(t, e, Deps{Caller: caller}, mod, "handleBlock")

	_, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.ErrorIs(t, err, errors.ErrHostExportFailure)
	assert.ErrorIs(t, err, boom)

	caller.Revert("0xabc", "f()")
	_, err = h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
	require.NoError(t, err)
	assert.Len(t, caller.Calls(), 2)
}

func TestConcurrentTriggersAreSerialized(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	set := mod.Import("store.set", i32x3, nil)
	p := mod.Objects(0x100, abi.String("Counter"), abi.String("1"), abi.Map(abi.E("n", abi.I32(1))))
	mod.Handler("handleBlock", wt.Ptr(p[0]), wt.Ptr(p[1]), wt.Ptr(p[2]), wt.Call(set))
	h := startHost(t, e, Deps{}, mod, "handleBlock")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ops, err := h.ProcessTrigger(context.Background(), blockTrigger(), NewMappingContext(testBlock))
			if err == nil && len(ops) != 1 {
				err = stderrors.New("unexpected op count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestBuilderBuildAll(t *testing.T) {
	e := testEngine(t, Config{})
	mod := wt.New().APIVersion("0.0.5")
	mod.Handler("handleBlock")
	runtime := mod.Bytes()

	m := testManifest(runtime, "handleBlock")
	second := m.DataSources[0]
	second.Name = "Other"
	m.DataSources = append(m.DataSources, second)

	b := NewBuilder(e, Deps{})
	hosts, err := b.BuildAll(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "Token", hosts[0].DataSource().Name)
	assert.Equal(t, "Other", hosts[1].DataSource().Name)
	assert.NotSame(t, hosts[0].module, hosts[1].module)

	again, err := b.Build(context.Background(), m, &m.DataSources[0])
	require.NoError(t, err)
	assert.Same(t, hosts[0].module, again.module)

	for _, h := range append(hosts, again) {
		require.NoError(t, h.Close(context.Background()))
	}
	b.Forget(context.Background(), m.ID)
	assert.Empty(t, b.modules)

	m.DataSources[1].Mapping.Runtime = []byte("broken")
	_, err = b.BuildAll(context.Background(), m)
	require.Error(t, err)
}

func TestEngineConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), Config{APIVersion: "0.0.3", MinAPIVersion: "0.0.4"})
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidInput})

	_, err = NewEngine(context.Background(), Config{APIVersion: "x"})
	assert.Error(t, err)

	e := testEngine(t, Config{})
	assert.Equal(t, DefaultConfig(), e.Config())
	assert.Equal(t, "0.0.5", e.APIVersion().String())
}

func TestExports(t *testing.T) {
	names := ExportNames()
	assert.Len(t, names, 10)
	assert.Equal(t, "(i32, i32, i32, i32) -> ()", Exports()["ipfs.map"])
	assert.Equal(t, "(i32) -> i32", Exports()["ethereum.call"])
}
