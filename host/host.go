package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
	"github.com/wippyai/subgraph-runtime/manifest"
)

const tracerName = "github.com/wippyai/subgraph-runtime/host"

// Metrics observes handler invocations. trap is empty on success.
type Metrics interface {
	HandlerDone(deployment, handler string, elapsed time.Duration, trap errors.TrapKind)
}

// Deps are the collaborators host exports call into. Any of them may be nil;
// exports that need a missing collaborator fail with HostExportFailure.
type Deps struct {
	Store    EntityReader
	Resolver subgraphruntime.LinkResolver
	Caller   chain.ContractCaller
	Logger   *zap.Logger
	Metrics  Metrics
}

// RuntimeHost runs the handlers of one data source. Calls are serialized.
type RuntimeHost struct {
	deps       Deps
	engine     *Engine
	module     *Module
	instance   api.Module
	memory     *guestMemory
	allocate   api.Function
	dataSource *manifest.DataSource
	logger     *zap.Logger
	tracer     trace.Tracer
	deployment subgraphruntime.DeploymentID
	mu         sync.Mutex
	ownsModule bool
	corrupted  bool
	closed     bool
}

// New compiles the data source's mapping and instantiates it.
func New(ctx context.Context, engine *Engine, deps Deps, m *manifest.Manifest, ds *manifest.DataSource) (*RuntimeHost, error) {
	module, err := NewModule(ctx, engine, ds.Mapping.Runtime)
	if err != nil {
		return nil, err
	}
	h, err := newHost(ctx, module, deps, m, ds)
	if err != nil {
		_ = module.Close(ctx)
		return nil, err
	}
	h.ownsModule = true
	return h, nil
}

func newHost(ctx context.Context, module *Module, deps Deps, m *manifest.Manifest, ds *manifest.DataSource) (*RuntimeHost, error) {
	for _, name := range ds.HandlerNames() {
		if err := module.CheckHandler(name); err != nil {
			return nil, err
		}
	}

	base := deps.Logger
	if base == nil {
		base = Logger()
	}
	logger := base.With(
		zap.String("deployment", m.ID.String()),
		zap.String("data_source", ds.Name))

	if tag := ds.Mapping.APIVersion; tag != "" && tag != module.APIVersion().String() {
		logger.Warn("manifest apiVersion differs from module tag",
			zap.String("manifest", tag),
			zap.String("module", module.APIVersion().String()))
	}

	cfg := wazero.NewModuleConfig().WithName("")
	instance, err := module.engine.runtime.InstantiateModule(ctx, module.compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	h := &RuntimeHost{
		deps:       deps,
		engine:     module.engine,
		module:     module,
		instance:   instance,
		memory:     &guestMemory{mem: instance.Memory()},
		allocate:   instance.ExportedFunction(allocateExport),
		dataSource: ds,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		deployment: m.ID,
	}
	logger.Debug("mapping instantiated",
		zap.String("api_version", module.APIVersion().String()),
		zap.Strings("handlers", ds.HandlerNames()))
	return h, nil
}

func (h *RuntimeHost) Deployment() subgraphruntime.DeploymentID {
	return h.deployment
}

func (h *RuntimeHost) DataSource() *manifest.DataSource {
	return h.dataSource
}

// Corrupted reports whether a trap closed the instance.
func (h *RuntimeHost) Corrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.corrupted
}

// ProcessTrigger runs every handler of the data source that matches
// trigger, staging entity operations into mctx, and returns all operations
// staged in mctx. On a trap the staged operations are discarded.
func (h *RuntimeHost) ProcessTrigger(ctx context.Context, trigger chain.Trigger, mctx *MappingContext) ([]entity.Operation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.HostClosed("host is closed")
	}
	if h.corrupted {
		return nil, errors.HostClosed("host instance is corrupted")
	}

	for _, handler := range h.dataSource.Handlers(trigger) {
		if err := h.invoke(ctx, handler, trigger, mctx); err != nil {
			mctx.Discard()
			return nil, err
		}
	}
	return mctx.Ops(), nil
}

// invoke calls one handler. The caller holds h.mu.
func (h *RuntimeHost) invoke(ctx context.Context, handler string, trigger chain.Trigger, mctx *MappingContext) error {
	id := uuid.NewString()
	ctx, span := h.tracer.Start(ctx, "host.handler", trace.WithAttributes(
		attribute.String("deployment", h.deployment.String()),
		attribute.String("data_source", h.dataSource.Name),
		attribute.String("handler", handler),
		attribute.String("trigger", trigger.String()),
		attribute.String("invocation", id),
	))
	defer span.End()

	cfg := h.engine.cfg
	callCtx, cancel := context.WithTimeout(ctx, cfg.HandlerTimeout)
	defer cancel()

	var opts []abi.Option
	if cfg.MaxDepth > 0 {
		opts = append(opts, abi.WithMaxDepth(cfg.MaxDepth))
	}
	if cfg.DecodeLimit > 0 {
		opts = append(opts, abi.WithDecodeLimit(cfg.DecodeLimit))
	}

	alloc := &guestAllocator{fn: h.allocate, ctx: callCtx}
	inv := &invocation{
		mctx:       mctx,
		codec:      abi.NewCodec(h.memory, alloc, opts...),
		deps:       &h.deps,
		deployment: h.deployment,
		handler:    handler,
		id:         id,
		budget:     cfg.HostCallBudget,
		logger: h.logger.With(
			zap.String("handler", handler),
			zap.String("invocation", id)),
	}
	if mctx.Block != nil {
		inv.logger = inv.logger.With(zap.Uint64("block", mctx.Block.Number))
	}
	callCtx = withInvocation(callCtx, inv)
	alloc.ctx = callCtx

	start := time.Now()
	err := h.call(callCtx, inv, handler, trigger)
	elapsed := time.Since(start)

	if err == nil {
		h.observe(handler, elapsed, "")
		return nil
	}

	t := inv.trap
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		t = errors.NewTrap(errors.TrapOutOfResource,
			fmt.Sprintf("handler exceeded its %s deadline", cfg.HandlerTimeout), err)
	}
	if t == nil {
		t = classify(err)
	}
	if h.instance.IsClosed() || t.Corrupted {
		h.corrupted = true
		t.Corrupted = true
	}
	t.Handler = handler

	h.observe(handler, elapsed, t.Kind)
	span.RecordError(t)
	span.SetStatus(codes.Error, string(t.Kind))
	inv.logger.Warn("handler trapped",
		zap.String("trap", string(t.Kind)),
		zap.Bool("corrupted", t.Corrupted),
		zap.Duration("elapsed", elapsed),
		zap.Error(t))
	return t
}

func (h *RuntimeHost) call(ctx context.Context, inv *invocation, handler string, trigger chain.Trigger) error {
	ptr, err := inv.codec.Encode(trigger.ToValue())
	if err != nil {
		if t, ok := guestTrap(err); ok {
			return t
		}
		return errors.NewTrap(errors.TrapGuestFault, "encode trigger", err)
	}

	fn := h.instance.ExportedFunction(handler)
	stack := []uint64{uint64(ptr)}
	return fn.CallWithStack(ctx, stack)
}

func (h *RuntimeHost) observe(handler string, elapsed time.Duration, trap errors.TrapKind) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.HandlerDone(h.deployment.String(), handler, elapsed, trap)
	}
}

// Close releases the instance, and the compiled module when New compiled it.
func (h *RuntimeHost) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.instance.Close(ctx)
	if h.ownsModule {
		if cerr := h.module.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
