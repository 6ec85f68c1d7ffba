// Package orchestrator decides which deployments are indexed. It resolves a
// deployment's manifest on start, guards the running set, and hands start
// and stop events to a single consumer.
package orchestrator

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
	"github.com/wippyai/subgraph-runtime/manifest"
)

const tracerName = "github.com/wippyai/subgraph-runtime/orchestrator"

// Store is the part of the entity store the orchestrator writes to.
type Store interface {
	BuildEntityAttributeIndexes(ctx context.Context, defs []entity.AttributeIndex) error
	ApplyEntityOperations(ctx context.Context, ops []entity.Operation, source entity.EventSource) error
}

// Metrics observes lifecycle calls. err is nil on success.
type Metrics interface {
	Lifecycle(op string, err error)
}

// FailurePolicy selects which start failures set the deployment's failed flag.
type FailurePolicy uint8

const (
	// FlagAllErrors flags the deployment on every start failure, including a
	// start that lost the race against a concurrent start of the same id.
	FlagAllErrors FailurePolicy = iota
	// FlagResolveErrorsOnly does not flag AlreadyRunning.
	FlagResolveErrorsOnly
)

func (p FailurePolicy) String() string {
	if p == FlagResolveErrorsOnly {
		return "resolve-errors-only"
	}
	return "all-errors"
}

// ParseFailurePolicy accepts the String forms.
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch s {
	case "", "all-errors", "strict":
		return FlagAllErrors, true
	case "resolve-errors-only", "lenient":
		return FlagResolveErrorsOnly, true
	}
	return FlagAllErrors, false
}

// Provider is the deployment assignment orchestrator.
type Provider struct {
	resolver subgraphruntime.LinkResolver
	store    Store
	registry *Registry
	metrics  Metrics
	events   chan Event
	logger   *zap.Logger
	tracer   trace.Tracer
	taken    atomic.Bool
	policy   FailurePolicy
}

type Option func(*Provider)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPolicy(policy FailurePolicy) Option {
	return func(p *Provider) {
		p.policy = policy
	}
}

// WithRegistry shares a running set with other components.
func WithRegistry(r *Registry) Option {
	return func(p *Provider) {
		if r != nil {
			p.registry = r
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

func New(resolver subgraphruntime.LinkResolver, store Store, opts ...Option) *Provider {
	p := &Provider{
		resolver: resolver,
		store:    store,
		registry: NewRegistry(),
		events:   make(chan Event, EventBufferSize),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("orchestrator")
	return p
}

// Start resolves the manifest of id and, unless the deployment is already
// running, marks it running and emits a start event. Every failure sets the
// deployment's failed flag, subject to the failure policy.
func (p *Provider) Start(ctx context.Context, id subgraphruntime.DeploymentID) (err error) {
	ctx, span := p.tracer.Start(ctx, "orchestrator.start",
		trace.WithAttributes(attribute.String("deployment", id.String())))
	defer func() {
		p.finish(span, "start", err)
		if err != nil {
			p.flagFailed(ctx, id, err)
		}
	}()

	link := id.Link()
	m, err := manifest.Resolve(ctx, link, p.resolver, p.logger)
	if err != nil {
		return errors.ResolveFailed(link.String(), err)
	}

	if !p.registry.Insert(m.ID) {
		return errors.AlreadyRunning(m.ID.String())
	}

	defs := manifest.IndexDefinitions(m.ID, m.Schema.Types)
	if err := p.store.BuildEntityAttributeIndexes(ctx, defs); err != nil {
		p.logger.Warn("failed to create attribute indexes",
			zap.String("deployment", m.ID.String()), zap.Error(err))
	} else {
		p.logger.Info("created attribute indexes for deployment entities",
			zap.String("deployment", m.ID.String()), zap.Int("indexes", len(defs)))
	}

	// Cleared before the event: the consumer may flag the deployment failed
	// as soon as it sees the start.
	if err := p.store.ApplyEntityOperations(ctx, entity.FailedOperations(m.ID, false), entity.NoEventSource()); err != nil {
		p.logger.Warn("failed to clear failed flag", zap.String("deployment", m.ID.String()), zap.Error(err))
	}

	if err := p.emit(ctx, StartEvent(m)); err != nil {
		p.registry.Remove(m.ID)
		return err
	}
	p.logger.Info("deployment started", zap.String("deployment", m.ID.String()))
	return nil
}

// Stop removes id from the running set and emits a stop event. In-flight
// handler calls are not interrupted.
func (p *Provider) Stop(ctx context.Context, id subgraphruntime.DeploymentID) (err error) {
	ctx, span := p.tracer.Start(ctx, "orchestrator.stop",
		trace.WithAttributes(attribute.String("deployment", id.String())))
	defer func() { p.finish(span, "stop", err) }()

	if !p.registry.Remove(id) {
		return errors.NotRunning(id.String())
	}
	if err := p.emit(ctx, StopEvent(id)); err != nil {
		return err
	}
	p.logger.Info("deployment stopped", zap.String("deployment", id.String()))
	return nil
}

// TakeEventStream hands out the receiving end of the event stream. Only the
// first call gets it.
func (p *Provider) TakeEventStream() (<-chan Event, bool) {
	if !p.taken.CompareAndSwap(false, true) {
		return nil, false
	}
	return p.events, true
}

// Running lists running deployments.
func (p *Provider) Running() []subgraphruntime.DeploymentID {
	return p.registry.List()
}

func (p *Provider) IsRunning(id subgraphruntime.DeploymentID) bool {
	return p.registry.Contains(id)
}

// Evict removes id from the running set without emitting a stop event. The
// consumer calls it when it gave up on a deployment on its own.
func (p *Provider) Evict(id subgraphruntime.DeploymentID) bool {
	removed := p.registry.Remove(id)
	if removed {
		p.logger.Warn("deployment evicted", zap.String("deployment", id.String()))
	}
	return removed
}

func (p *Provider) emit(ctx context.Context, ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) flagFailed(ctx context.Context, id subgraphruntime.DeploymentID, cause error) {
	if p.policy == FlagResolveErrorsOnly && stderrors.Is(cause, errors.ErrAlreadyRunning) {
		return
	}
	// The failure may be ctx itself; the flag is written regardless.
	ctx = context.WithoutCancel(ctx)
	if err := p.store.ApplyEntityOperations(ctx, entity.FailedOperations(id, true), entity.NoEventSource()); err != nil {
		p.logger.Error("failed to persist failed flag", zap.String("deployment", id.String()), zap.Error(err))
	}
}

func (p *Provider) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug(op+" failed", zap.Error(err))
	}
	span.End()
	if p.metrics != nil {
		p.metrics.Lifecycle(op, err)
	}
}
