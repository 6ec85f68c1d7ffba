// Package scheduler consumes the orchestrator's lifecycle events and indexes
// every started deployment: it builds one host per data source, feeds them
// the deployment's trigger batches in order and commits each block's entity
// operations as one batch.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/host"
	"github.com/wippyai/subgraph-runtime/manifest"
	"github.com/wippyai/subgraph-runtime/orchestrator"
	"github.com/wippyai/subgraph-runtime/triggers"
)

const tracerName = "github.com/wippyai/subgraph-runtime/scheduler"

// Store receives committed blocks and failed flags.
type Store interface {
	ApplyEntityOperations(ctx context.Context, ops []entity.Operation, source entity.EventSource) error
}

// Evictor drops a deployment from the running set after the scheduler gave
// up on it. *orchestrator.Provider implements it.
type Evictor interface {
	Evict(id subgraphruntime.DeploymentID) bool
}

// Metrics observes block commits and halted deployments.
type Metrics interface {
	BlockCommitted(deployment string, ops int)
	DeploymentHalted(deployment string)
}

// Builder creates the hosts of a deployment. *host.Builder implements it.
type Builder interface {
	Build(ctx context.Context, m *manifest.Manifest, ds *manifest.DataSource) (*host.RuntimeHost, error)
	BuildAll(ctx context.Context, m *manifest.Manifest) ([]*host.RuntimeHost, error)
	Forget(ctx context.Context, id subgraphruntime.DeploymentID)
}

type Scheduler struct {
	builder Builder
	source  triggers.Source
	store   Store
	evictor Evictor
	metrics Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	jobs    map[subgraphruntime.DeploymentID]*job
	mu      sync.Mutex
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithEvictor(e Evictor) Option {
	return func(s *Scheduler) { s.evictor = e }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(builder Builder, source triggers.Source, store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		builder: builder,
		source:  source,
		store:   store,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		jobs:    make(map[subgraphruntime.DeploymentID]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Run consumes events until ctx is done or the stream closes, then stops
// every deployment and waits for them.
func (s *Scheduler) Run(ctx context.Context, events <-chan orchestrator.Event) error {
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ctx, ev)
		}
	}
}

// Handle applies one lifecycle event.
func (s *Scheduler) Handle(ctx context.Context, ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventStart:
		s.start(ctx, ev.Manifest)
	case orchestrator.EventStop:
		s.stop(ev.ID)
	default:
		s.logger.Warn("ignoring unknown lifecycle event", zap.Stringer("kind", ev.Kind))
	}
}

// Active lists the deployments with a live indexing goroutine.
func (s *Scheduler) Active() []subgraphruntime.DeploymentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subgraphruntime.DeploymentID, 0, len(s.jobs))
	for id, j := range s.jobs {
		if !j.stopping {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scheduler) start(ctx context.Context, m *manifest.Manifest) {
	if m == nil {
		s.logger.Warn("start event without manifest")
		return
	}
	logger := s.logger.With(zap.String("deployment", m.ID.String()))

	s.mu.Lock()
	prev := s.jobs[m.ID]
	stopping := prev != nil && prev.stopping
	s.mu.Unlock()
	if prev != nil {
		if !stopping {
			logger.Warn("deployment already scheduled")
			return
		}
		// A stopped job finishes its in-flight block before the deployment
		// is built again.
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	hosts, err := s.builder.BuildAll(ctx, m)
	if err != nil {
		s.halt(ctx, m.ID, "failed to build hosts", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	batches, err := s.source.Subscribe(jobCtx, m.ID)
	if err != nil {
		cancel()
		for _, h := range hosts {
			_ = h.Close(ctx)
		}
		s.builder.Forget(ctx, m.ID)
		s.halt(ctx, m.ID, "failed to subscribe to triggers", err)
		return
	}

	j := &job{
		manifest: m,
		hosts:    hosts,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.jobs[m.ID] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(jobCtx, j, batches)
	}()
	logger.Info("deployment scheduled", zap.Int("hosts", len(hosts)))
}

func (s *Scheduler) stop(id subgraphruntime.DeploymentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.stopping {
		s.logger.Debug("stop for unscheduled deployment", zap.String("deployment", id.String()))
		return
	}
	j.signal()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.signal()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// halt gives up on a deployment: it is flagged failed and leaves the
// running set.
func (s *Scheduler) halt(ctx context.Context, id subgraphruntime.DeploymentID, msg string, cause error) {
	s.logger.Error(msg, zap.String("deployment", id.String()), zap.Error(cause))
	ctx = context.WithoutCancel(ctx)
	if err := s.store.ApplyEntityOperations(ctx, entity.FailedOperations(id, true), entity.NoEventSource()); err != nil {
		s.logger.Error("failed to persist failed flag", zap.String("deployment", id.String()), zap.Error(err))
	}
	if s.evictor != nil {
		s.evictor.Evict(id)
	}
	if s.metrics != nil {
		s.metrics.DeploymentHalted(id.String())
	}
}

func (s *Scheduler) release(j *job) {
	s.mu.Lock()
	if s.jobs[j.manifest.ID] == j {
		delete(s.jobs, j.manifest.ID)
	}
	s.mu.Unlock()
	close(j.done)
}

func (s *Scheduler) run(ctx context.Context, j *job, batches <-chan triggers.Batch) {
	defer s.release(j)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		for _, h := range j.hosts {
			if err := h.Close(cleanup); err != nil {
				j.logger.Debug("close host", zap.Error(err))
			}
		}
		s.builder.Forget(cleanup, j.manifest.ID)
	}()

	for {
		// A pending stop wins over a ready batch.
		select {
		case <-j.stop:
			j.logger.Info("deployment unscheduled")
			return
		default:
		}

		select {
		case <-j.stop:
			j.logger.Info("deployment unscheduled")
			return
		case <-ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				j.logger.Info("trigger stream ended")
				return
			}
			if err := s.processBlock(ctx, j, b); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				j.signal()
				s.mu.Unlock()
				s.halt(ctx, j.manifest.ID, "deployment halted", err)
				return
			}
		}
	}
}

// processBlock runs every trigger of b through the hosts in data source
// order and commits the staged operations once the block is done. An error
// leaves nothing committed.
func (s *Scheduler) processBlock(ctx context.Context, j *job, b triggers.Batch) (err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.block", trace.WithAttributes(
		attribute.String("deployment", j.manifest.ID.String()),
		attribute.Int64("block", int64(b.Block.Number)),
		attribute.Int("triggers", len(b.Triggers)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	mctx := host.NewMappingContext(b.Block)
	for _, t := range b.Triggers {
		for i := range j.hosts {
			h, err := s.healthy(ctx, j, i)
			if err != nil {
				return err
			}
			if _, err := h.ProcessTrigger(ctx, t, mctx); err != nil {
				return err
			}
		}
	}

	ops := mctx.Ops()
	if len(ops) == 0 {
		return nil
	}
	if err := s.store.ApplyEntityOperations(ctx, ops, entity.BlockSource(b.Block.Ptr())); err != nil {
		return err
	}
	j.logger.Debug("committed block", zap.Uint64("block", b.Block.Number), zap.Int("ops", len(ops)))
	if s.metrics != nil {
		s.metrics.BlockCommitted(j.manifest.ID.String(), len(ops))
	}
	return nil
}

// healthy returns host i of j, replacing it first when its instance is
// corrupted.
func (s *Scheduler) healthy(ctx context.Context, j *job, i int) (*host.RuntimeHost, error) {
	h := j.hosts[i]
	if !h.Corrupted() {
		return h, nil
	}
	fresh, err := s.builder.Build(ctx, j.manifest, h.DataSource())
	if err != nil {
		return nil, err
	}
	_ = h.Close(ctx)
	j.hosts[i] = fresh
	j.logger.Info("recreated corrupted host", zap.String("data_source", h.DataSource().Name))
	return fresh, nil
}

type job struct {
	manifest *manifest.Manifest
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
	hosts    []*host.RuntimeHost
	stopping bool
}

// signal marks j as stopping. The caller holds the scheduler's mutex.
func (j *job) signal() {
	if !j.stopping {
		j.stopping = true
		close(j.stop)
	}
}
