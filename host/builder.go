package host

import (
	"context"
	"sync"

	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/manifest"
)

type moduleKey struct {
	deployment subgraphruntime.DeploymentID
	dataSource string
}

// Builder creates hosts for deployments and keeps their compiled modules so
// that a corrupted host can be rebuilt without compiling again.
type Builder struct {
	engine  *Engine
	modules map[moduleKey]*Module
	deps    Deps
	mu      sync.Mutex
}

func NewBuilder(engine *Engine, deps Deps) *Builder {
	return &Builder{
		engine:  engine,
		deps:    deps,
		modules: make(map[moduleKey]*Module),
	}
}

func (b *Builder) Engine() *Engine {
	return b.engine
}

// Build instantiates a host for one data source of m.
func (b *Builder) Build(ctx context.Context, m *manifest.Manifest, ds *manifest.DataSource) (*RuntimeHost, error) {
	module, err := b.module(ctx, m.ID, ds)
	if err != nil {
		return nil, err
	}
	return newHost(ctx, module, b.deps, m, ds)
}

// BuildAll instantiates one host per data source, in manifest order. On
// failure the hosts built so far are closed.
func (b *Builder) BuildAll(ctx context.Context, m *manifest.Manifest) ([]*RuntimeHost, error) {
	hosts := make([]*RuntimeHost, 0, len(m.DataSources))
	for i := range m.DataSources {
		h, err := b.Build(ctx, m, &m.DataSources[i])
		if err != nil {
			for _, built := range hosts {
				_ = built.Close(ctx)
			}
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (b *Builder) module(ctx context.Context, id subgraphruntime.DeploymentID, ds *manifest.DataSource) (*Module, error) {
	key := moduleKey{deployment: id, dataSource: ds.Name}

	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.modules[key]; ok {
		return m, nil
	}
	m, err := NewModule(ctx, b.engine, ds.Mapping.Runtime)
	if err != nil {
		return nil, err
	}
	b.modules[key] = m
	return m, nil
}

// Forget closes the compiled modules of a deployment. Hosts built from them
// must be closed first.
func (b *Builder) Forget(ctx context.Context, id subgraphruntime.DeploymentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, m := range b.modules {
		if key.deployment != id {
			continue
		}
		if err := m.Close(ctx); err != nil {
			b.logger().Warn("close compiled module", zap.String("deployment", id.String()), zap.Error(err))
		}
		delete(b.modules, key)
	}
}

func (b *Builder) logger() *zap.Logger {
	if b.deps.Logger != nil {
		return b.deps.Logger
	}
	return Logger()
}
