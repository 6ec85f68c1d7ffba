package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-semver/semver"
	"github.com/tetratelabs/wazero"

	"github.com/wippyai/subgraph-runtime/errors"
)

// Engine owns the wazero runtime shared by every mapping instance and the
// "env" module they link against.
type Engine struct {
	runtime     wazero.Runtime
	version     *semver.Version
	minVersion  *semver.Version
	cfg         Config
	envInitMu   sync.Mutex
	envInitDone atomic.Bool
}

// NewEngine creates an engine with the given limits. Zero fields of cfg take
// their defaults.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	version, err := semver.NewVersion(cfg.APIVersion)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Cause(err).
			Detailf("invalid host api version %q", cfg.APIVersion).
			Build()
	}
	minVersion, err := semver.NewVersion(cfg.MinAPIVersion)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Cause(err).
			Detailf("invalid minimum api version %q", cfg.MinAPIVersion).
			Build()
	}
	if version.LessThan(*minVersion) {
		return nil, errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("minimum api version %s is newer than host api version %s", minVersion, version))
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCustomSections(true).
		WithCloseOnContextDone(true)

	return &Engine{
		runtime:    wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		version:    version,
		minVersion: minVersion,
		cfg:        cfg,
	}, nil
}

// Config returns the effective limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// APIVersion returns the host's ABI version.
func (e *Engine) APIVersion() semver.Version {
	return *e.version
}

func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// CheckAPIVersion validates a module's apiVersion tag.
func (e *Engine) CheckAPIVersion(tag string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(tag))
	if err != nil {
		return nil, errors.NewTrap(errors.TrapAbiVersionMismatch,
			fmt.Sprintf("invalid apiVersion tag %q", tag), err)
	}
	if v.Major != e.version.Major || v.Minor != e.version.Minor ||
		e.version.LessThan(*v) || v.LessThan(*e.minVersion) {
		return nil, errors.NewTrap(errors.TrapAbiVersionMismatch,
			fmt.Sprintf("apiVersion %s is not supported (host %s, minimum %s)", v, e.version, e.minVersion), nil)
	}
	return v, nil
}

// initEnv instantiates the env host module once per engine.
// Safe for concurrent calls from modules sharing the engine.
func (e *Engine) initEnv(ctx context.Context) error {
	if e.envInitDone.Load() {
		return nil
	}

	e.envInitMu.Lock()
	defer e.envInitMu.Unlock()

	if e.envInitDone.Load() {
		return nil
	}

	if e.runtime.Module(EnvModule) == nil {
		builder := e.runtime.NewHostModuleBuilder(EnvModule)
		for _, x := range hostExports() {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(x.goFunc(), x.params, x.results).
				WithName(x.name).
				Export(x.name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
				Cause(err).
				Detailf("instantiate %s host module", EnvModule).
				Build()
		}
	}

	e.envInitDone.Store(true)
	return nil
}
