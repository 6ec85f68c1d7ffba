// Command mapping-run loads a compiled mapping module and runs one of its
// handlers against a single trigger, printing the entity operations the
// handler staged.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/host"
	"github.com/wippyai/subgraph-runtime/manifest"
	"github.com/wippyai/subgraph-runtime/resolver"
	"github.com/wippyai/subgraph-runtime/store"
)

type options struct {
	wasm     string
	handler  string
	trigger  string
	ipfs     string
	timeout  time.Duration
	budget   uint64
	verbose  bool
	listOnly bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wasm, "wasm", "", "Path to the mapping module")
	flag.StringVar(&opts.handler, "handler", "", "Handler to run")
	flag.StringVar(&opts.trigger, "trigger", "", "Path to a JSON trigger, - for stdin (default: block trigger #1)")
	flag.StringVar(&opts.ipfs, "ipfs", "", "IPFS API URL for ipfs.cat and ipfs.map")
	flag.DurationVar(&opts.timeout, "timeout", host.DefaultHandlerTimeout, "Handler deadline")
	flag.Uint64Var(&opts.budget, "budget", host.DefaultHostCallBudget, "Host call budget per invocation")
	flag.BoolVar(&opts.verbose, "v", false, "Log host activity to stderr")
	flag.BoolVar(&opts.listOnly, "list", false, "List handlers and exit")
	interactive := flag.Bool("i", false, "Interactive mode with TUI")
	flag.Parse()

	if opts.wasm == "" {
		fmt.Fprintln(os.Stderr, "Usage: mapping-run -wasm <mapping.wasm> -handler name [-trigger trigger.json]")
		fmt.Fprintln(os.Stderr, "       mapping-run -wasm <mapping.wasm> -list")
		fmt.Fprintln(os.Stderr, "       mapping-run -wasm <mapping.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	var err error
	if *interactive {
		err = runInteractive(opts)
	} else {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// harness owns everything a one-off handler run needs.
type harness struct {
	engine   *host.Engine
	module   *host.Module
	store    *store.SQLiteStore
	deps     host.Deps
	bytecode []byte
}

func newHarness(ctx context.Context, opts options) (*harness, error) {
	bytecode, err := os.ReadFile(opts.wasm)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	cfg := host.DefaultConfig()
	cfg.HandlerTimeout = opts.timeout
	cfg.HostCallBudget = opts.budget
	engine, err := host.NewEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	module, err := host.NewModule(ctx, engine, bytecode)
	if err != nil {
		_ = engine.Close(ctx)
		return nil, fmt.Errorf("load module: %w", err)
	}

	st, err := store.Open(":memory:", logger)
	if err != nil {
		_ = engine.Close(ctx)
		return nil, err
	}

	var links subgraphruntime.LinkResolver = resolver.NewStatic()
	if opts.ipfs != "" {
		links = resolver.NewIPFS(resolver.IPFSConfig{URL: opts.ipfs}, logger)
	}

	return &harness{
		engine:   engine,
		module:   module,
		store:    st,
		bytecode: bytecode,
		deps: host.Deps{
			Store:    st,
			Resolver: links,
			Caller:   chain.NewStaticCaller(),
			Logger:   logger,
		},
	}, nil
}

func (h *harness) Close(ctx context.Context) {
	_ = h.store.Close()
	_ = h.module.Close(ctx)
	_ = h.engine.Close(ctx)
}

// dataSource declares handler for the kind of t, so the host routes t to it.
func dataSource(handler string, t chain.Trigger, apiVersion string) manifest.DataSource {
	ds := manifest.DataSource{
		Kind: "ethereum/contract",
		Name: handler,
		Source: manifest.Source{
			Address: t.Address(),
		},
		Mapping: manifest.Mapping{
			Kind:       "ethereum/events",
			APIVersion: apiVersion,
			Language:   "wasm/assemblyscript",
		},
	}
	switch t.Kind {
	case chain.TriggerLog:
		ds.Mapping.EventHandlers = []manifest.EventHandler{{Event: t.Signature(), Handler: handler}}
	case chain.TriggerCall:
		ds.Mapping.CallHandlers = []manifest.CallHandler{{Function: t.Signature(), Handler: handler}}
	default:
		ds.Mapping.BlockHandlers = []manifest.BlockHandler{{Handler: handler}}
	}
	return ds
}

// Process runs handler against t on a fresh instance.
func (h *harness) Process(ctx context.Context, handler string, t chain.Trigger) ([]entity.Operation, error) {
	ds := dataSource(handler, t, h.module.APIVersion().String())
	ds.Mapping.Runtime = h.bytecode
	m := &manifest.Manifest{
		ID:          subgraphruntime.DeploymentID("mapping-run"),
		DataSources: []manifest.DataSource{ds},
	}

	rh, err := host.New(ctx, h.engine, h.deps, m, &m.DataSources[0])
	if err != nil {
		return nil, err
	}
	defer rh.Close(ctx)

	return rh.ProcessTrigger(ctx, t, host.NewMappingContext(t.Block))
}

func defaultTrigger() chain.Trigger {
	return chain.NewBlockTrigger(&chain.Block{
		Number:     1,
		Hash:       "0x01",
		ParentHash: "0x00",
		Timestamp:  uint64(time.Now().Unix()),
	})
}

func loadTrigger(path string) (chain.Trigger, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return defaultTrigger(), nil
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return chain.Trigger{}, err
	}
	return chain.DecodeTrigger(data)
}

func run(opts options) error {
	ctx := context.Background()

	h, err := newHarness(ctx, opts)
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	fmt.Printf("Module: %s\n", opts.wasm)
	fmt.Printf("API version: %s\n", h.module.APIVersion())
	fmt.Printf("Exports: %d\n", len(h.module.Exports()))
	fmt.Printf("\nHandlers:\n")
	for _, name := range h.module.Handlers() {
		fmt.Printf("  %s\n", name)
	}

	if opts.listOnly {
		return nil
	}
	if opts.handler == "" {
		fmt.Printf("\nUse -handler to pick a handler to run.\n")
		return nil
	}

	t, err := loadTrigger(opts.trigger)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	fmt.Printf("\nRunning %s on %s...\n", opts.handler, t)
	ops, err := h.Process(ctx, opts.handler, t)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.handler, err)
	}

	fmt.Printf("Operations: %d\n", len(ops))
	for _, op := range ops {
		fmt.Printf("  %s\n", op)
	}
	return nil
}
