package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/config"
	"github.com/wippyai/subgraph-runtime/host"
	"github.com/wippyai/subgraph-runtime/orchestrator"
	"github.com/wippyai/subgraph-runtime/resolver"
	"github.com/wippyai/subgraph-runtime/scheduler"
	"github.com/wippyai/subgraph-runtime/server"
	"github.com/wippyai/subgraph-runtime/store"
	"github.com/wippyai/subgraph-runtime/telemetry"
	"github.com/wippyai/subgraph-runtime/triggers"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexing node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := telemetry.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, logger.With(zap.String("node", cfg.Node.ID)))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func linkResolver(cfg config.Config, logger *zap.Logger) (subgraphruntime.LinkResolver, func() error) {
	ipfs := resolver.NewIPFS(cfg.IPFS, logger)
	if !cfg.Redis.Enabled {
		return ipfs, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cache := resolver.NewCache(ipfs, client,
		resolver.WithCacheTTL(cfg.Redis.TTL),
		resolver.WithCachePrefix(cfg.Redis.Prefix),
		resolver.WithMaxEntry(cfg.Redis.MaxEntry),
		resolver.WithCacheLogger(logger))
	return cache, client.Close
}

func triggerSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (triggers.Source, func(), error) {
	if cfg.Node.Triggers == config.TriggersChannel {
		return triggers.NewChannelSource(cfg.NATS.Buffer), func() {}, nil
	}
	nc, err := triggers.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return triggers.NewNATSSource(triggers.WrapConn(nc), cfg.NATS, logger), closeFn, nil
}

// runNode wires the node together and blocks until ctx is done or a
// component fails.
func runNode(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := telemetry.NewMetrics(true)
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	res, closeResolver := linkResolver(cfg, logger)
	defer closeResolver()

	source, closeSource, err := triggerSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	engine, err := host.NewEngine(ctx, cfg.Host)
	if err != nil {
		return err
	}
	defer engine.Close(context.WithoutCancel(ctx))
	host.SetLogger(logger.Named("host"))

	builder := host.NewBuilder(engine, host.Deps{
		Store:    st,
		Resolver: res,
		Logger:   logger.Named("host"),
		Metrics:  metrics,
	})

	provider := orchestrator.New(res, st,
		orchestrator.WithLogger(logger),
		orchestrator.WithPolicy(cfg.Orchestrator.Policy()),
		orchestrator.WithMetrics(metrics))
	events, ok := provider.TakeEventStream()
	if !ok {
		return fmt.Errorf("event stream already taken")
	}
	sched := scheduler.New(builder, source, st,
		scheduler.WithLogger(logger),
		scheduler.WithEvictor(provider),
		scheduler.WithMetrics(metrics))

	queries := make(chan server.Query)
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithQueryObserver(metrics),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if cfg.Server.Admin {
		opts = append(opts, server.WithLifecycle(provider))
	}
	if cfg.Server.Metrics {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}
	srv := server.New(queries, opts...)

	var (
		wg   sync.WaitGroup
		once sync.Once
		fail error
	)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				once.Do(func() { fail = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	spawn("scheduler", func() error { return sched.Run(ctx, events) })
	spawn("query runner", func() error {
		server.NewRunner(st, logger).Run(ctx, queries)
		return nil
	})
	spawn("server", func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr,
			cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)
	})

	for _, id := range cfg.Node.Deployments {
		if err := provider.Start(ctx, subgraphruntime.DeploymentID(id)); err != nil {
			logger.Error("failed to start deployment", zap.String("deployment", id), zap.Error(err))
		}
	}
	logger.Info("node running",
		zap.String("addr", cfg.Server.Addr),
		zap.String("triggers", cfg.Node.Triggers),
		zap.Int("deployments", len(provider.Running())))

	<-ctx.Done()
	wg.Wait()
	logger.Info("node stopped")
	return fail
}
