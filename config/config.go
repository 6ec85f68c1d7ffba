// Package config loads the node configuration from a YAML file and GRAPH_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/subgraph-runtime/host"
	"github.com/wippyai/subgraph-runtime/orchestrator"
	"github.com/wippyai/subgraph-runtime/resolver"
	"github.com/wippyai/subgraph-runtime/telemetry"
	"github.com/wippyai/subgraph-runtime/triggers"
)

// EnvPrefix starts every environment override. GRAPH_HOST_HANDLER_TIMEOUT=5s
// sets host.handler_timeout.
const EnvPrefix = "GRAPH_"

const (
	TriggersNATS    = "nats"
	TriggersChannel = "channel"
)

type Config struct {
	Node         NodeConfig              `mapstructure:"node" yaml:"node"`
	Log          telemetry.LogConfig     `mapstructure:"log" yaml:"log"`
	IPFS         resolver.IPFSConfig     `mapstructure:"ipfs" yaml:"ipfs"`
	Redis        RedisConfig             `mapstructure:"redis" yaml:"redis"`
	Store        StoreConfig             `mapstructure:"store" yaml:"store"`
	NATS         triggers.NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Host         host.Config             `mapstructure:"host" yaml:"host"`
	Server       ServerConfig            `mapstructure:"server" yaml:"server"`
	Tracing      telemetry.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator" yaml:"orchestrator"`
}

type NodeConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
	// Deployments are started when the node comes up.
	Deployments []string `mapstructure:"deployments" yaml:"deployments"`
	// Triggers selects the trigger source: "nats" or "channel".
	Triggers string `mapstructure:"triggers" yaml:"triggers"`
}

// RedisConfig enables the link cache in front of IPFS.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntry int           `mapstructure:"max_entry" yaml:"max_entry"`
}

type StoreConfig struct {
	// Path of the SQLite database. ":memory:" keeps it in memory.
	Path string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Admin           bool          `mapstructure:"admin" yaml:"admin"`
	Metrics         bool          `mapstructure:"metrics" yaml:"metrics"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds a query request body.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type OrchestratorConfig struct {
	// FailurePolicy is "all-errors" or "resolve-errors-only".
	FailurePolicy string `mapstructure:"failure_policy" yaml:"failure_policy"`
}

// Policy parses FailurePolicy. Validate rejects unknown values.
func (c OrchestratorConfig) Policy() orchestrator.FailurePolicy {
	p, _ := orchestrator.ParseFailurePolicy(c.FailurePolicy)
	return p
}

// Default returns the configuration used for everything a file or the
// environment leaves unset.
func Default() Config {
	return Config{
		Node:  NodeConfig{ID: "default", Triggers: TriggersNATS},
		Log:   telemetry.LogConfig{Level: "info", Format: "json"},
		IPFS:  resolver.IPFSConfig{URL: "http://127.0.0.1:5001", Timeout: 60 * time.Second},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", Prefix: "subgraph:link:", TTL: 24 * time.Hour, MaxEntry: 8 << 20},
		Store: StoreConfig{Path: "graph.db"},
		NATS:  triggers.DefaultNATSConfig(),
		Host:  host.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8000",
			Admin:           true,
			Metrics:         true,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Tracing:      telemetry.DefaultTracingConfig(),
		Orchestrator: OrchestratorConfig{FailurePolicy: orchestrator.FlagAllErrors.String()},
	}
}

// Load reads path, when not empty, and the process environment.
func Load(path string) (Config, error) {
	return LoadWith(path, os.Environ())
}

// LoadWith reads path, when not empty, and overrides from environ, a list
// of KEY=value pairs.
func LoadWith(path string, environ []string) (Config, error) {
	raw := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if raw == nil {
			raw = make(map[string]any)
		}
	}
	overlayEnv(raw, environ)

	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(raw map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// overlayEnv sets raw[section][key] for every GRAPH_SECTION_KEY variable.
func overlayEnv(raw map[string]any, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		m, ok := raw[section].(map[string]any)
		if !ok {
			m = make(map[string]any)
			raw[section] = m
		}
		m[key] = value
	}
}

// Validate checks values Load cannot type check.
func (c Config) Validate() error {
	var problems []string
	if _, ok := orchestrator.ParseFailurePolicy(c.Orchestrator.FailurePolicy); !ok {
		problems = append(problems, fmt.Sprintf("orchestrator.failure_policy: unknown policy %q", c.Orchestrator.FailurePolicy))
	}
	switch c.Node.Triggers {
	case TriggersNATS, TriggersChannel:
	default:
		problems = append(problems, fmt.Sprintf("node.triggers: unknown source %q", c.Node.Triggers))
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when redis is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
