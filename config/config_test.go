package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/subgraph-runtime/host"
	"github.com/wippyai/subgraph-runtime/orchestrator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWith("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, host.DefaultHandlerTimeout, cfg.Host.HandlerTimeout)
	assert.Equal(t, orchestrator.FlagAllErrors, cfg.Orchestrator.Policy())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node:
  id: indexer-1
  deployments: [QmA, QmB]
  triggers: channel
host:
  handler_timeout: 5s
  host_call_budget: 1000
  memory_limit_pages: 64
redis:
  enabled: true
  ttl: 1h
orchestrator:
  failure_policy: resolve-errors-only
`)
	cfg, err := LoadWith(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "indexer-1", cfg.Node.ID)
	assert.Equal(t, []string{"QmA", "QmB"}, cfg.Node.Deployments)
	assert.Equal(t, TriggersChannel, cfg.Node.Triggers)
	assert.Equal(t, 5*time.Second, cfg.Host.HandlerTimeout)
	assert.Equal(t, uint64(1000), cfg.Host.HostCallBudget)
	assert.Equal(t, uint32(64), cfg.Host.MemoryLimitPages)
	assert.Equal(t, host.DefaultAPIVersion, cfg.Host.APIVersion)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, orchestrator.FlagResolveErrorsOnly, cfg.Orchestrator.Policy())
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	cfg, err := LoadWith(path, []string{
		"GRAPH_SERVER_ADDR=:9100",
		"GRAPH_HOST_HANDLER_TIMEOUT=250ms",
		"GRAPH_NODE_DEPLOYMENTS=QmA,QmB",
		"GRAPH_TRACING_ENABLED=true",
		"GRAPH_TRACING_SAMPLE_RATIO=0.5",
		"HOME=/root",
		"GRAPH_=ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Host.HandlerTimeout)
	assert.Equal(t, []string{"QmA", "QmB"}, cfg.Node.Deployments)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.5, cfg.Tracing.SampleRatio)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = LoadWith(writeConfig(t, "node: [unclosed"), nil)
	assert.Error(t, err)

	_, err = LoadWith(writeConfig(t, "node:\n  colour: red\n"), nil)
	assert.ErrorContains(t, err, "colour")

	_, err = LoadWith("", []string{"GRAPH_ORCHESTRATOR_FAILURE_POLICY=sometimes"})
	assert.ErrorContains(t, err, "failure_policy")

	_, err = LoadWith("", []string{"GRAPH_NODE_TRIGGERS=kafka"})
	assert.ErrorContains(t, err, "node.triggers")

	_, err = LoadWith("", []string{"GRAPH_HOST_HANDLER_TIMEOUT=soon"})
	assert.Error(t, err)
}
