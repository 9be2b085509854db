package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/ralph"
	"agentrelay/internal/store/file"
	"agentrelay/internal/store/memory"
)

// clearEnv unsets every variable FromEnv reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AGENTRELAY_MODEL", "AGENTRELAY_STREAMING", "AGENTRELAY_LOG_LEVEL",
		"AGENTRELAY_AGENT_BINARY", "AGENTRELAY_AGENT_PTY", "AGENTRELAY_WORKDIR",
		"AGENTRELAY_STORE", "AGENTRELAY_STORE_DIR", "AGENTRELAY_REDIS_ADDR",
		"AGENTRELAY_REDIS_DB", "AGENTRELAY_REDIS_PREFIX", "AGENTRELAY_MAX_ITERATIONS",
		"AGENTRELAY_COMPLETION_PROMISE", "AGENTRELAY_TIMEOUT", "AGENTRELAY_MODE",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ralph.DefaultModel, cfg.Model)
	assert.Equal(t, StoreFile, cfg.Store.Kind)
	assert.NotEmpty(t, cfg.Store.Dir)
	assert.Zero(t, cfg.Loop.MaxIterations, "budget follows the mode")
	assert.Equal(t, "COMPLETE", cfg.Loop.CompletionPromise)
	assert.Equal(t, "continue", cfg.Loop.Mode)
	assert.Empty(t, cfg.Trace.Endpoint, "tracing is off by default")
}

func TestConfig_Merge_ZeroValuesPreserveDefaults(t *testing.T) {
	cfg := DefaultConfig()
	want := DefaultConfig()

	cfg.Merge(&Config{})

	assert.Equal(t, want, cfg)
}

func TestConfig_Merge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(&Config{
		Model: "gpt-5",
		Store: StoreConfig{Kind: StoreMemory},
		Loop:  LoopConfig{MaxIterations: 3},
		Agent: AgentConfig{Args: []string{"--verbose"}},
	})

	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, "COMPLETE", cfg.Loop.CompletionPromise, "unset fields keep defaults")
	assert.Equal(t, []string{"--verbose"}, cfg.Agent.Args)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
model: claude-sonnet-4.5
streaming: true
tool_providers:
  fs:
    command: fs-server
    args: ["--root", "."]
    tools: ["*"]
agent:
  binary: /usr/local/bin/agent
  pty: true
  workdir: /src/project
store:
  kind: redis
  redis:
    addr: redis:6379
    db: 3
loop:
  max_iterations: 25
  completion_promise: DONE
  timeout: 90s
  mode: fresh
trace:
  endpoint: http://collector:4318
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4.5", cfg.Model)
	assert.True(t, cfg.Streaming)
	assert.Equal(t, "fs-server", cfg.ToolProviders["fs"].Command)
	assert.Equal(t, []string{"*"}, cfg.ToolProviders["fs"].Tools)
	assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Binary)
	assert.True(t, cfg.Agent.PTY)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 3, cfg.Store.Redis.DB)
	assert.Equal(t, "agentrelay:sessions:", cfg.Store.Redis.KeyPrefix, "default kept")
	assert.Equal(t, 25, cfg.Loop.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Loop.Timeout)
	assert.Equal(t, "http://collector:4318", cfg.Trace.Endpoint)

	rc, err := cfg.RalphConfig()
	require.NoError(t, err)
	assert.Equal(t, ralph.ModeFresh, rc.Mode)
	assert.Equal(t, "DONE", rc.CompletionPromise)
	assert.Equal(t, "/src/project", rc.Session.WorkingDirectory)
	assert.Equal(t, "claude-sonnet-4.5", rc.Session.Model)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "modle: typo\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "loop: [1, 2]\n"))
	assert.Error(t, err)
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTRELAY_MODEL", "env-model")
	t.Setenv("AGENTRELAY_STORE", "memory")
	t.Setenv("AGENTRELAY_MAX_ITERATIONS", "4")
	t.Setenv("AGENTRELAY_TIMEOUT", "2m")
	t.Setenv("AGENTRELAY_AGENT_PTY", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Model)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 4, cfg.Loop.MaxIterations)
	assert.Equal(t, 2*time.Minute, cfg.Loop.Timeout)
	assert.True(t, cfg.Agent.PTY)
	assert.Equal(t, "localhost:4318", cfg.Trace.Endpoint)
	assert.Empty(t, cfg.Store.Redis.Addr, "unset variables stay zero")
}

func TestFromEnv_Empty(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestResolve_Precedence(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "model: file-model\nloop:\n  max_iterations: 7\n")
	t.Setenv("AGENTRELAY_MODEL", "env-model")

	cfg, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Model, "environment beats file")
	assert.Equal(t, 7, cfg.Loop.MaxIterations, "file beats defaults")
	assert.Equal(t, "COMPLETE", cfg.Loop.CompletionPromise)

	cfg, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Model)
}

func TestRalphConfig_BadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.Mode = "sideways"
	_, err := cfg.RalphConfig()
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	cfg.LogLevel = "chatty"
	_, err = cfg.Logger(&buf)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := OpenStore(ctx, StoreConfig{Kind: StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	assert.NoError(t, closeFn())

	dir := t.TempDir()
	st, closeFn, err = OpenStore(ctx, StoreConfig{Kind: StoreFile, Dir: dir})
	require.NoError(t, err)
	fs, ok := st.(*file.Store)
	require.True(t, ok)
	assert.Equal(t, dir, fs.Root())
	assert.NoError(t, closeFn())

	_, _, err = OpenStore(ctx, StoreConfig{Kind: StoreFile})
	assert.Error(t, err)

	_, _, err = OpenStore(ctx, StoreConfig{Kind: "etcd"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "etcd"))
}

func TestNewTransport(t *testing.T) {
	tr := NewTransport(AgentConfig{Binary: "definitely-not-an-agent-binary-xyz", PTY: true}, nil)
	require.NotNil(t, tr)
	assert.Error(t, tr.Start(context.Background()), "missing binary is reported on start")
}
