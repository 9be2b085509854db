// Package config loads agentrelay settings from defaults, a YAML file and
// AGENTRELAY_* environment variables, and builds the collaborators they
// describe.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"agentrelay/internal/agent"
	"agentrelay/internal/client"
	"agentrelay/internal/ralph"
	redisstore "agentrelay/internal/store/redis"
	"agentrelay/internal/trace"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// AgentConfig describes how the agent CLI is run.
type AgentConfig struct {
	Binary string   `yaml:"binary,omitempty"`
	Args   []string `yaml:"args,omitempty"`
	// PTY attaches the agent to a pseudo-terminal.
	PTY     bool   `yaml:"pty,omitempty"`
	WorkDir string `yaml:"workdir,omitempty"`
}

// Merge applies non-zero values from source into c.
func (c *AgentConfig) Merge(source *AgentConfig) {
	if source.Binary != "" {
		c.Binary = source.Binary
	}
	if len(source.Args) > 0 {
		c.Args = append([]string(nil), source.Args...)
	}
	if source.PTY {
		c.PTY = true
	}
	if source.WorkDir != "" {
		c.WorkDir = source.WorkDir
	}
}

// StoreConfig selects where destroyed sessions are persisted.
type StoreConfig struct {
	// Kind is one of file, memory or redis.
	Kind  string            `yaml:"kind,omitempty"`
	Dir   string            `yaml:"dir,omitempty"`
	Redis redisstore.Config `yaml:"redis,omitempty"`
}

// Merge applies non-zero values from source into c.
func (c *StoreConfig) Merge(source *StoreConfig) {
	if source.Kind != "" {
		c.Kind = source.Kind
	}
	if source.Dir != "" {
		c.Dir = source.Dir
	}
	if source.Redis.Addr != "" {
		c.Redis.Addr = source.Redis.Addr
	}
	if source.Redis.DB != 0 {
		c.Redis.DB = source.Redis.DB
	}
	if source.Redis.KeyPrefix != "" {
		c.Redis.KeyPrefix = source.Redis.KeyPrefix
	}
}

// LoopConfig holds the iteration controller settings.
type LoopConfig struct {
	// MaxIterations of zero selects the mode's default budget.
	MaxIterations     int           `yaml:"max_iterations,omitempty"`
	CompletionPromise string        `yaml:"completion_promise,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	// Mode is "continue" or "fresh".
	Mode string `yaml:"mode,omitempty"`
}

// Merge applies non-zero values from source into c.
func (c *LoopConfig) Merge(source *LoopConfig) {
	if source.MaxIterations > 0 {
		c.MaxIterations = source.MaxIterations
	}
	if source.CompletionPromise != "" {
		c.CompletionPromise = source.CompletionPromise
	}
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
	if source.Mode != "" {
		c.Mode = source.Mode
	}
}

// Config is the complete agentrelay configuration.
type Config struct {
	Model         string                        `yaml:"model,omitempty"`
	Streaming     bool                          `yaml:"streaming,omitempty"`
	ToolProviders map[string]agent.ToolProvider `yaml:"tool_providers,omitempty"`
	LogLevel      string                        `yaml:"log_level,omitempty"`

	Agent AgentConfig  `yaml:"agent,omitempty"`
	Store StoreConfig  `yaml:"store,omitempty"`
	Loop  LoopConfig   `yaml:"loop,omitempty"`
	Trace trace.Config `yaml:"trace,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Model:    ralph.DefaultModel,
		LogLevel: "info",
		Store: StoreConfig{
			Kind: StoreFile,
			Dir:  defaultStoreDir(),
			Redis: redisstore.Config{
				Addr:      "localhost:6379",
				KeyPrefix: redisstore.DefaultKeyPrefix,
			},
		},
		Loop: LoopConfig{
			CompletionPromise: ralph.DefaultCompletionPromise,
			Timeout:           ralph.DefaultTimeout,
			Mode:              ralph.ModeContinue.String(),
		},
		Trace: trace.Config{ServiceName: "agentrelay"},
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentrelay", "sessions")
	}
	return filepath.Join(home, ".agentrelay", "sessions")
}

// Merge applies non-zero values from source into c, delegating to each
// section's Merge method.
func (c *Config) Merge(source *Config) {
	if source.Model != "" {
		c.Model = source.Model
	}
	if source.Streaming {
		c.Streaming = true
	}
	if len(source.ToolProviders) > 0 {
		c.ToolProviders = agent.Config{ToolProviders: source.ToolProviders}.Clone().ToolProviders
	}
	if source.LogLevel != "" {
		c.LogLevel = source.LogLevel
	}
	c.Agent.Merge(&source.Agent)
	c.Store.Merge(&source.Store)
	c.Loop.Merge(&source.Loop)
	if source.Trace.Endpoint != "" {
		c.Trace.Endpoint = source.Trace.Endpoint
	}
	if source.Trace.ServiceName != "" {
		c.Trace.ServiceName = source.Trace.ServiceName
	}
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads a YAML config file and merges it over the defaults.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	loaded, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	cfg.Merge(loaded)
	return &cfg, nil
}

// envConfig lists the variables FromEnv reads. Fields carry no defaults so
// that unset variables never override file values.
type envConfig struct {
	Model             string        `env:"AGENTRELAY_MODEL"`
	Streaming         bool          `env:"AGENTRELAY_STREAMING"`
	LogLevel          string        `env:"AGENTRELAY_LOG_LEVEL"`
	AgentBinary       string        `env:"AGENTRELAY_AGENT_BINARY"`
	AgentPTY          bool          `env:"AGENTRELAY_AGENT_PTY"`
	WorkDir           string        `env:"AGENTRELAY_WORKDIR"`
	StoreKind         string        `env:"AGENTRELAY_STORE"`
	StoreDir          string        `env:"AGENTRELAY_STORE_DIR"`
	RedisAddr         string        `env:"AGENTRELAY_REDIS_ADDR"`
	RedisDB           int           `env:"AGENTRELAY_REDIS_DB"`
	RedisPrefix       string        `env:"AGENTRELAY_REDIS_PREFIX"`
	MaxIterations     int           `env:"AGENTRELAY_MAX_ITERATIONS"`
	CompletionPromise string        `env:"AGENTRELAY_COMPLETION_PROMISE"`
	Timeout           time.Duration `env:"AGENTRELAY_TIMEOUT"`
	Mode              string        `env:"AGENTRELAY_MODE"`
	TraceEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string        `env:"OTEL_SERVICE_NAME"`
}

// FromEnv returns the settings present in the environment. Unset variables
// are left zero.
func FromEnv() (*Config, error) {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return &Config{
		Model:     env.Model,
		Streaming: env.Streaming,
		LogLevel:  env.LogLevel,
		Agent: AgentConfig{
			Binary:  env.AgentBinary,
			PTY:     env.AgentPTY,
			WorkDir: env.WorkDir,
		},
		Store: StoreConfig{
			Kind: env.StoreKind,
			Dir:  env.StoreDir,
			Redis: redisstore.Config{
				Addr:      env.RedisAddr,
				DB:        env.RedisDB,
				KeyPrefix: env.RedisPrefix,
			},
		},
		Loop: LoopConfig{
			MaxIterations:     env.MaxIterations,
			CompletionPromise: env.CompletionPromise,
			Timeout:           env.Timeout,
			Mode:              env.Mode,
		},
		Trace: trace.Config{Endpoint: env.TraceEndpoint, ServiceName: env.ServiceName},
	}, nil
}

// Resolve layers defaults, the file at path (skipped when empty) and the
// environment, in increasing precedence. Command-line flags go on top.
func Resolve(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Merge(env)
	return &cfg, nil
}

// SessionConfig returns the agent configuration for new sessions.
func (c *Config) SessionConfig() agent.Config {
	return agent.Config{
		Model:            c.Model,
		Streaming:        c.Streaming,
		ToolProviders:    c.ToolProviders,
		WorkingDirectory: c.Agent.WorkDir,
	}.Clone()
}

// RalphConfig returns the loop configuration.
func (c *Config) RalphConfig() (ralph.Config, error) {
	mode, err := ralph.ParseMode(c.Loop.Mode)
	if err != nil {
		return ralph.Config{}, err
	}
	return ralph.Config{
		MaxIterations:     c.Loop.MaxIterations,
		CompletionPromise: c.Loop.CompletionPromise,
		Timeout:           c.Loop.Timeout,
		Mode:              mode,
		Session:           client.SessionConfig{Config: c.SessionConfig()},
	}, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
