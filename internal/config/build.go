package config

import (
	"context"
	"fmt"
	"log/slog"

	"agentrelay/internal/agent/process"
	"agentrelay/internal/pty"
	"agentrelay/internal/store"
	"agentrelay/internal/store/file"
	"agentrelay/internal/store/memory"
	redisstore "agentrelay/internal/store/redis"
)

// OpenStore builds the store described by cfg. The returned close function
// releases any connection the store holds and is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case "", StoreFile:
		if cfg.Dir == "" {
			return nil, nil, fmt.Errorf("file store: dir is required")
		}
		return file.New(cfg.Dir), noop, nil
	case StoreMemory:
		return memory.New(), noop, nil
	case StoreRedis:
		s, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q (want %s, %s or %s)", cfg.Kind, StoreFile, StoreMemory, StoreRedis)
	}
}

// NewTransport builds the agent CLI transport described by cfg.
func NewTransport(cfg AgentConfig, logger *slog.Logger, opts ...process.Option) *process.Transport {
	base := []process.Option{
		process.WithBinary(cfg.Binary),
		process.WithArgs(cfg.Args...),
		process.WithLogger(logger),
	}
	if cfg.PTY {
		base = append(base, process.WithPTY(&pty.CreackPTY{}))
	}
	return process.New(append(base, opts...)...)
}
