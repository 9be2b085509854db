// Package redis is a store.Store backed by Redis. Each session is a JSON
// document under <prefix><id>.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"agentrelay/internal/store"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "agentrelay:sessions:"

// Config selects the Redis server. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: AGENTRELAY_REDIS_ADDR
	Addr string `env:"AGENTRELAY_REDIS_ADDR,default=localhost:6379" yaml:"addr"`
	// DB index. ENV: AGENTRELAY_REDIS_DB
	DB int `env:"AGENTRELAY_REDIS_DB,default=0" yaml:"db"`
	// KeyPrefix for all keys. ENV: AGENTRELAY_REDIS_PREFIX
	KeyPrefix string `env:"AGENTRELAY_REDIS_PREFIX,default=agentrelay:sessions:" yaml:"key_prefix"`
}

// ConfigFromEnv decodes Config from the environment, falling back to the
// tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redis config: %w", err)
	}
	return cfg, nil
}

// Store implements store.Store on a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. The caller keeps ownership of it.
func New(client *redis.Client, keyPrefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}, nil
}

// Open dials the server described by cfg and verifies it with a PING.
// Close releases the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s, err := New(cl, cfg.KeyPrefix)
	if err != nil {
		cl.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close closes the client if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Save(ctx context.Context, rec store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(rec.ID), err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (store.Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.Record{}, store.NotFound(id)
		}
		return store.Record{}, fmt.Errorf("failed to get key %s: %w", s.key(id), err)
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.Record{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", s.key(id), err)
	}
	if n == 0 {
		return store.NotFound(id)
	}
	return nil
}

// List scans the key prefix and returns the IDs in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.keyPrefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return idsFromKeys(s.keyPrefix, keys), nil
}

// idsFromKeys strips prefix and returns the sorted, unique IDs. SCAN may
// report a key more than once.
func idsFromKeys(prefix string, keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
