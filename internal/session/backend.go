package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"grocery-ingest/lib/osutil"

	"github.com/redis/go-redis/v9"
)

// Backend persists session state by key.
type Backend interface {
	// Load returns false when nothing is stored under key.
	Load(ctx context.Context, key string) (State, bool, error)
	Save(ctx context.Context, key string, state State) error
}

type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: map[string]State{}}
}

func (b *MemoryBackend) Load(ctx context.Context, key string) (State, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[key]
	return state, ok, nil
}

func (b *MemoryBackend) Save(ctx context.Context, key string, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[key] = state
	return nil
}

// FileBackend keeps one json file per key under Dir.
type FileBackend struct {
	Dir string
}

func (b FileBackend) path(key string) string {
	return filepath.Join(b.Dir, key+".json")
}

func (b FileBackend) Load(ctx context.Context, key string) (State, bool, error) {
	buff, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	err = json.Unmarshal(buff, &state)
	if err != nil {
		return State{}, false, fmt.Errorf("read session %s: %w", key, err)
	}
	return state, true, nil
}

func (b FileBackend) Save(ctx context.Context, key string, state State) error {
	buff, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	err = os.MkdirAll(b.Dir, 0700)
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(b.path(key), buff, 0600)
}

// RedisBackend stores each state as a single json blob.
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(rdb *redis.Client) RedisBackend {
	return RedisBackend{rdb: rdb}
}

func (b RedisBackend) Load(ctx context.Context, key string) (State, bool, error) {
	buff, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var state State
	err = json.Unmarshal(buff, &state)
	if err != nil {
		return State{}, false, fmt.Errorf("read session %s: %w", key, err)
	}
	return state, true, nil
}

func (b RedisBackend) Save(ctx context.Context, key string, state State) error {
	buff, err := json.Marshal(state)
	if err != nil {
		return err
	}
	err = b.rdb.Set(ctx, key, buff, 0).Err()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b RedisBackend) Close() error {
	return b.rdb.Close()
}

// BackendFromEnv returns a redis backend when SESSION_REDIS_URL or
// REDIS_URL is set and a file backend rooted at dir otherwise.
func BackendFromEnv(dir string) (Backend, func() error, error) {
	url := os.Getenv("SESSION_REDIS_URL")
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		return FileBackend{Dir: dir}, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("session redis url: %w", err)
	}
	backend := NewRedisBackend(redis.NewClient(opts))
	return backend, backend.Close, nil
}
