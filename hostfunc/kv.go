package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 64 << 10
	DefaultMaxEntries   = 10_000
)

var (
	ErrKeyRequired = errors.New("key required")
	ErrKVFull      = errors.New("kv store full")
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

// KV is a bounded in-memory key-value store. Values are any JSON-shaped value.
type KV struct {
	cfg  KVConfig
	mu   sync.RWMutex
	data map[string]any
}

func NewKV(cfg KVConfig) *KV {
	def := DefaultKVConfig()
	if cfg.MaxKeySize <= 0 {
		cfg.MaxKeySize = def.MaxKeySize
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &KV{cfg: cfg, data: make(map[string]any)}
}

// Load returns the value stored at key.
func (s *KV) Load(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Store sets key to val, enforcing the size limits.
func (s *KV) Store(key string, val any) error {
	if key == "" {
		return ErrKeyRequired
	}
	if len(key) > s.cfg.MaxKeySize {
		return fmt.Errorf("key exceeds max size of %d bytes", s.cfg.MaxKeySize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := val.(string); ok && len(str) > s.cfg.MaxValueSize {
		return fmt.Errorf("value exceeds max size of %d bytes", s.cfg.MaxValueSize)
	}
	if _, exists := s.data[key]; !exists && len(s.data) >= s.cfg.MaxEntries {
		return ErrKVFull
	}
	s.data[key] = val
	return nil
}

// Update applies fn to the current value of key atomically.
func (s *KV) Update(key string, fn func(cur any, ok bool) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if !ok && len(s.data) >= s.cfg.MaxEntries {
		return ErrKVFull
	}
	s.data[key] = next
	return nil
}

func (s *KV) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	if val, ok := s.Load(key); ok {
		return val, nil
	}
	return args["default"], nil
}

func (s *KV) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	val, ok := args["value"]
	if !ok {
		return nil, errors.New("value required")
	}
	if err := s.Store(key, val); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *KV) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return "ok", nil
}

func (s *KV) Keys(ctx context.Context, args map[string]any) (any, error) {
	prefix, _ := args["prefix"].(string)
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Register exposes the store under kv_get, kv_set, kv_delete and kv_keys.
func (s *KV) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}
