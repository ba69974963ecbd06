package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"golang.org/x/crypto/blake2b"
)

// Storage is the node-local key/value store answering FIND_VALUE and
// accepting STORE. Values live until the process exits.
type Storage interface {
	Put(key NodeID, value []byte) error
	Get(key NodeID) ([]byte, bool)
	Len() int
	Close() error
}

// storageLifeWindow is long enough that bigcache never considers an entry
// expired during a process lifetime.
const storageLifeWindow = 100 * 365 * 24 * time.Hour

// CacheStorage keeps values in a sharded bigcache instance. Cleanup is
// disabled and the cache is unbounded, so entries are only ever replaced by
// a later Put for the same key.
//
// bigcache indexes entries by a 64-bit hash of the key and a Set for a
// colliding key evicts the earlier entry. The hash is keyed with a secret
// drawn per store, so peers cannot choose keys that collide.
type CacheStorage struct {
	cache *bigcache.BigCache
}

// NewCacheStorage creates a store with the given number of shards, rounded
// up to a power of two.
func NewCacheStorage(ctx context.Context, shards int) (*CacheStorage, error) {
	hasher, err := newKeyedHasher()
	if err != nil {
		return nil, err
	}

	cfg := bigcache.DefaultConfig(storageLifeWindow)
	cfg.Hasher = hasher
	cfg.Shards = nextPowerOfTwo(shards)
	// Small initial shard allocation; shards grow on demand.
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 512
	cfg.CleanWindow = 0
	cfg.HardMaxCacheSize = 0
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}
	return &CacheStorage{cache: cache}, nil
}

func (s *CacheStorage) Put(key NodeID, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.cache.Set(key.String(), value)
}

func (s *CacheStorage) Get(key NodeID) ([]byte, bool) {
	v, err := s.cache.Get(key.String())
	if err != nil {
		// bigcache.ErrEntryNotFound is the only error Get returns.
		return nil, false
	}
	return nonNil(v), true
}

func (s *CacheStorage) Len() int {
	return s.cache.Len()
}

func (s *CacheStorage) Close() error {
	return s.cache.Close()
}

// keyedHasher is a bigcache.Hasher over keyed BLAKE2b.
type keyedHasher struct {
	secret []byte
}

func newKeyedHasher() (keyedHasher, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return keyedHasher{}, fmt.Errorf("entropy source: %w", err)
	}
	return keyedHasher{secret: secret}, nil
}

func (h keyedHasher) Sum64(key string) uint64 {
	// New only fails for an out of range size or key length.
	d, _ := blake2b.New(8, h.secret)
	d.Write([]byte(key))
	return binary.BigEndian.Uint64(d.Sum(nil))
}

// MemoryStorage is a plain map guarded by a mutex.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[NodeID][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[NodeID][]byte)}
}

func (s *MemoryStorage) Put(key NodeID, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Get(key NodeID) ([]byte, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStorage) Close() error { return nil }

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
