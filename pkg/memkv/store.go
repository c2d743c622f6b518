// Package memkv is a small sharded in-memory key-value store with TTL
// support and an expiry callback. It backs the discovered-peer list, where
// entries must age out when no discovery source has refreshed them.
package memkv

import (
	"sync"
	"time"
)

const defaultShards = 32

// Options configures a Store.
type Options struct {
	// Shards is the number of map shards (default 32, rounded up to one).
	Shards int
	// JanitorInterval is how often expired keys are swept (default 250ms).
	JanitorInterval time.Duration
	// OnExpire, when set, is called (outside the shard lock) for every key
	// removed by the janitor. Explicit Delete does not trigger it.
	OnExpire func(key string)
}

// Store is a thread-safe TTL key-value store.
type Store struct {
	shards   []*shard
	onExpire func(string)
	stop     chan struct{}
	stopOnce sync.Once
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nanos, 0 = no expiry
}

// New creates a store and starts its janitor.
func New(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	s := &Store{
		shards:   make([]*shard, n),
		onExpire: opts.OnExpire,
		stop:     make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]entry)}
	}
	iv := opts.JanitorInterval
	if iv <= 0 {
		iv = 250 * time.Millisecond
	}
	go s.janitor(iv)
	return s
}

// Close stops the janitor.
func (s *Store) Close() { s.stopOnce.Do(func() { close(s.stop) }) }

func (s *Store) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.shards[h%uint32(len(s.shards))]
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func (e entry) expired(now int64) bool { return e.expireAt != 0 && now >= e.expireAt }

// Set stores a copy of val under key. Returns true when the key was created.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	v := make([]byte, len(val))
	copy(v, val)
	sh.mu.Lock()
	_, existed := sh.m[key]
	sh.m[key] = entry{val: v, expireAt: expiry(ttl)}
	sh.mu.Unlock()
	return !existed
}

// Get returns a copy of the value, or false when absent or expired.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok || e.expired(time.Now().UnixNano()) {
		return nil, false
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true
}

// Update applies fn to the current value (nil when absent) under the shard
// lock and stores the result. A nil result deletes the key. TTL is kept.
func (s *Store) Update(key string, fn func(old []byte) []byte) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	var old []byte
	if ok && !e.expired(time.Now().UnixNano()) {
		old = e.val
	}
	next := fn(old)
	if next == nil {
		delete(sh.m, key)
		return nil
	}
	sh.m[key] = entry{val: next, expireAt: e.expireAt}
	return nil
}

// Expire resets the TTL of an existing key. Returns false when absent.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok || e.expired(time.Now().UnixNano()) {
		return false
	}
	e.expireAt = expiry(ttl)
	sh.m[key] = e
	return true
}

// Delete removes a key without triggering OnExpire.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Keys returns all live keys.
func (s *Store) Keys() []string {
	now := time.Now().UnixNano()
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.m {
			if !e.expired(now) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	now := time.Now().UnixNano()
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.m {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			now := time.Now().UnixNano()
			var expired []string
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, e := range sh.m {
					if e.expired(now) {
						delete(sh.m, k)
						expired = append(expired, k)
					}
				}
				sh.mu.Unlock()
			}
			if s.onExpire != nil {
				for _, k := range expired {
					s.onExpire(k)
				}
			}
		}
	}
}
