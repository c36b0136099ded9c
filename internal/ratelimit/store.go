package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Bucket is the per-key limiter state. Fields are strategy-specific: a fixed
// window uses only Count, a sliding window only Times, and so on.
type Bucket struct {
	Count      int
	Times      []time.Time
	Tokens     float64
	LastRefill time.Time
	Level      float64
	LastLeak   time.Time
}

// Store provides serialized atomic access to buckets. Update runs fn while
// holding exclusive access to the key; the TTL hint tells the store how long
// the bucket must outlive its last activity.
type Store interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn func(*Bucket)) error
}

const storeShards = 64

// MemoryStore is the in-process Store. Buckets live in an expirable LRU whose
// TTL must be at least the largest policy window in use; a key idle past the
// TTL is evicted, which is the implicit reset the bucket invariant calls for.
// Per-key atomicity comes from sharded mutexes, making the store advisory in
// the single-process deployment this service targets.
type MemoryStore struct {
	buckets *expirable.LRU[string, *Bucket]
	locks   [storeShards]sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most size buckets, each expiring
// ttl after its last update.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		buckets: expirable.NewLRU[string, *Bucket](size, nil, ttl),
	}
}

func (s *MemoryStore) Update(ctx context.Context, key string, _ time.Duration, fn func(*Bucket)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := &s.locks[shardFor(key)]
	lock.Lock()
	defer lock.Unlock()

	b, ok := s.buckets.Get(key)
	if !ok {
		b = &Bucket{}
	}
	fn(b)
	s.buckets.Add(key, b)
	return nil
}

// Len reports the current number of live buckets.
func (s *MemoryStore) Len() int {
	return s.buckets.Len()
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % storeShards
}
