// Package syncutil holds small concurrency helpers shared by the
// in-memory stores.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes keyed by string, used to
// serialize writes per identity or org without allocating a lock per
// key. Memory stays bounded no matter how many keys are seen; two keys
// hashing to the same shard occasionally contend, which is harmless.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
