// Package syncutil provides small concurrency helpers shared across stores.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// KeyMutex provides a fixed pool of mutexes keyed by string. It backs the
// session registry's find-active-or-create step, where correctness requires
// mutual exclusion per (user, device) but the key space is unbounded.
// Bounded memory, at the cost of occasional false sharing between keys
// that hash to the same shard.
type KeyMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (k *KeyMutex) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *KeyMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%256]
}
