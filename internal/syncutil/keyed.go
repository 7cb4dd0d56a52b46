// Package syncutil serializes work per session with a fixed number of
// locks, so memory does not grow with the number of sessions seen.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/semaphore"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex serializes work per key. Keys that hash to the same shard
// share a lock. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until key's shard is free and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// TryLock returns false instead of waiting when key's shard is held.
func (s *ShardedMutex) TryLock(key string) (func(), bool) {
	mu := &s.shards[shardIndex(key)]
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// ContextShardedMutex is a ShardedMutex whose waiters give up when their
// context ends, so a slow sink cannot pin request goroutines.
type ContextShardedMutex struct {
	shards [shardCount]*semaphore.Weighted
}

// NewContextShardedMutex returns an unlocked ContextShardedMutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = semaphore.NewWeighted(1)
	}
	return m
}

// LockContext acquires key's shard or returns ctx.Err(). The returned
// function must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	sem := m.shards[shardIndex(key)]
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
