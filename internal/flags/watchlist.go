package flags

import (
	"sort"
	"sync"
)

// WatchList is the set of shards that currently have a cached handle
// somewhere. Several handles may watch the same shard, so membership is
// reference counted.
type WatchList struct {
	mu     sync.Mutex
	shards map[int]int
}

// NewWatchList creates an empty watch list.
func NewWatchList() *WatchList {
	return &WatchList{shards: make(map[int]int)}
}

// Add registers one more watcher of shardID.
func (w *WatchList) Add(shardID int) {
	w.mu.Lock()
	w.shards[shardID]++
	w.mu.Unlock()
}

// Remove drops one watcher of shardID. The shard leaves the list with its
// last watcher.
func (w *WatchList) Remove(shardID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shards[shardID] <= 1 {
		delete(w.shards, shardID)
		return
	}
	w.shards[shardID]--
}

// Contains reports whether shardID is watched.
func (w *WatchList) Contains(shardID int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.shards[shardID]
	return ok
}

// Shards returns the watched shard ids in ascending order.
func (w *WatchList) Shards() []int {
	w.mu.Lock()
	ids := make([]int, 0, len(w.shards))
	for id := range w.shards {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Ints(ids)
	return ids
}
