package flags

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMustRefreshTestAndClear(t *testing.T) {
	b := NewBoard()
	entries := []*Entry{b.NewEntry(), b.NewEntry(), b.NewEntry()}

	for _, e := range entries {
		assert.False(t, e.MustRefresh())
	}

	b.SetMustRefresh()
	for _, e := range entries {
		assert.True(t, e.MustRefresh())
		assert.False(t, e.MustRefresh())
		assert.False(t, e.MustReconnect(), "refresh does not imply reconnect")
	}
}

func TestMustReconnectTestAndClear(t *testing.T) {
	b := NewBoard()
	e := b.NewEntry()

	b.SetMustReconnect()
	b.SetMustReconnect()
	assert.True(t, e.MustReconnect())
	assert.False(t, e.MustReconnect())
}

func TestRemovedEntryIsNotNotified(t *testing.T) {
	b := NewBoard()
	kept := b.NewEntry()
	gone := b.NewEntry()
	assert.Equal(t, 2, b.Len())

	b.Remove(gone)
	assert.Equal(t, 1, b.Len())

	b.SetMustRefresh()
	assert.True(t, kept.MustRefresh())
	assert.False(t, gone.MustRefresh())
}

func TestBoardConcurrentUse(t *testing.T) {
	b := NewBoard()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := b.NewEntry()
			for j := 0; j < 100; j++ {
				b.SetMustRefresh()
				e.MustRefresh()
			}
			b.Remove(e)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}

func TestWatchList(t *testing.T) {
	w := NewWatchList()
	assert.Empty(t, w.Shards())

	w.Add(7)
	w.Add(3)
	w.Add(7)
	assert.Equal(t, []int{3, 7}, w.Shards())

	w.Remove(7)
	assert.True(t, w.Contains(7), "second watcher keeps the shard listed")
	w.Remove(7)
	assert.False(t, w.Contains(7))

	w.Remove(42)
	assert.Equal(t, []int{3}, w.Shards())
}
