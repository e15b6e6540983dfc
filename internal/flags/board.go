// Package flags carries registry change notifications between the users of
// the registry: a board of per-handle dirty bits and the watch list of
// shards the health monitor looks after.
package flags

import "sync"

// Entry holds the dirty bits of one handle. Each bit is read with
// test-and-clear semantics so the owner acts on a change once.
type Entry struct {
	mu            sync.Mutex
	mustRefresh   bool
	mustReconnect bool
}

// MustRefresh reports and clears the refresh bit.
func (e *Entry) MustRefresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.mustRefresh
	e.mustRefresh = false
	return v
}

// MustReconnect reports and clears the reconnect bit.
func (e *Entry) MustReconnect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.mustReconnect
	e.mustReconnect = false
	return v
}

// Board is the set of live entries. The list lock only guards membership;
// the bits are guarded by each entry's own lock.
type Board struct {
	mu      sync.Mutex
	entries map[*Entry]struct{}
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{entries: make(map[*Entry]struct{})}
}

// NewEntry registers a new entry with both bits clear.
func (b *Board) NewEntry() *Entry {
	e := &Entry{}
	b.mu.Lock()
	b.entries[e] = struct{}{}
	b.mu.Unlock()
	return e
}

// Remove unregisters an entry. Later broadcasts no longer reach it.
func (b *Board) Remove(e *Entry) {
	b.mu.Lock()
	delete(b.entries, e)
	b.mu.Unlock()
}

// Len returns the number of registered entries.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// SetMustRefresh sets the refresh bit on every entry.
func (b *Board) SetMustRefresh() {
	b.broadcast(func(e *Entry) { e.mustRefresh = true })
}

// SetMustReconnect sets the reconnect bit on every entry.
func (b *Board) SetMustReconnect() {
	b.broadcast(func(e *Entry) { e.mustReconnect = true })
}

func (b *Board) broadcast(set func(*Entry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := range b.entries {
		e.mu.Lock()
		set(e)
		e.mu.Unlock()
	}
}
