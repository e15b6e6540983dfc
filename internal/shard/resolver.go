// Package shard maps entity keys to shard ids.
package shard

import (
	"context"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Loader returns the current highest shard id in rotation.
type Loader func(ctx context.Context) (int, error)

// Resolver hashes keys onto 1..max, where max is the cached highest shard
// id. The cache is filled on first use and refreshed only through Reload.
type Resolver struct {
	load      Loader
	useDomain bool

	max      atomic.Int64
	reloadMu sync.Mutex
}

// NewResolver creates a resolver. In domain mode every key needs a
// secondary part and is hashed as "primary@secondary".
func NewResolver(load Loader, useDomain bool) *Resolver {
	return &Resolver{load: load, useDomain: useDomain}
}

// Key returns the string that is hashed for the given parts.
func (r *Resolver) Key(primary, secondary string) (string, error) {
	if !r.useDomain {
		return primary, nil
	}
	if secondary == "" {
		return "", errors.New(errors.ErrCodeConfig, "domain mode requires a domain part").
			WithComponent("shard").WithOperation("Resolve").WithContext("key", primary)
	}
	return primary + "@" + secondary, nil
}

// Resolve returns the shard id for the key.
func (r *Resolver) Resolve(ctx context.Context, primary, secondary string) (int, error) {
	key, err := r.Key(primary, secondary)
	if err != nil {
		return 0, err
	}
	max := r.max.Load()
	if max == 0 {
		if err := r.Reload(ctx); err != nil {
			return 0, err
		}
		max = r.max.Load()
	}
	if max <= 0 {
		return 0, errors.New(errors.ErrCodeConfig, "no shard in rotation").
			WithComponent("shard").WithOperation("Resolve")
	}
	return Compute(key, int(max)), nil
}

// Compute hashes key onto 1..max.
func Compute(key string, max int) int {
	return int(crc32.ChecksumIEEE([]byte(key))%uint32(max)) + 1
}

// Reload refreshes the cached maximum from the loader.
func (r *Resolver) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	max, err := r.load(ctx)
	if err != nil {
		return err
	}
	r.max.Store(int64(max))
	return nil
}

// Max returns the cached maximum, zero if it was never loaded.
func (r *Resolver) Max() int {
	return int(r.max.Load())
}

// Reset clears the cache so the next Resolve reloads it.
func (r *Resolver) Reset() {
	r.max.Store(0)
}
