package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Pool caches one Handle per shard.
type Pool struct {
	mu      sync.Mutex
	handles map[int]*Handle
	closed  bool

	store    *registry.Store
	driver   backend.Driver
	board    *flags.Board
	watch    *flags.WatchList
	leaseTTL time.Duration

	log     logrus.FieldLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// PoolConfig holds the collaborators of a Pool.
type PoolConfig struct {
	Store  *registry.Store
	Driver backend.Driver
	Board  *flags.Board
	Watch  *flags.WatchList
	// LeaseTTL is how long a handle lives before it is rebuilt.
	LeaseTTL time.Duration
	Logger   logrus.FieldLogger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		handles:  make(map[int]*Handle),
		store:    cfg.Store,
		driver:   cfg.Driver,
		board:    cfg.Board,
		watch:    cfg.Watch,
		leaseTTL: cfg.LeaseTTL,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = 5 * time.Minute
	}
	return p
}

// DBNum returns the number of slots per shard.
func (p *Pool) DBNum() int {
	return p.store.DBNum()
}

// Acquire returns the locked handle of shardID, building or refreshing it
// as needed. The caller must hand it back with Release.
func (p *Pool) Acquire(ctx context.Context, shardID int) (*Handle, error) {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodeShutdown, "connection pool is closed").
			WithComponent("pool").WithOperation("Acquire")
	}
	var expired *Handle
	h, ok := p.handles[shardID]
	if ok && h.pending == 0 && now.After(h.leaseExpiry) && h.loaded {
		p.removeLocked(h)
		expired = h
		ok = false
	}
	if !ok {
		h = &Handle{ShardID: shardID, entry: p.board.NewEntry()}
		p.handles[shardID] = h
		p.watch.Add(shardID)
	}
	h.pending++
	p.metrics.SetCachedHandles(len(p.handles))
	p.mu.Unlock()

	if expired != nil {
		p.log.WithField("shard", shardID).Debug("handle lease expired")
		expired.closeAll(p.log)
	}

	h.mu.Lock()
	var err error
	switch {
	case !h.loaded:
		err = p.build(ctx, h, now)
	case h.entry.MustReconnect():
		h.entry.MustRefresh()
		h.closeAll(p.log)
		err = p.refresh(ctx, h)
	case h.entry.MustRefresh():
		err = p.refresh(ctx, h)
	}
	if err != nil {
		p.Release(h)
		return nil, err
	}
	return h, nil
}

func (p *Pool) build(ctx context.Context, h *Handle, now time.Time) error {
	if err := p.refresh(ctx, h); err != nil {
		return err
	}
	h.leaseExpiry = now.Add(p.leaseTTL)
	p.log.WithFields(logrus.Fields{"shard": h.ShardID, "working": h.working}).Debug("handle built")
	return nil
}

// refresh reloads the shard from the registry and reconnects the slots in
// rotation. The caller holds h.mu.
func (p *Pool) refresh(ctx context.Context, h *Handle) error {
	recs, err := p.store.LoadShard(ctx, h.ShardID)
	if err != nil {
		return err
	}
	h.apply(recs, p.log)
	h.ensureConnections(ctx, p.driver, p.log)
	return nil
}

// Release unlocks a handle returned by Acquire.
func (p *Pool) Release(h *Handle) {
	loaded := h.loaded
	h.mu.Unlock()

	p.mu.Lock()
	h.pending--
	if !loaded && h.pending == 0 && p.handles[h.ShardID] == h {
		p.removeLocked(h)
	}
	p.metrics.SetCachedHandles(len(p.handles))
	p.mu.Unlock()
}

// removeLocked drops h from the pool. The caller holds p.mu and closes
// the connections after releasing it.
func (p *Pool) removeLocked(h *Handle) {
	delete(p.handles, h.ShardID)
	p.watch.Remove(h.ShardID)
	p.board.Remove(h.entry)
}

// Sweep evicts every idle handle whose lease expired and returns how many
// were evicted.
func (p *Pool) Sweep(now time.Time) int {
	var evicted []*Handle
	p.mu.Lock()
	for _, h := range p.handles {
		if h.pending == 0 && h.loaded && now.After(h.leaseExpiry) {
			p.removeLocked(h)
			evicted = append(evicted, h)
		}
	}
	p.metrics.SetCachedHandles(len(p.handles))
	p.mu.Unlock()

	for _, h := range evicted {
		h.mu.Lock()
		h.closeAll(p.log)
		h.mu.Unlock()
	}
	if len(evicted) > 0 {
		p.log.WithField("count", len(evicted)).Debug("evicted expired handles")
	}
	return len(evicted)
}

// Len returns the number of cached handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Shards returns the shard ids with a cached handle.
func (p *Pool) Shards() []int {
	p.mu.Lock()
	ids := make([]int, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// Close evicts every handle and refuses further Acquire calls. Handles in
// use are closed once their holders release them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		p.removeLocked(h)
		handles = append(handles, h)
	}
	p.metrics.SetCachedHandles(0)
	p.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.closeAll(p.log)
		h.mu.Unlock()
	}
}
