package uldb

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/config"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/health"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/internal/replication"
	"github.com/kamailio/kamailio-sub007/internal/shard"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Key identifies the entity an operation is about.
type Key = replication.Key

// Client owns every cache of one replicated location database: the
// registry connection, the flag board, the handle pool and the health
// monitor.
type Client struct {
	config  *config.Configuration
	log     logrus.FieldLogger
	metrics *metrics.Collector
	driver  backend.Driver

	store    *registry.Store
	board    *flags.Board
	watch    *flags.WatchList
	resolver *shard.Resolver
	pool     *replication.Pool
	coord    *replication.Coordinator
	router   *replication.Router
	monitor  *health.Monitor

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type options struct {
	driver  backend.Driver
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

// Option customizes a Client.
type Option func(*options)

// WithDriver sets the driver used to reach the data backends. The default
// is the database/sql driver.
func WithDriver(d backend.Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

// WithLogger sets the logger of every component.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics records operations and failovers on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// New validates cfg and builds a client. Components are created in
// dependency order: registry store, flag board and watch list, shard
// resolver, handle pool, failover coordinator, router, health monitor.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "invalid configuration").
			WithComponent("uldb").WithOperation("New")
	}
	policy, err := replication.ParsePolicy(cfg.Replication.Policy)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "invalid policy").WithComponent("uldb")
	}
	level, err := replication.ParseFailoverLevel(cfg.Replication.FailoverLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "invalid failover level").WithComponent("uldb")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.driver == nil {
		o.driver = backend.NewSQLDriver()
	}

	store, err := registry.Open(ctx, cfg.Registry, registry.WithLogger(o.log.WithField("component", "registry")))
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  cfg,
		log:     o.log,
		metrics: o.metrics,
		driver:  o.driver,
		store:   store,
		board:   flags.NewBoard(),
		watch:   flags.NewWatchList(),
	}
	c.resolver = shard.NewResolver(store.MaxShardID, cfg.Replication.UseDomain)
	c.pool = replication.NewPool(replication.PoolConfig{
		Store:    store,
		Driver:   c.driver,
		Board:    c.board,
		Watch:    c.watch,
		LeaseTTL: cfg.Replication.ConnectionExpires,
		Logger:   o.log.WithField("component", "pool"),
		Metrics:  o.metrics,
	})
	c.coord = replication.NewCoordinator(replication.CoordinatorConfig{
		Store:          store,
		Pool:           c.pool,
		Board:          c.board,
		Policy:         policy,
		FailoverLevel:  level,
		ErrorThreshold: cfg.Replication.ErrorThreshold,
		Logger:         o.log.WithField("component", "failover"),
		Metrics:        o.metrics,
	})
	c.router = replication.NewRouter(replication.RouterConfig{
		Resolver:        c.resolver,
		Pool:            c.pool,
		Coordinator:     c.coord,
		Policy:          policy,
		UseTransactions: cfg.Replication.UseTransactions,
		Logger:          o.log.WithField("component", "router"),
		Metrics:         o.metrics,
	})
	c.monitor = health.NewMonitor(health.Config{
		Store:      store,
		Driver:     c.driver,
		Board:      c.board,
		Watch:      c.watch,
		Interval:   cfg.Replication.RetryInterval,
		ExpireTime: cfg.Replication.ExpireTime,
		Logger:     o.log.WithField("component", "health"),
		Metrics:    o.metrics,
	})

	o.log.WithFields(logrus.Fields{
		"db_num":    store.DBNum(),
		"policy":    policy.String(),
		"read_only": store.ReadOnly(),
	}).Info("location database client ready")
	return c, nil
}

// Start runs the health monitor and the handle janitor in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.ErrCodeShutdown, "client is shut down").WithComponent("uldb").WithOperation("Start")
	}
	if c.started {
		return nil
	}
	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.janitor(ctx, c.janitorInterval())
	return nil
}

func (c *Client) janitorInterval() time.Duration {
	d := c.config.Replication.ConnectionExpires / 2
	if d > time.Minute {
		d = time.Minute
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// janitor evicts idle handles whose lease ran out.
func (c *Client) janitor(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.pool.Sweep(now)
		}
	}
}

// Shutdown stops the background tasks and closes every connection. Calls
// after the first are no-ops.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.started = false
	if started {
		close(c.stopCh)
	}
	c.mu.Unlock()

	if started {
		if c.monitor.Running() {
			if err := c.monitor.Stop(); err != nil {
				c.log.WithError(err).Warn("stopping health monitor")
			}
		}
		c.wg.Wait()
	}
	c.pool.Close()
	err := c.store.Close()
	c.log.Info("location database client shut down")
	return err
}

// Insert adds a row on every slot of the key's shard.
func (c *Client) Insert(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return c.router.Insert(ctx, key, table, columns, values)
}

// Update changes the matching rows on every slot.
func (c *Client) Update(ctx context.Context, key Key, table string, where backend.Where, columns []string, values []interface{}) error {
	return c.router.Update(ctx, key, table, where, columns, values)
}

// Replace inserts or overwrites a row on every slot.
func (c *Client) Replace(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return c.router.Replace(ctx, key, table, columns, values)
}

// InsertOrUpdate inserts a row or updates it on a key conflict.
func (c *Client) InsertOrUpdate(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return c.router.InsertOrUpdate(ctx, key, table, columns, values)
}

// Delete removes the matching rows on every slot.
func (c *Client) Delete(ctx context.Context, key Key, table string, where backend.Where) error {
	return c.router.Delete(ctx, key, table, where)
}

// Query reads from the most stable slot that answers.
func (c *Client) Query(ctx context.Context, key Key, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error) {
	return c.router.Query(ctx, key, table, where, columns, orderBy)
}

// FreeResult releases a result returned by Query.
func (c *Client) FreeResult(res *backend.Result) {
	c.router.FreeResult(res)
}

// ShardFor returns the shard a key maps to.
func (c *Client) ShardFor(ctx context.Context, key Key) (int, error) {
	return c.resolver.Resolve(ctx, key.Primary, key.Secondary)
}

// ReloadShards re-reads the highest shard id from the registry.
func (c *Client) ReloadShards(ctx context.Context) error {
	return c.resolver.Reload(ctx)
}

// CheckHealth runs one health monitor round immediately.
func (c *Client) CheckHealth(ctx context.Context) (health.Report, error) {
	if c.store.ReadOnly() {
		return health.Report{}, errors.New(errors.ErrCodePersistence, "registry is read only").
			WithComponent("uldb").WithOperation("CheckHealth")
	}
	return c.monitor.CheckOnce(ctx)
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Configuration {
	return c.config
}

// Store returns the registry store.
func (c *Client) Store() *registry.Store {
	return c.store
}

// Pool returns the handle pool.
func (c *Client) Pool() *replication.Pool {
	return c.pool
}

// Watch returns the shards the health monitor looks after.
func (c *Client) Watch() *flags.WatchList {
	return c.watch
}
