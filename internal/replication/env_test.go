package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamailio/kamailio-sub007/internal/backend/backendtest"
	"github.com/kamailio/kamailio-sub007/internal/config"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/internal/shard"
	"github.com/kamailio/kamailio-sub007/pkg/utils"
)

const (
	urlA      = "fake://a"
	urlB      = "fake://b"
	urlSpare  = "fake://spare"
	urlSpare2 = "fake://spare2"

	spareShard = 100
	table      = "location"
)

type envOptions struct {
	policy    Policy
	level     FailoverLevel
	threshold int
	useTx     bool
	useDomain bool
	readOnly  bool
	leaseTTL  time.Duration
}

func defaultOptions() envOptions {
	return envOptions{
		policy:    PolicyAllButOne,
		level:     FailoverNormal,
		threshold: 3,
		leaseTTL:  time.Minute,
	}
}

// testEnv wires one process worth of replication state against a sqlite
// registry and fake backends.
type testEnv struct {
	ctx    context.Context
	store  *registry.Store
	driver *backendtest.Driver
	board  *flags.Board
	watch  *flags.WatchList
	pool   *Pool
	coord  *Coordinator
	router *Router
	now    time.Time
}

func registryConfig(t *testing.T) config.RegistryConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	cfg := config.NewDefault().Registry
	cfg.ReadURL = "sqlite3://file:" + path + "?_busy_timeout=5000"
	cfg.WriteURL = "sqlite3://file:" + path + "?_busy_timeout=5000&_txlock=immediate"
	return cfg
}

func rec(shardID, num int, url string, riskGroup int) registry.Record {
	return registry.Record{ShardID: shardID, Number: num, URL: url, Status: registry.StatusOn, RiskGroup: riskGroup}
}

func spare(num int, url string, riskGroup int) registry.Record {
	r := rec(spareShard, num, url, riskGroup)
	r.Spare = true
	return r
}

// defaultSlots is one shard with two slots plus one spare, all in risk
// group 1.
func defaultSlots() []registry.Record {
	return []registry.Record{rec(1, 1, urlA, 1), rec(1, 2, urlB, 1), spare(10, urlSpare, 1)}
}

func seedRegistry(t *testing.T, cfg config.RegistryConfig, recs ...registry.Record) {
	t.Helper()
	ctx := context.Background()
	s, err := registry.Open(ctx, cfg, registry.WithLogger(utils.DiscardLogger()))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateSchema(ctx))
	for _, r := range recs {
		require.NoError(t, s.Insert(ctx, r))
	}
}

func newEnv(t *testing.T, cfg config.RegistryConfig, driver *backendtest.Driver, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := utils.DiscardLogger()

	if opts.readOnly {
		cfg.WriteURL = ""
	}
	store, err := registry.Open(ctx, cfg, registry.WithLogger(log))
	require.NoError(t, err)

	e := &testEnv{
		ctx:    ctx,
		store:  store,
		driver: driver,
		board:  flags.NewBoard(),
		watch:  flags.NewWatchList(),
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.pool = NewPool(PoolConfig{
		Store:    store,
		Driver:   driver,
		Board:    e.board,
		Watch:    e.watch,
		LeaseTTL: opts.leaseTTL,
		Logger:   log,
		Now:      func() time.Time { return e.now },
	})
	e.coord = NewCoordinator(CoordinatorConfig{
		Store:          store,
		Pool:           e.pool,
		Board:          e.board,
		Policy:         opts.policy,
		FailoverLevel:  opts.level,
		ErrorThreshold: opts.threshold,
		Logger:         log,
	})
	// Every key lands on shard 1.
	resolver := shard.NewResolver(func(context.Context) (int, error) { return 1, nil }, opts.useDomain)
	e.router = NewRouter(RouterConfig{
		Resolver:        resolver,
		Pool:            e.pool,
		Coordinator:     e.coord,
		Policy:          opts.policy,
		UseTransactions: opts.useTx,
		Logger:          log,
	})
	t.Cleanup(func() {
		e.pool.Close()
		store.Close()
	})
	return e
}

// setup seeds a fresh registry with recs and returns an env on top of it.
func setup(t *testing.T, opts envOptions, recs ...registry.Record) *testEnv {
	t.Helper()
	cfg := registryConfig(t)
	seedRegistry(t, cfg, recs...)
	return newEnv(t, cfg, backendtest.NewDriver(), opts)
}

func (e *testEnv) record(t *testing.T, shardID, num int) registry.Record {
	t.Helper()
	recs, err := e.store.Records(e.ctx)
	require.NoError(t, err)
	for _, r := range recs {
		if r.ShardID == shardID && r.Number == num {
			return r
		}
	}
	t.Fatalf("no registry row for shard %d slot %d", shardID, num)
	return registry.Record{}
}

func (e *testEnv) availableSpares(t *testing.T) int {
	t.Helper()
	recs, err := e.store.Records(e.ctx)
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Spare && r.Status == registry.StatusOn {
			n++
		}
	}
	return n
}

func (e *testEnv) acquire(t *testing.T) *Handle {
	t.Helper()
	h, err := e.pool.Acquire(e.ctx, 1)
	require.NoError(t, err)
	return h
}
