package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamailio/kamailio-sub007/internal/backend/backendtest"
	"github.com/kamailio/kamailio-sub007/internal/config"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/pkg/utils"
)

type fixture struct {
	ctx     context.Context
	store   *registry.Store
	driver  *backendtest.Driver
	board   *flags.Board
	watch   *flags.WatchList
	entry   *flags.Entry
	monitor *Monitor
	hook    *test.Hook
	now     time.Time
}

func newFixture(t *testing.T, readOnly bool, recs ...registry.Record) *fixture {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "registry.db")
	cfg := config.NewDefault().Registry
	cfg.ReadURL = "sqlite3://file:" + path + "?_busy_timeout=5000"
	cfg.WriteURL = "sqlite3://file:" + path + "?_busy_timeout=5000&_txlock=immediate"

	seed, err := registry.Open(ctx, cfg, registry.WithLogger(utils.DiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, seed.CreateSchema(ctx))
	for _, r := range recs {
		require.NoError(t, seed.Insert(ctx, r))
	}
	require.NoError(t, seed.Close())

	if readOnly {
		cfg.WriteURL = ""
	}
	store, err := registry.Open(ctx, cfg, registry.WithLogger(utils.DiscardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f := &fixture{
		ctx:    ctx,
		store:  store,
		driver: backendtest.NewDriver(),
		board:  flags.NewBoard(),
		watch:  flags.NewWatchList(),
		hook:   hook,
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.entry = f.board.NewEntry()
	f.monitor = NewMonitor(Config{
		Store:      store,
		Driver:     f.driver,
		Board:      f.board,
		Watch:      f.watch,
		Interval:   10 * time.Millisecond,
		ExpireTime: 10 * time.Minute,
		Logger:     log,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func slot(num int, url string, status registry.Status) registry.Record {
	return registry.Record{ShardID: 1, Number: num, URL: url, Status: status, RiskGroup: 1}
}

func (f *fixture) slot(t *testing.T, num int) registry.Record {
	t.Helper()
	recs, err := f.store.LoadShard(f.ctx, 1)
	require.NoError(t, err)
	for _, r := range recs {
		if r.Number == num {
			return r
		}
	}
	t.Fatalf("slot %d not found", num)
	return registry.Record{}
}

func TestCheckOnceReactivatesReachableSlot(t *testing.T) {
	off := slot(2, "fake://b", registry.StatusOff)
	off.Errors = 4
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), off)
	f.watch.Add(1)

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Shards: 1, Probed: 1, Activated: 1}, report)

	r := f.slot(t, 2)
	assert.Equal(t, registry.StatusOn, r.Status)
	assert.Equal(t, 0, r.Errors)
	assert.True(t, f.now.Equal(r.FailoverTime))
	assert.True(t, f.entry.MustReconnect())

	db := f.driver.DB("fake://b")
	assert.Equal(t, 1, db.Calls(backendtest.OpPing))
	assert.Equal(t, 0, db.OpenConns())
	assert.Equal(t, 0, f.driver.DB("fake://a").Calls(backendtest.OpOpen))

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "slot reactivated", entry.Message)
	assert.Equal(t, 2, entry.Data["slot"])
}

func TestCheckOnceLeavesUnreachableSlotOff(t *testing.T) {
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), slot(2, "fake://b", registry.StatusOff))
	f.watch.Add(1)
	f.driver.DB("fake://b").FailNext(backendtest.OpPing, 1)

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProbeErrors)
	assert.Equal(t, registry.StatusOff, f.slot(t, 2).Status)
	assert.False(t, f.entry.MustReconnect())
	assert.Equal(t, 0, f.driver.DB("fake://b").OpenConns())

	f.driver.DB("fake://b").SetDown(true)
	report, err = f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProbeErrors)
	assert.Equal(t, registry.StatusOff, f.slot(t, 2).Status)
}

func TestCheckOnceResetsExpiredFailoverTime(t *testing.T) {
	old := slot(1, "fake://a", registry.StatusOn)
	old.FailoverTime = time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	fresh := slot(2, "fake://b", registry.StatusOn)
	fresh.FailoverTime = time.Date(2024, 6, 1, 11, 55, 0, 0, time.UTC)
	f := newFixture(t, false, old, fresh)
	f.watch.Add(1)

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resets)
	assert.True(t, f.slot(t, 1).NeverFailedOver())
	assert.False(t, f.slot(t, 2).NeverFailedOver())
	assert.True(t, f.entry.MustRefresh())
	assert.False(t, f.entry.MustReconnect())
	assert.Equal(t, 0, f.driver.DB("fake://a").Calls(backendtest.OpOpen), "slots in rotation are not probed")
}

func TestCheckOnceIgnoresInactiveSlots(t *testing.T) {
	inactive := slot(2, "fake://b", registry.StatusInactive)
	inactive.FailoverTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), inactive)
	f.watch.Add(1)

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Shards: 1}, report)
	r := f.slot(t, 2)
	assert.Equal(t, registry.StatusInactive, r.Status)
	assert.False(t, r.NeverFailedOver())
	assert.Equal(t, 0, f.driver.DB("fake://b").Calls(backendtest.OpOpen))
}

func TestCheckOnceOnlyWatchedShards(t *testing.T) {
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), slot(2, "fake://b", registry.StatusOff))

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Equal(t, registry.StatusOff, f.slot(t, 2).Status)
}

func TestCheckOnceReportsMissingShard(t *testing.T) {
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), slot(2, "fake://b", registry.StatusOff))
	f.watch.Add(1)
	f.watch.Add(5)

	report, err := f.monitor.CheckOnce(f.ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, report.Shards)
	assert.Equal(t, 1, report.Activated)
}

func TestCheckOnceRecoversRetiredSpares(t *testing.T) {
	spare := func(num int, url string, status registry.Status) registry.Record {
		return registry.Record{ShardID: 100, Number: num, URL: url, Status: status, Spare: true, RiskGroup: 1}
	}
	retired := spare(10, "fake://retired", registry.StatusOff)
	retired.Errors = 3
	f := newFixture(t, false,
		slot(1, "fake://a", registry.StatusOn),
		slot(2, "fake://b", registry.StatusOn),
		retired,
		spare(11, "fake://gone", registry.StatusOff),
		spare(12, "fake://ready", registry.StatusOn),
	)
	f.watch.Add(1)
	f.driver.DB("fake://gone").SetDown(true)

	report, err := f.monitor.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Shards: 1, SparesProbed: 2, SparesRecovered: 1}, report)
	assert.False(t, f.entry.MustReconnect())
	assert.False(t, f.entry.MustRefresh())

	recs, err := f.store.Records(f.ctx)
	require.NoError(t, err)
	byNum := map[int]registry.Record{}
	for _, r := range recs {
		byNum[r.Number] = r
	}
	assert.Equal(t, registry.StatusOn, byNum[10].Status)
	assert.True(t, byNum[10].Spare)
	assert.Equal(t, 0, byNum[10].Errors)
	assert.Equal(t, registry.StatusOff, byNum[11].Status)
	assert.Equal(t, 0, f.driver.DB("fake://ready").Calls(backendtest.OpOpen), "available spares are not probed")
}

func TestMonitorLifecycle(t *testing.T) {
	f := newFixture(t, false, slot(1, "fake://a", registry.StatusOn), slot(2, "fake://b", registry.StatusOff))
	f.watch.Add(1)

	assert.Error(t, f.monitor.Stop())
	require.NoError(t, f.monitor.Start(f.ctx))
	assert.True(t, f.monitor.Running())
	assert.Error(t, f.monitor.Start(f.ctx))

	assert.Eventually(t, func() bool {
		recs, err := f.store.LoadShard(f.ctx, 1)
		return err == nil && recs[1].Status == registry.StatusOn
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.monitor.Stop())
	assert.False(t, f.monitor.Running())
	assert.Error(t, f.monitor.Stop())
}

func TestMonitorStaysOffWithoutWritableRegistry(t *testing.T) {
	f := newFixture(t, true, slot(1, "fake://a", registry.StatusOn), slot(2, "fake://b", registry.StatusOff))
	f.watch.Add(1)

	require.NoError(t, f.monitor.Start(f.ctx))
	assert.False(t, f.monitor.Running())
	assert.Error(t, f.monitor.Stop())
}
