package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamailio/kamailio-sub007/internal/backend/backendtest"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

func TestHandleErrorPromotesAtThreshold(t *testing.T) {
	e := setup(t, defaultOptions(), defaultSlots()...)
	h := e.acquire(t)
	defer e.pool.Release(h)

	for i := 1; i < 3; i++ {
		require.NoError(t, e.coord.HandleError(e.ctx, h, 1))
		r := e.record(t, 1, 1)
		assert.Equal(t, urlA, r.URL)
		assert.Equal(t, registry.StatusOn, r.Status)
		assert.Equal(t, i, r.Errors)
	}
	assert.Equal(t, 1, e.availableSpares(t))

	require.NoError(t, e.coord.HandleError(e.ctx, h, 1))

	promoted := e.record(t, 1, 1)
	assert.Equal(t, urlSpare, promoted.URL)
	assert.Equal(t, registry.StatusOn, promoted.Status)
	assert.False(t, promoted.Spare)
	assert.Equal(t, 0, promoted.Errors)
	assert.False(t, promoted.NeverFailedOver())

	retired := e.record(t, spareShard, 11)
	assert.Equal(t, urlA, retired.URL)
	assert.Equal(t, registry.StatusOff, retired.Status)
	assert.True(t, retired.Spare)
	assert.Equal(t, 0, e.availableSpares(t))

	assert.Equal(t, urlSpare, h.Records()[0].URL)
	assert.Equal(t, 2, h.Working())
	assert.Equal(t, 0, e.driver.DB(urlA).OpenConns())
	assert.Equal(t, 1, e.driver.DB(urlSpare).OpenConns())
	assert.False(t, h.entry.MustRefresh(), "own handle already refreshed")
}

func TestHandleErrorNotifiesOtherHandles(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	e := setup(t, opts, defaultSlots()...)
	other := e.board.NewEntry()

	h := e.acquire(t)
	require.NoError(t, e.coord.HandleError(e.ctx, h, 1))
	e.pool.Release(h)

	assert.True(t, other.MustRefresh())
}

func TestHandleErrorUnknownSlot(t *testing.T) {
	e := setup(t, defaultOptions(), defaultSlots()...)
	h := e.acquire(t)
	defer e.pool.Release(h)

	err := e.coord.HandleError(e.ctx, h, 42)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBug))
}

func TestHandleErrorReadOnly(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	opts.readOnly = true
	e := setup(t, opts, defaultSlots()...)
	e.driver.DB(urlA).SetDown(true)

	h := e.acquire(t)
	defer e.pool.Release(h)
	assert.Equal(t, 1, h.Working())

	require.NoError(t, e.coord.HandleError(e.ctx, h, 1))
	r := e.record(t, 1, 1)
	assert.Equal(t, urlA, r.URL)
	assert.Equal(t, 0, r.Errors)
	assert.Equal(t, 1, e.availableSpares(t))

	e.driver.DB(urlA).SetDown(false)
	require.NoError(t, e.coord.HandleError(e.ctx, h, 1))
	assert.Equal(t, 2, h.Working(), "reconnected on retry")
}

func TestFailoverHappensOnce(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	cfg := registryConfig(t)
	seedRegistry(t, cfg, append(defaultSlots(), spare(11, urlSpare2, 1))...)
	driver := backendtest.NewDriver()
	first := newEnv(t, cfg, driver, opts)
	second := newEnv(t, cfg, driver, opts)

	h1 := first.acquire(t)
	h2 := second.acquire(t)

	require.NoError(t, first.coord.HandleError(first.ctx, h1, 1))
	require.NoError(t, second.coord.HandleError(second.ctx, h2, 1))
	first.pool.Release(h1)
	second.pool.Release(h2)

	assert.Equal(t, 1, first.availableSpares(t))
	assert.Equal(t, urlSpare, first.record(t, 1, 1).URL)
	assert.Equal(t, urlSpare, h2.Records()[0].URL)
	assert.Equal(t, 0, first.record(t, 1, 1).Errors)

	// A promotion based on a stale view changes nothing.
	stale := rec(1, 1, urlA, 1)
	outcome, err := second.coord.promote(second.ctx, 1, stale)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeAlreadyDone, outcome)
	assert.Equal(t, 1, second.availableSpares(t))
}

func TestFailoverStaysInRiskGroup(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	e := setup(t, opts, rec(1, 1, urlA, 1), rec(1, 2, urlB, 1), spare(10, urlSpare, 2))
	h := e.acquire(t)
	defer e.pool.Release(h)

	err := e.coord.HandleError(e.ctx, h, 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas))

	r := e.record(t, 1, 1)
	assert.Equal(t, urlA, r.URL)
	assert.Equal(t, registry.StatusOff, r.Status)
	assert.Equal(t, 1, e.availableSpares(t))
	assert.Equal(t, 1, h.Working())
}

func TestFailoverSparesOfOwnShardAreSkipped(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	ownSpare := rec(1, 3, urlSpare, 1)
	ownSpare.Spare = true
	cfg := registryConfig(t)
	cfg.DBNum = 3
	seedRegistry(t, cfg, rec(1, 1, urlA, 1), rec(1, 2, urlB, 1), ownSpare)
	e := newEnv(t, cfg, backendtest.NewDriver(), opts)
	h := e.acquire(t)
	defer e.pool.Release(h)

	_ = e.coord.HandleError(e.ctx, h, 1)
	assert.Equal(t, registry.StatusOff, e.record(t, 1, 1).Status)
	assert.True(t, e.record(t, 1, 3).Spare)
}

func TestFailoverLevelNoneOnlyDeactivates(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	opts.level = FailoverNone
	opts.policy = PolicyHalf
	e := setup(t, opts, defaultSlots()...)
	h := e.acquire(t)
	defer e.pool.Release(h)

	err := e.coord.HandleError(e.ctx, h, 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas))
	assert.Equal(t, registry.StatusOff, e.record(t, 1, 1).Status)
	assert.Equal(t, 1, e.availableSpares(t))
}

func TestFailoverLevelNormalKeepsLastSlot(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	off := rec(1, 2, urlB, 1)
	off.Status = registry.StatusOff
	e := setup(t, opts, rec(1, 1, urlA, 1), off)
	h := e.acquire(t)
	defer e.pool.Release(h)

	err := e.coord.HandleError(e.ctx, h, 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas))
	assert.Equal(t, registry.StatusOn, e.record(t, 1, 1).Status)
}

func TestFailoverLevelLastDeactivatesLastSlot(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	opts.level = FailoverLast
	off := rec(1, 2, urlB, 1)
	off.Status = registry.StatusOff
	e := setup(t, opts, rec(1, 1, urlA, 1), off)
	h := e.acquire(t)
	defer e.pool.Release(h)

	err := e.coord.HandleError(e.ctx, h, 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas))
	assert.Equal(t, registry.StatusOff, e.record(t, 1, 1).Status)
	assert.Equal(t, 0, h.Working())
}
