package replication

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/backend/backendtest"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

var columns = []string{"username", "contact"}

func insert(t *testing.T, e *testEnv, user string) error {
	t.Helper()
	return e.router.Insert(e.ctx, Key{Primary: user}, table, columns, []interface{}{user, "sip:" + user + "@10.0.0.1"})
}

func TestWritesReachEverySlot(t *testing.T) {
	e := setup(t, defaultOptions(), defaultSlots()...)
	a, b := e.driver.DB(urlA), e.driver.DB(urlB)
	a.SetKey(table, "username")
	b.SetKey(table, "username")
	key := Key{Primary: "alice"}
	where := backend.Where{backend.Eq("username", "alice")}

	require.NoError(t, insert(t, e, "alice"))
	require.NoError(t, insert(t, e, "bob"))
	require.NoError(t, e.router.Update(e.ctx, key, table, where, []string{"contact"}, []interface{}{"sip:alice@10.0.0.2"}))
	require.NoError(t, e.router.Replace(e.ctx, key, table, columns, []interface{}{"alice", "sip:alice@10.0.0.3"}))
	require.NoError(t, e.router.InsertOrUpdate(e.ctx, key, table, columns, []interface{}{"carol", "sip:carol@10.0.0.1"}))

	for _, db := range []*backendtest.DB{a, b} {
		assert.Equal(t, 3, db.Count(table), db.URL())
	}

	res, err := e.router.Query(e.ctx, key, table, where, []string{"contact"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, "sip:alice@10.0.0.3", res.Value(0, "contact"))
	e.router.FreeResult(res)

	require.NoError(t, e.router.Delete(e.ctx, key, table, where))
	for _, db := range []*backendtest.DB{a, b} {
		assert.Equal(t, 2, db.Count(table), db.URL())
	}
}

func TestQueryPrefersStableSlot(t *testing.T) {
	recent := rec(1, 1, urlA, 1)
	recent.FailoverTime = time.Now().Add(-time.Hour)
	e := setup(t, defaultOptions(), recent, rec(1, 2, urlB, 1))
	require.NoError(t, insert(t, e, "alice"))
	a, b := e.driver.DB(urlA), e.driver.DB(urlB)

	_, err := e.router.Query(e.ctx, Key{Primary: "alice"}, table, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Calls(backendtest.OpQuery))
	assert.Equal(t, 0, a.Calls(backendtest.OpQuery))

	b.FailNext(backendtest.OpQuery, 1)
	res, err := e.router.Query(e.ctx, Key{Primary: "alice"}, table, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Len())
	assert.Equal(t, 2, b.Calls(backendtest.OpQuery))
	assert.Equal(t, 1, a.Calls(backendtest.OpQuery))
	assert.Equal(t, 1, e.record(t, 1, 2).Errors)
}

func TestQueryAllReplicasDown(t *testing.T) {
	e := setup(t, defaultOptions(), defaultSlots()...)
	e.driver.DB(urlA).SetDown(true)
	e.driver.DB(urlB).SetDown(true)

	_, err := e.router.Query(e.ctx, Key{Primary: "alice"}, table, nil, nil, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeAllReplicasDown))
	assert.Equal(t, 1, e.record(t, 1, 1).Errors)
	assert.Equal(t, 1, e.record(t, 1, 2).Errors)
}

// One backend goes away: writes keep succeeding on the survivor until the
// threshold promotes the spare, which then receives writes too.
func TestWritesSurviveBackendLoss(t *testing.T) {
	e := setup(t, defaultOptions(), defaultSlots()...)
	e.driver.DB(urlA).SetDown(true)

	for i := 1; i <= 3; i++ {
		require.NoError(t, insert(t, e, fmt.Sprintf("user%d", i)), "write %d", i)
	}
	assert.Equal(t, urlSpare, e.record(t, 1, 1).URL)
	assert.Equal(t, 3, e.driver.DB(urlB).Count(table))
	assert.Equal(t, 1, e.driver.DB(urlSpare).Count(table))
	assert.Equal(t, 0, e.driver.DB(urlA).Count(table))

	require.NoError(t, insert(t, e, "user4"))
	assert.Equal(t, 4, e.driver.DB(urlB).Count(table))
	assert.Equal(t, 2, e.driver.DB(urlSpare).Count(table))
}

// Without a spare the failed slot is switched off and writes continue on
// the remaining slot.
func TestWritesContinueAfterDeactivation(t *testing.T) {
	opts := defaultOptions()
	opts.threshold = 1
	e := setup(t, opts, rec(1, 1, urlA, 1), rec(1, 2, urlB, 1))
	e.driver.DB(urlA).SetDown(true)

	require.NoError(t, insert(t, e, "alice"))
	assert.Equal(t, registry.StatusOff, e.record(t, 1, 1).Status)
	opens := e.driver.DB(urlA).Calls(backendtest.OpOpen)

	require.NoError(t, insert(t, e, "bob"))
	assert.Equal(t, opens, e.driver.DB(urlA).Calls(backendtest.OpOpen), "slot out of rotation")
	assert.Equal(t, 2, e.driver.DB(urlB).Count(table))

	h := e.acquire(t)
	_, a := h.slotByNumber(1)
	_, b := h.slotByNumber(2)
	assert.False(t, a.Connected())
	assert.True(t, b.Connected())
	e.pool.Release(h)
}

// A shard whose only slot is unreachable must not report a successful
// write, whatever the policy.
func TestWriteToSingleSlotShardThatIsDown(t *testing.T) {
	for _, p := range []Policy{PolicyAllButOne, PolicyHalf, PolicyAll} {
		t.Run(p.String(), func(t *testing.T) {
			cfg := registryConfig(t)
			cfg.DBNum = 1
			seedRegistry(t, cfg, rec(1, 1, urlA, 1))
			opts := defaultOptions()
			opts.policy = p
			e := newEnv(t, cfg, backendtest.NewDriver(), opts)
			e.driver.DB(urlA).SetDown(true)

			err := insert(t, e, "alice")
			assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas), "got %v", err)
			assert.Equal(t, 0, e.driver.DB(urlA).Count(table))
		})
	}
}

func TestWriteBelowPolicyFails(t *testing.T) {
	opts := defaultOptions()
	opts.policy = PolicyAll
	e := setup(t, opts, defaultSlots()...)
	e.driver.DB(urlB).FailNext(backendtest.OpInsert, 1)

	err := insert(t, e, "alice")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientReplicas))
	assert.Equal(t, 1, e.driver.DB(urlA).Count(table))
	assert.Equal(t, 1, e.record(t, 1, 2).Errors)
}

func TestTransactionalWrite(t *testing.T) {
	opts := defaultOptions()
	opts.useTx = true
	e := setup(t, opts, defaultSlots()...)

	require.NoError(t, insert(t, e, "alice"))
	for _, url := range []string{urlA, urlB} {
		db := e.driver.DB(url)
		assert.Equal(t, 1, db.Count(table), url)
		assert.Equal(t, 1, db.Calls(backendtest.OpBegin), url)
		assert.Equal(t, 1, db.Calls(backendtest.OpCommit), url)
		assert.False(t, db.InTx(), url)
	}
}

func TestTransactionalWriteRetriesWithoutFailedSlot(t *testing.T) {
	opts := defaultOptions()
	opts.useTx = true
	opts.policy = PolicyHalf
	e := setup(t, opts, defaultSlots()...)
	a, b := e.driver.DB(urlA), e.driver.DB(urlB)
	b.FailNext(backendtest.OpInsert, 1)

	require.NoError(t, insert(t, e, "alice"))
	assert.Equal(t, 1, a.Count(table))
	assert.Equal(t, 0, b.Count(table))
	assert.Equal(t, 2, a.Calls(backendtest.OpBegin))
	assert.Equal(t, 1, a.Calls(backendtest.OpRollback))
	assert.Equal(t, 1, a.Calls(backendtest.OpCommit))
	assert.Equal(t, 0, b.Calls(backendtest.OpCommit))
	assert.False(t, a.InTx())
	assert.False(t, b.InTx())
}

func TestDomainModeNeedsDomain(t *testing.T) {
	opts := defaultOptions()
	opts.useDomain = true
	e := setup(t, opts, defaultSlots()...)

	err := e.router.Insert(e.ctx, Key{Primary: "alice"}, table, columns, []interface{}{"alice", "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))

	err = e.router.Insert(e.ctx, Key{Primary: "alice", Secondary: "example.com"}, table, columns, []interface{}{"alice", "x"})
	assert.NoError(t, err)
}
