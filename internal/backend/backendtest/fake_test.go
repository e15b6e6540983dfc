package backendtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamailio/kamailio-sub007/internal/backend"
)

func TestFakeCRUD(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()
	db := d.DB("fake://a")
	db.SetKey("location", "ruid")

	c, err := d.Open(ctx, "fake://a")
	require.NoError(t, err)
	defer c.Close()

	cols := []string{"ruid", "username", "q"}
	require.NoError(t, c.Insert(ctx, "location", cols, []interface{}{"r1", "alice", 1.0}))
	require.NoError(t, c.Insert(ctx, "location", cols, []interface{}{"r2", "alice", 0.5}))
	assert.Error(t, c.Insert(ctx, "location", cols, []interface{}{"r1", "alice", 0.1}))

	require.NoError(t, c.Replace(ctx, "location", cols, []interface{}{"r1", "alice", 0.2}))
	require.NoError(t, c.InsertOrUpdate(ctx, "location", []string{"ruid", "q"}, []interface{}{"r3", 0.7}))
	assert.Equal(t, 3, db.Count("location"))

	res, err := c.Query(ctx, "location", backend.Where{backend.Eq("username", "alice")}, []string{"ruid"}, "q DESC")
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "r2", res.Value(0, "ruid"))

	require.NoError(t, c.Update(ctx, "location", backend.Where{{Column: "q", Op: backend.OpLt, Value: 0.6}}, []string{"q"}, []interface{}{0.0}))
	require.NoError(t, c.Delete(ctx, "location", backend.Where{backend.Eq("q", 0)}))
	assert.Equal(t, 1, db.Count("location"))
	assert.Equal(t, "r3", db.Rows("location")[0]["ruid"])
}

func TestFakeDownAndInjectedFailures(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()
	db := d.DB("fake://b")

	c, err := d.Open(ctx, "fake://b")
	require.NoError(t, err)
	assert.Equal(t, 1, db.OpenConns())

	db.FailNext(OpInsert, 1)
	err = c.Insert(ctx, "t", []string{"a"}, []interface{}{1})
	assert.True(t, errors.Is(err, ErrInjected))
	require.NoError(t, c.Insert(ctx, "t", []string{"a"}, []interface{}{1}))
	assert.Equal(t, 2, db.Calls(OpInsert))

	db.SetDown(true)
	assert.True(t, errors.Is(c.Ping(ctx), ErrDown))
	_, err = d.Open(ctx, "fake://b")
	assert.True(t, errors.Is(err, ErrDown))

	db.SetDown(false)
	require.NoError(t, c.Close())
	assert.Equal(t, 0, db.OpenConns())
	assert.Error(t, c.Ping(ctx))
}

func TestFakeTransactions(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()
	db := d.DB("fake://c")
	c, err := d.Open(ctx, "fake://c")
	require.NoError(t, err)

	require.NoError(t, c.Begin(ctx))
	assert.True(t, db.InTx())
	require.NoError(t, c.Insert(ctx, "t", []string{"a"}, []interface{}{1}))
	require.NoError(t, c.Rollback(ctx))
	assert.Equal(t, 0, db.Count("t"))

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Insert(ctx, "t", []string{"a"}, []interface{}{1}))
	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, 1, db.Count("t"))
	assert.False(t, db.InTx())
	assert.Error(t, c.Commit(ctx))
}
