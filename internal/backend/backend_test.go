package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url     string
		driver  string
		dsn     string
		wantErr bool
	}{
		{"mysql://user:pw@tcp(db1:3306)/sip", "mysql", "user:pw@tcp(db1:3306)/sip", false},
		{"sqlite3://file:/tmp/a.db?_busy_timeout=5000", "sqlite3", "file:/tmp/a.db?_busy_timeout=5000", false},
		{"no-scheme", "", "", true},
		{"://dsn", "", "", true},
		{"sqlite3://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, dsn, err := ParseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.dsn, dsn)
		})
	}
}

func TestDialectStatements(t *testing.T) {
	stmt, args, err := MySQL.SelectSQL("location", Where{Eq("username", "alice"), {Column: "expires", Op: OpGt, Value: 10}}, []string{"contact", "q"}, "q DESC")
	require.NoError(t, err)
	assert.Equal(t, "SELECT `contact`,`q` FROM `location` WHERE `username`=? AND `expires`>? ORDER BY `q` DESC", stmt)
	assert.Equal(t, []interface{}{"alice", 10}, args)

	stmt, err = SQLite.UpsertSQL("location", []string{"ruid", "contact"}, []interface{}{"r1", "sip:a@b"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "location" ("ruid","contact") VALUES (?,?) ON CONFLICT DO UPDATE SET "ruid"=excluded."ruid","contact"=excluded."contact"`, stmt)

	stmt, err = MySQL.UpsertSQL("location", []string{"ruid"}, []interface{}{"r1"})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `location` (`ruid`) VALUES (?) ON DUPLICATE KEY UPDATE `ruid`=VALUES(`ruid`)", stmt)

	stmt, args, err = SQLite.UpdateSQL("locdb", Where{Eq("id", 3), {Column: "num", Op: OpNe, Value: 1}}, []string{"status"}, []interface{}{2})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "locdb" SET "status"=? WHERE "id"=? AND "num"<>?`, stmt)
	assert.Equal(t, []interface{}{2, 3, 1}, args)

	stmt, err = MySQL.ReplaceSQL("t", []string{"a"}, []interface{}{1})
	require.NoError(t, err)
	assert.Equal(t, "REPLACE INTO `t` (`a`) VALUES (?)", stmt)
}

func TestDialectRejectsBadInput(t *testing.T) {
	_, _, err := SQLite.SelectSQL("t; DROP TABLE x", nil, nil, "")
	assert.Error(t, err)

	_, _, err = SQLite.DeleteSQL("t", Where{{Column: "a", Op: "LIKE", Value: "%"}})
	assert.Error(t, err)

	_, err = SQLite.InsertSQL("t", []string{"a", "b"}, []interface{}{1})
	assert.Error(t, err)

	_, err = DialectFor("postgres")
	assert.Error(t, err)
}

func TestDialectTxStatements(t *testing.T) {
	assert.Equal(t, []string{"SET AUTOCOMMIT=0", "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"}, MySQL.TxPrelude("serializable"))
	assert.Equal(t, []string{"SET AUTOCOMMIT=1"}, MySQL.TxReset())
	assert.Empty(t, SQLite.TxPrelude("SERIALIZABLE"))
	assert.Equal(t, " FOR UPDATE", MySQL.ForUpdate)
	assert.Empty(t, SQLite.ForUpdate)
}

func openTestConn(t *testing.T) Conn {
	t.Helper()
	url := "sqlite3://file:" + filepath.Join(t.TempDir(), "backend.db") + "?_busy_timeout=5000"
	conn, err := NewSQLDriver().Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Exec(context.Background(),
		`CREATE TABLE contacts (ruid TEXT PRIMARY KEY, username TEXT NOT NULL, contact TEXT, q REAL)`))
	return conn
}

func TestSQLConnCRUD(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	cols := []string{"ruid", "username", "contact", "q"}

	require.NoError(t, conn.Insert(ctx, "contacts", cols, []interface{}{"r1", "alice", "sip:alice@10.0.0.1", 1.0}))
	require.NoError(t, conn.Insert(ctx, "contacts", cols, []interface{}{"r2", "alice", "sip:alice@10.0.0.2", 0.5}))
	assert.Error(t, conn.Insert(ctx, "contacts", cols, []interface{}{"r1", "alice", "dup", 1.0}))

	res, err := conn.Query(ctx, "contacts", Where{Eq("username", "alice")}, []string{"ruid", "contact"}, "q")
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "r2", res.Value(0, "ruid"))
	assert.Equal(t, "sip:alice@10.0.0.1", res.Value(1, "contact"))
	assert.Nil(t, res.Value(5, "ruid"))
	res.Free()
	assert.Equal(t, 0, res.Len())

	require.NoError(t, conn.Update(ctx, "contacts", Where{Eq("ruid", "r2")}, []string{"q"}, []interface{}{0.9}))
	require.NoError(t, conn.InsertOrUpdate(ctx, "contacts", cols, []interface{}{"r1", "alice", "sip:alice@10.0.0.9", 1.0}))
	require.NoError(t, conn.Replace(ctx, "contacts", cols, []interface{}{"r3", "bob", "sip:bob@10.0.0.3", 1.0}))

	res, err = conn.Query(ctx, "contacts", nil, []string{"ruid", "contact"}, "ruid")
	require.NoError(t, err)
	require.Equal(t, 3, res.Len())
	assert.Equal(t, "sip:alice@10.0.0.9", res.Value(0, "contact"))

	require.NoError(t, conn.Delete(ctx, "contacts", Where{Eq("username", "alice")}))
	res, err = conn.RawQuery(ctx, `SELECT COUNT(*) AS n FROM contacts`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Value(0, "n"))
}

func TestSQLConnTransaction(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	cols := []string{"ruid", "username"}

	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Insert(ctx, "contacts", cols, []interface{}{"r1", "alice"}))
	require.NoError(t, conn.Rollback(ctx))

	res, err := conn.Query(ctx, "contacts", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())

	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Insert(ctx, "contacts", cols, []interface{}{"r1", "alice"}))
	require.NoError(t, conn.Commit(ctx))

	res, err = conn.Query(ctx, "contacts", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Len())
	assert.NoError(t, conn.Ping(ctx))
}

func TestSQLDriverOpenErrors(t *testing.T) {
	ctx := context.Background()
	d := NewSQLDriver()

	_, err := d.Open(ctx, "bogus")
	assert.Error(t, err)

	_, err = d.Open(ctx, "oracle://scott:tiger@db")
	assert.Error(t, err)

	_, err = d.Open(ctx, "sqlite3://file:"+filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	assert.Error(t, err)
}
