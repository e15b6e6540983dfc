package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the sqlite3 database/sql driver.
	_ "github.com/mattn/go-sqlite3"
)

// SQLDriver opens backends through database/sql. The URL scheme names the
// registered database/sql driver.
type SQLDriver struct {
	// ConnMaxLifetime bounds how long the underlying connection is reused.
	ConnMaxLifetime time.Duration
}

// NewSQLDriver creates a database/sql backed driver.
func NewSQLDriver() *SQLDriver {
	return &SQLDriver{}
}

// Open connects to url and pins a single connection, so statements issued
// between Begin and Commit run in the same session.
func (d *SQLDriver) Open(ctx context.Context, url string) (Conn, error) {
	name, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	dialect, err := DialectFor(name)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	if d.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(d.ConnMaxLifetime)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s backend: %w", name, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("ping %s backend: %w", name, err)
	}
	return &SQLConn{db: db, conn: conn, dialect: dialect}, nil
}

// SQLConn is a Conn over one pinned database/sql connection.
type SQLConn struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect Dialect
}

// Dialect returns the SQL dialect of the connection.
func (c *SQLConn) Dialect() Dialect {
	return c.dialect
}

func (c *SQLConn) Query(ctx context.Context, table string, where Where, columns []string, orderBy string) (*Result, error) {
	stmt, args, err := c.dialect.SelectSQL(table, where, columns, orderBy)
	if err != nil {
		return nil, err
	}
	return c.RawQuery(ctx, stmt, args...)
}

func (c *SQLConn) Insert(ctx context.Context, table string, columns []string, values []interface{}) error {
	stmt, err := c.dialect.InsertSQL(table, columns, values)
	if err != nil {
		return err
	}
	return c.Exec(ctx, stmt, values...)
}

func (c *SQLConn) Replace(ctx context.Context, table string, columns []string, values []interface{}) error {
	stmt, err := c.dialect.ReplaceSQL(table, columns, values)
	if err != nil {
		return err
	}
	return c.Exec(ctx, stmt, values...)
}

func (c *SQLConn) InsertOrUpdate(ctx context.Context, table string, columns []string, values []interface{}) error {
	stmt, err := c.dialect.UpsertSQL(table, columns, values)
	if err != nil {
		return err
	}
	return c.Exec(ctx, stmt, values...)
}

func (c *SQLConn) Update(ctx context.Context, table string, where Where, columns []string, values []interface{}) error {
	stmt, args, err := c.dialect.UpdateSQL(table, where, columns, values)
	if err != nil {
		return err
	}
	return c.Exec(ctx, stmt, args...)
}

func (c *SQLConn) Delete(ctx context.Context, table string, where Where) error {
	stmt, args, err := c.dialect.DeleteSQL(table, where)
	if err != nil {
		return err
	}
	return c.Exec(ctx, stmt, args...)
}

func (c *SQLConn) RawQuery(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanRows(rows)
}

func (c *SQLConn) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := c.conn.ExecContext(ctx, stmt, args...)
	return err
}

func (c *SQLConn) Begin(ctx context.Context) error {
	return c.Exec(ctx, c.dialect.Begin)
}

func (c *SQLConn) Commit(ctx context.Context) error {
	return c.Exec(ctx, c.dialect.Commit)
}

func (c *SQLConn) Rollback(ctx context.Context) error {
	return c.Exec(ctx, c.dialect.Rollback)
}

func (c *SQLConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *SQLConn) Close() error {
	cerr := c.conn.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return cerr
}

// ScanRows reads every row into a Result. Byte slices are returned as
// strings.
func ScanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
