// Package backend defines the database connection abstraction the
// replication layer talks to, and its database/sql implementation.
package backend

import (
	"context"
	"fmt"
	"strings"
)

// Conn is one live connection to a backend database. A Conn is used by one
// goroutine at a time; the handle that owns it serializes access.
type Conn interface {
	Query(ctx context.Context, table string, where Where, columns []string, orderBy string) (*Result, error)
	Insert(ctx context.Context, table string, columns []string, values []interface{}) error
	Update(ctx context.Context, table string, where Where, columns []string, values []interface{}) error
	Replace(ctx context.Context, table string, columns []string, values []interface{}) error
	InsertOrUpdate(ctx context.Context, table string, columns []string, values []interface{}) error
	Delete(ctx context.Context, table string, where Where) error

	// RawQuery runs a statement that returns rows.
	RawQuery(ctx context.Context, query string, args ...interface{}) (*Result, error)
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...interface{}) error

	// Begin, Commit and Rollback manage a local transaction on this
	// connection only. There is no coordination with other backends.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// Driver opens connections from a backend URL.
type Driver interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// Operators accepted in a Cond.
const (
	OpEq = "="
	OpNe = "!="
	OpLt = "<"
	OpLe = "<="
	OpGt = ">"
	OpGe = ">="
)

// Cond is one column comparison in a WHERE clause.
type Cond struct {
	Column string
	Op     string
	Value  interface{}
}

// Where is a conjunction of conditions.
type Where []Cond

// Eq is shorthand for an equality condition.
func Eq(column string, value interface{}) Cond {
	return Cond{Column: column, Op: OpEq, Value: value}
}

func validOp(op string) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Result holds the rows of a query.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Value returns the value of column in row i, or nil if either is missing.
func (r *Result) Value(i int, column string) interface{} {
	if r == nil || i < 0 || i >= len(r.Rows) {
		return nil
	}
	for j, c := range r.Columns {
		if c == column && j < len(r.Rows[i]) {
			return r.Rows[i][j]
		}
	}
	return nil
}

// Free releases the rows. The result must not be used afterwards.
func (r *Result) Free() {
	if r == nil {
		return
	}
	r.Rows = nil
	r.Columns = nil
}

// ParseURL splits a backend URL of the form "<driver>://<dsn>".
func ParseURL(url string) (driverName, dsn string, err error) {
	idx := strings.Index(url, "://")
	if idx <= 0 {
		return "", "", fmt.Errorf("backend url %q has no driver scheme", url)
	}
	driverName = url[:idx]
	dsn = url[idx+3:]
	if dsn == "" {
		return "", "", fmt.Errorf("backend url %q has an empty dsn", url)
	}
	return driverName, dsn, nil
}
