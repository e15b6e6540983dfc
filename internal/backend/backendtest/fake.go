// Package backendtest provides an in-memory backend.Driver for tests. Each
// URL maps to one fake database that can be taken down, made to fail single
// operations, and inspected afterwards.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kamailio/kamailio-sub007/internal/backend"
)

// ErrDown is returned by every operation on a database that is down.
var ErrDown = errors.New("connection refused")

// ErrInjected is returned by operations made to fail with FailNext.
var ErrInjected = errors.New("injected failure")

// Operation names used by FailNext and Calls.
const (
	OpOpen           = "open"
	OpQuery          = "query"
	OpInsert         = "insert"
	OpUpdate         = "update"
	OpReplace        = "replace"
	OpInsertOrUpdate = "insert_update"
	OpDelete         = "delete"
	OpRawQuery       = "raw_query"
	OpExec           = "exec"
	OpBegin          = "begin"
	OpCommit         = "commit"
	OpRollback       = "rollback"
	OpPing           = "ping"
)

type row map[string]interface{}

// Driver is an in-memory backend.Driver.
type Driver struct {
	mu  sync.Mutex
	dbs map[string]*DB
}

// NewDriver creates an empty driver.
func NewDriver() *Driver {
	return &Driver{dbs: make(map[string]*DB)}
}

// DB returns the database behind url, creating it on first use.
func (d *Driver) DB(url string) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok := d.dbs[url]
	if !ok {
		db = &DB{
			url:    url,
			tables: make(map[string][]row),
			keys:   make(map[string][]string),
			fail:   make(map[string]int),
			calls:  make(map[string]int),
		}
		d.dbs[url] = db
	}
	return db
}

// Open implements backend.Driver.
func (d *Driver) Open(_ context.Context, url string) (backend.Conn, error) {
	db := d.DB(url)
	if err := db.enter(OpOpen); err != nil {
		return nil, err
	}
	db.mu.Lock()
	db.open++
	db.mu.Unlock()
	return &conn{db: db}, nil
}

// DB is one fake database.
type DB struct {
	mu     sync.Mutex
	url    string
	down   bool
	tables map[string][]row
	keys   map[string][]string
	fail   map[string]int
	calls  map[string]int
	tx     map[string][]row
	txConn *conn
	open   int
	stmts  []string
}

// URL returns the url the database is registered under.
func (db *DB) URL() string {
	return db.url
}

// SetDown makes every operation, including Open, fail with ErrDown.
func (db *DB) SetDown(down bool) {
	db.mu.Lock()
	db.down = down
	db.mu.Unlock()
}

// FailNext makes the next n calls of op fail with ErrInjected while the
// database stays reachable.
func (db *DB) FailNext(op string, n int) {
	db.mu.Lock()
	db.fail[op] += n
	db.mu.Unlock()
}

// SetKey declares the unique key of a table. Inserts that collide on the
// key fail; Replace and InsertOrUpdate use it to find the existing row.
func (db *DB) SetKey(table string, columns ...string) {
	db.mu.Lock()
	db.keys[table] = columns
	db.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (db *DB) Calls(op string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[op]
}

// OpenConns returns the number of connections not yet closed.
func (db *DB) OpenConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.open
}

// InTx reports whether a transaction is open.
func (db *DB) InTx() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tx != nil
}

// Statements returns the raw statements passed to Exec and RawQuery.
func (db *DB) Statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.stmts...)
}

// Rows returns a copy of the rows of table.
func (db *DB) Rows(table string) []map[string]interface{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]map[string]interface{}, len(db.tables[table]))
	for i, r := range db.tables[table] {
		out[i] = copyRow(r)
	}
	return out
}

// Count returns the number of rows in table.
func (db *DB) Count(table string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tables[table])
}

func (db *DB) enter(op string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls[op]++
	if db.down {
		return fmt.Errorf("%s %s: %w", op, db.url, ErrDown)
	}
	if db.fail[op] > 0 {
		db.fail[op]--
		return fmt.Errorf("%s %s: %w", op, db.url, ErrInjected)
	}
	return nil
}

func copyRow(r row) row {
	c := make(row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

func copyTables(tables map[string][]row) map[string][]row {
	out := make(map[string][]row, len(tables))
	for t, rows := range tables {
		cp := make([]row, len(rows))
		for i, r := range rows {
			cp[i] = copyRow(r)
		}
		out[t] = cp
	}
	return out
}

// keyIndex returns the index of the row sharing r's key, or -1.
func (db *DB) keyIndex(table string, r row) int {
	key := db.keys[table]
	if len(key) == 0 {
		return -1
	}
	for i, existing := range db.tables[table] {
		same := true
		for _, k := range key {
			if compare(existing[k], r[k]) != 0 {
				same = false
				break
			}
		}
		if same {
			return i
		}
	}
	return -1
}

func makeRow(columns []string, values []interface{}) (row, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("%d columns for %d values", len(columns), len(values))
	}
	r := make(row, len(columns))
	for i, c := range columns {
		r[c] = values[i]
	}
	return r, nil
}

func matches(r row, where backend.Where) bool {
	for _, c := range where {
		cmp := compare(r[c.Column], c.Value)
		var ok bool
		switch c.Op {
		case backend.OpEq, "":
			ok = cmp == 0
		case backend.OpNe:
			ok = cmp != 0
		case backend.OpLt:
			ok = cmp < 0
		case backend.OpLe:
			ok = cmp <= 0
		case backend.OpGt:
			ok = cmp > 0
		case backend.OpGe:
			ok = cmp >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// compare orders numbers numerically, times chronologically and anything
// else by its string form.
func compare(a, b interface{}) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

type conn struct {
	db     *DB
	closed bool
}

func (c *conn) check(op string) error {
	if c.closed {
		return fmt.Errorf("%s on closed connection", op)
	}
	return c.db.enter(op)
}

func (c *conn) Query(_ context.Context, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error) {
	if err := c.check(OpQuery); err != nil {
		return nil, err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var selected []row
	for _, r := range db.tables[table] {
		if matches(r, where) {
			selected = append(selected, r)
		}
	}
	if orderBy != "" {
		field, desc := orderBy, false
		if f := strings.Fields(orderBy); len(f) == 2 {
			field, desc = f[0], strings.EqualFold(f[1], "DESC")
		}
		sort.SliceStable(selected, func(i, j int) bool {
			cmp := compare(selected[i][field], selected[j][field])
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	cols := columns
	if len(cols) == 0 {
		seen := map[string]bool{}
		for _, r := range selected {
			for k := range r {
				if !seen[k] {
					seen[k] = true
					cols = append(cols, k)
				}
			}
		}
		sort.Strings(cols)
	}
	res := &backend.Result{Columns: append([]string(nil), cols...)}
	for _, r := range selected {
		vals := make([]interface{}, len(cols))
		for i, col := range cols {
			vals[i] = r[col]
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, nil
}

func (c *conn) Insert(_ context.Context, table string, columns []string, values []interface{}) error {
	if err := c.check(OpInsert); err != nil {
		return err
	}
	r, err := makeRow(columns, values)
	if err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.keyIndex(table, r) >= 0 {
		return fmt.Errorf("duplicate key in %s", table)
	}
	db.tables[table] = append(db.tables[table], r)
	return nil
}

func (c *conn) Replace(_ context.Context, table string, columns []string, values []interface{}) error {
	if err := c.check(OpReplace); err != nil {
		return err
	}
	r, err := makeRow(columns, values)
	if err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if i := db.keyIndex(table, r); i >= 0 {
		db.tables[table][i] = r
		return nil
	}
	db.tables[table] = append(db.tables[table], r)
	return nil
}

func (c *conn) InsertOrUpdate(_ context.Context, table string, columns []string, values []interface{}) error {
	if err := c.check(OpInsertOrUpdate); err != nil {
		return err
	}
	r, err := makeRow(columns, values)
	if err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if i := db.keyIndex(table, r); i >= 0 {
		for k, v := range r {
			db.tables[table][i][k] = v
		}
		return nil
	}
	db.tables[table] = append(db.tables[table], r)
	return nil
}

func (c *conn) Update(_ context.Context, table string, where backend.Where, columns []string, values []interface{}) error {
	if err := c.check(OpUpdate); err != nil {
		return err
	}
	set, err := makeRow(columns, values)
	if err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.tables[table] {
		if matches(r, where) {
			for k, v := range set {
				r[k] = v
			}
		}
	}
	return nil
}

func (c *conn) Delete(_ context.Context, table string, where backend.Where) error {
	if err := c.check(OpDelete); err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.tables[table][:0]
	for _, r := range db.tables[table] {
		if !matches(r, where) {
			kept = append(kept, r)
		}
	}
	db.tables[table] = kept
	return nil
}

func (c *conn) RawQuery(_ context.Context, query string, _ ...interface{}) (*backend.Result, error) {
	if err := c.check(OpRawQuery); err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	c.db.stmts = append(c.db.stmts, query)
	c.db.mu.Unlock()
	return &backend.Result{}, nil
}

func (c *conn) Exec(_ context.Context, stmt string, _ ...interface{}) error {
	if err := c.check(OpExec); err != nil {
		return err
	}
	c.db.mu.Lock()
	c.db.stmts = append(c.db.stmts, stmt)
	c.db.mu.Unlock()
	return nil
}

func (c *conn) Begin(_ context.Context) error {
	if err := c.check(OpBegin); err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tx != nil {
		return errors.New("transaction already open")
	}
	db.tx = copyTables(db.tables)
	db.txConn = c
	return nil
}

func (c *conn) Commit(_ context.Context) error {
	if err := c.check(OpCommit); err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tx == nil {
		return errors.New("no transaction open")
	}
	db.tx = nil
	db.txConn = nil
	return nil
}

func (c *conn) Rollback(_ context.Context) error {
	if err := c.check(OpRollback); err != nil {
		return err
	}
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tx == nil {
		return errors.New("no transaction open")
	}
	db.tables = db.tx
	db.tx = nil
	db.txConn = nil
	return nil
}

func (c *conn) Ping(_ context.Context) error {
	return c.check(OpPing)
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.db.mu.Lock()
	c.db.open--
	// A transaction dies with its connection.
	if c.db.txConn == c {
		c.db.tables = c.db.tx
		c.db.tx = nil
		c.db.txConn = nil
	}
	c.db.mu.Unlock()
	return nil
}
