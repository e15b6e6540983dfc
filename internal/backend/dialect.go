package backend

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect holds the SQL differences between the supported databases.
type Dialect struct {
	Name string

	quote byte

	// Begin starts a plain transaction on a connection.
	Begin string
	// LockingBegin starts a transaction that takes write locks up front.
	LockingBegin string
	Commit       string
	Rollback     string

	// ForUpdate is appended to SELECTs that must lock the selected rows.
	ForUpdate string

	upsertMySQL bool
}

// MySQL is the dialect the registry schema was designed for.
var MySQL = Dialect{
	Name:         "mysql",
	quote:        '`',
	Begin:        "START TRANSACTION",
	LockingBegin: "START TRANSACTION",
	Commit:       "COMMIT",
	Rollback:     "ROLLBACK",
	ForUpdate:    " FOR UPDATE",
	upsertMySQL:  true,
}

// SQLite has no row locks; BEGIN IMMEDIATE takes the database write lock
// which serializes concurrent failovers.
var SQLite = Dialect{
	Name:         "sqlite3",
	quote:        '"',
	Begin:        "BEGIN",
	LockingBegin: "BEGIN IMMEDIATE",
	Commit:       "COMMIT",
	Rollback:     "ROLLBACK",
	ForUpdate:    "",
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "mysql":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("no sql dialect for driver %q", driverName)
}

// TxPrelude returns the statements to run before LockingBegin to get the
// requested isolation level.
func (d Dialect) TxPrelude(isolationLevel string) []string {
	if d.Name != MySQL.Name {
		return nil
	}
	return []string{
		"SET AUTOCOMMIT=0",
		"SET TRANSACTION ISOLATION LEVEL " + strings.ToUpper(isolationLevel),
	}
}

// TxReset returns the statements that restore the connection after a
// transaction started with TxPrelude ended.
func (d Dialect) TxReset() []string {
	if d.Name != MySQL.Name {
		return nil
	}
	return []string{"SET AUTOCOMMIT=1"}
}

// Quote quotes an identifier after checking it is a plain name.
func (d Dialect) Quote(name string) (string, error) {
	if !identifierRe.MatchString(name) {
		return "", fmt.Errorf("invalid sql identifier %q", name)
	}
	q := string(d.quote)
	return q + name + q, nil
}

func (d Dialect) quoteAll(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := d.Quote(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// where renders a WHERE clause (with leading space) and its arguments.
func (d Dialect) where(w Where) (string, []interface{}, error) {
	if len(w) == 0 {
		return "", nil, nil
	}
	parts := make([]string, len(w))
	args := make([]interface{}, len(w))
	for i, c := range w {
		col, err := d.Quote(c.Column)
		if err != nil {
			return "", nil, err
		}
		op := c.Op
		if op == "" {
			op = OpEq
		}
		if !validOp(op) {
			return "", nil, fmt.Errorf("invalid operator %q", c.Op)
		}
		if op == OpNe {
			op = "<>"
		}
		parts[i] = col + op + "?"
		args[i] = c.Value
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// SelectSQL builds a SELECT statement.
func (d Dialect) SelectSQL(table string, w Where, columns []string, orderBy string) (string, []interface{}, error) {
	t, err := d.Quote(table)
	if err != nil {
		return "", nil, err
	}
	cols := "*"
	if len(columns) > 0 {
		quoted, err := d.quoteAll(columns)
		if err != nil {
			return "", nil, err
		}
		cols = strings.Join(quoted, ",")
	}
	clause, args, err := d.where(w)
	if err != nil {
		return "", nil, err
	}
	stmt := "SELECT " + cols + " FROM " + t + clause
	if orderBy != "" {
		field, dir := orderBy, ""
		if f := strings.Fields(orderBy); len(f) == 2 && (strings.EqualFold(f[1], "DESC") || strings.EqualFold(f[1], "ASC")) {
			field, dir = f[0], " "+strings.ToUpper(f[1])
		}
		o, err := d.Quote(field)
		if err != nil {
			return "", nil, err
		}
		stmt += " ORDER BY " + o + dir
	}
	return stmt, args, nil
}

func (d Dialect) insertSQL(verb, table string, columns []string, values []interface{}) (string, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return "", fmt.Errorf("%d columns for %d values", len(columns), len(values))
	}
	t, err := d.Quote(table)
	if err != nil {
		return "", err
	}
	quoted, err := d.quoteAll(columns)
	if err != nil {
		return "", err
	}
	return verb + " INTO " + t + " (" + strings.Join(quoted, ",") + ") VALUES (" + placeholders(len(columns)) + ")", nil
}

// InsertSQL builds an INSERT statement.
func (d Dialect) InsertSQL(table string, columns []string, values []interface{}) (string, error) {
	return d.insertSQL("INSERT", table, columns, values)
}

// ReplaceSQL builds a REPLACE statement. Both dialects support REPLACE INTO.
func (d Dialect) ReplaceSQL(table string, columns []string, values []interface{}) (string, error) {
	return d.insertSQL("REPLACE", table, columns, values)
}

// UpsertSQL builds an insert that updates every given column on a key
// conflict.
func (d Dialect) UpsertSQL(table string, columns []string, values []interface{}) (string, error) {
	stmt, err := d.InsertSQL(table, columns, values)
	if err != nil {
		return "", err
	}
	quoted, _ := d.quoteAll(columns)
	sets := make([]string, len(quoted))
	for i, q := range quoted {
		if d.upsertMySQL {
			sets[i] = q + "=VALUES(" + q + ")"
		} else {
			sets[i] = q + "=excluded." + q
		}
	}
	if d.upsertMySQL {
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ","), nil
	}
	return stmt + " ON CONFLICT DO UPDATE SET " + strings.Join(sets, ","), nil
}

// UpdateSQL builds an UPDATE statement and its arguments.
func (d Dialect) UpdateSQL(table string, w Where, columns []string, values []interface{}) (string, []interface{}, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return "", nil, fmt.Errorf("%d columns for %d values", len(columns), len(values))
	}
	t, err := d.Quote(table)
	if err != nil {
		return "", nil, err
	}
	quoted, err := d.quoteAll(columns)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, len(quoted))
	for i, q := range quoted {
		sets[i] = q + "=?"
	}
	clause, wargs, err := d.where(w)
	if err != nil {
		return "", nil, err
	}
	args := append(append([]interface{}{}, values...), wargs...)
	return "UPDATE " + t + " SET " + strings.Join(sets, ",") + clause, args, nil
}

// DeleteSQL builds a DELETE statement and its arguments.
func (d Dialect) DeleteSQL(table string, w Where) (string, []interface{}, error) {
	t, err := d.Quote(table)
	if err != nil {
		return "", nil, err
	}
	clause, args, err := d.where(w)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + t + clause, args, nil
}
