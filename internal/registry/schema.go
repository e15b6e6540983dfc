package registry

import (
	"context"
	"fmt"
)

// CreateSchema creates the registry table on the write connection if it
// does not exist yet. Slot numbers are unique across the whole table.
func (s *Store) CreateSchema(ctx context.Context) error {
	w, err := s.writer("CreateSchema")
	if err != nil {
		return err
	}
	n := w.names
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s INT NOT NULL,
	%s INT NOT NULL,
	%s VARCHAR(%d) NOT NULL,
	%s INT NOT NULL DEFAULT 1,
	%s DATETIME NOT NULL,
	%s INT NOT NULL DEFAULT 0,
	%s INT NOT NULL DEFAULT 0,
	%s INT NOT NULL DEFAULT 0,
	PRIMARY KEY (%s, %s),
	UNIQUE (%s)
)`, n.table, n.id, n.num, n.url, MaxURLLength, n.status, n.failoverTime, n.spare, n.errors, n.riskGroup,
		n.id, n.num, n.num)
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return persistenceError(err, "CreateSchema", 0, 0)
	}
	return nil
}

// Insert adds a slot row. It is used to seed the table.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if len(rec.URL) > MaxURLLength {
		return fmt.Errorf("slot %d url longer than %d bytes", rec.Number, MaxURLLength)
	}
	ft := rec.FailoverTime
	if ft.IsZero() {
		ft = Never
	}
	spare := 0
	if rec.Spare {
		spare = 1
	}
	return s.exec(ctx, "Insert", rec.ShardID, rec.Number, func(n names) (string, []interface{}) {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?)", n.table, n.selectList()),
			[]interface{}{rec.ShardID, rec.Number, rec.URL, int(rec.Status), dbTime(ft), spare, rec.Errors, rec.RiskGroup}
	})
}
