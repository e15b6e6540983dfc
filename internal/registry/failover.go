package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Tx is an open failover transaction on the registry write connection.
// Every statement runs on the same session with the configured isolation
// level; rows read with FindSpare and HandleDataExists stay locked until
// the transaction ends.
type Tx struct {
	conn    *sql.Conn
	dialect backend.Dialect
	names   names
}

// Failover runs fn inside a serializable transaction on the registry write
// connection. The transaction commits when fn returns nil and rolls back
// otherwise. Transient lock errors retry the whole transaction.
func (s *Store) Failover(ctx context.Context, fn func(context.Context, *Tx) error) error {
	w, err := s.writer("Failover")
	if err != nil {
		return err
	}
	var fnErr error
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		fnErr = nil
		conn, err := w.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		for _, stmt := range w.dialect.TxPrelude(s.isolation) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		defer func() {
			for _, stmt := range w.dialect.TxReset() {
				if _, err := conn.ExecContext(context.Background(), stmt); err != nil {
					s.log.WithError(err).Warn("cannot reset registry session")
				}
			}
		}()

		if _, err := conn.ExecContext(ctx, w.dialect.LockingBegin); err != nil {
			return err
		}
		tx := &Tx{conn: conn, dialect: w.dialect, names: w.names}
		if err := fn(ctx, tx); err != nil {
			if _, rbErr := conn.ExecContext(context.Background(), w.dialect.Rollback); rbErr != nil {
				s.log.WithError(rbErr).Warn("failover rollback failed")
			}
			fnErr = err
			return nil
		}
		_, err = conn.ExecContext(ctx, w.dialect.Commit)
		return err
	})
	if err != nil {
		return persistenceError(err, "Failover", 0, 0)
	}
	return fnErr
}

// HandleDataExists reports whether the slot still has the given url under
// shardID, locking the row if it does.
func (tx *Tx) HandleDataExists(ctx context.Context, shardID, num int, url string) (bool, error) {
	n := tx.names
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s=? AND %s=? AND %s=?%s",
		n.num, n.table, n.id, n.num, n.url, tx.dialect.ForUpdate)
	var got int
	err := tx.conn.QueryRowContext(ctx, query, shardID, num, url).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindSpare locks and returns an ON spare slot of riskGroup that does not
// belong to excludeShard. It returns nil when no spare qualifies.
func (tx *Tx) FindSpare(ctx context.Context, riskGroup, excludeShard int) (*Record, error) {
	n := tx.names
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s=1 AND %s=? AND %s=? AND %s<>? ORDER BY %s LIMIT 1%s",
		n.selectList(), n.table, n.spare, n.riskGroup, n.status, n.id, n.num, tx.dialect.ForUpdate)
	rec, err := scanRecord(tx.conn.QueryRowContext(ctx, query, riskGroup, int(StatusOn), excludeShard))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// NextSlotNumber returns a slot number not used anywhere in the table.
func (tx *Tx) NextSlotNumber(ctx context.Context) (int, error) {
	n := tx.names
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", n.num, n.table)
	var max sql.NullInt64
	if err := tx.conn.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// RetireSlot moves a failed slot to shard newShard under slot number
// newNum, switched OFF and marked as a spare.
func (tx *Tx) RetireSlot(ctx context.Context, failed Record, newShard, newNum int, at time.Time) error {
	n := tx.names
	stmt := fmt.Sprintf("UPDATE %s SET %s=?,%s=?,%s=?,%s=1,%s=? WHERE %s=? AND %s=?",
		n.table, n.id, n.num, n.status, n.spare, n.failoverTime, n.id, n.num)
	return tx.execOne(ctx, stmt, newShard, newNum, int(StatusOff), dbTime(at), failed.ShardID, failed.Number)
}

// PromoteSpare moves a spare slot into shardID under slot number num. The
// slot stops being a spare and its error counter is cleared.
func (tx *Tx) PromoteSpare(ctx context.Context, spare Record, shardID, num int, at time.Time) error {
	n := tx.names
	stmt := fmt.Sprintf("UPDATE %s SET %s=?,%s=?,%s=0,%s=0,%s=? WHERE %s=? AND %s=?",
		n.table, n.id, n.num, n.spare, n.errors, n.failoverTime, n.id, n.num)
	return tx.execOne(ctx, stmt, shardID, num, dbTime(at), spare.ShardID, spare.Number)
}

func (tx *Tx) execOne(ctx context.Context, stmt string, args ...interface{}) error {
	res, err := tx.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected != 1 {
		return errors.Newf(errors.ErrCodePersistence, "expected one registry row, updated %d", affected).
			WithComponent(component).WithOperation("Failover")
	}
	return nil
}
