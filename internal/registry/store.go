// Package registry reads and updates the shared registry table that maps
// each shard to its backend slots. The table is the single source of truth
// for slot assignment and slot health across every process that uses it.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/config"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
	"github.com/kamailio/kamailio-sub007/pkg/retry"
)

const component = "registry"

// MaxURLLength is the longest backend URL the registry accepts.
const MaxURLLength = config.MaxURLLength

// names holds the quoted table and column identifiers for one dialect.
type names struct {
	table        string
	id           string
	num          string
	url          string
	status       string
	failoverTime string
	spare        string
	errors       string
	riskGroup    string
}

func quoteNames(d backend.Dialect, table string, c config.ColumnsConfig) (names, error) {
	var n names
	var err error
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&n.table, table},
		{&n.id, c.ID},
		{&n.num, c.Num},
		{&n.url, c.URL},
		{&n.status, c.Status},
		{&n.failoverTime, c.FailoverTime},
		{&n.spare, c.Spare},
		{&n.errors, c.Errors},
		{&n.riskGroup, c.RiskGroup},
	} {
		if *f.dst, err = d.Quote(f.src); err != nil {
			return names{}, err
		}
	}
	return n, nil
}

func (n names) selectList() string {
	return strings.Join([]string{n.id, n.num, n.url, n.status, n.failoverTime, n.spare, n.errors, n.riskGroup}, ",")
}

type endpoint struct {
	db      *sql.DB
	dialect backend.Dialect
	names   names
}

// Store gives access to the registry table. Reads use the read URL; every
// mutation uses the write URL, which may be absent in read-only
// deployments.
type Store struct {
	read      endpoint
	write     *endpoint
	dbNum     int
	isolation string
	retryer   *retry.Retryer
	log       logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for retries and failover transactions.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithRetry replaces the retry policy for registry writes.
func WithRetry(cfg retry.Config) Option {
	return func(s *Store) {
		s.retryer = retry.New(cfg)
	}
}

func openEndpoint(ctx context.Context, url string, cfg config.RegistryConfig) (endpoint, error) {
	driverName, dsn, err := backend.ParseURL(url)
	if err != nil {
		return endpoint{}, err
	}
	dialect, err := backend.DialectFor(driverName)
	if err != nil {
		return endpoint{}, err
	}
	n, err := quoteNames(dialect, cfg.Table, cfg.Columns)
	if err != nil {
		return endpoint{}, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return endpoint{}, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return endpoint{}, err
	}
	return endpoint{db: db, dialect: dialect, names: n}, nil
}

// Open connects to the registry described by cfg.
func Open(ctx context.Context, cfg config.RegistryConfig, opts ...Option) (*Store, error) {
	if len(cfg.ReadURL) > MaxURLLength || len(cfg.WriteURL) > MaxURLLength {
		return nil, errors.Newf(errors.ErrCodeConfig, "registry url longer than %d bytes", MaxURLLength).
			WithComponent(component).WithOperation("Open")
	}
	s := &Store{
		dbNum:     cfg.DBNum,
		isolation: cfg.IsolationLevel,
		log:       logrus.StandardLogger(),
	}
	if s.isolation == "" {
		s.isolation = "SERIALIZABLE"
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retryer == nil {
		s.retryer = retry.New(retry.DefaultConfig())
	}

	read, err := openEndpoint(ctx, cfg.ReadURL, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "cannot open registry read url").
			WithComponent(component).WithOperation("Open")
	}
	s.read = read

	if cfg.WriteURL != "" {
		write, err := openEndpoint(ctx, cfg.WriteURL, cfg)
		if err != nil {
			read.db.Close()
			return nil, errors.Wrap(err, errors.ErrCodeConfig, "cannot open registry write url").
				WithComponent(component).WithOperation("Open")
		}
		s.write = &write
	}
	return s, nil
}

// ReadOnly reports whether the store has no write connection.
func (s *Store) ReadOnly() bool {
	return s.write == nil
}

// DBNum returns the number of slots every shard must have.
func (s *Store) DBNum() int {
	return s.dbNum
}

// Close closes both registry connections.
func (s *Store) Close() error {
	var firstErr error
	if s.write != nil {
		firstErr = s.write.db.Close()
	}
	if err := s.read.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func persistenceError(err error, op string, shardID, num int) error {
	e := errors.Wrap(err, errors.ErrCodePersistence, "registry access failed").
		WithComponent(component).WithOperation(op)
	if shardID != 0 {
		e = e.WithContext("shard", fmt.Sprint(shardID))
	}
	if num != 0 {
		e = e.WithContext("slot", fmt.Sprint(num))
	}
	return e
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		rec    Record
		status int
		spare  int
		ft     interface{}
	)
	if err := sc.Scan(&rec.ShardID, &rec.Number, &rec.URL, &status, &ft, &spare, &rec.Errors, &rec.RiskGroup); err != nil {
		return Record{}, err
	}
	t, err := parseTime(ft)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.FailoverTime = t
	rec.Spare = spare != 0
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, op string, shardID int, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.read.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(err, op, shardID, 0)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistenceError(err, op, shardID, 0)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(err, op, shardID, 0)
	}
	return recs, nil
}

// LoadShard returns the slots of a shard ordered by slot number. A shard
// with fewer than DBNum rows is NOT_FOUND; more rows or an oversized URL is
// a CONFIG_ERROR.
func (s *Store) LoadShard(ctx context.Context, shardID int) ([]Record, error) {
	n := s.read.names
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s=? ORDER BY %s", n.selectList(), n.table, n.id, n.num)
	recs, err := s.queryRecords(ctx, "LoadShard", shardID, query, shardID)
	if err != nil {
		return nil, err
	}
	if len(recs) < s.dbNum {
		return nil, errors.Newf(errors.ErrCodeNotFound, "shard %d has %d of %d slots", shardID, len(recs), s.dbNum).
			WithComponent(component).WithOperation("LoadShard").WithContext("shard", fmt.Sprint(shardID))
	}
	if len(recs) > s.dbNum {
		return nil, errors.Newf(errors.ErrCodeConfig, "shard %d has %d slots, expected %d", shardID, len(recs), s.dbNum).
			WithComponent(component).WithOperation("LoadShard").WithContext("shard", fmt.Sprint(shardID))
	}
	for _, rec := range recs {
		if len(rec.URL) > MaxURLLength {
			return nil, errors.Newf(errors.ErrCodeConfig, "slot %d url longer than %d bytes", rec.Number, MaxURLLength).
				WithComponent(component).WithOperation("LoadShard").WithContext("shard", fmt.Sprint(shardID))
		}
	}
	return recs, nil
}

// Records returns the whole table ordered by shard and slot number.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	n := s.read.names
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s,%s", n.selectList(), n.table, n.id, n.num)
	return s.queryRecords(ctx, "Records", 0, query)
}

// OffSpares returns the spare rows that are switched off, which is where a
// retired slot ends up after a failover.
func (s *Store) OffSpares(ctx context.Context) ([]Record, error) {
	n := s.read.names
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s=? AND %s=1 ORDER BY %s,%s",
		n.selectList(), n.table, n.status, n.spare, n.id, n.num)
	return s.queryRecords(ctx, "OffSpares", 0, query, int(StatusOff))
}

// MaxShardID returns the highest shard id that has an ON slot which is not
// a spare, or zero when there is none.
func (s *Store) MaxShardID(ctx context.Context) (int, error) {
	n := s.read.names
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s=? AND %s=0", n.id, n.table, n.status, n.spare)
	var max sql.NullInt64
	if err := s.read.db.QueryRowContext(ctx, query, int(StatusOn)).Scan(&max); err != nil {
		return 0, persistenceError(err, "MaxShardID", 0, 0)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// ShardIDs returns every distinct shard id in the table.
func (s *Store) ShardIDs(ctx context.Context) ([]int, error) {
	n := s.read.names
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY %s", n.id, n.table, n.id)
	rows, err := s.read.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistenceError(err, "ShardIDs", 0, 0)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceError(err, "ShardIDs", 0, 0)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(err, "ShardIDs", 0, 0)
	}
	return ids, nil
}

func (s *Store) writer(op string) (*endpoint, error) {
	if s.write == nil {
		return nil, errors.New(errors.ErrCodePersistence, "registry is read only").
			WithComponent(component).WithOperation(op)
	}
	return s.write, nil
}

// exec runs a single write statement with retries on transient errors.
func (s *Store) exec(ctx context.Context, op string, shardID, num int, build func(n names) (string, []interface{})) error {
	w, err := s.writer(op)
	if err != nil {
		return err
	}
	stmt, args := build(w.names)
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := w.db.ExecContext(ctx, stmt, args...)
		return err
	})
	if err != nil {
		return persistenceError(err, op, shardID, num)
	}
	return nil
}

// IncrementErrors adds one to the error counter of a slot and returns the
// new value.
func (s *Store) IncrementErrors(ctx context.Context, shardID, num int) (int, error) {
	w, err := s.writer("IncrementErrors")
	if err != nil {
		return 0, err
	}
	n := w.names
	update := fmt.Sprintf("UPDATE %s SET %s=%s+1 WHERE %s=? AND %s=?", n.table, n.errors, n.errors, n.id, n.num)
	read := fmt.Sprintf("SELECT %s FROM %s WHERE %s=? AND %s=?", n.errors, n.table, n.id, n.num)

	var count int
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, update, shardID, num); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.QueryRowContext(ctx, read, shardID, num).Scan(&count); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err == sql.ErrNoRows {
		return 0, errors.Newf(errors.ErrCodeNotFound, "slot %d of shard %d not in registry", num, shardID).
			WithComponent(component).WithOperation("IncrementErrors")
	}
	if err != nil {
		return 0, persistenceError(err, "IncrementErrors", shardID, num)
	}
	return count, nil
}

// Deactivate takes a slot out of rotation.
func (s *Store) Deactivate(ctx context.Context, shardID, num int, at time.Time) error {
	return s.exec(ctx, "Deactivate", shardID, num, func(n names) (string, []interface{}) {
		return fmt.Sprintf("UPDATE %s SET %s=?,%s=? WHERE %s=? AND %s=?", n.table, n.status, n.failoverTime, n.id, n.num),
			[]interface{}{int(StatusOff), dbTime(at), shardID, num}
	})
}

// Activate puts a recovered slot back in rotation and clears its error
// counter.
func (s *Store) Activate(ctx context.Context, shardID, num int, at time.Time) error {
	return s.exec(ctx, "Activate", shardID, num, func(n names) (string, []interface{}) {
		return fmt.Sprintf("UPDATE %s SET %s=?,%s=0,%s=? WHERE %s=? AND %s=?", n.table, n.status, n.errors, n.failoverTime, n.id, n.num),
			[]interface{}{int(StatusOn), dbTime(at), shardID, num}
	})
}

// ResetFailoverTime sets the failover time of a slot back to Never.
func (s *Store) ResetFailoverTime(ctx context.Context, shardID, num int) error {
	return s.exec(ctx, "ResetFailoverTime", shardID, num, func(n names) (string, []interface{}) {
		return fmt.Sprintf("UPDATE %s SET %s=? WHERE %s=? AND %s=?", n.table, n.failoverTime, n.id, n.num),
			[]interface{}{Never, shardID, num}
	})
}

// SetStatus changes the status of a slot without touching anything else.
// It is the administrative path to INACTIVE.
func (s *Store) SetStatus(ctx context.Context, shardID, num int, status Status) error {
	return s.exec(ctx, "SetStatus", shardID, num, func(n names) (string, []interface{}) {
		return fmt.Sprintf("UPDATE %s SET %s=? WHERE %s=? AND %s=?", n.table, n.status, n.id, n.num),
			[]interface{}{int(status), shardID, num}
	})
}
