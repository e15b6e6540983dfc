package replication

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/internal/shard"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Key identifies the entity an operation is about. Secondary is the domain
// part and only used in domain mode.
type Key struct {
	Primary   string
	Secondary string
}

// Router executes operations against the slots of the shard a key maps to.
type Router struct {
	resolver        *shard.Resolver
	pool            *Pool
	coord           *Coordinator
	policy          Policy
	useTransactions bool

	log     logrus.FieldLogger
	metrics *metrics.Collector
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Resolver        *shard.Resolver
	Pool            *Pool
	Coordinator     *Coordinator
	Policy          Policy
	UseTransactions bool
	Logger          logrus.FieldLogger
	Metrics         *metrics.Collector
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		resolver:        cfg.Resolver,
		pool:            cfg.Pool,
		coord:           cfg.Coordinator,
		policy:          cfg.Policy,
		useTransactions: cfg.UseTransactions,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	return r
}

// writeFunc applies one write to one backend connection.
type writeFunc func(ctx context.Context, conn backend.Conn) error

// Insert adds a row on every slot of the key's shard.
func (r *Router) Insert(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return r.write(ctx, "insert", key, func(ctx context.Context, conn backend.Conn) error {
		return conn.Insert(ctx, table, columns, values)
	})
}

// Update changes the matching rows on every slot.
func (r *Router) Update(ctx context.Context, key Key, table string, where backend.Where, columns []string, values []interface{}) error {
	return r.write(ctx, "update", key, func(ctx context.Context, conn backend.Conn) error {
		return conn.Update(ctx, table, where, columns, values)
	})
}

// Replace inserts or overwrites a row on every slot.
func (r *Router) Replace(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return r.write(ctx, "replace", key, func(ctx context.Context, conn backend.Conn) error {
		return conn.Replace(ctx, table, columns, values)
	})
}

// InsertOrUpdate inserts a row or updates it on a key conflict, on every
// slot.
func (r *Router) InsertOrUpdate(ctx context.Context, key Key, table string, columns []string, values []interface{}) error {
	return r.write(ctx, "insert_update", key, func(ctx context.Context, conn backend.Conn) error {
		return conn.InsertOrUpdate(ctx, table, columns, values)
	})
}

// Delete removes the matching rows on every slot.
func (r *Router) Delete(ctx context.Context, key Key, table string, where backend.Where) error {
	return r.write(ctx, "delete", key, func(ctx context.Context, conn backend.Conn) error {
		return conn.Delete(ctx, table, where)
	})
}

// Query reads from the first slot that answers, trying the slot that has
// been stable longest first.
func (r *Router) Query(ctx context.Context, key Key, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error) {
	start := time.Now()
	res, err := r.query(ctx, key, table, where, columns, orderBy)
	r.metrics.RecordOperation("query", time.Since(start), err == nil)
	return res, err
}

// FreeResult releases a result returned by Query.
func (r *Router) FreeResult(res *backend.Result) {
	res.Free()
}

func (r *Router) acquire(ctx context.Context, key Key) (*Handle, error) {
	shardID, err := r.resolver.Resolve(ctx, key.Primary, key.Secondary)
	if err != nil {
		return nil, err
	}
	return r.pool.Acquire(ctx, shardID)
}

func (r *Router) query(ctx context.Context, key Key, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error) {
	h, err := r.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	order := h.readOrder()
	dbNum := r.pool.DBNum()
	for attempt, idx := range order {
		if attempt >= dbNum {
			break
		}
		s := h.slots[idx]
		if s.Status != registry.StatusOn {
			continue
		}
		res, err := r.tryQuery(ctx, h, s, table, where, columns, orderBy)
		if err == nil {
			return res, nil
		}
		if fatal := r.slotFailed(ctx, h, s, "query", err); fatal != nil {
			return nil, fatal
		}
	}
	return nil, errors.Newf(errors.ErrCodeAllReplicasDown, "no slot of shard %d answered", h.ShardID).
		WithComponent("router").WithOperation("Query")
}

func (r *Router) tryQuery(ctx context.Context, h *Handle, s *Slot, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error) {
	if err := r.connect(ctx, h, s); err != nil {
		return nil, err
	}
	return s.conn.Query(ctx, table, where, columns, orderBy)
}

// connect opens the slot's connection if it has none.
func (r *Router) connect(ctx context.Context, h *Handle, s *Slot) error {
	if s.Connected() {
		return nil
	}
	conn, err := r.pool.driver.Open(ctx, s.URL)
	if err != nil {
		return err
	}
	s.conn = conn
	h.countWorking()
	return nil
}

// slotFailed drops the failed slot's connection and runs error handling.
// It returns an error only when the operation must stop.
func (r *Router) slotFailed(ctx context.Context, h *Handle, s *Slot, op string, cause error) error {
	r.metrics.RecordBackendError(op)
	r.log.WithError(cause).WithFields(logrus.Fields{"shard": h.ShardID, "slot": s.Number, "op": op}).Info("backend call failed")
	h.dropConnection(s, r.log)

	err := r.coord.HandleError(ctx, h, s.Number)
	if err == nil {
		return nil
	}
	if errors.HasCode(err, errors.ErrCodeInsufficientReplicas) {
		r.log.WithError(err).WithField("shard", h.ShardID).Warn("continuing with reduced redundancy")
		return nil
	}
	return err
}

func (r *Router) write(ctx context.Context, op string, key Key, fn writeFunc) error {
	start := time.Now()
	err := r.doWrite(ctx, op, key, fn)
	r.metrics.RecordOperation(op, time.Since(start), err == nil)
	return err
}

func (r *Router) doWrite(ctx context.Context, op string, key Key, fn writeFunc) error {
	h, err := r.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer r.pool.Release(h)

	if r.useTransactions {
		return r.writeTransactional(ctx, op, h, fn)
	}

	ok := 0
	for _, s := range h.slots {
		if s.Status != registry.StatusOn {
			continue
		}
		url := s.URL
		err := r.tryWrite(ctx, h, s, fn)
		if err == nil {
			ok++
			continue
		}
		if fatal := r.slotFailed(ctx, h, s, op, err); fatal != nil {
			return fatal
		}
		// A spare promoted into this slot gets the write too.
		if s.Status == registry.StatusOn && s.URL != url && s.Connected() {
			if err := fn(ctx, s.conn); err == nil {
				ok++
			} else {
				r.metrics.RecordBackendError(op)
				h.dropConnection(s, r.log)
			}
		}
	}
	return r.checkWrite(op, h, ok)
}

func (r *Router) tryWrite(ctx context.Context, h *Handle, s *Slot, fn writeFunc) error {
	if err := r.connect(ctx, h, s); err != nil {
		return err
	}
	return fn(ctx, s.conn)
}

func (r *Router) checkWrite(op string, h *Handle, ok int) error {
	if r.policy.Check(PurposeWrite, ok, h.working, r.pool.DBNum()) {
		return nil
	}
	return errors.Newf(errors.ErrCodeInsufficientReplicas, "%s reached %d of %d working slots of shard %d", op, ok, h.working, h.ShardID).
		WithComponent("router").WithOperation(op).
		WithDetail("ok", ok).WithDetail("working", h.working).WithDetail("policy", r.policy.String())
}

// writeTransactional runs the write inside a local transaction on each
// slot. A slot failure rolls back the slots already written in the same
// attempt and the write is retried once without the failed slot. The
// backends commit independently; there is no atomicity across them.
func (r *Router) writeTransactional(ctx context.Context, op string, h *Handle, fn writeFunc) error {
	excludeURL := ""
	for attempt := 0; attempt < 2; attempt++ {
		var targets []*Slot
		for _, s := range h.slots {
			if s.Status == registry.StatusOn && s.URL != excludeURL {
				targets = append(targets, s)
			}
		}
		failed, cause := r.txAttempt(ctx, h, targets, fn)
		if failed == nil {
			ok := 0
			for _, s := range targets {
				if !s.Connected() {
					continue
				}
				if err := s.conn.Commit(ctx); err != nil {
					if fatal := r.slotFailed(ctx, h, s, op, err); fatal != nil {
						return fatal
					}
					continue
				}
				ok++
			}
			return r.checkWrite(op, h, ok)
		}
		excludeURL = failed.URL
		if fatal := r.slotFailed(ctx, h, failed, op, cause); fatal != nil {
			return fatal
		}
	}
	return r.checkWrite(op, h, 0)
}

// txAttempt begins a transaction and applies fn on every target. On the
// first failure it rolls back the targets already begun and returns the
// failed slot.
func (r *Router) txAttempt(ctx context.Context, h *Handle, targets []*Slot, fn writeFunc) (*Slot, error) {
	var begun []*Slot
	rollback := func() {
		for _, s := range begun {
			if err := s.conn.Rollback(ctx); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{"shard": h.ShardID, "slot": s.Number}).Warn("rollback failed")
			}
		}
	}
	for _, s := range targets {
		if err := r.connect(ctx, h, s); err != nil {
			rollback()
			return s, err
		}
		if err := s.conn.Begin(ctx); err != nil {
			rollback()
			return s, err
		}
		begun = append(begun, s)
		if err := fn(ctx, s.conn); err != nil {
			rollback()
			return s, err
		}
	}
	return nil, nil
}
