package replication

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

var errNoSpare = stderrors.New("no spare available in risk group")

// Coordinator reacts to backend failures: it counts errors per slot and,
// past the threshold, replaces the slot with a spare or takes it out of
// rotation.
type Coordinator struct {
	store     *registry.Store
	pool      *Pool
	board     *flags.Board
	policy    Policy
	level     FailoverLevel
	threshold int

	log     logrus.FieldLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store          *registry.Store
	Pool           *Pool
	Board          *flags.Board
	Policy         Policy
	FailoverLevel  FailoverLevel
	ErrorThreshold int
	Logger         logrus.FieldLogger
	Metrics        *metrics.Collector
	Now            func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:     cfg.Store,
		pool:      cfg.Pool,
		board:     cfg.Board,
		policy:    cfg.Policy,
		level:     cfg.FailoverLevel,
		threshold: cfg.ErrorThreshold,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.threshold <= 0 {
		c.threshold = 1
	}
	return c
}

// HandleError processes a failure of slot num of the handle, which the
// caller holds. It returns nil when the failure was absorbed and an
// INSUFFICIENT_REPLICAS error when the handle lost its redundancy margin.
// Registry failures are returned as is.
func (c *Coordinator) HandleError(ctx context.Context, h *Handle, num int) error {
	log := c.log.WithFields(logrus.Fields{"shard": h.ShardID, "slot": num})

	_, slot := h.slotByNumber(num)
	if slot == nil {
		log.Error("slot not found in handle")
		return errors.Newf(errors.ErrCodeBug, "slot %d not in handle of shard %d", num, h.ShardID).
			WithComponent("failover").WithOperation("HandleError").WithStack()
	}

	if c.store.ReadOnly() {
		h.ensureConnections(ctx, c.pool.driver, c.log)
		c.metrics.RecordFailover(metrics.OutcomeTolerated)
		return nil
	}

	url := slot.URL
	if err := c.pool.refresh(ctx, h); err != nil {
		c.metrics.RecordFailover(metrics.OutcomeFailed)
		return err
	}
	_, slot = h.slotByNumber(num)
	if slot == nil || slot.URL != url || slot.Status != registry.StatusOn {
		log.Info("slot already failed over")
		c.metrics.RecordFailover(metrics.OutcomeAlreadyDone)
		return nil
	}
	failed := slot.Record

	count, err := c.store.IncrementErrors(ctx, h.ShardID, num)
	if err != nil {
		c.metrics.RecordFailover(metrics.OutcomeFailed)
		return err
	}
	log = log.WithFields(logrus.Fields{"errors": count, "threshold": c.threshold})
	if count < c.threshold {
		log.Info("backend error tolerated")
		c.metrics.RecordFailover(metrics.OutcomeTolerated)
		return nil
	}

	outcome, err := c.escalate(ctx, h, failed, log)
	if err != nil {
		c.metrics.RecordFailover(metrics.OutcomeFailed)
		return err
	}
	c.metrics.RecordFailover(outcome)

	if err := c.pool.refresh(ctx, h); err != nil {
		return err
	}
	// Our own entry was flagged by the broadcast; the refresh above covers it.
	h.entry.MustRefresh()

	if !c.policy.Check(PurposeHealth, h.working, h.working, c.pool.DBNum()) {
		log.WithField("working", h.working).Warn("shard below its redundancy margin")
		return errors.Newf(errors.ErrCodeInsufficientReplicas, "shard %d has %d working slots", h.ShardID, h.working).
			WithComponent("failover").WithOperation("HandleError").
			WithContext("shard", fmt.Sprint(h.ShardID)).
			WithDetail("working", h.working).WithDetail("policy", c.policy.String())
	}
	return nil
}

// escalate replaces or switches off a slot that crossed the error
// threshold.
func (c *Coordinator) escalate(ctx context.Context, h *Handle, failed registry.Record, log logrus.FieldLogger) (string, error) {
	if c.level != FailoverNone {
		outcome, err := c.promote(ctx, h.ShardID, failed)
		if err == nil {
			if outcome == metrics.OutcomePromoted {
				log.Warn("spare promoted")
				c.board.SetMustRefresh()
			}
			return outcome, nil
		}
		log.WithError(err).Warn("promotion failed, deactivating slot")
	}

	if c.level == FailoverNormal && h.onCount() <= 1 {
		log.Error("not deactivating the last slot in rotation")
		return metrics.OutcomeTolerated, nil
	}

	if err := c.store.Deactivate(ctx, h.ShardID, failed.Number, c.now()); err != nil {
		log.WithError(err).Error("cannot deactivate slot")
		return "", err
	}
	log.Warn("slot deactivated")
	c.board.SetMustRefresh()
	return metrics.OutcomeDeactivated, nil
}

// promote swaps the failed slot for a spare of the same risk group in one
// registry transaction.
func (c *Coordinator) promote(ctx context.Context, shardID int, failed registry.Record) (string, error) {
	outcome := metrics.OutcomePromoted
	err := c.store.Failover(ctx, func(ctx context.Context, tx *registry.Tx) error {
		exists, err := tx.HandleDataExists(ctx, shardID, failed.Number, failed.URL)
		if err != nil {
			return err
		}
		if !exists {
			outcome = metrics.OutcomeAlreadyDone
			return nil
		}
		spare, err := tx.FindSpare(ctx, failed.RiskGroup, shardID)
		if err != nil {
			return err
		}
		if spare == nil {
			return errNoSpare
		}
		next, err := tx.NextSlotNumber(ctx)
		if err != nil {
			return err
		}
		now := c.now()
		if err := tx.RetireSlot(ctx, failed, spare.ShardID, next, now); err != nil {
			return err
		}
		return tx.PromoteSpare(ctx, *spare, shardID, failed.Number, now)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}
