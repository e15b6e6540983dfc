// Package health keeps switched off slots under observation and brings them
// back once their backend answers again.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
)

// DefaultConcurrency bounds how many shards are checked at once.
const DefaultConcurrency = 8

// Monitor periodically probes switched off slots of the watched shards and
// puts them back into rotation once they answer. Retired slots parked as
// switched off spares are probed too and return to the spare pool. It also
// clears failover times that are older than the expiry.
type Monitor struct {
	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	store       *registry.Store
	driver      backend.Driver
	board       *flags.Board
	watch       *flags.WatchList
	interval    time.Duration
	expire      time.Duration
	concurrency int

	log     logrus.FieldLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// Config holds the collaborators and timing of a Monitor.
type Config struct {
	Store  *registry.Store
	Driver backend.Driver
	Board  *flags.Board
	Watch  *flags.WatchList

	// Interval is the time between two checks.
	Interval time.Duration
	// ExpireTime is how long a failover time is kept before it is reset.
	ExpireTime time.Duration
	// Concurrency bounds the shards checked in parallel.
	Concurrency int

	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Report summarizes one check round.
type Report struct {
	Shards      int
	Probed      int
	Activated   int
	Resets      int
	ProbeErrors int

	// SparesProbed and SparesRecovered count switched off spares.
	SparesProbed    int
	SparesRecovered int
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		store:       cfg.Store,
		driver:      cfg.Driver,
		board:       cfg.Board,
		watch:       cfg.Watch,
		interval:    cfg.Interval,
		expire:      cfg.ExpireTime,
		concurrency: cfg.Concurrency,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.interval <= 0 {
		m.interval = 60 * time.Second
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultConcurrency
	}
	return m
}

// Start runs the check loop until Stop is called or ctx ends. Without a
// writable registry there is nothing the monitor could change and it stays
// off.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("monitor already started")
	}
	if m.store.ReadOnly() {
		m.log.Info("registry is read only, health monitor disabled")
		return nil
	}

	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitorLoop(ctx)

	m.log.WithField("interval", m.interval).Info("health monitor started")
	return nil
}

// Stop ends the check loop and waits for a running check to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor not started")
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	return nil
}

// Running reports whether the check loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckOnce(ctx); err != nil {
				m.log.WithError(err).Warn("health check round failed")
			}
		}
	}
}

// CheckOnce checks every watched shard once. Registry errors of single
// shards are logged and the first one is returned after all shards ran.
func (m *Monitor) CheckOnce(ctx context.Context) (Report, error) {
	shards := m.watch.Shards()

	var (
		mu       sync.Mutex
		report   = Report{Shards: len(shards)}
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range shards {
		id := id
		g.Go(func() error {
			r, err := m.checkShard(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Probed += r.Probed
			report.Activated += r.Activated
			report.Resets += r.Resets
			report.ProbeErrors += r.ProbeErrors
			if err != nil {
				m.log.WithError(err).WithField("shard", id).Warn("cannot check shard")
				if firstErr == nil {
					firstErr = err
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	probed, recovered, err := m.checkSpares(ctx)
	report.SparesProbed, report.SparesRecovered = probed, recovered
	if err != nil {
		m.log.WithError(err).Warn("cannot check spares")
		if firstErr == nil {
			firstErr = err
		}
	}

	// One broadcast per round is enough for every handle. Spares are not
	// cached by any handle.
	if report.Activated > 0 {
		m.board.SetMustReconnect()
	} else if report.Resets > 0 {
		m.board.SetMustRefresh()
	}
	return report, firstErr
}

func (m *Monitor) checkShard(ctx context.Context, shardID int) (Report, error) {
	var r Report
	recs, err := m.store.LoadShard(ctx, shardID)
	if err != nil {
		return r, err
	}
	now := m.now()
	for _, rec := range recs {
		log := m.log.WithFields(logrus.Fields{"shard": shardID, "slot": rec.Number})
		switch rec.Status {
		case registry.StatusOff:
			r.Probed++
			if err := m.probe(ctx, rec.URL); err != nil {
				r.ProbeErrors++
				m.metrics.RecordHealthCheck(false)
				log.WithError(err).Debug("slot still unreachable")
				continue
			}
			m.metrics.RecordHealthCheck(true)
			if err := m.store.Activate(ctx, shardID, rec.Number, now); err != nil {
				return r, err
			}
			r.Activated++
			m.metrics.RecordActivation()
			log.Info("slot reactivated")

		case registry.StatusOn:
			if rec.NeverFailedOver() || now.Sub(rec.FailoverTime) <= m.expire {
				continue
			}
			if err := m.store.ResetFailoverTime(ctx, shardID, rec.Number); err != nil {
				return r, err
			}
			r.Resets++
			m.metrics.RecordFailoverReset()
			log.Debug("failover time expired")
		}
	}
	return r, nil
}

// checkSpares brings switched off spares back into the spare pool once
// their backend answers.
func (m *Monitor) checkSpares(ctx context.Context) (probed, recovered int, err error) {
	spares, err := m.store.OffSpares(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := m.now()
	for _, rec := range spares {
		log := m.log.WithFields(logrus.Fields{"shard": rec.ShardID, "slot": rec.Number, "spare": true})
		probed++
		if err := m.probe(ctx, rec.URL); err != nil {
			m.metrics.RecordHealthCheck(false)
			log.WithError(err).Debug("spare still unreachable")
			continue
		}
		m.metrics.RecordHealthCheck(true)
		if err := m.store.Activate(ctx, rec.ShardID, rec.Number, now); err != nil {
			return probed, recovered, err
		}
		recovered++
		log.Info("spare recovered")
	}
	return probed, recovered, nil
}

// probe opens a throwaway connection to url and pings it.
func (m *Monitor) probe(ctx context.Context, url string) error {
	conn, err := m.driver.Open(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}
