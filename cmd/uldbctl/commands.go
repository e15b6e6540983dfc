package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/metrics"
	"github.com/kamailio/kamailio-sub007/internal/registry"
	"github.com/kamailio/kamailio-sub007/internal/shard"
	"github.com/kamailio/kamailio-sub007/pkg/location"
	"github.com/kamailio/kamailio-sub007/pkg/uldb"
)

const commandTimeout = 30 * time.Second

func openStore(ctx context.Context, g *Globals) (*registry.Store, *logrus.Logger, error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	store, err := registry.Open(ctx, cfg.Registry, registry.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return store, log, nil
}

// SchemaCommand creates the registry table and, for every backend given,
// the location table.
type SchemaCommand struct {
	Backends []string `kong:"help='Backend URLs that get the location table',name='backend'"`
}

// Run executes the schema command
func (c *SchemaCommand) Run(g *Globals) error {
	ctx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()

	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	store, err := registry.Open(ctx, cfg.Registry, registry.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CreateSchema(ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "registry table %s ready\n", cfg.Registry.Table)

	driver := backend.NewSQLDriver()
	for _, url := range c.Backends {
		if err := createLocationTable(ctx, driver, url, cfg.Location.Table); err != nil {
			return fmt.Errorf("%s: %w", url, err)
		}
		fmt.Fprintf(g.Out, "location table %s ready on %s\n", cfg.Location.Table, url)
	}
	return nil
}

func createLocationTable(ctx context.Context, driver backend.Driver, url, table string) error {
	driverName, _, err := backend.ParseURL(url)
	if err != nil {
		return err
	}
	dialect, err := backend.DialectFor(driverName)
	if err != nil {
		return err
	}
	stmt, err := location.CreateTableSQL(dialect, table)
	if err != nil {
		return err
	}
	conn, err := driver.Open(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Exec(ctx, stmt)
}

// SeedCommand adds one slot row to the registry.
type SeedCommand struct {
	Shard     int    `kong:"help='Shard id',required"`
	Num       int    `kong:"help='Slot number, unique in the registry',required"`
	URL       string `kong:"help='Backend URL',required,name='url'"`
	RiskGroup int    `kong:"help='Risk group',default='0'"`
	Spare     bool   `kong:"help='Add the slot as a spare'"`
	Status    string `kong:"help='Initial status (ON, OFF, INACTIVE)',default='ON'"`
}

// Run executes the seed command
func (c *SeedCommand) Run(g *Globals) error {
	ctx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()

	status, err := registry.ParseStatus(c.Status)
	if err != nil {
		return err
	}
	store, _, err := openStore(ctx, g)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := registry.Record{
		ShardID:   c.Shard,
		Number:    c.Num,
		URL:       c.URL,
		Status:    status,
		Spare:     c.Spare,
		RiskGroup: c.RiskGroup,
	}
	if err := store.Insert(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "added %s\n", rec)
	return nil
}

// StatusCommand lists the registry rows.
type StatusCommand struct {
	Shard int `kong:"help='Only show this shard',default='0'"`
}

// Run executes the status command
func (c *StatusCommand) Run(g *Globals) error {
	ctx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()

	store, _, err := openStore(ctx, g)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Records(ctx)
	if err != nil {
		return err
	}

	table := tabwriter.NewWriter(g.Out, 1, 3, 1, ' ', 0)
	table.Write([]byte("Shard\tSlot\tStatus\tSpare\tErrors\tRisk group\tFailover time\tURL\n"))
	for _, r := range recs {
		if c.Shard != 0 && r.ShardID != c.Shard {
			continue
		}
		spare := ""
		if r.Spare {
			spare = "*"
		}
		failover := "-"
		if !r.NeverFailedOver() {
			failover = r.FailoverTime.Format(time.RFC3339)
		}
		table.Write([]byte(fmt.Sprintf("%d\t%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ShardID, r.Number, r.Status, spare, r.Errors, r.RiskGroup, failover, r.URL)))
	}
	table.Flush()
	return nil
}

// ResolveCommand prints the shard of a key.
type ResolveCommand struct {
	Key    string `kong:"arg,help='Username or address of record'"`
	Domain string `kong:"help='Domain part in domain mode'"`
	Max    int    `kong:"help='Highest shard id; read from the registry when 0',default='0'"`
}

// Run executes the resolve command
func (c *ResolveCommand) Run(g *Globals) error {
	if c.Max > 0 {
		fmt.Fprintf(g.Out, "%d\n", shard.Compute(c.Key, c.Max))
		return nil
	}
	ctx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()

	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	store, err := registry.Open(ctx, cfg.Registry, registry.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := shard.NewResolver(store.MaxShardID, cfg.Replication.UseDomain).Resolve(ctx, c.Key, c.Domain)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "%d\n", id)
	return nil
}

// newClient builds a client that watches every shard in the registry.
// Shards holding only spares are not watched.
func newClient(ctx context.Context, g *Globals, opts ...uldb.Option) (*uldb.Client, error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, err
	}
	client, err := uldb.New(ctx, cfg, append([]uldb.Option{uldb.WithLogger(log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	recs, err := client.Store().Records(ctx)
	if err != nil {
		client.Shutdown(ctx)
		return nil, err
	}
	for _, r := range recs {
		if !r.Spare {
			client.Watch().Add(r.ShardID)
		}
	}
	return client, nil
}

// CheckCommand runs a single health check round.
type CheckCommand struct{}

// Run executes the check command
func (c *CheckCommand) Run(g *Globals) error {
	ctx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()

	client, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	defer client.Shutdown(ctx)

	report, err := client.CheckHealth(ctx)
	fmt.Fprintf(g.Out, "shards: %d  probed: %d  reactivated: %d  unreachable: %d  failover times reset: %d  spares recovered: %d/%d\n",
		report.Shards, report.Probed, report.Activated, report.ProbeErrors, report.Resets, report.SparesRecovered, report.SparesProbed)
	return err
}

// RunCommand keeps the health monitor running until interrupted.
type RunCommand struct {
	MetricsPort int `kong:"help='Metrics port, overrides the configuration',default='0'"`
}

// Run executes the run command
func (c *RunCommand) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	mcfg := metrics.DefaultConfig()
	mcfg.Port = cfg.Global.MetricsPort
	if c.MetricsPort > 0 {
		mcfg.Port = c.MetricsPort
	}
	collector, err := metrics.NewCollector(mcfg)
	if err != nil {
		return err
	}
	collector.SetLogger(log)
	if err := collector.Start(ctx); err != nil {
		return err
	}

	client, err := newClient(ctx, g, uldb.WithMetrics(collector))
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		client.Shutdown(context.Background())
		return err
	}
	log.WithFields(logrus.Fields{"metrics_port": mcfg.Port, "shards": client.Watch().Shards()}).Info("monitoring registry")

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), commandTimeout)
	defer done()
	err = client.Shutdown(shutdownCtx)
	if merr := collector.Stop(shutdownCtx); merr != nil && err == nil {
		err = merr
	}
	return err
}
