package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/isogrpd/pkg/admin"
	"github.com/openfroyo/isogrpd/pkg/config"
	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/policy"
	"github.com/openfroyo/isogrpd/pkg/ports"
	"github.com/openfroyo/isogrpd/pkg/providers/sim"
	"github.com/openfroyo/isogrpd/pkg/stores"
	"github.com/openfroyo/isogrpd/pkg/telemetry"
	"github.com/openfroyo/isogrpd/pkg/transports/redis"
)

func newRunCommand(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the isolation group daemon",
		Long: `Run the daemon in the foreground.

The daemon consumes the isolation group and port tables of the configuration
store, programs the switch and serves the admin API. Records are held until
the port table reports PortInitDone unless engine.wait_for_ports is false.

The switch is the in-memory simulator; its objects can be inspected through
the admin API.`,
		Example: `  # Run with the default search paths
  isogrpd run

  # Run against a specific store with debug logging
  isogrpd run --redis-addr 10.0.0.5:6379 --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg, a.version)
			if err != nil {
				return err
			}
			if watch && a.loader.ConfigFile() != "" {
				a.loader.Watch(d.logger, nil)
			}
			return d.run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "reload the log level when the config file changes")

	return cmd
}

// daemon wires the engine to its transports.
type daemon struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	sw      *sim.Switch
	dir     *ports.Directory
	runner  *engine.Runner
	journal *stores.SQLiteStore
	policy  *policy.Engine
	admin   *admin.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, version string) (*daemon, error) {
	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	d := &daemon{cfg: cfg, tel: tel, logger: logger}

	d.sw = sim.New(sim.WithLogger(logger))
	d.dir = ports.New(d.sw, ports.WithLogger(logger))

	regOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
		engine.WithEventSink(tel.Events),
	}
	if cfg.Policy.Enabled {
		pe, err := newPolicyEngine(ctx, cfg.Policy, logger)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		d.policy = pe
		regOpts = append(regOpts, engine.WithAdmission(pe))
	}
	reg := engine.NewRegistry(d.sw, d.dir, regOpts...)
	reg.AttachTo(d.dir)

	runnerOpts := []engine.RunnerOption{
		engine.WithRetryInterval(cfg.Engine.RetryInterval),
		engine.WithRunnerLogger(logger),
		engine.WithRunnerMetrics(tel.Metrics),
	}
	if cfg.Engine.WaitForPorts {
		runnerOpts = append(runnerOpts, engine.WithReadiness(d.dir))
	} else {
		d.dir.SetInitDone(true)
	}
	d.runner = engine.NewRunner(reg, runnerOpts...)

	adminOpts := []admin.Option{
		admin.WithReadiness(d.dir),
		admin.WithMetrics(tel.Metrics),
		admin.WithLogger(logger),
	}
	if cfg.Journal.Enabled {
		journal, err := openJournal(ctx, cfg.Journal.Path)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		tel.Events.Subscribe(stores.Subscriber(journal, logger), nil)
		d.journal = journal
		adminOpts = append(adminOpts, admin.WithJournal(journal))
	}
	d.admin = admin.New(d.runner, adminOpts...)

	return d, nil
}

// newPolicyEngine loads the built-in policies plus those under cfg.Paths.
func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	if err := disablePolicies(pe, cfg.Disabled); err != nil {
		return nil, err
	}
	return pe, nil
}

func disablePolicies(pe *policy.Engine, names []string) error {
	for _, name := range names {
		if err := pe.DisablePolicy(name); err != nil {
			return fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return nil
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	journal, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if err := journal.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return journal, nil
}

// run blocks until ctx is cancelled or a component fails.
func (d *daemon) run(ctx context.Context) error {
	defer d.shutdown()

	client, err := redis.Dial(ctx, d.cfg.Redis.Addr, d.cfg.Redis.Password, d.cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	consumerOpts := []redis.Option{
		redis.WithBatchSize(d.cfg.Redis.BatchSize),
		redis.WithPollInterval(d.cfg.Redis.PollInterval),
		redis.WithLogger(d.logger),
		redis.WithTracer(d.tel.Tracer.Tracer()),
	}
	groups := redis.NewConsumer(client, d.cfg.Redis.GroupTable, consumerOpts...)
	portTable := redis.NewConsumer(client, d.cfg.Redis.PortTable, consumerOpts...)

	d.logger.Info().
		Str("redis", d.cfg.Redis.Addr).
		Str("group_table", d.cfg.Redis.GroupTable).
		Str("port_table", d.cfg.Redis.PortTable).
		Bool("journal", d.journal != nil).
		Bool("policy", d.policy != nil).
		Msg("Starting isogrpd")

	g, gctx := errgroup.WithContext(ctx)
	if d.policy != nil && d.cfg.Policy.Watch && len(d.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(d.logger)
		err := loader.Watch(gctx, d.cfg.Policy.Paths, func(policies []policy.Policy) error {
			if err := d.policy.SetPolicies(gctx, policies); err != nil {
				return err
			}
			return disablePolicies(d.policy, d.cfg.Policy.Disabled)
		})
		if err != nil {
			d.logger.Warn().Err(err).Msg("Policy files are not watched")
		}
	}
	g.Go(func() error {
		return d.runner.Run(gctx)
	})
	g.Go(func() error {
		return portTable.Run(gctx, d.applyPortRecords)
	})
	g.Go(func() error {
		return groups.Run(gctx, d.enqueueGroupRecords)
	})
	if d.cfg.Admin.Enabled {
		g.Go(func() error {
			return d.admin.Serve(gctx, d.cfg.Admin)
		})
	}
	if d.journal != nil && d.cfg.Journal.Retention > 0 {
		g.Go(func() error {
			d.pruneJournal(gctx)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		d.logger.Info().Msg("isogrpd stopped")
		return nil
	}
	return err
}

// enqueueGroupRecords hands isolation group records to the runner. Records
// are tagged with the group table name the runner accepts, whatever the
// configured store table is called.
func (d *daemon) enqueueGroupRecords(ctx context.Context, recs []engine.Record) error {
	for i := range recs {
		recs[i].Table = engine.IsolationGroupTable
	}
	return d.runner.Enqueue(ctx, recs...)
}

// applyPortRecords updates the port directory on the dispatch goroutine and
// then retries records that were waiting for ports.
func (d *daemon) applyPortRecords(ctx context.Context, recs []engine.Record) error {
	err := d.runner.Do(ctx, func(ctx context.Context, _ *engine.Registry) error {
		var errs []error
		for _, rec := range recs {
			rec.Table = ports.PortTable
			if err := d.dir.ApplyRecord(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", rec.Op, rec.Key, err))
			}
		}
		return errors.Join(errs...)
	})
	if flushErr := d.runner.Flush(ctx); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

func (d *daemon) pruneJournal(ctx context.Context) {
	interval := d.cfg.Journal.Retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.journal.PruneEvents(ctx, time.Now().Add(-d.cfg.Journal.Retention))
			if err != nil {
				d.logger.Warn().Err(err).Msg("Failed to prune journal")
				continue
			}
			if n > 0 {
				d.logger.Info().Int64("events", n).Msg("Journal pruned")
			}
		}
	}
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.tel.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}
