package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/isogrpd/pkg/admin"
	"github.com/openfroyo/isogrpd/pkg/config"
)

// app holds the state shared by every subcommand of one root command.
type app struct {
	loader     *config.Loader
	configPath string
	adminURL   string
	actor      string

	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{
		loader:    config.NewLoader(),
		version:   version,
		commit:    commit,
		buildDate: buildDate,
	}

	rootCmd := &cobra.Command{
		Use:   "isogrpd",
		Short: "Isolation group orchestration daemon",
		Long: `isogrpd programs switch isolation groups from configuration records.

An isolation group is a named set of member ports whose traffic is blocked
from reaching the bind ports of the group. Groups are read from the
ISOLATION_GROUP_TABLE of the configuration store, reconciled against the
ports known to the switch and kept consistent while ports come and go.

The daemon is started with "isogrpd run". The remaining commands talk to a
running daemon through its admin API or write configuration records.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file path")
	flags.StringVar(&a.adminURL, "admin-url", "", "admin API base URL (default from admin.listen)")
	flags.StringVar(&a.actor, "actor", "", "actor recorded in the audit journal")
	flags.String("redis-addr", "", "configuration store address (host:port)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	// Flag errors can only come from a missing flag name.
	_ = a.loader.BindFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = a.loader.BindFlag("telemetry.logging.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newGroupCommand(a))
	rootCmd.AddCommand(newTableCommand(a))
	rootCmd.AddCommand(newEventsCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))

	return rootCmd
}

// loadConfig loads the configuration selected by the global flags.
func (a *app) loadConfig() (*config.Config, error) {
	return a.loader.Load(a.configPath)
}

// client returns an admin API client for the daemon.
func (a *app) client() (*admin.Client, error) {
	base := a.adminURL
	if base == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.Admin.Listen
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return admin.NewClient(strings.TrimRight(base, "/"), a.actor), nil
}
