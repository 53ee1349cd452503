package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/isogrpd/pkg/config"
	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/transports/redis"
)

func newTableCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Read and write configuration store tables",
		Long: `Read and write entries of the configuration store tables consumed by the
daemon. TABLE is "group", "port" or a literal table name.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set TABLE KEY FIELD=VALUE...",
		Short: "Write fields of a table entry",
		Example: `  # Define an isolation group
  isogrpd table set group grp1 type=port members=Ethernet0,Ethernet4 ports=Ethernet8

  # Announce a port and complete port initialisation
  isogrpd table set port Ethernet0 kind=phy bridge_port=true
  isogrpd table set port PortInitDone`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				// An entry only exists while its hash has a field.
				fields = []engine.FieldValue{{Field: "NULL", Value: "NULL"}}
			}
			return a.withProducer(cmd.Context(), args[0], func(ctx context.Context, p *redis.Producer) error {
				if err := p.Set(ctx, args[1], fields); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", p.Table().HashKey(args[1]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "del TABLE KEY",
		Short: "Delete a table entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProducer(cmd.Context(), args[0], func(ctx context.Context, p *redis.Producer) error {
				if err := p.Del(ctx, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ deleted %s\n", p.Table().HashKey(args[1]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show TABLE [KEY]",
		Short: "Show table entries",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProducer(cmd.Context(), args[0], func(ctx context.Context, p *redis.Producer) error {
				keys := args[1:]
				if len(keys) == 0 {
					var err error
					if keys, err = p.Keys(ctx); err != nil {
						return err
					}
				}
				for _, key := range keys {
					fields, ok, err := p.Get(ctx, key)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s not found", p.Table().HashKey(key))
					}
					printEntry(cmd.OutOrStdout(), p.Table().HashKey(key), fields)
				}
				return nil
			})
		},
	})

	return cmd
}

// withProducer connects to the configuration store and runs fn with a
// producer for the named table.
func (a *app) withProducer(ctx context.Context, table string, fn func(context.Context, *redis.Producer) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, redis.NewProducer(client, tableName(cfg.Redis, table)))
}

// tableName maps the short table names to the configured ones.
func tableName(cfg config.RedisConfig, name string) string {
	switch strings.ToLower(name) {
	case "group", "groups", "isolation_group":
		return cfg.GroupTable
	case "port", "ports":
		return cfg.PortTable
	default:
		return name
	}
}

// parseFields parses FIELD=VALUE arguments.
func parseFields(args []string) ([]engine.FieldValue, error) {
	fields := make([]engine.FieldValue, 0, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid field %q, expected FIELD=VALUE", arg)
		}
		fields = append(fields, engine.FieldValue{Field: field, Value: value})
	}
	return fields, nil
}

func printEntry(w io.Writer, key string, fields []engine.FieldValue) {
	fmt.Fprintln(w, key)
	for _, fv := range fields {
		fmt.Fprintf(w, "    %s = %s\n", fv.Field, fv.Value)
	}
}
