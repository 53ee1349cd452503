package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/isogrpd/pkg/stores"
)

func newEventsCommand(a *app) *cobra.Command {
	var (
		filter     stores.EventFilter
		level      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled group events, newest first",
		Example: `  # Last 20 events of one group
  isogrpd events --group grp1 --limit 20

  # Hardware errors only
  isogrpd events --type hardware.error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			filter.Level = stores.EventLevel(level)
			events, err := client.Events(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Group, "group", "", "only events of this group")
	cmd.Flags().StringVar(&filter.Port, "port", "", "only events of this port")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only events of this type")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of events")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "skip the newest events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printEvents(w io.Writer, events []*stores.Event) {
	for _, e := range events {
		port := ""
		if e.Port != "" {
			port = " port=" + e.Port
		}
		fmt.Fprintf(w, "%s %-7s %-22s group=%s%s %s\n",
			e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Type, e.Group, port, e.Message)
	}
}
