package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/isogrpd/pkg/admin"
	"github.com/openfroyo/isogrpd/pkg/engine"
)

func newGroupCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "group",
		Aliases: []string{"grp"},
		Short:   "Inspect and change isolation groups of a running daemon",
		Long: `Inspect and change isolation groups through the admin API.

Groups created here live only in the daemon; they are not written to the
configuration store. Use "isogrpd table set" for persistent changes.`,
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "create (port|bridge) NAME",
		Short: "Create an isolation group",
		Example: `  isogrpd group create port grp1
  isogrpd group create bridge grp2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			snap, err := client.CreateGroup(cmd.Context(), admin.CreateGroupRequest{Name: args[1], Type: args[0]})
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), output, []engine.GroupSnapshot{*snap})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an isolation group",
		Long: `Delete an isolation group. While other components still observe the
group the delete is deferred and the group is shown as pending_destroy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			snap, err := client.DeleteGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete of %s deferred, observers: %s\n",
					args[0], strings.Join(observerNames(snap.Observers), ","))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "set-bind NAME PORTS",
		Short:   "Replace the bind ports of an isolation group",
		Example: `  isogrpd group set-bind grp1 Ethernet0,Ethernet4`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			snap, err := client.SetBindPorts(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), output, []engine.GroupSnapshot{*snap})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "set-members NAME PORTS",
		Short:   "Replace the members of an isolation group",
		Example: `  isogrpd group set-members grp1 Ethernet8,PortChannel1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			snap, err := client.SetMembers(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), output, []engine.GroupSnapshot{*snap})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [NAME]",
		Short: "Show one or all isolation groups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				snap, err := client.Group(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printGroups(cmd.OutOrStdout(), output, []engine.GroupSnapshot{*snap})
			}
			snaps, err := client.Groups(cmd.Context())
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), output, snaps)
		},
	})

	return cmd
}

// printGroups writes snapshots in the requested format.
func printGroups(w io.Writer, format string, snaps []engine.GroupSnapshot) error {
	switch format {
	case "", "text":
		for i, snap := range snaps {
			if len(snaps) > 1 {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintln(w, strings.Repeat("-", 85))
			}
			dumpGroup(w, snap)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snaps); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// dumpGroup writes the debug dump of one group.
func dumpGroup(w io.Writer, snap engine.GroupSnapshot) {
	fmt.Fprintf(w, "Name:%s Type:%s Oid:%s State:%s\n", snap.Name, snap.Type.DisplayName(), snap.Handle, snap.State)
	if snap.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", snap.Description)
	}

	fmt.Fprintln(w, "Member Ports:")
	for _, m := range snap.Members {
		fmt.Fprintf(w, "    %s -> %s\n", m.Port, m.Handle)
	}
	dumpList(w, "Bind Ports:", snap.BindPorts)
	dumpList(w, "Pending Member Ports:", snap.PendingMembers)
	dumpList(w, "Pending Bind Ports:", snap.PendingBindPorts)
}

func dumpList(w io.Writer, title string, aliases []string) {
	fmt.Fprintf(w, "\n%s\n", title)
	for _, alias := range aliases {
		fmt.Fprintf(w, "    %s\n", alias)
	}
}

func observerNames(ids []engine.ObserverID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
