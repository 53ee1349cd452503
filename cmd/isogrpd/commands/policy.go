package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/policy"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
		Long: `Inspect and test the Rego policies group definitions are checked against.

The built-in policies are loaded together with the files listed in
policy.paths; policies in policy.disabled are shown but not evaluated.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			pe, err := newPolicyEngine(cmd.Context(), cfg.Policy, zerolog.Nop())
			if err != nil {
				return err
			}
			printPolicies(cmd.OutOrStdout(), pe.ListPolicies())
			return nil
		},
	})

	var members, bindPorts, description string
	check := &cobra.Command{
		Use:   "check (port|bridge) NAME",
		Short: "Evaluate the policies against a group definition",
		Example: `  isogrpd policy check port grp1 --members Ethernet0,Ethernet4 --ports Ethernet8`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupType, err := engine.ParseGroupType(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			pe, err := newPolicyEngine(cmd.Context(), cfg.Policy, zerolog.Nop())
			if err != nil {
				return err
			}

			result, err := pe.Evaluate(cmd.Context(), policy.NewInput(engine.AdmissionRequest{
				Name:        args[1],
				Type:        groupType,
				Description: description,
				Members:     engine.ParseAliasList(members),
				BindPorts:   engine.ParseAliasList(bindPorts),
			}))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, v := range result.Violations {
				fmt.Fprintf(w, "✗ %s: %s\n", v.Policy, v.Message)
			}
			for _, v := range result.Warnings {
				fmt.Fprintf(w, "! %s: %s\n", v.Policy, v.Message)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(w, "? %s\n", e)
			}
			if !result.Allowed {
				return errors.New("definition rejected")
			}
			fmt.Fprintf(w, "✓ %s admitted (%d policies)\n", args[1], len(result.EvaluatedPolicies))
			return nil
		},
	}
	check.Flags().StringVar(&members, "members", "", "comma-separated member ports")
	check.Flags().StringVar(&bindPorts, "ports", "", "comma-separated bind ports")
	check.Flags().StringVar(&description, "description", "", "group description")
	cmd.AddCommand(check)

	return cmd
}

func printPolicies(w io.Writer, policies []policy.Policy) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE")
	for _, p := range policies {
		source := p.Source
		if p.Builtin {
			source = "builtin"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, source)
	}
	_ = tw.Flush()
}
