package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
)

func newAgentsCmd(deps appDeps) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents defined in the agents file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := deps.loadConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				file = cfg.AgentsFile
			}
			reg, err := agents.LoadFile(file)
			if err != nil {
				return err
			}
			return writeAgents(cmd, reg)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "agents file (defaults to SWITCHBOARD_AGENTS_FILE)")
	return cmd
}

func writeAgents(cmd *cobra.Command, reg *agents.Registry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tVOICE\tHANDOFFS\tDESCRIPTION")
	def := reg.Default().Name
	for _, name := range reg.ListAgents() {
		a, err := reg.GetAgent(name)
		if err != nil {
			return err
		}
		handoffs := make([]string, 0, len(a.Handoffs))
		for tool, target := range a.Handoffs {
			handoffs = append(handoffs, tool+"->"+target)
		}
		sort.Strings(handoffs)
		label := a.Name
		if a.Name == def {
			label += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", label, orDash(a.Voice.Name), orDash(strings.Join(handoffs, ",")), orDash(a.Description))
	}
	for _, r := range reg.StateRules() {
		target := r.Target
		if target == "" {
			target = "by value"
		}
		fmt.Fprintf(tw, "rule %s\t-\t%s %s -> %s\t%s\n", r.Name, r.Key, r.When, target, orDash(r.Reason))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
