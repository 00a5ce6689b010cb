package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/kernel"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

func newValidateCmd() *cobra.Command {
	var graphPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and, optionally, an agent graph",
		Long: `Loads the configuration and the agent registry. With --graph, also checks
that every agent in the graph resolves and provides its selected runtime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, _, err := kernel.NewRegistry(cfg.Registry)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).SprintFunc()
			fmt.Fprintf(out, "%s configuration\n", ok("✓"))

			if graphPath == "" {
				return nil
			}
			graph, err := session.LoadGraph(graphPath)
			if err != nil {
				return err
			}
			for _, name := range graph.Names() {
				if err := checkAgent(cmd, reg, name, graph.Agents[name]); err != nil {
					return fmt.Errorf("agent %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s %s (%s)\n", ok("✓"), name, graph.Agents[name].Runtime)
			}
			fmt.Fprintf(out, "%s graph: %d agents, %d groups\n", ok("✓"), len(graph.Agents), len(graph.Groups))
			return nil
		},
	}

	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Agent graph YAML to validate")
	return cmd
}

func checkAgent(cmd *cobra.Command, reg registry.Registry, name string, ga session.GraphAgent) error {
	id, err := registry.ParseIdentifier(ga.Agent)
	if err != nil {
		return err
	}
	def, err := reg.Resolve(cmd.Context(), id)
	if err != nil {
		return err
	}
	if _, ok := def.Runtime(ga.Runtime); !ok {
		return fmt.Errorf("%s does not provide a %s runtime", def.ID, ga.Runtime)
	}
	return nil
}
