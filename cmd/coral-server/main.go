// Command coral-server runs the agent session engine.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/config"
)

// Global flags.
var (
	configPath string
	noColor    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coral-server",
		Short: "Multi-agent session engine",
		Long: `coral-server launches graphs of agents into sessions, connects them
through threads and supervises their runtimes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CORAL_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if noColor {
		cfg.Logging.Color = config.ColorNever
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}
