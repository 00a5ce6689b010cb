package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/kernel"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

func newRunCmd() *cobra.Command {
	var (
		graphPath       string
		namespace       string
		exitOnFinish    bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the server",
		Long: `Starts the session engine. With --graph, a session is created from the
graph file and launched immediately. The server stops on SIGINT or SIGTERM, or
when the graph's session ends if --exit-on-finish is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var graph *session.AgentGraph
			if graphPath != "" {
				if graph, err = session.LoadGraph(graphPath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			k, err := kernel.NewKernel(ctx, cfg)
			if err != nil {
				return err
			}
			logger := logx.NewLogger("server")

			stopKernel := func() error {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return k.Stop(sctx)
			}
			if err := k.Start(); err != nil {
				return errors.Join(err, stopKernel())
			}

			if cfg.Metrics.Enabled {
				addr, err := k.StartHTTPServer(ctx, cfg.Metrics.Listen)
				if err != nil {
					return errors.Join(err, stopKernel())
				}
				logger.Info("Serving /metrics and /healthz on %s", addr)
			}

			var finished <-chan struct{}
			var s *session.Session
			if graph != nil {
				if s, err = k.RunGraph(ctx, namespace, graph); err != nil {
					return errors.Join(err, stopKernel())
				}
				logger.Info("Launched session %s in namespace %s", s.ID(), namespace)
				if exitOnFinish {
					finished = s.Done()
				}
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case <-finished:
				logger.Info("Session %s finished", s.ID())
			}

			err = stopKernel()
			if s != nil {
				printUsage(cmd, s.UsageReports())
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Agent graph YAML to launch at startup")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace for the startup session")
	cmd.Flags().BoolVar(&exitOnFinish, "exit-on-finish", false, "Stop once the startup session ends")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for agents to stop")
	return cmd
}

func printUsage(cmd *cobra.Command, reports []session.UsageReport) {
	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "%-20s %-10s %-10s %s\n", r.Agent, r.Runtime, r.Outcome, r.Duration().Round(time.Millisecond))
	}
}
