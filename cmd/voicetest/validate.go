package main

import (
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/suite"
)

func newValidateCommand(a *app) *cobra.Command {
	var agentPath string
	cmd := &cobra.Command{
		Use:   "validate --agent <graph> [tests]...",
		Short: "Check an agent graph, optional suites and the run configuration without calling any model",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := a.loadConfig(); err != nil {
				return err
			}

			g, err := graph.Load(agentPath)
			if err != nil {
				var ie *graph.IntegrityError
				if errors.As(err, &ie) {
					renderDiagnostics(out, ie.Diagnostics)
				}
				return errors.Wrapf(err, "load agent %s", agentPath)
			}
			diags := graph.Validate(g)
			renderDiagnostics(out, diags)
			fmt.Fprintf(out, "agent %s: %d nodes, %d snippets, %d warnings\n", agentPath, len(g.Nodes), len(g.Snippets), len(diags))

			if len(args) == 0 {
				return nil
			}
			files, err := suite.Discover(args...)
			if err != nil {
				return err
			}
			s, err := suite.Load(files...)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "suite: %d tests, %d global metrics in %d files\n", len(s.Tests), len(s.GlobalMetrics), len(files))
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentPath, "agent", "a", "", "agent graph file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
