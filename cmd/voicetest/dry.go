package main

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/dry"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/metrics"
)

func newDryCommand(a *app) *cobra.Command {
	var (
		agentPath   string
		opts        = dry.DefaultOptions()
		jsonOut     bool
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "dry --agent <graph>",
		Short: "Report repeated prompt text that could become snippets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			g, err := graph.Load(agentPath)
			if err != nil {
				return errors.Wrapf(err, "load agent %s", agentPath)
			}
			rep := dry.Analyze(g, opts)

			if metricsFile != "" {
				col := metrics.New()
				col.ObserveDuplicates(len(rep.Exact), len(rep.Fuzzy))
				if err := col.WriteTextfile(metricsFile); err != nil {
					return errors.Wrap(err, "write metrics")
				}
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			renderDuplicates(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agentPath, "agent", "a", "", "agent graph file (YAML or JSON)")
	f.IntVar(&opts.MinLength, "min-length", dry.DefaultMinLength, "shortest sentence reported as an exact duplicate")
	f.Float64Var(&opts.FuzzyThreshold, "threshold", dry.DefaultFuzzyThreshold, "lowest similarity reported as a fuzzy match")
	f.IntVar(&opts.FuzzyMinLength, "fuzzy-min-length", dry.DefaultFuzzyMinLength, "shortest sentence considered for fuzzy matching")
	f.BoolVar(&jsonOut, "json", false, "print the report as JSON")
	f.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
