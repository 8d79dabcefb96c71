package main

import (
	"os"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/graph"
)

func newExportCommand(a *app) *cobra.Command {
	var (
		agentPath string
		native    bool
		output    string
	)
	cmd := &cobra.Command{
		Use:   "export --agent <graph>",
		Short: "Write the graph as JSON with every snippet reference resolved",
		Long:  "By default snippets are expanded into the prompts and the snippet table is emptied, the form platform exporters expect. --native keeps the references.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := graph.Load(agentPath)
			if err != nil {
				return errors.Wrapf(err, "load agent %s", agentPath)
			}
			if !native {
				g = graph.ExpandGraphSnippets(g)
			}
			return writeGraph(cmd, g, output)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agentPath, "agent", "a", "", "agent graph file (YAML or JSON)")
	f.BoolVar(&native, "native", false, "keep snippet references")
	f.StringVarP(&output, "output", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func writeGraph(cmd *cobra.Command, g *graph.AgentGraph, output string) error {
	b, err := graph.Encode(g)
	if err != nil {
		return errors.Wrap(err, "encode graph")
	}
	b = append(b, '\n')
	if output == "" {
		_, err := cmd.OutOrStdout().Write(b)
		return err
	}
	if err := os.WriteFile(output, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", output)
	}
	return nil
}
