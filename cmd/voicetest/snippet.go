package main

import (
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/graph"
)

func newSnippetCommand(a *app) *cobra.Command {
	var (
		agentPath string
		name      string
		text      string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "snippet --agent <graph> --name <name> --text <text>",
		Short: "Move repeated text into a snippet and replace each occurrence with a reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := graph.Load(agentPath)
			if err != nil {
				return errors.Wrapf(err, "load agent %s", agentPath)
			}
			out, locations, err := graph.ExtractSnippet(g, name, text)
			if err != nil {
				return err
			}
			if err := writeGraph(cmd, out, output); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "snippet %q replaced text in %d locations\n", name, len(locations))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agentPath, "agent", "a", "", "agent graph file (YAML or JSON)")
	f.StringVar(&name, "name", "", "snippet name")
	f.StringVar(&text, "text", "", "literal text to extract")
	f.StringVarP(&output, "output", "o", "", "output file (default stdout)")
	for _, req := range []string{"agent", "name", "text"} {
		_ = cmd.MarkFlagRequired(req)
	}
	return cmd
}
