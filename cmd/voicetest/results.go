package main

import (
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/store"
)

func newResultsCommand(a *app) *cobra.Command {
	var (
		limit       int
		jsonOut     bool
		transcripts bool
	)
	cmd := &cobra.Command{
		Use:   "results [run-id|latest]",
		Short: "List stored runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := contextOrBackground(cmd)
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := st.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return encodeJSON(cmd, runs)
				}
				renderRunList(out, runs)
				return nil
			}

			id := args[0]
			if id == "latest" {
				id = ""
			}
			run, err := st.LoadRun(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "run %s", args[0])
			}
			if jsonOut {
				return encodeJSON(cmd, run)
			}
			renderRun(out, run)
			if transcripts {
				for _, r := range run.Results {
					fmt.Fprintf(out, "\n== %s (%s)\n%s\n", r.Test, r.Reason, r.Transcript.Render())
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&limit, "limit", 20, "number of runs to list; 0 lists all")
	f.BoolVar(&jsonOut, "json", false, "print JSON")
	f.BoolVar(&transcripts, "transcripts", false, "print each transcript")
	return cmd
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode json")
	}
	return nil
}
