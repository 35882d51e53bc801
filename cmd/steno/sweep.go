package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stenohq/steno/internal/ingest"
	"github.com/stenohq/steno/internal/parser"
)

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one orphan linkage sweep over agent conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			ws, err := c.resolveWorkspace(ctx, database)
			if err != nil {
				return err
			}

			pipeline := ingest.NewPipeline(database, parser.NewRegistry(c.logger), c.logger)
			result, err := pipeline.SweepOrphans(ctx, ws, c.cfg.MaxLinkingAttempts)
			if err != nil {
				return err
			}
			fmt.Printf("examined %d orphans: %d linked, %d frozen\n",
				result.Examined, result.Linked, result.Frozen)
			return nil
		},
	}
}
