package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/ingest"
	"github.com/stenohq/steno/internal/parser"
)

func newIngestCmd(c *cli) *cobra.Command {
	var (
		agentHint      string
		skipDuplicates bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest log files or directories of log files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runIngest(cmd, args, agentHint, skipDuplicates)
		},
	}
	cmd.Flags().StringVar(&agentHint, "agent", "",
		"agent type hint when format probing is ambiguous")
	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false,
		"treat already-ingested content as success instead of failing")
	return cmd
}

func (c *cli) runIngest(cmd *cobra.Command, paths []string, agentHint string, skipDuplicates bool) error {
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

	registry := parser.NewRegistry(c.logger)
	registry.LoadPlugins(c.cfg.ParserPlugins)
	pipeline := ingest.NewPipeline(database, registry, c.logger)

	outcomes, err := pipeline.IngestPaths(ctx, ws, paths, ingest.Options{
		SourceType:     ingest.SourceCLI,
		Caller:         "cli",
		SkipDuplicates: skipDuplicates,
		AgentTypeHint:  agentHint,
	}, c.cfg.MaxLinkingAttempts)
	if err != nil {
		return err
	}

	var firstErr error
	succeeded, skipped, failed := 0, 0, 0
	for _, fo := range outcomes {
		switch {
		case fo.Err != nil:
			failed++
			fmt.Printf("%-9s %s: %v\n", "failed", fo.Path, fo.Err)
			if firstErr == nil {
				firstErr = fo.Err
			}
		case fo.Outcome.Status == db.JobSuccess:
			succeeded++
			fmt.Printf("%-9s %s (%d messages, conversation %s)\n",
				"ingested", fo.Path, fo.Outcome.MessagesAdded, fo.Outcome.ConversationID)
		default:
			skipped++
			fmt.Printf("%-9s %s\n", fo.Outcome.Status, fo.Path)
		}
	}
	fmt.Printf("\n%d ingested, %d skipped, %d failed\n", succeeded, skipped, failed)

	if firstErr != nil {
		return errkind.Wrap(errkind.KindOf(firstErr),
			fmt.Sprintf("%d of %d files failed", failed, len(outcomes)), firstErr)
	}
	return nil
}
