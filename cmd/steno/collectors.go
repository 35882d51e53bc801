package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stenohq/steno/internal/collector"
)

func newCollectorsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collectors",
		Short: "Manage workspace collectors",
	}
	cmd.AddCommand(newCollectorsRegisterCmd(c))
	return cmd
}

func newCollectorsRegisterCmd(c *cli) *cobra.Command {
	var collectorType, collectorVersion, hostname string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a collector and print its API key",
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
			if hostname == "" {
				hostname, _ = os.Hostname()
			}

			result, err := collector.NewService(database, c.logger).Register(ctx,
				collector.RegisterRequest{
					WorkspaceID:      ws,
					CollectorType:    collectorType,
					CollectorVersion: collectorVersion,
					Hostname:         hostname,
				})
			if err != nil {
				return err
			}
			fmt.Printf("collector_id %s\n", result.CollectorID)
			fmt.Printf("api_key      %s\n", result.APIKey)
			fmt.Println("\nStore the key now: only its hash is kept and it cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&collectorType, "type", "", "collector type, e.g. claude_code (required)")
	cmd.Flags().StringVar(&collectorVersion, "collector-version", "", "collector version string")
	cmd.Flags().StringVar(&hostname, "hostname", "", "host the collector runs on (default: this host)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
