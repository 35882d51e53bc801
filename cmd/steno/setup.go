package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSetupCmd(c *cli) *cobra.Command {
	var orgName, wsName string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Bootstrap an organization and workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			org, err := database.CreateOrganization(orgName, "")
			if err != nil {
				return err
			}
			ws, err := database.CreateWorkspace(org.ID, wsName)
			if err != nil {
				return err
			}
			fmt.Printf("organization %s (%s)\n", org.Name, org.ID)
			fmt.Printf("workspace    %s (%s)\n", ws.Name, ws.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgName, "org", "default", "organization name")
	cmd.Flags().StringVar(&wsName, "name", "default", "workspace name")
	return cmd
}
