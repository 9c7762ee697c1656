package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanmon/internal/cache"
)

func newAppsCmd() *cobra.Command {
	appsCmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect application entries in the permission store.",
	}
	appsCmd.AddCommand(newAppsShowCmd())
	return appsCmd
}

func newAppsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <app-id>",
		Short: "Print the classification and grace-period state of one app.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			mgr := cache.NewManager(store)
			apps, err := mgr.GetApps(context.Background(), []string{args[0]})
			if err != nil {
				return fmt.Errorf("kanmonctl: read apps: %w", err)
			}
			entry, ok := apps[args[0]]
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unknown (never seen)\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintf(tw, "id\t%s\n", entry.ID)
			fmt.Fprintf(tw, "sponsored\t%v\n", entry.Sponsored)
			fmt.Fprintf(tw, "orphaned\t%v\n", entry.IsOrphaned())
			if entry.FreeUntil != nil {
				fmt.Fprintf(tw, "freeUntil\t%d\n", *entry.FreeUntil)
			}
			fmt.Fprintf(tw, "ownerId\t%s\n", entry.OwnerID)
			fmt.Fprintf(tw, "publisher\t%s\n", entry.Publisher)
			if len(entry.Emails) > 0 {
				fmt.Fprintf(tw, "emails\t%v\n", entry.Emails)
			}
			return nil
		},
	}
}
