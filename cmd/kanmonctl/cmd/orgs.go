package cmd

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanmon/internal/cache"
)

func newOrgsCmd() *cobra.Command {
	orgsCmd := &cobra.Command{
		Use:   "orgs",
		Short: "Inspect organization state in the permission store.",
	}
	orgsCmd.AddCommand(newOrgsBlockedCmd())
	return orgsCmd
}

func newOrgsBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List organizations currently blocked from allocating.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			mgr := cache.NewManager(store)
			blocked, err := mgr.GetBlocked(context.Background())
			if err != nil {
				return fmt.Errorf("kanmonctl: read blocked orgs: %w", err)
			}
			if len(blocked) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no organizations are blocked")
				return nil
			}

			ids := make([]string, 0, len(blocked))
			for id := range blocked {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "ORG_ID\tREASON\tBLOCKED_AT\tNOTE")
			for _, id := range ids {
				b := blocked[id]
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", id, b.Reason, b.BlockedAt, b.Note)
			}
			return nil
		},
	}
}
