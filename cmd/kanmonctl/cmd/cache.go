package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var validInvalidateBlobs = map[string]bool{
	"apps":        true,
	"org-members": true,
	"settings":    true,
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Force a running kanmon instance to refresh one of its cached blobs.",
	}
	cacheCmd.PersistentFlags().String("admin-url", "", "base URL of a running kanmon instance's admin endpoint (defaults to $KANMON_ADMIN_URL or http://localhost:8080)")
	cacheCmd.AddCommand(newCacheInvalidateCmd())
	return cacheCmd
}

func newCacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <apps|org-members|settings>",
		Short: "Invalidate one cached blob, forcing the next read to hit Postgres.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob := args[0]
			if !validInvalidateBlobs[blob] {
				return fmt.Errorf(`kanmonctl: unknown blob %q, want one of "apps", "org-members", "settings"`, blob)
			}

			base, _ := cmd.Flags().GetString("admin-url")
			if base == "" {
				base = os.Getenv("KANMON_ADMIN_URL")
			}
			if base == "" {
				base = "http://localhost:8080"
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/cache/invalidate?blob="+blob, nil)
			if err != nil {
				return fmt.Errorf("kanmonctl: build request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("kanmonctl: invalidate request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("kanmonctl: invalidate returned status %d", resp.StatusCode)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", blob)
			return nil
		},
	}
}
