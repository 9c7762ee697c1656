package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanmon/internal/blobstore"
)

// NewRootCmd builds the kanmonctl command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kanmonctl",
		Short:         "Inspect kanmon's permission blob store and invalidate a running instance's caches.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string (defaults to $DATABASE_URL)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(newAppsCmd())
	rootCmd.AddCommand(newOrgsCmd())
	rootCmd.AddCommand(newCacheCmd())
	return rootCmd
}

// connectStore opens a short-lived pool and wraps it in a PostgresStore. The
// caller is responsible for closing the returned pool via the cleanup func.
func connectStore(cmd *cobra.Command) (blobstore.Store, func(), error) {
	dsn, _ := cmd.Flags().GetString("database-url")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("kanmonctl: no database URL: pass --database-url or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("kanmonctl: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("kanmonctl: ping: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := blobstore.NewPostgresStore(pool, logger, 5*time.Second, 5)
	return store, pool.Close, nil
}
