package blobstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations executes every *.sql file in migrationsFS against pool, in
// lexical filename order. It is forward-only and has no tracking table —
// kanmon's schema is a single small table, so idempotent `CREATE TABLE IF
// NOT EXISTS` statements are enough.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsFS fs.FS, logger *slog.Logger) error {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("blobstore: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, entry.Name())
		if err != nil {
			return fmt.Errorf("blobstore: read migration %s: %w", entry.Name(), err)
		}
		logger.Info("blobstore: running migration", "file", entry.Name())
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("blobstore: execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}
