// Package testutil provides shared integration-test infrastructure: a
// throwaway Postgres container for exercising blobstore.PostgresStore
// against a real database instead of MemStore's in-process fake.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/migrations"
)

// PostgresContainer wraps a running Postgres testcontainer and its DSN.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a disposable Postgres container for use from
// TestMain. Calls os.Exit(1) on failure.
func MustStartPostgres() *PostgresContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kanmon",
			"POSTGRES_PASSWORD": "kanmon",
			"POSTGRES_DB":       "kanmon",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://kanmon:kanmon@%s:%s/kanmon?sslmode=disable", host, port.Port())
	return &PostgresContainer{Container: container, DSN: dsn}
}

// NewStore connects a blobstore.PostgresStore to this container and runs
// migrations.
func (c *PostgresContainer) NewStore(ctx context.Context, logger *slog.Logger) (*blobstore.PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, c.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("testutil: connect pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("testutil: ping pool: %w", err)
	}
	if err := blobstore.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return blobstore.NewPostgresStore(pool, logger, 5*time.Second, 5), pool, nil
}

// Terminate stops and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) {
	_ = c.Container.Terminate(ctx)
}
