package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/threatlink/common/database"
	"github.com/telhawk-systems/threatlink/migrations"
)

// setupTestDatabase starts a PostgreSQL container, migrates it and returns
// its connection string.
func setupTestDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("threatlink_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(connStr, migrations.FS))
	// A second run must be a no-op.
	require.NoError(t, database.Migrate(connStr, migrations.FS))
	return connStr
}

func TestPostgresRepository(t *testing.T) {
	connStr := setupTestDatabase(t)
	ctx := context.Background()

	runRepositoryTests(t, func(t *testing.T) Repository {
		repo, err := NewPostgresRepository(ctx, connStr, database.PoolOptions{MaxConns: 4})
		require.NoError(t, err)
		_, err = repo.pool.Exec(ctx, `TRUNCATE alerts, threat_correlations, campaigns, campaign_members, campaign_timeline`)
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		require.NoError(t, repo.Ping(ctx))
		return repo
	})
}
