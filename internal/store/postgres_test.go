package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("crm"),
		postgres.WithUsername("crm"),
		postgres.WithPassword("crm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresStore_Contract(t *testing.T) {
	s := startPostgres(t)

	runStoreContract(t, func(t *testing.T) Store {
		_, err := s.pool.Exec(context.Background(),
			`TRUNCATE events, workflow_templates, workflow_runs, workflow_run_logs, records`)
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStore_MigrateIdempotent(t *testing.T) {
	s := startPostgres(t)
	require.NoError(t, s.Migrate(context.Background()))
}
