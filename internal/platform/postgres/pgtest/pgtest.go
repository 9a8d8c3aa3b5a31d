// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package pgtest starts a throwaway PostgreSQL for integration tests.
//
// Tests using it are skipped unless GO_TEST_INTEGRATION is set:
//
//	GO_TEST_INTEGRATION=1 go test ./internal/users/... -count=1
package pgtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taibuivan/tradepost/internal/platform/migration"
	"github.com/taibuivan/tradepost/internal/platform/postgres"
)

// EnvIntegration gates every test that needs a container.
const EnvIntegration = "GO_TEST_INTEGRATION"

// MigrationsDir returns the absolute path of data/migrations regardless of the test's working directory.
func MigrationsDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "..", "data", "migrations")
}

// Start launches postgres:16-alpine, applies every migration and returns a pool.
// The container and pool are released with t.Cleanup.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(EnvIntegration) == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	request := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "user", "POSTGRES_PASSWORD": "pass", "POSTGRES_DB": "tradepost"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: request, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://user:pass@%s:%s/tradepost?sslmode=disable", host, port.Port())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, migration.RunUp(dsn, MigrationsDir(), logger))

	pool, err := postgres.NewPool(ctx, dsn, postgres.Options{StatementTimeout: 5 * time.Second}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
