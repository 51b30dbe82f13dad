// Package testutil starts throwaway database containers for integration
// tests. Tests using it are skipped under -short or when no container
// runtime is available.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func run(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) (context.Context, testcontainers.Container) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Skipf("cannot start %s container: %v", image, err)
	}
	return ctx, c
}

// Starts postgres and returns a DSN for it.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	ctx, c := run(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://dopoll:dopoll@%s:%s/dopoll_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "dopoll",
			"POSTGRES_PASSWORD": "dopoll",
			"POSTGRES_DB":       "dopoll_test",
		}),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	return fmt.Sprintf("postgres://dopoll:dopoll@%s/dopoll_test?sslmode=disable", endpoint)
}

// Starts redis and returns its host:port.
func RedisAddr(t *testing.T) string {
	t.Helper()
	ctx, c := run(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return endpoint
}

// Starts mongo with test commands enabled and returns a connection URI for
// it.
func MongoURI(t *testing.T) string {
	t.Helper()
	ctx, c := run(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		// Allows tests to set fail points
		testcontainers.WithCmd("mongod", "--setParameter", "enableTestCommands=1"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("mongo endpoint: %v", err)
	}
	return fmt.Sprintf("mongodb://%s", endpoint)
}
