// Package containers starts throwaway backend containers for integration
// tests. Every helper skips the calling test unless DOCFLOW_INTEGRATION=1.
package containers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvIntegration gates container-backed tests.
const EnvIntegration = "DOCFLOW_INTEGRATION"

// SkipUnlessIntegration skips t unless integration tests are enabled.
func SkipUnlessIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv(EnvIntegration) != "1" {
		t.Skipf("set %s=1 to run container-backed tests", EnvIntegration)
	}
}

type shared struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	redisC    shared
	postgresC shared
	mongoC    shared
)

func (s *shared) start(t testing.TB, run func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		_, s.endpoint, s.err = run(ctx)
	})
	require.NoError(t, s.err)
	return s.endpoint
}

// RedisAddress returns host:port of a shared Redis container.
func RedisAddress(t testing.TB) string {
	t.Helper()
	SkipUnlessIntegration(t)
	return redisC.start(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, endpoint, nil
	})
}

// PostgresDSN returns a connection string for a shared Postgres container.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	SkipUnlessIntegration(t)
	return postgresC.start(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// Postgres logs readiness twice: once for the init run, once for the real server.
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "docflow",
				"POSTGRES_PASSWORD": "docflow",
				"POSTGRES_DB":       "docflow_test",
			}),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, fmt.Sprintf("postgres://docflow:docflow@%s/docflow_test?sslmode=disable", endpoint), nil
	})
}

// MongoURI returns a mongodb:// URI for a shared MongoDB container.
func MongoURI(t testing.TB) string {
	t.Helper()
	SkipUnlessIntegration(t)
	return mongoC.start(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, "mongodb://" + endpoint, nil
	})
}
